// Package state provides durable shared state for task dispatch.
//
// The StateStore interface enables key-value storage with TTL, atomic
// read-modify-write, watch notifications, and leased locks across several
// backends (SQLite, NATS JetStream KV, in-memory).
//
// # Key Features
//
//   - Key-value operations: Get, Put, Delete with optional TTL
//   - Create and Update: insert-if-absent and atomic read-modify-write
//   - Watch: Subscribe to changes on key patterns
//   - Leased locks: owner-tokened, expire unless refreshed
//   - Multiple backends: SQLite (single host), NATS JetStream KV (cluster),
//     in-memory (testing)
//
// # Usage
//
//	// Single host: SQLite file
//	store, _ := state.NewSQLiteStore(ctx, "dispatch.db")
//
//	// Cluster: NATS JetStream KV
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := state.NewNATSStore(state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "dispatch",
//	})
//
//	// Atomic update
//	store.Update("tasks.task.1", func(cur []byte) ([]byte, error) {
//	    return append(cur, '!'), nil
//	})
//
//	// Leased locking
//	lock, _ := store.Lock("tasks.lease.1", 30*time.Second)
//	defer lock.Unlock()
//	// ... refresh periodically while working ...
package state
