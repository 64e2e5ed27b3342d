//go:build integration

package state

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// getNATSURL returns the NATS URL from environment or default.
func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// newTestNATSStore creates a NATSStore on a fresh bucket.
func newTestNATSStore(t *testing.T) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   conn,
		Bucket: "test-" + uuid.NewString()[:8],
	})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		conn.Close()
	})

	return store
}

func TestNATSStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) StateStore {
		return newTestNATSStore(t)
	})
}
