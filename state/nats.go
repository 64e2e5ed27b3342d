package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// maxUpdateRetries bounds the compare-and-swap loop in Update.
	maxUpdateRetries = 16

	callTimeout = 5 * time.Second
	scanTimeout = 10 * time.Second
)

// NATSStore keeps tasks in a JetStream key-value bucket so worker pools on
// several hosts share one view. Create, Update and leases are
// revision-checked writes.
//
// Per-key TTLs are not supported by the bucket; Put ignores ttl and
// relies on the bucket-wide TTL, if any. Leases carry their own expiry.
type NATSStore struct {
	kv     jetstream.KeyValue
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig configures the bucket backing a NATSStore.
type NATSStoreConfig struct {
	// Conn is a connected client, usually shared with the bus.
	Conn *nats.Conn

	Bucket string

	// TTL expires every entry in the bucket. Zero keeps entries forever.
	TTL time.Duration

	// History is the number of revisions kept per key.
	History int

	// MaxValueSize caps one serialized task.
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns the "dispatch" bucket with one revision
// per key and 1MB values.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "dispatch",
		History:      1,
		MaxValueSize: 1 << 20,
	}
}

// NewNATSStore creates the bucket if needed and binds to it.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats store: connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "task dispatcher state",
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", cfg.Bucket, err)
	}
	return &NATSStore{kv: kv, locks: make(map[string]*natsLock)}, nil
}

func (s *NATSStore) ready(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// fetch reads key and maps a missing key to ErrNotFound.
func (s *NATSStore) fetch(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	e, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return e, nil
}

// fromEntry converts a bucket entry. The bucket stamps each revision, so
// Created and Modified both carry the write time of that revision.
func fromEntry(e jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       e.Key(),
		Value:     e.Value(),
		Revision:  e.Revision(),
		Operation: opFromNATS(e.Operation()),
		Created:   e.Created(),
		Modified:  e.Created(),
	}
}

func opFromNATS(op jetstream.KeyValueOp) Operation {
	if op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
		return OpDelete
	}
	return OpPut
}

func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := s.ready(key); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	e, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return fromEntry(e), nil
}

func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.ready(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) Create(key string, value []byte) error {
	if err := s.ready(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	_, err := s.kv.Create(ctx, key, value)
	switch {
	case errors.Is(err, jetstream.ErrKeyExists):
		return ErrKeyExists
	case err != nil:
		return fmt.Errorf("kv create %s: %w", key, err)
	}
	return nil
}

// Update is a compare-and-swap on the key's revision. A lost race re-reads
// and calls fn again.
func (s *NATSStore) Update(key string, fn UpdateFunc) error {
	if err := s.ready(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	for range maxUpdateRetries {
		e, err := s.fetch(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(e.Value())
		if err != nil {
			return err
		}
		_, err = s.kv.Update(ctx, key, next, e.Revision())
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("kv update %s: %w", key, err)
		}
	}
	return fmt.Errorf("kv update %s: revision changed %d times in a row", key, maxUpdateRetries)
}

func (s *NATSStore) Delete(key string) error {
	if err := s.ready(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys matching pattern. Lease entries are included when the
// pattern covers them.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// subjectFilter turns a store pattern into a bucket filter. Patterns whose
// prefix does not end on a token boundary watch everything and are
// narrowed locally.
func subjectFilter(pattern string) string {
	prefix, wild := strings.CutSuffix(pattern, "*")
	switch {
	case !wild:
		return pattern
	case prefix == "" || !strings.HasSuffix(prefix, "."):
		return ">"
	default:
		return prefix + ">"
	}
}

// Watch streams puts on keys matching pattern. Deletes are not reported.
func (s *NATSStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	w, err := s.kv.Watch(context.Background(), subjectFilter(pattern),
		jetstream.IgnoreDeletes(), jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	ch := make(chan *KeyValue, 64)
	go s.forward(w, ch, pattern)
	return ch, nil
}

func (s *NATSStore) forward(w jetstream.KeyWatcher, ch chan<- *KeyValue, pattern string) {
	defer close(ch)
	defer w.Stop()
	for e := range w.Updates() {
		if s.closed.Load() {
			return
		}
		if e == nil || !MatchPattern(pattern, e.Key()) {
			continue
		}
		select {
		case ch <- fromEntry(e):
		default:
		}
	}
}

// Lock takes a lease stored as an entry holding the owner token and
// expiry. An expired lease is taken over with a revision-checked update.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := s.ready(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	l := &natsLock{store: s, key: "_lock." + key, owner: uuid.NewString(), ttl: ttl}
	l.expires = time.Now().Add(ttl)
	value, err := json.Marshal(lockRecord{Owner: l.owner, Expires: l.expires})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	l.revision, err = s.kv.Create(ctx, l.key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		l.revision, err = s.takeOver(ctx, l.key, value)
	}
	if err != nil {
		return nil, err
	}

	s.lockMu.Lock()
	s.locks[l.key] = l
	s.lockMu.Unlock()
	return l, nil
}

// takeOver replaces an expired lease entry. A live or concurrently
// replaced entry yields ErrLockHeld.
func (s *NATSStore) takeOver(ctx context.Context, lockKey string, value []byte) (uint64, error) {
	e, err := s.fetch(ctx, lockKey)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrLockHeld
	}
	if err != nil {
		return 0, err
	}
	var held lockRecord
	if json.Unmarshal(e.Value(), &held) == nil && !held.expired(time.Now()) {
		return 0, ErrLockHeld
	}
	rev, err := s.kv.Update(ctx, lockKey, value, e.Revision())
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, ErrLockHeld
	}
	if err != nil {
		return 0, fmt.Errorf("take over %s: %w", lockKey, err)
	}
	return rev, nil
}

// Close marks every lease handed out by this store released. The entries
// stay in the bucket and expire on their own.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for _, l := range s.locks {
		l.released.Store(true)
	}
	s.locks = nil
	return nil
}

type natsLock struct {
	store    *NATSStore
	key      string
	owner    string
	ttl      time.Duration
	released atomic.Bool

	mu       sync.Mutex
	revision uint64
	expires  time.Time
}

// Unlock deletes the lease entry unless another holder replaced it.
func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	switch {
	case err == nil, errors.Is(err, jetstream.ErrKeyNotFound):
		return nil
	case errors.Is(err, jetstream.ErrKeyExists):
		return ErrLockNotHeld
	default:
		return fmt.Errorf("release %s: %w", l.key, err)
	}
}

// Refresh rewrites the lease with a later expiry at the revision this
// holder last wrote.
func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !now.Before(l.expires) {
		l.released.Store(true)
		return ErrLockExpired
	}
	expires := now.Add(l.ttl)
	value, err := json.Marshal(lockRecord{Owner: l.owner, Expires: expires})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	rev, err := l.store.kv.Update(ctx, l.key, value, l.revision)
	if errors.Is(err, jetstream.ErrKeyExists) || errors.Is(err, jetstream.ErrKeyNotFound) {
		l.released.Store(true)
		return ErrLockExpired
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	l.revision, l.expires = rev, expires
	return nil
}

func (l *natsLock) Key() string   { return l.key }
func (l *natsLock) Owner() string { return l.owner }
