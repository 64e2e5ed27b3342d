package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sweepInterval is how often MemoryStore drops expired entries and leases.
const sweepInterval = time.Second

// MemoryStore keeps tasks and leases in process memory. It backs tests
// and single-process runs; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	leases   map[string]lockRecord
	watchers []*watcher
	revision uint64
	closed   atomic.Bool
	now      func() time.Time
	stop     chan struct{}
}

type memEntry struct {
	kv      KeyValue
	expires time.Time
}

func (e *memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates an empty store with a background sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memEntry),
		leases:  make(map[string]lockRecord),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.dropExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) dropExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.entries {
		if !e.live(now) {
			delete(s.entries, key)
			s.emit(key, nil, OpDelete, now)
		}
	}
	for key, rec := range s.leases {
		if rec.expired(now) {
			delete(s.leases, key)
		}
	}
}

// check validates key and reports ErrClosed after Close.
func (s *MemoryStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// lookup returns the live entry for key. Caller holds s.mu.
func (s *MemoryStore) lookup(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok || !e.live(s.now()) {
		return nil, false
	}
	return e, true
}

// Get returns a copy of the value stored at key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue returns a copy of the entry stored at key.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	kv := e.kv
	kv.Value = clone(e.kv.Value)
	return &kv, nil
}

// Put stores value at key. A positive ttl expires the entry.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.write(key, value, now, expires)
	return nil
}

// Create stores value only when key is absent or expired.
func (s *MemoryStore) Create(key string, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return ErrKeyExists
	}
	delete(s.entries, key)
	s.write(key, value, s.now(), time.Time{})
	return nil
}

// Update rewrites an existing entry under the store lock. The entry keeps
// its expiry.
func (s *MemoryStore) Update(key string, fn UpdateFunc) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	next, err := fn(clone(e.kv.Value))
	if err != nil {
		return err
	}
	s.write(key, next, s.now(), e.expires)
	return nil
}

// write stores a copy of value and notifies watchers. Caller holds s.mu.
func (s *MemoryStore) write(key string, value []byte, now, expires time.Time) {
	created := now
	if prev, ok := s.entries[key]; ok {
		created = prev.kv.Created
	}
	rev := s.emit(key, value, OpPut, now)
	s.entries[key] = &memEntry{
		kv: KeyValue{
			Key:       key,
			Value:     clone(value),
			Revision:  rev,
			Operation: OpPut,
			Created:   created,
			Modified:  now,
		},
		expires: expires,
	}
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.emit(key, nil, OpDelete, s.now())
	}
	return nil
}

// Keys lists live keys matching pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []string
	for key, e := range s.entries {
		if e.live(now) && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams puts and deletes on keys matching pattern. A slow reader
// misses events rather than blocking writers.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	w := &watcher{pattern: pattern, ch: make(chan *KeyValue, 64)}
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	return w.ch, nil
}

// emit bumps the revision and fans the change out. Caller holds s.mu.
func (s *MemoryStore) emit(key string, value []byte, op Operation, now time.Time) uint64 {
	s.revision++
	for _, w := range s.watchers {
		if w.closed.Load() || !MatchPattern(w.pattern, key) {
			continue
		}
		ev := &KeyValue{Key: key, Value: clone(value), Revision: s.revision, Operation: op, Modified: now}
		select {
		case w.ch <- ev:
		default:
		}
	}
	return s.revision
}

// Lock takes the lease on key for ttl. An expired lease is taken over.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.leases[key]; ok && !rec.expired(now) {
		return nil, ErrLockHeld
	}
	l := &memoryLock{store: s, key: key, owner: uuid.NewString(), ttl: ttl}
	s.leases[key] = lockRecord{Owner: l.owner, Expires: now.Add(ttl)}
	return l, nil
}

// Close stops the sweeper and closes every watch channel.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// memoryLock is a lease held in a MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	owner    string
	ttl      time.Duration
	released atomic.Bool
}

// held reports whether l still owns an unexpired lease. Caller holds the
// store lock.
func (l *memoryLock) held(now time.Time) bool {
	rec, ok := l.store.leases[l.key]
	return ok && rec.Owner == l.owner && !rec.expired(now)
}

func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if !l.held(l.store.now()) {
		return ErrLockNotHeld
	}
	delete(l.store.leases, l.key)
	return nil
}

func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := l.store.now()
	if !l.held(now) {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.store.leases[l.key] = lockRecord{Owner: l.owner, Expires: now.Add(l.ttl)}
	return nil
}

func (l *memoryLock) Key() string   { return l.key }
func (l *memoryLock) Owner() string { return l.owner }
