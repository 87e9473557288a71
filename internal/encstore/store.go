// Package encstore holds image encodings behind short-lived opaque keys.
//
// Entries are reference counted while a caller uses them and become eligible
// for eviction only once they are unreferenced and idle for longer than the TTL.
// Eviction is driven by Sweep, which is expected to run on its own schedule
// (see Sweeper) rather than inline with requests.
package encstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"visionchat/internal/core"
	"visionchat/internal/observability"
)

// DefaultTTL is how long an unreferenced entry survives after its last use.
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotFound is returned by Acquire for keys that were never issued or have been evicted.
	ErrNotFound = errors.New("encoding not found")

	// ErrCapacity is returned by Put when the store is at its entry or byte limit.
	ErrCapacity = errors.New("encoding store is full")
)

// Config holds encoding store limits.
type Config struct {
	// TTL is the idle time after the last use before an unreferenced entry may be evicted.
	TTL time.Duration

	// MaxEntries bounds the number of live entries (0 = unlimited).
	MaxEntries int

	// MaxBytes bounds the memory held by encodings, as reported by Encoding.Size (0 = unlimited).
	MaxBytes int64
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries    int    `json:"entries"`
	Pinned     int    `json:"pinned"`
	Bytes      int64  `json:"bytes"`
	Inserts    uint64 `json:"inserts"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Rejections uint64 `json:"rejections"`
}

type entry struct {
	key        string
	digest     uint64
	enc        core.Encoding
	size       int64
	createdAt  time.Time
	lastUsedAt time.Time
	refs       int
	removed    bool
}

// Store is a concurrency-safe map from image keys to encodings.
// All entry state is guarded by mu; encodings are never released while mu is held.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64
	seq     uint64

	ttl        time.Duration
	maxEntries int
	maxBytes   int64
	now        func() time.Time

	inserts    uint64
	hits       uint64
	misses     uint64
	evictions  uint64
	rejections uint64
}

// New creates an empty store.
func New(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		now:        time.Now,
	}
}

// Digest returns the content hash used to derive image keys.
func Digest(image []byte) uint64 {
	return xxhash.Sum64(image)
}

func formatKey(digest, seq uint64) string {
	return fmt.Sprintf("img_%016x_%x", digest, seq)
}

// TTL returns the configured idle time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put stores enc under a fresh key with no outstanding references.
// On ErrCapacity the store does not take ownership of enc.
func (s *Store) Put(digest uint64, enc core.Encoding) (string, error) {
	e, err := s.insert(digest, enc, 0)
	if err != nil {
		return "", err
	}
	return e.key, nil
}

// PutPinned stores enc under a fresh key and returns a handle holding the first
// reference, so the entry cannot be swept before the caller is done with it.
// On ErrCapacity the store does not take ownership of enc.
func (s *Store) PutPinned(digest uint64, enc core.Encoding) (*Handle, error) {
	e, err := s.insert(digest, enc, 1)
	if err != nil {
		return nil, err
	}
	return &Handle{store: s, key: e.key, digest: digest, enc: enc, e: e}, nil
}

func (s *Store) insert(digest uint64, enc core.Encoding, refs int) (*entry, error) {
	if enc == nil {
		return nil, errors.New("encstore: nil encoding")
	}
	size := enc.Size()

	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.maxEntries > 0 && len(s.entries) >= s.maxEntries) ||
		(s.maxBytes > 0 && s.bytes+size > s.maxBytes) {
		s.rejections++
		observability.StoreRejections.Inc()
		return nil, ErrCapacity
	}

	now := s.now()
	s.seq++
	e := &entry{
		key:        formatKey(digest, s.seq),
		digest:     digest,
		enc:        enc,
		size:       size,
		createdAt:  now,
		lastUsedAt: now,
		refs:       refs,
	}
	s.entries[e.key] = e
	s.bytes += size
	s.inserts++
	s.updateGaugesLocked()
	return e, nil
}

// Acquire takes a reference on the entry for key and marks it used.
// Every successful Acquire must be paired with a Release.
func (s *Store) Acquire(key string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		observability.StoreLookups.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	e.refs++
	e.lastUsedAt = s.now()
	s.hits++
	observability.StoreLookups.WithLabelValues("hit").Inc()
	return &Handle{store: s, key: e.key, digest: e.digest, enc: e.enc, e: e}, nil
}

// Release drops the reference held by h and marks the entry used. It never
// evicts a live entry; an entry already invalidated is freed once its last
// reference is gone. Releasing the same handle twice is a no-op.
func (s *Store) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	var freed core.Encoding
	s.mu.Lock()
	e := h.e
	if e.refs > 0 {
		e.refs--
	}
	e.lastUsedAt = s.now()
	if e.removed && e.refs == 0 && e.enc != nil {
		freed = e.enc
		e.enc = nil
		s.bytes -= e.size
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if freed != nil {
		freed.Release()
	}
}

// Invalidate removes key immediately. Later Acquire calls return ErrNotFound;
// the encoding itself is released once outstanding handles are released.
func (s *Store) Invalidate(key string) bool {
	var freed core.Encoding
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		e.removed = true
		s.evictions++
		observability.StoreEvictions.WithLabelValues("invalidated").Inc()
		if e.refs == 0 {
			freed = e.enc
			e.enc = nil
			s.bytes -= e.size
		}
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if freed != nil {
		freed.Release()
	}
	return ok
}

// Sweep evicts every unreferenced entry idle for longer than the TTL as of now,
// and returns the number evicted. The lock is held once for the candidate scan
// and once per eviction; encodings are released outside the lock.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	var candidates []string
	for key, e := range s.entries {
		if s.expiredLocked(e, now) {
			candidates = append(candidates, key)
		}
	}
	s.mu.Unlock()

	evicted := 0
	for _, key := range candidates {
		if enc := s.evictIfExpired(key, now); enc != nil {
			enc.Release()
			evicted++
		}
	}
	return evicted
}

func (s *Store) evictIfExpired(key string, now time.Time) core.Encoding {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: the entry may have been acquired since the scan.
	e, ok := s.entries[key]
	if !ok || !s.expiredLocked(e, now) {
		return nil
	}
	delete(s.entries, key)
	e.removed = true
	enc := e.enc
	e.enc = nil
	s.bytes -= e.size
	s.evictions++
	observability.StoreEvictions.WithLabelValues("ttl").Inc()
	s.updateGaugesLocked()
	return enc
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return e.refs == 0 && now.Sub(e.lastUsedAt) > s.ttl
}

func (s *Store) updateGaugesLocked() {
	observability.StoreEntries.Set(float64(len(s.entries)))
	observability.StoreBytes.Set(float64(s.bytes))
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := 0
	for _, e := range s.entries {
		if e.refs > 0 {
			pinned++
		}
	}
	return Stats{
		Entries:    len(s.entries),
		Pinned:     pinned,
		Bytes:      s.bytes,
		Inserts:    s.inserts,
		Hits:       s.hits,
		Misses:     s.misses,
		Evictions:  s.evictions,
		Rejections: s.rejections,
	}
}

// Handle grants read access to a stored encoding for as long as it is held.
type Handle struct {
	store    *Store
	e        *entry
	key      string
	digest   uint64
	enc      core.Encoding
	released atomic.Bool
}

// Key returns the image key of the entry.
func (h *Handle) Key() string {
	return h.key
}

// Digest returns the content hash of the image the entry was created from.
func (h *Handle) Digest() uint64 {
	return h.digest
}

// Encoding returns the stored encoding. It must not be used after Release.
func (h *Handle) Encoding() core.Encoding {
	return h.enc
}

// Release is shorthand for Store.Release(h).
func (h *Handle) Release() {
	h.store.Release(h)
}
