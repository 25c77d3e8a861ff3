// Package store persists per-owner record sets behind a read-through TTL cache.
//
// Writes go through an owned Writer handle so that each owner has exactly one
// in-process writer at a time. There is no cross-process locking; processes
// sharing a backend accept staleness bounded by the cache TTL.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Options configures a Store.
type Options struct {
	// CacheTTL bounds how long a cached set is served. Defaults to one hour.
	CacheTTL time.Duration

	// CacheMaxEntries bounds the number of cached owners. Defaults to 1000.
	CacheMaxEntries int

	// Metrics enables Prometheus metrics when set.
	Metrics *Metrics

	// Now overrides the wall clock. Defaults to time.Now.
	Now func() time.Time
}

// Store is the per-owner record store.
type Store struct {
	docs    DocumentStore
	cache   *Cache
	loads   singleflight.Group
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	writers map[string]chan struct{}
}

// New creates a Store over docs.
func New(docs DocumentStore, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cache := NewCache(opts.CacheTTL, opts.CacheMaxEntries)
	cache.SetClock(now)
	cache.SetMetrics(opts.Metrics)

	return &Store{
		docs:    docs,
		cache:   cache,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
		writers: make(map[string]chan struct{}),
	}
}

// Get returns a deep copy of the owner's records.
//
// A missing or corrupt document yields an empty set. Other backend failures
// return a *StorageError.
func (s *Store) Get(ctx context.Context, owner string) (record.Set, error) {
	if err := record.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if set, ok := s.cache.Get(owner); ok {
		return set, nil
	}

	gen := s.cache.Generation(owner)
	v, err, _ := s.loads.Do(owner, func() (interface{}, error) {
		return s.load(context.WithoutCancel(ctx), owner, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(record.Set).Clone(), nil
}

// load reads and decodes the owner's document and installs it in the cache
// unless a write happened since gen was observed.
func (s *Store) load(ctx context.Context, owner string, gen uint64) (record.Set, error) {
	data, err := s.docs.Load(ctx, owner)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		s.metrics.recordLoad("missing")
		set := record.Set{}
		s.cache.SetIfGeneration(owner, gen, set)
		return set, nil
	case err != nil:
		s.metrics.recordLoad("error")
		s.logger.Error("failed to load records", zap.String("owner", owner), zap.Error(err))
		return nil, storageErr("load", owner, err)
	}

	set, err := Decode(owner, data)
	if err != nil {
		// Corrupt documents are not cached so an external repair is picked up.
		s.metrics.recordLoad("corrupt")
		s.logger.Warn("discarding corrupt record document",
			zap.String("owner", owner),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return record.Set{}, nil
	}

	s.metrics.recordLoad("ok")
	s.cache.SetIfGeneration(owner, gen, set)
	return set, nil
}

// Put replaces the owner's records. Convenience for Acquire, Put, Release.
func (s *Store) Put(ctx context.Context, owner string, set record.Set) error {
	w, err := s.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer w.Release()
	return w.Put(ctx, set)
}

// Update applies fn to the owner's records under the write handle and stores
// the result. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, owner string, fn func(record.Set) (record.Set, error)) error {
	w, err := s.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer w.Release()

	set, err := w.Records(ctx)
	if err != nil {
		return err
	}
	next, err := fn(set)
	if err != nil {
		return err
	}
	return w.Put(ctx, next)
}

// Invalidate drops the owner's cache entry.
func (s *Store) Invalidate(owner string) {
	s.cache.Delete(owner)
}

// Owners lists owners with a stored document.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	owners, err := s.docs.Owners(ctx)
	if err != nil {
		return nil, storageErr("owners", "", err)
	}
	return owners, nil
}

// Cache exposes the read cache.
func (s *Store) Cache() *Cache {
	return s.cache
}

// Acquire returns the owner's write handle, blocking until it is free or ctx
// is done. The caller must Release it.
func (s *Store) Acquire(ctx context.Context, owner string) (*Writer, error) {
	if err := record.ValidateOwner(owner); err != nil {
		return nil, err
	}

	s.mu.Lock()
	slot, ok := s.writers[owner]
	if !ok {
		slot = make(chan struct{}, 1)
		s.writers[owner] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return &Writer{store: s, owner: owner, slot: slot}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Writer is the single in-process write handle for one owner.
type Writer struct {
	store *Store
	owner string
	slot  chan struct{}

	mu       sync.Mutex
	released bool
}

// Owner returns the owner this handle writes for.
func (w *Writer) Owner() string {
	return w.owner
}

// Records reads the owner's current records.
func (w *Writer) Records(ctx context.Context) (record.Set, error) {
	if w.isReleased() {
		return nil, ErrHandleReleased
	}
	return w.store.Get(ctx, w.owner)
}

// Salvage reads the owner's document directly from the backend and keeps every
// valid record, reporting invalid and duplicate ones. A missing document
// yields an empty set.
func (w *Writer) Salvage(ctx context.Context) (record.Set, []Discarded, error) {
	if w.isReleased() {
		return nil, nil, ErrHandleReleased
	}
	data, err := w.store.docs.Load(ctx, w.owner)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return record.Set{}, nil, nil
	case err != nil:
		return nil, nil, storageErr("load", w.owner, err)
	}
	return Salvage(w.owner, data)
}

// Put validates and persists set, then refreshes the cache. On any failure
// the cache is left untouched.
func (w *Writer) Put(ctx context.Context, set record.Set) error {
	if w.isReleased() {
		return ErrHandleReleased
	}
	s := w.store
	if set == nil {
		set = record.Set{}
	}
	if err := set.Validate(w.owner); err != nil {
		s.metrics.recordWrite("invalid")
		return err
	}

	data, err := Encode(w.owner, set, s.now())
	if err != nil {
		s.metrics.recordWrite("error")
		return storageErr("encode", w.owner, err)
	}
	if err := s.docs.Save(ctx, w.owner, data); err != nil {
		s.metrics.recordWrite("error")
		s.logger.Error("failed to save records",
			zap.String("owner", w.owner),
			zap.Int("records", len(set)),
			zap.Error(err))
		return storageErr("save", w.owner, err)
	}

	s.cache.Set(w.owner, set)
	s.metrics.recordWrite("ok")
	s.logger.Debug("saved records", zap.String("owner", w.owner), zap.Int("records", len(set)))
	return nil
}

// Release frees the handle. It is safe to call more than once.
func (w *Writer) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	<-w.slot
}

func (w *Writer) isReleased() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}
