// Package modelcache keeps synthesis models resident between requests.
//
// At most Capacity unpinned models are resident at once; pinned models never
// count against it and are never evicted. Concurrent acquisitions of a cold
// model share one engine load. A model is only evicted while nobody holds a
// lease on it, and only removed once the engine confirms the unload.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

var ErrClosed = errors.New("model cache closed")

// ModelLoadError is returned to every caller that waited on a failed load.
type ModelLoadError struct {
	ID    engine.ModelID
	Cause error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %d: %v", e.ID, e.Cause)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Cause
}

type Config struct {
	Capacity int
	Pinned   []engine.ModelID
}

type entry struct {
	id       engine.ModelID
	model    engine.Model
	pinned   bool
	refs     int
	lastUsed time.Time
	evicting bool
}

type Cache struct {
	engine   engine.Engine
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	capacity int
	pinned   map[engine.ModelID]bool
	now      func() time.Time

	// ctx bounds loads and evictions, which outlive any single caller.
	ctx    context.Context
	cancel context.CancelFunc

	loads singleflight.Group

	mu      sync.Mutex
	entries map[engine.ModelID]*entry
	// recency orders unpinned resident ids, oldest first. It never evicts on
	// its own; the size bound is enforced by reserve.
	recency *simplelru.LRU[engine.ModelID, struct{}]
	// reserved counts unpinned slots held by loads still in progress.
	reserved int
	// waiting counts callers between a finished load and taking their
	// reference, per id. Such entries are not eviction candidates.
	waiting map[engine.ModelID]int
	// changed is closed and replaced whenever a slot may have freed up.
	changed chan struct{}
	closed  bool
}

func New(cfg Config, eng engine.Engine, logger *slog.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("model cache capacity must be positive, got %d", cfg.Capacity)
	}
	recency, err := simplelru.NewLRU[engine.ModelID, struct{}](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	pinned := make(map[engine.ModelID]bool, len(cfg.Pinned))
	for _, id := range cfg.Pinned {
		pinned[id] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		engine:   eng,
		logger:   logger.With(slog.String("component", "model-cache")),
		metrics:  metrics,
		capacity: cfg.Capacity,
		pinned:   pinned,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[engine.ModelID]*entry),
		recency:  recency,
		waiting:  make(map[engine.ModelID]int),
		changed:  make(chan struct{}),
	}, nil
}

// Lease is a counted reference to a resident model. The model cannot be
// evicted until every lease on it is released.
type Lease struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

func (l *Lease) ID() engine.ModelID { return l.entry.id }

func (l *Lease) Model() engine.Model { return l.entry.model }

// Release returns the reference. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.once.Do(func() { l.cache.release(l.entry) })
}

// Acquire returns a lease on model id, loading it first if needed. Only
// callers asking for the same cold id wait on each other. Giving up through
// ctx does not cancel a load other callers may still want.
func (c *Cache) Acquire(ctx context.Context, id engine.ModelID) (*Lease, error) {
	missed := false
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[id]; ok {
			if !e.evicting {
				c.retainLocked(e)
				c.mu.Unlock()
				c.metrics.CacheLookup(ctx, uint32(id), !missed)
				return &Lease{cache: c, entry: e}, nil
			}
			wait := c.changed
			c.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		c.mu.Unlock()

		missed = true
		e, err := c.awaitLoad(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			c.metrics.CacheLookup(ctx, uint32(id), false)
			return &Lease{cache: c, entry: e}, nil
		}
	}
}

// awaitLoad joins or starts the load of id. On success it returns the loaded
// entry already retained for the caller, or nil if the entry is gone again and
// the caller has to look it up afresh.
func (c *Cache) awaitLoad(ctx context.Context, id engine.ModelID) (*entry, error) {
	c.mu.Lock()
	c.waiting[id]++
	c.mu.Unlock()

	ch := c.loads.DoChan(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		return nil, c.load(id)
	})

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err = res.Err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Retain before dropping the waiting mark so no eviction slips in between.
	var got *entry
	if err == nil && !c.closed {
		if e, ok := c.entries[id]; ok && !e.evicting {
			c.retainLocked(e)
			got = e
		}
	}
	if c.waiting[id]--; c.waiting[id] <= 0 {
		delete(c.waiting, id)
		c.broadcastLocked()
	}
	if err == nil && c.closed {
		err = ErrClosed
	}
	return got, err
}

func (c *Cache) load(id engine.ModelID) error {
	c.mu.Lock()
	for {
		e, ok := c.entries[id]
		if !ok {
			break
		}
		if !e.evicting {
			c.mu.Unlock()
			return nil
		}
		if err := c.waitLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	pinned := c.pinned[id]
	if !pinned {
		if err := c.reserveLocked(id); err != nil {
			c.mu.Unlock()
			return &ModelLoadError{ID: id, Cause: err}
		}
	}
	c.mu.Unlock()

	start := c.now()
	model, err := c.engine.LoadModel(c.ctx, id)
	took := c.now().Sub(start)
	c.metrics.CacheLoad(c.ctx, uint32(id), took, err)

	c.mu.Lock()
	if !pinned {
		c.reserved--
	}
	if err != nil {
		c.broadcastLocked()
		c.mu.Unlock()
		c.logger.Warn("model load failed", slog.Int("model_id", int(id)), slog.String("error", err.Error()))
		return &ModelLoadError{ID: id, Cause: err}
	}
	if c.closed {
		c.broadcastLocked()
		c.mu.Unlock()
		if err := c.engine.UnloadModel(context.Background(), model); err != nil {
			c.logger.Warn("unload after close failed", slog.Int("model_id", int(id)), slog.String("error", err.Error()))
		}
		return ErrClosed
	}
	c.entries[id] = &entry{id: id, model: model, pinned: pinned, lastUsed: c.now()}
	if !pinned {
		c.recency.Add(id, struct{}{})
	}
	c.mu.Unlock()

	c.metrics.CacheResident(c.ctx, 1)
	c.logger.Info("model loaded",
		slog.Int("model_id", int(id)),
		slog.Bool("pinned", pinned),
		slog.Duration("took", took),
	)
	return nil
}

// reserveLocked claims one unpinned slot for id, evicting idle models as
// needed. It may drop and retake c.mu.
func (c *Cache) reserveLocked(id engine.ModelID) error {
	skip := make(map[engine.ModelID]bool)
	var unloadErrs []error
	for {
		if c.closed {
			return ErrClosed
		}
		if c.recency.Len()+c.reserved < c.capacity {
			c.reserved++
			return nil
		}
		victim := c.victimLocked(skip)
		if victim == nil {
			if len(unloadErrs) > 0 {
				return fmt.Errorf("no room for model %d: %w", id, errors.Join(unloadErrs...))
			}
			if err := c.waitLocked(); err != nil {
				return err
			}
			continue
		}

		victim.evicting = true
		c.mu.Unlock()
		err := c.engine.UnloadModel(c.ctx, victim.model)
		c.mu.Lock()

		if err != nil {
			victim.evicting = false
			skip[victim.id] = true
			unloadErrs = append(unloadErrs, fmt.Errorf("unload model %d: %w", victim.id, err))
			c.broadcastLocked()
			c.metrics.CacheUnloadFailure(c.ctx, uint32(victim.id))
			c.logger.Warn("model unload failed, keeping it resident",
				slog.Int("model_id", int(victim.id)),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.removeLocked(victim)
		c.metrics.CacheEviction(c.ctx, uint32(victim.id))
		c.logger.Info("model evicted",
			slog.Int("model_id", int(victim.id)),
			slog.Int("for_model_id", int(id)),
		)
	}
}

// victimLocked picks the least recently used unpinned model that nobody
// holds or is about to hold.
func (c *Cache) victimLocked(skip map[engine.ModelID]bool) *entry {
	for _, id := range c.recency.Keys() {
		e := c.entries[id]
		if e == nil || e.evicting || e.refs > 0 || c.waiting[id] > 0 || skip[id] {
			continue
		}
		return e
	}
	return nil
}

func (c *Cache) retainLocked(e *entry) {
	e.refs++
	e.lastUsed = c.now()
	if !e.pinned {
		c.recency.Get(e.id)
	}
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	e.lastUsed = c.now()
	if e.refs == 0 {
		c.broadcastLocked()
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.id)
	c.recency.Remove(e.id)
	c.broadcastLocked()
	c.metrics.CacheResident(c.ctx, -1)
}

func (c *Cache) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// waitLocked sleeps until the next broadcast or until the cache closes.
func (c *Cache) waitLocked() error {
	wait := c.changed
	c.mu.Unlock()
	err := waitFor(c.ctx, wait)
	c.mu.Lock()
	if err != nil {
		return ErrClosed
	}
	return nil
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preload makes each id resident without holding it.
func (c *Cache) Preload(ctx context.Context, ids []engine.ModelID) error {
	var errs []error
	for _, id := range ids {
		lease, err := c.Acquire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lease.Release()
	}
	return errors.Join(errs...)
}

type EntryInfo struct {
	ID       engine.ModelID
	Pinned   bool
	Refs     int
	LastUsed time.Time
}

type Snapshot struct {
	Capacity int
	Pinned   []engine.ModelID
	Entries  []EntryInfo
}

// Unpinned counts resident entries subject to the capacity bound.
func (s Snapshot) Unpinned() int {
	n := 0
	for _, e := range s.Entries {
		if !e.Pinned {
			n++
		}
	}
	return n
}

func (s Snapshot) Resident(id engine.ModelID) (EntryInfo, bool) {
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return EntryInfo{}, false
}

// Snapshot reports the resident models ordered by id.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Capacity: c.capacity}
	for id := range c.pinned {
		snap.Pinned = append(snap.Pinned, id)
	}
	for _, e := range c.entries {
		snap.Entries = append(snap.Entries, EntryInfo{ID: e.id, Pinned: e.pinned, Refs: e.refs, LastUsed: e.lastUsed})
	}
	sort.Slice(snap.Pinned, func(i, j int) bool { return snap.Pinned[i] < snap.Pinned[j] })
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	return snap
}

// Close unloads every resident model. Models whose unload fails stay listed
// and their errors are returned joined. Later calls return nil.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	var victims []*entry
	for _, e := range c.entries {
		if e.evicting {
			continue
		}
		if e.refs > 0 {
			c.logger.Warn("unloading model still in use", slog.Int("model_id", int(e.id)), slog.Int("refs", e.refs))
		}
		e.evicting = true
		victims = append(victims, e)
	}
	c.broadcastLocked()
	c.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].id < victims[j].id })
	var errs []error
	for _, e := range victims {
		err := c.engine.UnloadModel(ctx, e.model)
		c.mu.Lock()
		if err != nil {
			e.evicting = false
			c.mu.Unlock()
			errs = append(errs, fmt.Errorf("unload model %d: %w", e.id, err))
			continue
		}
		c.removeLocked(e)
		c.mu.Unlock()
	}
	if len(errs) == 0 {
		c.logger.Info("model cache closed", slog.Int("unloaded", len(victims)))
	}
	return errors.Join(errs...)
}
