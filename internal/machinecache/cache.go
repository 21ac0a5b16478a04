// Package machinecache is a read-through cache of machine id to machine type.
//
// Entries expire after a fixed TTL and the least recently used entry is evicted when the cache
// is full. Negative results are never cached, so a newly registered machine is visible on the
// next lookup. The reference store is queried outside the cache lock.
package machinecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
)

// Store is the reference lookup behind the cache.
type Store interface {
	MachineType(ctx context.Context, machineID int64) (machineType string, found bool, err error)
}

type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	machineID   int64
	machineType string
	expiresAt   time.Time
}

// Info is a point-in-time view of the cache.
type Info struct {
	CurrentSize      int     `json:"current_size"`
	MaxSize          int     `json:"max_size"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	CachedMachineIDs []int64 `json:"cached_machine_ids"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Evictions        uint64  `json:"evictions"`
	Expirations      uint64  `json:"expirations"`
	StoreLookups     uint64  `json:"store_lookups"`
}

// WarmupResult counts preloaded machines.
type WarmupResult struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Total   int `json:"total"`
}

type Cache struct {
	store   Store
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	items map[int64]*list.Element
	order *list.List // front is most recently used

	hits, misses, evictions, expirations, lookups uint64

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts the expiry sweeper when CleanupInterval is positive.
func New(store Store, opts Options, logger *zap.Logger) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}

	c := &Cache{
		store:    store,
		ttl:      opts.TTL,
		maxSize:  opts.MaxSize,
		now:      opts.Now,
		logger:   logger,
		items:    make(map[int64]*list.Element),
		order:    list.New(),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.sweep(opts.CleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// Lookup returns the machine type, querying the store on a miss or after expiry.
// An unknown machine yields an error matching apperrors.ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, machineID int64) (string, error) {
	if machineType, ok := c.get(machineID); ok {
		return machineType, nil
	}

	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()

	machineType, found, err := c.store.MachineType(ctx, machineID)
	if err != nil {
		var repoErr *apperrors.RepositoryError
		if !errors.As(err, &repoErr) {
			err = apperrors.Repository("machine_type", err)
		}
		return "", err
	}
	if !found {
		c.logger.Debug("[MachineCache] Machine not registered", zap.Int64("machine_id", machineID))
		return "", fmt.Errorf("machine %d: %w", machineID, apperrors.ErrNotFound)
	}

	c.put(machineID, machineType)
	return machineType, nil
}

func (c *Cache) get(machineID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[machineID]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return "", false
	}

	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		metrics.CacheMisses.Inc()
		return "", false
	}

	c.order.MoveToFront(el)
	c.hits++
	metrics.CacheHits.Inc()
	return e.machineType, true
}

func (c *Cache) put(machineID int64, machineType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[machineID]; ok {
		e := el.Value.(*entry)
		e.machineType = machineType
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	c.items[machineID] = c.order.PushFront(&entry{
		machineID:   machineID,
		machineType: machineType,
		expiresAt:   expiresAt,
	})

	for len(c.items) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
	metrics.CacheSize.Set(float64(len(c.items)))
}

// removeElement must be called with mu held.
func (c *Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).machineID)
	metrics.CacheSize.Set(float64(len(c.items)))
}

// Invalidate drops one machine. It reports whether the machine was cached.
func (c *Cache) Invalidate(machineID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[machineID]
	if ok {
		c.removeElement(el)
		c.logger.Info("[MachineCache] Invalidated", zap.Int64("machine_id", machineID))
	}
	return ok
}

// Clear drops every entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[int64]*list.Element)
	c.order.Init()
	metrics.CacheSize.Set(0)

	c.logger.Info("[MachineCache] Cleared", zap.Int("removed", n))
	return n
}

func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return Info{
		CurrentSize:      len(c.items),
		MaxSize:          c.maxSize,
		TTLSeconds:       c.ttl.Seconds(),
		CachedMachineIDs: ids,
		Hits:             c.hits,
		Misses:           c.misses,
		Evictions:        c.evictions,
		Expirations:      c.expirations,
		StoreLookups:     c.lookups,
	}
}

// Warmup looks up each machine so later lookups hit the cache.
func (c *Cache) Warmup(ctx context.Context, machineIDs []int64) WarmupResult {
	res := WarmupResult{Total: len(machineIDs)}
	for _, id := range machineIDs {
		if ctx.Err() != nil {
			res.Failure += res.Total - res.Success - res.Failure
			break
		}
		if _, err := c.Lookup(ctx, id); err != nil {
			res.Failure++
			c.logger.Warn("[MachineCache] Warmup lookup failed", zap.Int64("machine_id", id), zap.Error(err))
			continue
		}
		res.Success++
	}

	c.logger.Info("[MachineCache] Warmup finished",
		zap.Int("success", res.Success),
		zap.Int("failure", res.Failure),
		zap.Int("total", res.Total))
	return res
}

// PurgeExpired removes expired entries and returns how many were removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeElement(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(removed))
	}
	return removed
}

func (c *Cache) sweep(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.Debug("[MachineCache] Purged expired entries", zap.Int("removed", n))
			}
		case <-c.shutdown:
			return
		}
	}
}

// Close stops the sweeper and closes the store when it is an io.Closer. Safe to call twice.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		<-c.done
		c.Clear()
		if closer, ok := c.store.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
