// Package identity holds the per-user identity records: gender with its
// provenance, and a bounded, priority ordered list of address forms.
//
// A Cache is the only owner of records. Callers work through user ids and get
// value copies back, so nothing outside the cache can observe a half-applied
// update.
package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Saver persists a serialized cache. Implementations live in pkg/storage.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
}

// Stats is a point in time summary used by the debug command and metrics.
type Stats struct {
	Records      int
	GendersKnown int
	Nicknames    int
	Dirty        bool
	LastFlush    time.Time
	MaxNicknames int
}

// Cache is the identity store for one process.
type Cache struct {
	mu           sync.RWMutex
	records      map[string]*record
	maxNicknames int
	now          func() time.Time
	dirty        bool
	lastFlush    time.Time
}

// NewCache creates an empty cache bounding every user to maxNicknames entries.
// A nil clock means time.Now.
func NewCache(maxNicknames int, clock func() time.Time) *Cache {
	if maxNicknames <= 0 {
		maxNicknames = DefaultMaxNicknames
	}
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		records:      make(map[string]*record),
		maxNicknames: maxNicknames,
		now:          clock,
	}
}

// MaxNicknames returns K.
func (c *Cache) MaxNicknames() int {
	return c.maxNicknames
}

// getOrCreate must be called with the write lock held.
func (c *Cache) getOrCreate(userID string, at time.Time) *record {
	rec, ok := c.records[userID]
	if !ok {
		rec = newRecord(userID, at)
		c.records[userID] = rec
		c.dirty = true
	}
	return rec
}

// mutated must be called with the write lock held.
func (c *Cache) mutated(rec *record, at time.Time) {
	if at.After(rec.updatedAt) {
		rec.updatedAt = at
	}
	c.dirty = true
}

// Touch marks userID as recently seen, creating the record if needed.
func (c *Cache) Touch(userID string) {
	if userID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.mutated(c.getOrCreate(userID, now), now)
}

// Ensure touches userID and returns a copy of its record. This is the
// resolution path used when building a prompt annotation.
func (c *Cache) Ensure(userID string) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec := c.getOrCreate(userID, now)
	c.mutated(rec, now)
	return rec.snapshot()
}

// Get returns a copy of the record for userID.
func (c *Cache) Get(userID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[userID]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Forget removes a record. It is destructive and cannot be undone.
func (c *Cache) Forget(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[userID]; !ok {
		return false
	}
	delete(c.records, userID)
	c.dirty = true
	return true
}

// Users returns the known user ids in sorted order.
func (c *Cache) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Stats summarises the cache.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Records:      len(c.records),
		Dirty:        c.dirty,
		LastFlush:    c.lastFlush,
		MaxNicknames: c.maxNicknames,
	}
	for _, rec := range c.records {
		s.Nicknames += len(rec.nicknames)
		if rec.gender != Unknown {
			s.GendersKnown++
		}
	}
	return s
}

// SweepExpired removes every record whose updatedAt is older than maxAgeDays
// before now and returns how many were removed. A non-positive window disables expiry.
func (c *Cache) SweepExpired(now time.Time, maxAgeDays int) int {
	if maxAgeDays <= 0 {
		return 0
	}
	threshold := now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, rec := range c.records {
		if rec.updatedAt.Before(threshold) {
			delete(c.records, id)
			removed++
		}
	}
	if removed > 0 {
		c.dirty = true
	}
	return removed
}

// Dirty reports whether there are mutations that have not been flushed.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// FlushIfDirty hands a snapshot to saver when something changed since the
// last flush. The write happens outside the lock; if it fails the cache is
// marked dirty again so the next tick retries.
func (c *Cache) FlushIfDirty(ctx context.Context, saver Saver) (bool, error) {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return false, nil
	}
	snap, err := c.serializeLocked()
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	c.dirty = false
	c.mu.Unlock()

	if err := saver.Save(ctx, snap); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return false, err
	}

	c.mu.Lock()
	c.lastFlush = c.now()
	c.mu.Unlock()
	return true, nil
}
