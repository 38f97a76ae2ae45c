// Package cache provides TTL-cached catalog lookups for talkgroups and
// conventional channels. It is a read-through cache over the persistence
// store, never the system of record.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/database"
)

const (
	positiveTTL = 60 * time.Second
	negativeTTL = 10 * time.Second
)

// Meta is the catalog data attached to audio frames and call events.
type Meta struct {
	AlphaTag    string
	GroupName   string
	GroupTag    string
	Description string
	SystemType  string
}

type entry struct {
	meta    Meta
	found   bool
	expires time.Time
}

// Cache holds TTL'd copies of talkgroup/channel rows keyed by logical
// channel: talkgroup number for trunked systems, frequency for conventional.
type Cache struct {
	db  *database.DB
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[int64]entry

	sysMu      sync.RWMutex
	sysType    string
	sysExpires time.Time

	now func() time.Time // test hook
}

func New(db *database.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:      db,
		log:     log.With().Str("component", "cache").Logger(),
		entries: make(map[int64]entry),
		now:     time.Now,
	}
}

// SystemType returns the configured system type, cached for the positive TTL.
func (c *Cache) SystemType(ctx context.Context) string {
	c.sysMu.RLock()
	if c.sysType != "" && c.now().Before(c.sysExpires) {
		st := c.sysType
		c.sysMu.RUnlock()
		return st
	}
	c.sysMu.RUnlock()

	st, err := c.db.SystemType(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("system type lookup failed, assuming p25")
		return "p25"
	}

	c.sysMu.Lock()
	c.sysType = st
	c.sysExpires = c.now().Add(positiveTTL)
	c.sysMu.Unlock()
	return st
}

// Conventional reports whether the persisted system type is conventional.
func (c *Cache) Conventional(ctx context.Context) bool {
	return c.SystemType(ctx) == "conventional"
}

// Lookup resolves catalog metadata for a logical-channel key. Misses hit the
// store synchronously; negative results are cached with a shorter TTL so a
// chattering unknown talkgroup does not hammer the database.
func (c *Cache) Lookup(ctx context.Context, key int64) (Meta, bool) {
	c.mu.RLock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.RUnlock()
		return e.meta, e.found
	}
	c.mu.RUnlock()

	meta, found := c.fetch(ctx, key)

	ttl := positiveTTL
	if !found {
		ttl = negativeTTL
	}
	c.mu.Lock()
	c.entries[key] = entry{meta: meta, found: found, expires: c.now().Add(ttl)}
	c.mu.Unlock()

	return meta, found
}

// Invalidate drops a key so the next lookup refills from the store.
func (c *Cache) Invalidate(key int64) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, key int64) (Meta, bool) {
	if c.Conventional(ctx) {
		ch, err := c.db.GetChannelByFrequency(ctx, key)
		if err != nil {
			return Meta{SystemType: "conventional"}, false
		}
		return Meta{
			AlphaTag:    ch.AlphaTag,
			GroupName:   ch.GroupName,
			GroupTag:    ch.GroupTag,
			Description: ch.Description,
			SystemType:  "conventional",
		}, true
	}

	tg, err := c.db.GetTalkgroup(ctx, int(key))
	if err != nil {
		return Meta{SystemType: "trunked"}, false
	}
	return Meta{
		AlphaTag:    tg.AlphaTag,
		GroupName:   tg.GroupName,
		GroupTag:    tg.GroupTag,
		Description: tg.Description,
		SystemType:  "trunked",
	}, true
}
