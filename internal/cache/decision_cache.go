// Package cache implements the local decision cache keyed by request
// fingerprint. A cache is created per firewall-defaults generation and is
// replaced wholesale when the defaults change.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// DefaultMaxEntries bounds the cache when Options.MaxEntries is unset.
const DefaultMaxEntries = 10000

// Options bounds cache growth.
type Options struct {
	// MaxEntries caps the number of entries; least recently used entries are
	// evicted first. Zero selects DefaultMaxEntries.
	MaxEntries int
	// TTL expires entries after the given age. Zero disables expiry.
	TTL time.Duration
}

// DecisionCache maps request fingerprints to policy outcomes. When disabled
// it never stores anything and every lookup misses.
type DecisionCache struct {
	entries *expirable.LRU[domain.Fingerprint, domain.Policy]
}

// New creates an empty cache.
func New(enabled bool, opts Options) *DecisionCache {
	if !enabled {
		return &DecisionCache{}
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &DecisionCache{
		entries: expirable.NewLRU[domain.Fingerprint, domain.Policy](maxEntries, nil, opts.TTL),
	}
}

// Enabled reports whether the cache stores decisions.
func (c *DecisionCache) Enabled() bool {
	return c.entries != nil
}

// Get returns the cached policy for key.
func (c *DecisionCache) Get(key domain.CacheKey) (domain.Policy, bool) {
	if c.entries == nil {
		return domain.PolicyAllow, false
	}
	return c.entries.Get(key.Fingerprint())
}

// Insert stores or overwrites the policy for key.
func (c *DecisionCache) Insert(key domain.CacheKey, policy domain.Policy) {
	if c.entries == nil {
		return
	}
	c.entries.Add(key.Fingerprint(), policy)
}

// Purge drops every entry. Requests still holding a retired cache may keep
// inserting into it; nothing reads from it again.
func (c *DecisionCache) Purge() {
	if c.entries == nil {
		return
	}
	c.entries.Purge()
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *DecisionCache) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
