package store

import (
	"sync"

	"github.com/taskmirror/taskmirror/internal/models"
)

// VersionClock holds the last-known server version token and is the
// single source of truth for "is the cache stale". Tokens are opaque:
// only equality is checked, never order.
type VersionClock struct {
	mu      sync.Mutex
	current models.Version
}

// NewVersionClock creates a clock seeded with an initial token, usually
// the persisted cursor (empty on first run).
func NewVersionClock(initial models.Version) *VersionClock {
	return &VersionClock{current: initial}
}

// Current returns the last-adopted token.
func (c *VersionClock) Current() models.Version {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// UpToDate reports whether v equals the last-adopted token, i.e. the
// server has signalled "nothing changed for you".
func (c *VersionClock) UpToDate(v models.Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return v == c.current
}

// Advance adopts v as the current token. Returns false when the clock
// already held v.
func (c *VersionClock) Advance(v models.Version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v == c.current {
		return false
	}

	c.current = v

	return true
}
