// Package registry tracks in-flight optimistic mutations so that push
// deltas echoing an unconfirmed local edit can be recognized and dropped.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpKind is the mutation kind an operation was registered for. Keys are
// (entity id, kind) pairs: an update in flight does not suppress deltas
// caused by someone else's delete of a different entity.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpPatch  OpKind = "patch"
)

const (
	// DefaultFreshness is the conflict-suppression threshold. A push
	// delta arriving within this window of a matching optimistic write
	// is assumed to be a stale echo of that write and is dropped. Past
	// the window the push more likely reflects the committed result and
	// is applied.
	DefaultFreshness = 3 * time.Second

	// DefaultExpiry bounds how long a registration can outlive a lost
	// confirmation. Entries older than this are purged on access, so a
	// leaked registration cannot suppress pushes forever.
	DefaultExpiry = 10 * time.Second
)

type opKey struct {
	entityID string
	kind     OpKind
}

type opEntry struct {
	id       string
	issuedAt time.Time
}

// Registry records live optimistic operations. It holds no timers: both
// windows are thresholds compared against an injected clock, which keeps
// expiry deterministic and testable.
//
// At most one live entry exists per (entity id, kind); a second Register
// for the same key replaces the first, refreshing its timestamps.
type Registry struct {
	mu        sync.Mutex
	ops       map[opKey]opEntry
	now       func() time.Time
	freshness time.Duration
	expiry    time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the time source. Tests use this to step time
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithWindows overrides the freshness and expiry thresholds.
func WithWindows(freshness, expiry time.Duration) Option {
	return func(r *Registry) {
		r.freshness = freshness
		r.expiry = expiry
	}
}

// New creates a registry with the default windows and wall clock.
func New(opts ...Option) *Registry {
	r := &Registry{
		ops:       make(map[opKey]opEntry),
		now:       time.Now,
		freshness: DefaultFreshness,
		expiry:    DefaultExpiry,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register records a live operation for (entityID, kind) and returns its
// operation id. An existing entry for the same key is replaced.
func (r *Registry) Register(entityID string, kind OpKind) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()

	e := opEntry{id: uuid.NewString(), issuedAt: r.now()}
	r.ops[opKey{entityID: entityID, kind: kind}] = e

	return e.id
}

// IsSuppressed reports whether a live operation for (entityID, kind) was
// registered within the freshness window. Entries past the freshness
// window no longer suppress even though they remain live until expiry.
func (r *Registry) IsSuppressed(entityID string, kind OpKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()

	e, ok := r.ops[opKey{entityID: entityID, kind: kind}]
	if !ok {
		return false
	}

	return r.now().Sub(e.issuedAt) < r.freshness
}

// IsSuppressedAny reports whether any of the given kinds is suppressed
// for entityID. The push filter uses this because a server echo of a
// status toggle may arrive as Updated while the local write registered
// as a patch.
func (r *Registry) IsSuppressedAny(entityID string, kinds ...OpKind) bool {
	for _, k := range kinds {
		if r.IsSuppressed(entityID, k) {
			return true
		}
	}

	return false
}

// Live reports whether an unexpired operation exists for (entityID, kind),
// regardless of freshness.
func (r *Registry) Live(entityID string, kind OpKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()

	_, ok := r.ops[opKey{entityID: entityID, kind: kind}]

	return ok
}

// Clear removes the operation for (entityID, kind). Clearing a missing
// key is a no-op.
func (r *Registry) Clear(entityID string, kind OpKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.ops, opKey{entityID: entityID, kind: kind})
}

// Rekey moves a registration from a tentative id to the authoritative id
// the server assigned on confirmation, preserving its timestamps.
func (r *Registry) Rekey(oldID, newID string, kind OpKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := opKey{entityID: oldID, kind: kind}

	e, ok := r.ops[old]
	if !ok {
		return
	}

	delete(r.ops, old)
	r.ops[opKey{entityID: newID, kind: kind}] = e
}

// Len returns the number of live entries after purging expired ones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()

	return len(r.ops)
}

func (r *Registry) purgeLocked() {
	now := r.now()
	for k, e := range r.ops {
		if now.Sub(e.issuedAt) >= r.expiry {
			delete(r.ops, k)
		}
	}
}
