package syncer

import (
	"context"
	"errors"

	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/registry"
)

// FetchResult is the outcome of an idempotent collection read. Unchanged
// means the server short-circuited because the client's version token is
// still current; Items and Version are meaningless in that case.
type FetchResult[E models.Entity] struct {
	Items     []E
	Version   models.Version
	Unchanged bool
}

// Mutation describes one write. Kind selects which of the other fields
// are meaningful: Entity for add/update, ID for delete and patch, Patch
// for patch.
type Mutation[E models.Entity] struct {
	Kind   registry.OpKind
	Entity E
	ID     string
	Patch  *models.FieldPatch
}

// MutateResult carries the canonical post-mutation entity (zero for
// deletes) and the new version token.
type MutateResult[E models.Entity] struct {
	Entity  E
	Version models.Version
}

// Transport is the engine's view of the server for one collection.
// Implementations must not retry on their own behalf beyond what their
// HTTP client does; the engine rolls back on any returned error.
type Transport[E models.Entity] interface {
	Fetch(ctx context.Context, since models.Version) (FetchResult[E], error)
	Mutate(ctx context.Context, m Mutation[E]) (MutateResult[E], error)
}

// ErrorSink receives mutation failures after rollback has already
// restored a consistent local state. It is invoked exactly once per
// failed mutation attempt.
type ErrorSink func(error)

// ConflictError marks a mutation the server rejected because of a
// version or precondition mismatch. The UI can offer a refresh instead
// of a generic failure.
type ConflictError struct {
	StatusCode int
	Err        error
}

func (e *ConflictError) Error() string { return e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// IsConflict reports whether err (or any error in its chain) is a
// ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TransportError marks a network failure or a non-2xx, non-conflict
// response. Retry policy, if any, belongs to the transport layer, not
// the engine.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err (or any error in its chain) is a
// TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
