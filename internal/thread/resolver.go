// Package thread resolves reply chains to their root message and to the
// agreement anchored there.
//
// The walk is iterative and bounded. A chain that revisits a message or runs
// past the configured depth fails closed with CycleDetected instead of
// looping. A missing ancestor is common (upstream deletions) and degrades to
// the last reachable message rather than failing the caller.
package thread

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/model"
)

// DefaultMaxDepth bounds the number of parent hops FindRoot will follow.
const DefaultMaxDepth = 500

// Store is the read access the resolver needs.
type Store interface {
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	GetAgreement(ctx context.Context, id int64) (model.Agreement, error)
}

// Resolver walks parent links.
type Resolver struct {
	store    Store
	maxDepth int
	logger   zerolog.Logger
}

// NewResolver creates a Resolver. maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(store Store, maxDepth int, logger zerolog.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{
		store:    store,
		maxDepth: maxDepth,
		logger:   logging.Component(logger, "thread"),
	}
}

// FindRoot returns the id of the root message of id's reply chain.
//
// A root message is its own root. When an ancestor is missing from the store
// FindRoot returns the last message it could reach together with a NotFound
// error; callers may use that id as a best-effort root. If id itself is
// missing, the returned id is id.
//
// Following more than maxDepth parents, or reaching a message twice, yields
// CycleDetected and a zero id.
func (r *Resolver) FindRoot(ctx context.Context, id int64) (int64, error) {
	visited := make(map[int64]struct{})
	lastKnown := id
	cur := id
	for depth := 0; ; depth++ {
		if depth > r.maxDepth {
			return 0, model.NewCycleError(id, r.maxDepth)
		}
		if _, seen := visited[cur]; seen {
			return 0, model.NewCycleError(id, r.maxDepth)
		}
		visited[cur] = struct{}{}

		m, err := r.store.GetMessage(ctx, cur)
		if model.IsNotFound(err) {
			return lastKnown, err
		}
		if err != nil {
			return 0, fmt.Errorf("find root of %d: %w", id, err)
		}
		if m.IsRoot() {
			return m.ID, nil
		}
		lastKnown = m.ID
		cur = m.ParentID
	}
}

// FindAgreement returns the agreement id's thread belongs to, or nil when
// there is none.
//
// Degraded resolution (a missing ancestor or a cycle) counts as "no agreement"
// and returns nil, nil. Only storage failures are returned as errors.
func (r *Resolver) FindAgreement(ctx context.Context, id int64) (*model.Agreement, error) {
	root, err := r.FindRoot(ctx, id)
	switch {
	case err == nil:
	case model.IsNotFound(err), model.IsCycleError(err):
		r.logger.Debug().Err(err).Int64("message_id", id).Int64("best_effort_root", root).Msg("thread_unresolved")
		return nil, nil
	default:
		return nil, err
	}

	a, err := r.store.GetAgreement(ctx, root)
	if model.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find agreement for %d: %w", id, err)
	}
	return &a, nil
}
