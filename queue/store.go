package queue

import (
	"context"
	"slices"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Filter selects actions from a Store. Zero values match everything.
type Filter struct {
	Statuses []model.Status
	Target   string
	// Limit caps the number of returned actions when positive.
	Limit int
}

// Match reports whether a satisfies the filter, ignoring Limit.
func (f Filter) Match(a model.Action) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if f.Target != "" && a.Target.ID != f.Target {
		return false
	}
	return true
}

// Store is the durable backend of the queue. Implementations must make every
// call atomic for the records it touches.
type Store interface {
	// Insert stores a new action and assigns its Seq.
	Insert(ctx context.Context, a *model.Action) error
	// Get returns the action or a KindNotFound error.
	Get(ctx context.Context, id string) (model.Action, error)
	// Update replaces an existing action; missing ids yield KindNotFound.
	Update(ctx context.Context, a model.Action) error
	// Delete removes the action; missing ids yield KindNotFound.
	Delete(ctx context.Context, id string) error
	// List returns matching actions in Seq order.
	List(ctx context.Context, f Filter) ([]model.Action, error)
	// RewriteTarget points every action in one of statuses that targets
	// oldID at newID, clearing the temporary flag. It returns the number of
	// rewritten actions.
	RewriteTarget(ctx context.Context, oldID, newID string, statuses []model.Status) (int, error)
}

// NonTerminal lists the statuses of actions that still need work.
var NonTerminal = []model.Status{model.StatusPending, model.StatusInFlight, model.StatusAwaitingUser}

// Rewritable lists the statuses whose targets are rewritten on id remapping.
// In-flight actions are translated by the coordinator at send time.
var Rewritable = []model.Status{model.StatusPending, model.StatusAwaitingUser, model.StatusDeadLettered}
