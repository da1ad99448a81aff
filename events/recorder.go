package events

import (
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Recorder is a Listener that keeps every event, for tests and the CLI.
type Recorder struct {
	mu           sync.Mutex
	Resolved     []string
	DeadLettered map[string]string
	deadCount    map[string]int
	Conflicts    []model.ConflictDescriptor
	Pulled       []int
	Claims       []model.ClaimResult
	Halts        []error
}

var _ Listener = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{DeadLettered: map[string]string{}, deadCount: map[string]int{}}
}

func (r *Recorder) OnActionResolved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Resolved = append(r.Resolved, id)
}

func (r *Recorder) OnActionDeadLettered(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DeadLettered[id] = reason
	r.deadCount[id]++
}

func (r *Recorder) OnConflictNeedsUser(d model.ConflictDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Conflicts = append(r.Conflicts, d)
}

func (r *Recorder) OnPullApplied(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pulled = append(r.Pulled, n)
}

func (r *Recorder) OnClaimCompleted(c model.ClaimResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Claims = append(r.Claims, c)
}

func (r *Recorder) OnCoordinatorHalted(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Halts = append(r.Halts, err)
}

// DeadLetterCount returns how many times id was reported dead-lettered.
func (r *Recorder) DeadLetterCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadCount[id]
}

// ResolvedIDs returns a copy of the resolved action ids in arrival order.
func (r *Recorder) ResolvedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Resolved...)
}

// ConflictCount returns the number of conflicts surfaced to the user.
func (r *Recorder) ConflictCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Conflicts)
}

// PulledTotal returns the total number of patches applied by pulls.
func (r *Recorder) PulledTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.Pulled {
		total += n
	}
	return total
}
