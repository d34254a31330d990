package harmonytask

import (
	"context"
	"slices"
	"sort"
	"time"
)

type CASOutcome int

const (
	CASApplied CASOutcome = iota + 1
	CASConflicted
)

func (o CASOutcome) String() string {
	switch o {
	case CASApplied:
		return "applied"
	case CASConflicted:
		return "conflicted"
	default:
		return "none"
	}
}

// CandidateQuery selects tasks that may be claimed at Now: idle tasks that
// are due, and claiming or running tasks whose RetryAt has passed.
type CandidateQuery struct {
	Now       time.Time
	TaskTypes []string // empty means any type
	Limit     int
}

// Matches reports whether t is a claim candidate for q.
func (q CandidateQuery) Matches(t ConcreteTaskInstance) bool {
	if len(q.TaskTypes) > 0 && !slices.Contains(q.TaskTypes, t.TaskType) {
		return false
	}
	switch t.Status {
	case TaskStatusIdle:
		return !t.RunAt.After(q.Now)
	case TaskStatusClaiming, TaskStatusRunning:
		return t.RetryAt != nil && !t.RetryAt.After(q.Now)
	default:
		return false
	}
}

// SortCandidates orders tasks the way every store returns candidates: by
// RunAt, then ID.
func SortCandidates(tasks []ConcreteTaskInstance) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].RunAt.Before(tasks[j].RunAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

type ListQuery struct {
	TaskTypes []string
	Statuses  []TaskStatus
	OwnerID   string
	Limit     int
}

func (q ListQuery) Matches(t ConcreteTaskInstance) bool {
	if len(q.TaskTypes) > 0 && !slices.Contains(q.TaskTypes, t.TaskType) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, t.Status) {
		return false
	}
	if q.OwnerID != "" && !t.IsOwnedBy(q.OwnerID) {
		return false
	}
	return true
}

// TaskStore is the persistence boundary. CompareAndSwap is the only
// synchronization primitive between competing instances.
type TaskStore interface {
	// FetchCandidates returns claimable tasks ordered by RunAt then ID.
	FetchCandidates(ctx context.Context, q CandidateQuery) ([]ConcreteTaskInstance, error)

	// CompareAndSwap applies u to task id if its version still equals
	// expectedVersion, and returns the stored result with a fresh version.
	// A version mismatch is CASConflicted with a nil error; a missing task
	// returns ErrTaskNotFound.
	CompareAndSwap(ctx context.Context, id string, expectedVersion string, u TaskUpdate) (ConcreteTaskInstance, CASOutcome, error)

	Get(ctx context.Context, id string) (ConcreteTaskInstance, error)

	// Insert stores a new task and assigns its first version. A duplicate id
	// returns ErrTaskAlreadyExists.
	Insert(ctx context.Context, t ConcreteTaskInstance) (ConcreteTaskInstance, error)

	Remove(ctx context.Context, id string) error

	// RemoveVersion deletes task id only while its version equals
	// expectedVersion. A mismatch is CASConflicted with a nil error and leaves
	// the task in place; a missing task returns ErrTaskNotFound.
	RemoveVersion(ctx context.Context, id string, expectedVersion string) (CASOutcome, error)

	List(ctx context.Context, q ListQuery) ([]ConcreteTaskInstance, error)

	Close() error
}
