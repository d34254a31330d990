package harmonytask

import (
	"maps"
	"slices"
	"time"

	"golang.org/x/xerrors"
)

type TaskStatus string

const (
	TaskStatusIdle     TaskStatus = "idle"
	TaskStatusClaiming TaskStatus = "claiming"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFailed   TaskStatus = "failed"
)

var (
	ErrTaskNotFound      = xerrors.New("task not found")
	ErrTaskAlreadyExists = xerrors.New("task already exists")
	ErrUnknownTaskType   = xerrors.New("unknown task type")
)

// IntervalSchedule makes a task recurring: after every run it goes back to
// idle with RunAt pushed forward by Interval.
type IntervalSchedule struct {
	Interval time.Duration `json:"interval"`
}

// TaskInstance is what callers hand to Schedule.
type TaskInstance struct {
	ID       string            `json:"id"`
	TaskType string            `json:"taskType"`
	RunAt    time.Time         `json:"runAt"`
	Schedule *IntervalSchedule `json:"schedule,omitempty"`
	Params   map[string]any    `json:"params"`
	State    map[string]any    `json:"state"`
	Scope    []string          `json:"scope,omitempty"`
}

// ConcreteTaskInstance is a persisted task as read back from a TaskStore.
type ConcreteTaskInstance struct {
	TaskInstance

	Status      TaskStatus `json:"status"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt"`
	RetryAt     *time.Time `json:"retryAt"`
	Attempts    int        `json:"attempts"`
	OwnerID     *string    `json:"ownerId"`

	// Version is opaque to everything but the store that issued it.
	Version string `json:"version"`
}

func (t ConcreteTaskInstance) IsOwnedBy(ownerID string) bool {
	return t.OwnerID != nil && *t.OwnerID == ownerID
}

func (t ConcreteTaskInstance) IsRecurring() bool {
	return t.Schedule != nil && t.Schedule.Interval > 0
}

func (t ConcreteTaskInstance) String() string {
	return t.TaskType + ":" + t.ID
}

// Clone returns a copy that shares no maps, slices or pointers with t.
func (t ConcreteTaskInstance) Clone() ConcreteTaskInstance {
	out := t
	out.Params = maps.Clone(t.Params)
	out.State = maps.Clone(t.State)
	out.Scope = slices.Clone(t.Scope)
	if t.Schedule != nil {
		s := *t.Schedule
		out.Schedule = &s
	}
	out.StartedAt = clonePtr(t.StartedAt)
	out.RetryAt = clonePtr(t.RetryAt)
	out.OwnerID = clonePtr(t.OwnerID)
	return out
}

// Update starts a TaskUpdate from the current values of t.
func (t ConcreteTaskInstance) Update() TaskUpdate {
	return TaskUpdate{
		Status:    t.Status,
		OwnerID:   clonePtr(t.OwnerID),
		RunAt:     t.RunAt,
		StartedAt: clonePtr(t.StartedAt),
		RetryAt:   clonePtr(t.RetryAt),
		Attempts:  t.Attempts,
		State:     maps.Clone(t.State),
	}
}

// TaskUpdate holds every field the claim protocol and the task runner are
// allowed to change. Stores write all of them on a successful CompareAndSwap.
type TaskUpdate struct {
	Status    TaskStatus
	OwnerID   *string
	RunAt     time.Time
	StartedAt *time.Time
	RetryAt   *time.Time
	Attempts  int
	State     map[string]any
}

// ApplyTo writes u onto t. Version is left for the store to set.
func (u TaskUpdate) ApplyTo(t *ConcreteTaskInstance) {
	t.Status = u.Status
	t.OwnerID = clonePtr(u.OwnerID)
	t.RunAt = u.RunAt
	t.StartedAt = clonePtr(u.StartedAt)
	t.RetryAt = clonePtr(u.RetryAt)
	t.Attempts = u.Attempts
	t.State = maps.Clone(u.State)
}

// ClaimStats counts outcomes of one claim cycle. Docs in the matching
// ClaimOwnershipResult is the authoritative claimed set; these are telemetry.
type ClaimStats struct {
	TasksUpdated    int `json:"tasksUpdated"`
	TasksConflicted int `json:"tasksConflicted"`
	TasksClaimed    int `json:"tasksClaimed"`
}

// ClaimOwnershipResult is the outcome of one claim cycle.
// len(Docs) <= Stats.TasksClaimed <= Stats.TasksUpdated.
type ClaimOwnershipResult struct {
	Stats ClaimStats
	Docs  []ConcreteTaskInstance
}

type FillPoolErrorKind string

const (
	FillPoolRunningAllClaimedTasks FillPoolErrorKind = "RunningAllClaimedTasks"
	FillPoolRanOutOfCapacity       FillPoolErrorKind = "RanOutOfCapacity"
	FillPoolNoAvailableWorkers     FillPoolErrorKind = "NoAvailableWorkers"
	FillPoolFailed                 FillPoolErrorKind = "Failed"
)

// FillPoolError is the expected-failure side of a claim or fill cycle. It
// travels inside a result.Result and is never returned as a Go error.
type FillPoolError struct {
	Kind FillPoolErrorKind
}

func (e FillPoolError) Error() string {
	return "fill pool: " + string(e.Kind)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
