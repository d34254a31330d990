package harmonytask

import (
	"context"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("harmonytask")

const maxTaskTypeLength = 64

// RunResult is what a TaskHandler reports back after a run. Both fields are
// optional: a nil State keeps the previous state, a zero RunAt lets the
// runner pick the next run time.
type RunResult struct {
	State map[string]any
	RunAt time.Time
}

// TaskHandler does the work of one task run. It should honour ctx, which is
// cancelled when the task times out or the engine shuts down.
type TaskHandler interface {
	Run(ctx context.Context) (RunResult, error)
}

// CancellableTaskHandler is notified when a run's context ends before Run
// returns, for handlers that need to stop work held outside the context.
type CancellableTaskHandler interface {
	TaskHandler
	Cancel(ctx context.Context) error
}

// TaskHandlerFunc adapts a plain function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context) (RunResult, error)

func (f TaskHandlerFunc) Run(ctx context.Context) (RunResult, error) {
	return f(ctx)
}

type TaskDefinition struct {
	// Type is the key tasks are registered and claimed under.
	Type        string
	Title       string
	Description string

	// Timeout bounds a single run. Zero uses the engine default.
	Timeout time.Duration

	// MaxAttempts before a one-shot task is marked failed.
	// Zero uses the engine default, negative retries forever.
	MaxAttempts int

	// CreateTaskRunner builds the handler for one claimed instance.
	CreateTaskRunner func(ConcreteTaskInstance) TaskHandler
}

// TaskTypeDictionary maps task types to their definitions.
type TaskTypeDictionary struct {
	lk   sync.RWMutex
	defs map[string]TaskDefinition
}

func NewTaskTypeDictionary() *TaskTypeDictionary {
	return &TaskTypeDictionary{defs: map[string]TaskDefinition{}}
}

// RegisterTaskDefinitions adds defs atomically: either all are registered or
// none are.
func (d *TaskTypeDictionary) RegisterTaskDefinitions(defs ...TaskDefinition) error {
	d.lk.Lock()
	defer d.lk.Unlock()

	seen := map[string]struct{}{}
	for _, def := range defs {
		switch {
		case def.Type == "":
			return xerrors.New("task definition is missing a type")
		case len(def.Type) > maxTaskTypeLength:
			return xerrors.Errorf("task type too long: %s, max %d characters", def.Type, maxTaskTypeLength)
		case def.CreateTaskRunner == nil:
			return xerrors.Errorf("task definition %s has no CreateTaskRunner", def.Type)
		}
		if _, ok := d.defs[def.Type]; ok {
			return xerrors.Errorf("task type %s is already registered", def.Type)
		}
		if _, ok := seen[def.Type]; ok {
			return xerrors.Errorf("task type %s is registered twice", def.Type)
		}
		seen[def.Type] = struct{}{}
	}
	for _, def := range defs {
		d.defs[def.Type] = def
	}
	return nil
}

func (d *TaskTypeDictionary) Get(taskType string) (TaskDefinition, bool) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	def, ok := d.defs[taskType]
	return def, ok
}

func (d *TaskTypeDictionary) Has(taskType string) bool {
	_, ok := d.Get(taskType)
	return ok
}

// Types returns the registered task types, sorted.
func (d *TaskTypeDictionary) Types() []string {
	d.lk.RLock()
	defer d.lk.RUnlock()
	out := make([]string, 0, len(d.defs))
	for t := range d.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Converter turns a claimed record into something the pool can run. It must
// not mutate its input, and must return an error for records it cannot
// handle rather than skipping them.
type Converter[R any] func(ConcreteTaskInstance) (R, error)
