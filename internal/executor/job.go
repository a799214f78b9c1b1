package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/cronfleet/internal/domain"
)

// Job is executable code bound to a job kind.
type Job interface {
	Execute(ctx context.Context, jc *JobContext) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, jc *JobContext) error

func (f JobFunc) Execute(ctx context.Context, jc *JobContext) error {
	return f(ctx, jc)
}

// JobContext is what a running job sees of its firing.
type JobContext struct {
	FiringID   uuid.UUID
	NodeID     string
	JobKey     domain.JobKey
	TriggerKey domain.TriggerKey
	Kind       string

	// Data is the job's data overlaid with the trigger's.
	Data map[string]string

	ScheduledFireTime time.Time
	FireTime          time.Time
	PreviousFireTime  *time.Time
	TimesTriggered    int

	// Recovering is true when this is a re-fire of an occurrence whose node
	// died mid-execution.
	Recovering bool
}

func newJobContext(nodeID string, at domain.AcquiredTrigger) *JobContext {
	data := make(map[string]string, len(at.Job.Data)+len(at.Trigger.Data))
	for k, v := range at.Job.Data {
		data[k] = v
	}
	for k, v := range at.Trigger.Data {
		data[k] = v
	}
	return &JobContext{
		FiringID:          at.Record.ID,
		NodeID:            nodeID,
		JobKey:            at.Job.Key,
		TriggerKey:        at.Trigger.Key,
		Kind:              at.Job.Kind,
		Data:              data,
		ScheduledFireTime: at.Record.ScheduledFireTime,
		FireTime:          at.Record.FireTime,
		PreviousFireTime:  at.Trigger.PreviousFireTime,
		TimesTriggered:    at.Trigger.TimesTriggered,
		Recovering:        at.Record.Recovering,
	}
}

// Listener observes firings on this node. VetoExecution runs before the job;
// returning true records the firing as vetoed without running it.
type Listener interface {
	VetoExecution(ctx context.Context, jc *JobContext) bool
	JobWasExecuted(ctx context.Context, jc *JobContext, outcome domain.Outcome)
}

// Registry resolves job kinds to code. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register binds kind to job. Registering a kind twice is a configuration
// error.
func (r *Registry) Register(kind string, job Job) error {
	if kind == "" {
		return domain.ConfigurationError("", "job kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[kind]; ok {
		return domain.ConfigurationError("each kind can be registered once per node", "job kind %q already registered", kind)
	}
	r.jobs[kind] = job
	return nil
}

func (r *Registry) Lookup(kind string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[kind]
	return job, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KindNoop does nothing and always completes.
const KindNoop = "noop"

var Noop = JobFunc(func(context.Context, *JobContext) error { return nil })
