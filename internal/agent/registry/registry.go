// Package registry tracks the single in-flight run per topic.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kandev/codexbridge/internal/agent/types"
)

// Process is the handle surface an active run exposes to callers.
type Process interface {
	PID() int
	WriteStdin(data string) error
	KillTree() error
	Done() <-chan struct{}
}

// ActiveRun is one live agent run. The process handle is attached after
// spawn and guarded by the run's own lock, since attach, cancel and
// send-input can race from different callers.
type ActiveRun struct {
	ID         string
	Topic      types.TopicKey
	ProjectDir string
	Prompt     string
	Backend    types.Backend
	StartedAt  time.Time

	mu       sync.Mutex
	proc     Process
	cancel   context.CancelFunc
	stopped  bool
	finished chan struct{}
	once     sync.Once
}

// NewActiveRun creates a run that owns cancel.
func NewActiveRun(id string, req types.RunRequest, cancel context.CancelFunc) *ActiveRun {
	return &ActiveRun{
		ID:         id,
		Topic:      req.Topic,
		ProjectDir: req.ProjectDir,
		Prompt:     req.Prompt,
		Backend:    req.Backend,
		StartedAt:  time.Now().UTC(),
		cancel:     cancel,
		finished:   make(chan struct{}),
	}
}

// Attach records the spawned process.
func (r *ActiveRun) Attach(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = p
}

// Process returns the attached process, or nil before spawn.
func (r *ActiveRun) Process() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// MarkStopping flags the run as being cancelled and reports whether this call
// was the first to do so.
func (r *ActiveRun) MarkStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	return true
}

// Stopping reports whether cancellation was requested.
func (r *ActiveRun) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Cancel cancels the run's context.
func (r *ActiveRun) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Finish marks the run as over. It is called once the run has left the registry.
func (r *ActiveRun) Finish() {
	r.once.Do(func() { close(r.finished) })
}

// Finished is closed by Finish.
func (r *ActiveRun) Finished() <-chan struct{} {
	return r.finished
}

// Info returns the listing view of the run.
func (r *ActiveRun) Info() types.RunInfo {
	info := types.RunInfo{
		RunID:      r.ID,
		Topic:      r.Topic,
		ProjectDir: r.ProjectDir,
		Prompt:     r.Prompt,
		Backend:    r.Backend,
		StartedAt:  r.StartedAt,
	}
	if p := r.Process(); p != nil {
		info.PID = p.PID()
	}
	return info
}

// Registry maps topic keys to their active run.
type Registry struct {
	mu   sync.RWMutex
	runs map[types.TopicKey]*ActiveRun
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{runs: make(map[types.TopicKey]*ActiveRun)}
}

// TryAdd inserts run if its topic has no active run. It returns false,
// leaving the registry unchanged, when the topic is taken.
func (g *Registry) TryAdd(run *ActiveRun) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runs[run.Topic]; exists {
		return false
	}
	g.runs[run.Topic] = run
	return true
}

// Remove deletes run's entry. It only removes the exact run passed in, so a
// late cleanup never evicts a newer run for the same topic.
func (g *Registry) Remove(run *ActiveRun) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.runs[run.Topic]; ok && current == run {
		delete(g.runs, run.Topic)
	}
}

// Get returns the active run for topic.
func (g *Registry) Get(topic types.TopicKey) (*ActiveRun, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[topic]
	return run, ok
}

// List returns all active runs, oldest first.
func (g *Registry) List() []*ActiveRun {
	g.mu.RLock()
	runs := make([]*ActiveRun, 0, len(g.runs))
	for _, run := range g.runs {
		runs = append(runs, run)
	}
	g.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].Topic.String() < runs[j].Topic.String()
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

// Len returns the number of active runs.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}
