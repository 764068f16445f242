package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/procpool/pkg/types"
)

// EntryPoint is the application code of a worker process.
//
// Initialize runs before the worker is marked ready; Run is the worker's main
// loop and should return when ctx is done. Run returning nil is a clean exit.
// Wrap ErrFatal to prevent the default restart policy from restarting the
// worker.
type EntryPoint interface {
	Initialize(rt *Runtime) error
	Run(ctx context.Context) error
}

// EntryPointFactory creates a fresh entry point per worker process.
type EntryPointFactory func() EntryPoint

// JobRunner executes jobs received over job IPC. RunJob is called
// concurrently, once per job, with a context cancelled when the worker drains.
type JobRunner interface {
	RunJob(ctx context.Context, req types.JobRequest) ([]byte, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, req types.JobRequest) ([]byte, error)

func (f JobRunnerFunc) RunJob(ctx context.Context, req types.JobRequest) ([]byte, error) {
	return f(ctx, req)
}

// Registry resolves the entry point and job runner identifiers of a worker
// group. The supervisor binary and its worker processes must register the
// same names.
type Registry struct {
	mu          sync.RWMutex
	entryPoints map[string]EntryPointFactory
	runners     map[string]JobRunner
}

// NewRegistry returns an empty registry. The empty entry point name always
// resolves to Idle.
func NewRegistry() *Registry {
	return &Registry{
		entryPoints: make(map[string]EntryPointFactory),
		runners:     make(map[string]JobRunner),
	}
}

// RegisterEntryPoint registers or replaces an entry point.
func (r *Registry) RegisterEntryPoint(name string, factory EntryPointFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryPoints[name] = factory
}

// RegisterJobRunner registers or replaces a job runner.
func (r *Registry) RegisterJobRunner(name string, runner JobRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// EntryPoint creates the entry point registered as name.
func (r *Registry) EntryPoint(name string) (EntryPoint, error) {
	if name == "" {
		return Idle{}, nil
	}
	r.mu.RLock()
	factory, ok := r.entryPoints[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntryPoint, name)
	}
	return factory(), nil
}

// JobRunner returns the runner registered as name.
func (r *Registry) JobRunner(name string) (JobRunner, error) {
	r.mu.RLock()
	runner, ok := r.runners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: job runner %q", ErrUnknownEntryPoint, name)
	}
	return runner, nil
}

// Names lists the registered entry points and job runners, sorted.
func (r *Registry) Names() (entryPoints, runners []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.entryPoints {
		entryPoints = append(entryPoints, name)
	}
	for name := range r.runners {
		runners = append(runners, name)
	}
	sort.Strings(entryPoints)
	sort.Strings(runners)
	return entryPoints, runners
}

// Idle does nothing until the worker is asked to stop. It is the entry point
// of job workers that only serve job IPC.
type Idle struct{}

func (Idle) Initialize(*Runtime) error { return nil }

func (Idle) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
