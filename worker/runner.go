// Package worker runs the service's periodic background tasks (step
// scheduler tick, container reaper, tracker sweep). Each task runs on its
// own goroutine at a fixed interval and never overlaps with itself; tasks
// can also be triggered synchronously with RunOnce, which is how tests
// drive them together with a fake clock.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
)

// ErrUnknownTask is returned by RunOnce for an unregistered task name.
var ErrUnknownTask = errors.New("unknown task")

// Task is a unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per run, 0 = no timeout
	Run      func(ctx context.Context) error
}

// TaskStatus reports how a task has been doing
type TaskStatus struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Runs         int        `json:"runs"`
	Failures     int        `json:"failures"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Config configures the runner
type Config struct {
	Clock  clock.Clock
	Logger *logrus.Entry
}

type task struct {
	Task

	mu     sync.Mutex // serializes runs of this task
	status TaskStatus
}

// Runner manages periodic tasks
type Runner struct {
	clock clock.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	tasks   map[string]*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a runner with the given tasks
func NewRunner(cfg Config, tasks ...Task) (*Runner, error) {
	r := &Runner{
		clock: clock.OrReal(cfg.Clock),
		log:   common.ComponentLogger(cfg.Logger, "worker"),
		tasks: make(map[string]*task),
	}
	for _, t := range tasks {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a task. Tasks cannot be added while the runner is running.
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task requires a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("task %s: runner already started", t.Name)
	}
	if _, exists := r.tasks[t.Name]; exists {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	r.tasks[t.Name] = &task{
		Task:   t,
		status: TaskStatus{Name: t.Name, Interval: t.Interval.String()},
	}
	return nil
}

// Start starts one loop per task. The loops stop when ctx is cancelled or
// Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.log.WithField("tasks", len(r.tasks)).Info("Starting background tasks")

	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	return nil
}

// Stop cancels all loops and waits for in-flight runs to return
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("Background tasks stopped")
}

// Running reports whether the loops are active
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunOnce runs the named task synchronously
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.run(ctx, t)
}

// Status returns the status of every task sorted by name
func (r *Runner) Status() []TaskStatus {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) loop(ctx context.Context, t *task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	log := r.log.WithField("task", t.Name)
	log.Debug("Task loop started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Task loop stopped")
			return
		case <-ticker.C:
			if err := r.run(ctx, t); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Task run failed")
			}
		}
	}
}

func (r *Runner) run(ctx context.Context, t *task) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := r.clock.Now()
	began := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, p)
		}

		t.status.Runs++
		t.status.LastRun = &start
		t.status.LastDuration = time.Since(began).String()
		t.status.LastError = ""
		if err != nil {
			t.status.Failures++
			t.status.LastError = err.Error()
		}
	}()

	return t.Run(ctx)
}
