package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"hut.evalgo.org/lifecycle"
	sm "hut.evalgo.org/statemanager"
	"hut.evalgo.org/version"
	"hut.evalgo.org/worker"
)

// Background task names
const (
	TaskSchedulerTick = "scheduler-tick"
	TaskReaper        = "container-reaper"
	TaskSweep         = "operation-sweep"
)

// Tasks returns the periodic work that keeps containers and operations
// moving: the step scheduler tick, the container reaper and the tracker
// retention sweep.
func (o *Orchestrator) Tasks() []worker.Task {
	return []worker.Task{
		{
			Name:     TaskSchedulerTick,
			Interval: o.tickInterval,
			Timeout:  o.tickInterval * 4,
			Run:      o.observed(TaskSchedulerTick, o.tick),
		},
		{
			Name:     TaskReaper,
			Interval: o.reapInterval,
			Run:      o.observed(TaskReaper, o.reap),
		},
		{
			Name:     TaskSweep,
			Interval: o.sweepInterval,
			Run:      o.observed(TaskSweep, o.sweep),
		},
	}
}

// AttachRunner lets Health report the runner's task status.
func (o *Orchestrator) AttachRunner(r *worker.Runner) {
	o.runner = r
}

// Shutdown runs a last reap so containers whose window closed while the
// service was stopping are released.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.reap(ctx)
}

func (o *Orchestrator) observed(name string, run func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := run(ctx)
		if o.metrics != nil {
			o.metrics.TaskRun(name, err)
		}
		return err
	}
}

func (o *Orchestrator) tick(ctx context.Context) error {
	res, err := o.scheduler.Tick(ctx)
	if err != nil {
		return err
	}
	if res.Advanced > 0 || res.Failures > 0 || res.TimedOut > 0 {
		o.log.WithFields(logrus.Fields{
			"operations": res.Operations,
			"advanced":   res.Advanced,
			"failures":   res.Failures,
			"timed_out":  res.TimedOut,
		}).Debug("Scheduler tick")
	}
	return nil
}

func (o *Orchestrator) reap(ctx context.Context) error {
	n, err := o.lifecycle.Reap(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.WithField("expired", n).Info("Reaped expired containers")
	}
	if o.metrics != nil {
		stats, err := o.lifecycle.Stats(ctx)
		if err != nil {
			return err
		}
		o.metrics.SetContainers(stats)
	}
	return nil
}

func (o *Orchestrator) sweep(ctx context.Context) error {
	n, err := o.tracker.Sweep(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.WithField("evicted", n).Debug("Swept terminal operations")
	}
	return nil
}

// Health is the service health report
type Health struct {
	Status     string              `json:"status"`
	Version    string              `json:"version"`
	Time       time.Time           `json:"time"`
	Networks   []string            `json:"networks"`
	Containers *lifecycle.Stats    `json:"containers,omitempty"`
	Operations *sm.OperationStats  `json:"operations,omitempty"`
	Tasks      []worker.TaskStatus `json:"tasks,omitempty"`
	Errors     map[string]string   `json:"errors,omitempty"`
}

// Health reports "healthy" when the stores answer, every configured network
// has an adapter and the background tasks are running, and "degraded"
// otherwise.
func (o *Orchestrator) Health(ctx context.Context) *Health {
	h := &Health{
		Status:  "healthy",
		Version: version.GetModuleVersion(),
		Time:    o.clock.Now(),
		Errors:  map[string]string{},
	}

	for _, n := range o.registry.Networks() {
		h.Networks = append(h.Networks, n.Name)
	}
	if err := o.registry.Validate(); err != nil {
		h.Errors["networks"] = err.Error()
	}

	if stats, err := o.lifecycle.Stats(ctx); err != nil {
		h.Errors["containers"] = err.Error()
	} else {
		h.Containers = stats
	}
	if stats, err := o.tracker.GetStats(ctx); err != nil {
		h.Errors["operations"] = err.Error()
	} else {
		h.Operations = stats
	}

	if o.runner != nil {
		h.Tasks = o.runner.Status()
		if !o.runner.Running() {
			h.Errors["tasks"] = "background tasks are not running"
		}
	}

	if len(h.Errors) > 0 {
		h.Status = "degraded"
	}
	return h
}
