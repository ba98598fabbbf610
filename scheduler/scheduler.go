// Package scheduler is the step scheduler. On every tick it walks the
// Monitoring operations, times out those past their deadline and advances
// the current step of the others by polling the matching chain adapter.
//
// The scheduler keeps no state of its own; everything it decides is written
// back through the tracker, so it can be restarted at any time. Every step
// patch carries the status the decision was based on, so a concurrent
// adapter callback wins over a stale tick instead of being overwritten.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hut.evalgo.org/chain"
	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	sm "hut.evalgo.org/statemanager"
)

// DefaultMaxConcurrent bounds the operations advanced in parallel per tick.
const DefaultMaxConcurrent = 8

// Tracker is the part of the operation tracker the scheduler drives.
type Tracker interface {
	ListOperations(ctx context.Context, filter sm.Filter) ([]*sm.OperationState, error)
	UpdateStep(ctx context.Context, id string, index int, patch sm.StepPatch) (*sm.Step, error)
	RecordFailure(ctx context.Context, id string, index int, cause error) (*sm.Step, error)
	TimeoutOperation(ctx context.Context, id string) (*sm.OperationState, error)
}

// Networks resolves adapters and network constants. *chain.Registry
// implements it.
type Networks interface {
	Adapter(network string) (chain.Adapter, error)
	Network(name string) (chain.NetworkConfig, bool)
}

// Observer is notified about scheduler decisions.
type Observer interface {
	StepAdvanced(network string, to sm.StepStatus)
	AdapterError(network, op string)
}

// Config configures the scheduler
type Config struct {
	Tracker       Tracker
	Networks      Networks
	Clock         clock.Clock
	Logger        *logrus.Entry
	Observer      Observer
	MaxConcurrent int
}

// TickResult summarizes one tick
type TickResult struct {
	Operations int `json:"operations"`
	Advanced   int `json:"advanced"`
	Failures   int `json:"failures"`
	TimedOut   int `json:"timed_out"`
}

// Scheduler advances steps of Monitoring operations
type Scheduler struct {
	tracker       Tracker
	networks      Networks
	clock         clock.Clock
	log           *logrus.Entry
	observer      Observer
	maxConcurrent int
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Tracker == nil || cfg.Networks == nil {
		return nil, errors.New("scheduler: tracker and networks are required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Scheduler{
		tracker:       cfg.Tracker,
		networks:      cfg.Networks,
		clock:         clock.OrReal(cfg.Clock),
		log:           common.ComponentLogger(cfg.Logger, "scheduler"),
		observer:      cfg.Observer,
		maxConcurrent: cfg.MaxConcurrent,
	}, nil
}

// Tick runs one scheduling pass over all Monitoring operations.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	ops, err := s.tracker.ListOperations(ctx, sm.Filter{Status: sm.StatusMonitoring})
	if err != nil {
		return nil, err
	}

	res := &TickResult{Operations: len(ops)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			out := s.advance(gctx, op)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeAdvanced:
				res.Advanced++
			case outcomeFailure:
				res.Failures++
			case outcomeTimedOut:
				res.TimedOut++
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Advanced+res.Failures+res.TimedOut > 0 {
		s.log.WithFields(logrus.Fields{
			"operations": res.Operations,
			"advanced":   res.Advanced,
			"failures":   res.Failures,
			"timed_out":  res.TimedOut,
		}).Debug("Scheduler tick")
	}
	return res, ctx.Err()
}

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeAdvanced
	outcomeFailure
	outcomeTimedOut
)

// advance makes at most one decision for op: time it out, or move its
// current step.
func (s *Scheduler) advance(ctx context.Context, op *sm.OperationState) outcome {
	now := s.clock.Now()
	log := s.log.WithField("operation_id", op.ID)

	if op.PastDeadline(now) {
		if _, err := s.tracker.TimeoutOperation(ctx, op.ID); err != nil {
			log.WithError(err).Warn("Failed to time out operation")
			return outcomeIdle
		}
		log.WithField("deadline", op.Deadline).Warn("Operation timed out")
		return outcomeTimedOut
	}

	step := op.CurrentStep()
	if step == nil {
		return outcomeIdle
	}
	for _, prev := range op.Steps[:step.Index] {
		if prev.Status != sm.StepCompleted {
			return outcomeIdle
		}
	}
	if step.NextAttemptAt != nil && now.Before(*step.NextAttemptAt) {
		return outcomeIdle
	}

	net, ok := s.networks.Network(step.Network)
	if !ok {
		return s.fail(ctx, op, step, common.NewValidationError(common.CodeUnknownNetwork, "network %q is not configured", step.Network))
	}
	adapter, err := s.networks.Adapter(step.Network)
	if err != nil {
		return s.fail(ctx, op, step, err)
	}

	switch step.Status {
	case sm.StepPending:
		return s.submit(ctx, op, step, net, adapter, now)
	case sm.StepInProgress, sm.StepConfirming:
		return s.poll(ctx, op, step, net, adapter, now)
	}
	return outcomeIdle
}

func (s *Scheduler) submit(ctx context.Context, op *sm.OperationState, step *sm.Step, net chain.NetworkConfig, adapter chain.Adapter, now time.Time) outcome {
	if step.EligibleAt != nil && now.Before(step.EligibleAt.Add(net.Fraction(net.InProgressFraction))) {
		return outcomeIdle
	}

	ref, err := adapter.Submit(ctx, chain.SubmitRequest{
		OperationID: op.ID,
		StepIndex:   step.Index,
		Owner:       op.Owner,
		Kind:        op.Kind,
		Type:        step.Type,
		Asset:       step.Asset,
		Amount:      step.Amount,
	})
	if err != nil {
		if interrupted(ctx, err) {
			return outcomeIdle
		}
		s.observer.AdapterError(step.Network, "submit")
		return s.fail(ctx, op, step, err)
	}

	return s.patch(ctx, op, step, sm.StepPatch{
		Status:         common.Ptr(sm.StepInProgress),
		ChainReference: &ref,
		StartedAt:      &now,
	})
}

func (s *Scheduler) poll(ctx context.Context, op *sm.OperationState, step *sm.Step, net chain.NetworkConfig, adapter chain.Adapter, now time.Time) outcome {
	// a step moved by an adapter callback without a reference waits for
	// the next callback
	if step.ChainReference == "" {
		return outcomeIdle
	}

	status, err := adapter.QueryStatus(ctx, step.ChainReference)
	if err != nil {
		if interrupted(ctx, err) {
			return outcomeIdle
		}
		s.observer.AdapterError(step.Network, "query")
		return s.fail(ctx, op, step, err)
	}

	if net.Satisfied(status) {
		return s.patch(ctx, op, step, sm.StepPatch{
			Status:        common.Ptr(sm.StepCompleted),
			Confirmations: &status.Confirmations,
		})
	}

	next := step.Status
	if next == sm.StepInProgress {
		started := now
		if step.StartedAt != nil {
			started = *step.StartedAt
		}
		if status.Confirmations > 0 || now.Sub(started) >= net.Fraction(net.ConfirmingFraction) {
			next = sm.StepConfirming
		}
	}

	if next == step.Status && status.Confirmations <= step.Confirmations {
		return outcomeIdle
	}
	return s.patch(ctx, op, step, sm.StepPatch{
		Status:        &next,
		Confirmations: &status.Confirmations,
	})
}

func (s *Scheduler) patch(ctx context.Context, op *sm.OperationState, step *sm.Step, p sm.StepPatch) outcome {
	p.ExpectStatus = common.Ptr(step.Status)

	updated, err := s.tracker.UpdateStep(ctx, op.ID, step.Index, p)
	switch {
	case errors.Is(err, common.ErrDeadlineExceeded):
		return outcomeTimedOut
	case errors.Is(err, common.ErrConflict):
		s.log.WithField("operation_id", op.ID).WithError(err).Debug("Step changed concurrently")
		return outcomeIdle
	case err != nil:
		s.log.WithField("operation_id", op.ID).WithError(err).Warn("Failed to update step")
		return outcomeIdle
	}

	if updated.Status != step.Status {
		s.observer.StepAdvanced(step.Network, updated.Status)
		s.log.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"step":         step.Index,
			"network":      step.Network,
			"from":         step.Status,
			"to":           updated.Status,
		}).Info("Step advanced")
	}
	return outcomeAdvanced
}

// interrupted reports whether an adapter call ended because the tick itself
// was cancelled or ran out of time. Such calls do not count as attempts.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (s *Scheduler) fail(ctx context.Context, op *sm.OperationState, step *sm.Step, cause error) outcome {
	updated, err := s.tracker.RecordFailure(ctx, op.ID, step.Index, cause)
	if err != nil {
		s.log.WithField("operation_id", op.ID).WithError(err).Warn("Failed to record step failure")
		return outcomeIdle
	}
	if updated.Status == sm.StepFailed {
		s.observer.StepAdvanced(step.Network, sm.StepFailed)
	}
	return outcomeFailure
}

type nopObserver struct{}

func (nopObserver) StepAdvanced(string, sm.StepStatus) {}
func (nopObserver) AdapterError(string, string)        {}
