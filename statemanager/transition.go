package statemanager

import (
	"fmt"
	"math"
	"time"

	"hut.evalgo.org/common"
)

const errMaxRetries = "max retries exceeded"

// applyPatch applies p to s. Transitions are monotonic: terminal steps never
// change, status never moves backward and attempts never decrease.
func applyPatch(s *Step, p StepPatch, now time.Time, maxRetries int) error {
	if p.ExpectStatus != nil && s.Status != *p.ExpectStatus {
		return common.NewConflictError(common.CodeInvalidTransition,
			"step %d is %s, expected %s", s.Index, s.Status, *p.ExpectStatus)
	}

	if s.Status.Terminal() {
		if p.repeats(s) {
			return nil
		}
		return common.NewConflictError(common.CodeInvalidTransition, "step %d is already %s", s.Index, s.Status)
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return common.NewValidationError(common.CodeInvalidRequest, "unknown step status %q", *p.Status)
		}
		if p.Status.rank() < s.Status.rank() {
			return common.NewConflictError(common.CodeInvalidTransition,
				"step %d cannot move from %s to %s", s.Index, s.Status, *p.Status)
		}
	}
	if p.Attempts != nil && *p.Attempts < s.Attempts {
		return common.NewConflictError(common.CodeInvalidTransition,
			"step %d attempts cannot decrease from %d to %d", s.Index, s.Attempts, *p.Attempts)
	}
	if p.Confirmations != nil && *p.Confirmations < 0 {
		return common.NewValidationError(common.CodeInvalidRequest, "confirmations must not be negative")
	}

	if p.Attempts != nil {
		s.Attempts = *p.Attempts
	}
	if p.Confirmations != nil && *p.Confirmations > s.Confirmations {
		s.Confirmations = *p.Confirmations
	}
	if p.ChainReference != nil {
		s.ChainReference = *p.ChainReference
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.StartedAt != nil {
		s.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		s.CompletedAt = p.CompletedAt
	}
	if p.NextAttemptAt != nil {
		s.NextAttemptAt = p.NextAttemptAt
	}
	if p.Status != nil {
		s.Status = *p.Status
	}

	if maxRetries > 0 && s.Attempts >= maxRetries && !s.Status.Terminal() {
		s.Status = StepFailed
		if s.Error == "" {
			s.Error = errMaxRetries
		}
	}

	if s.Status.rank() >= StepInProgress.rank() && s.StartedAt == nil {
		s.StartedAt = common.Ptr(now)
	}
	if s.Status.Terminal() {
		if s.CompletedAt == nil {
			s.CompletedAt = common.Ptr(now)
		}
		s.NextAttemptAt = nil
	}
	s.LastUpdate = now
	return nil
}

// repeats reports whether p only restates the terminal status of s; such a
// report is accepted as a no-op.
func (p StepPatch) repeats(s *Step) bool {
	return s.Status.Terminal() && p.Status != nil && *p.Status == s.Status &&
		p.Attempts == nil && p.ChainReference == nil && p.Error == nil
}

// recompute derives the aggregate status from the steps. A failed step
// aborts every remaining non-terminal step.
func (op *OperationState) recompute(now time.Time) {
	if op.Status.Terminal() {
		return
	}

	failed := -1
	completed := 0
	timedOut := false
	for i := range op.Steps {
		switch op.Steps[i].Status {
		case StepFailed:
			if failed < 0 {
				failed = i
			}
		case StepCompleted:
			completed++
		case StepTimeout:
			timedOut = true
		}
	}

	switch {
	case failed >= 0:
		for i := range op.Steps {
			s := &op.Steps[i]
			if s.Status.Terminal() {
				continue
			}
			s.Status = StepFailed
			s.Error = fmt.Sprintf("aborted: step %d failed", failed)
			s.CompletedAt = common.Ptr(now)
			s.NextAttemptAt = nil
			s.LastUpdate = now
		}
		op.finish(StatusFailed, now)
	case len(op.Steps) > 0 && completed == len(op.Steps):
		op.finish(StatusCompleted, now)
	case timedOut:
		op.timeout(now)
	default:
		op.Status = StatusMonitoring
		op.markEligible(now)
	}
}

// markEligible stamps the first pending step whose predecessors all
// completed.
func (op *OperationState) markEligible(now time.Time) {
	for i := range op.Steps {
		s := &op.Steps[i]
		if s.Status == StepCompleted {
			continue
		}
		if s.Status == StepPending && s.EligibleAt == nil {
			s.EligibleAt = common.Ptr(now)
		}
		return
	}
}

// timeout marks every non-terminal step and the operation Timeout.
func (op *OperationState) timeout(now time.Time) {
	for i := range op.Steps {
		s := &op.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		s.Status = StepTimeout
		s.Error = "operation deadline exceeded"
		s.CompletedAt = common.Ptr(now)
		s.NextAttemptAt = nil
		s.LastUpdate = now
	}
	op.finish(StatusTimeout, now)
}

func (op *OperationState) finish(status Status, now time.Time) {
	op.Status = status
	op.CompletedAt = common.Ptr(now)
	op.Duration = now.Sub(op.StartedAt).String()
}

// PastDeadline reports whether a non-terminal operation has run out of time.
func (op *OperationState) PastDeadline(now time.Time) bool {
	return !op.Status.Terminal() && !op.Deadline.IsZero() && now.After(op.Deadline)
}

// Progress counts completed steps.
func (op *OperationState) Progress() Progress {
	p := Progress{Total: len(op.Steps)}
	for _, s := range op.Steps {
		if s.Status == StepCompleted {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed) * 100 / float64(p.Total)))
	}
	return p
}

// CurrentStep returns the first non-terminal step, or nil.
func (op *OperationState) CurrentStep() *Step {
	for i := range op.Steps {
		if !op.Steps[i].Status.Terminal() {
			s := op.Steps[i]
			return &s
		}
	}
	return nil
}

// View builds the read-only projection of op.
func (op *OperationState) View() *OperationView {
	steps := make([]Step, len(op.Steps))
	copy(steps, op.Steps)

	return &OperationView{
		ID:                  op.ID,
		Owner:               op.Owner,
		Kind:                op.Kind,
		Status:              op.Status,
		Progress:            op.Progress(),
		CurrentStep:         op.CurrentStep(),
		Steps:               steps,
		FromAsset:           op.FromAsset,
		ToAsset:             op.ToAsset,
		Amount:              op.Amount,
		StartedAt:           op.StartedAt,
		LastUpdate:          op.LastUpdate,
		EstimatedCompletion: op.EstimatedCompletion,
		CompletedAt:         op.CompletedAt,
		Metadata:            op.Metadata,
	}
}
