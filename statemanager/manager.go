// Package statemanager is the operation tracker: the canonical state machine
// for multi-step, multi-network operations.
//
// Every mutation goes through the per-id exclusive section of the Manager,
// and the aggregate operation status is recomputed from the steps on each
// write, so readers never observe an aggregate inconsistent with its steps.
package statemanager

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hut.evalgo.org/chain"
	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	"hut.evalgo.org/store"
)

// Defaults applied by New.
const (
	DefaultMaxRetries       = 10
	DefaultRetryBackoff     = 30 * time.Second
	DefaultRetention        = time.Hour
	DefaultOperationTimeout = time.Hour
)

// Networks is the network table the tracker consults for estimates and
// deadlines. *chain.Registry implements it.
type Networks interface {
	Network(name string) (chain.NetworkConfig, bool)
	NominalDuration(network string) time.Duration
	MaxTimeout() time.Duration
}

// TerminalHook is called once when an operation reaches a terminal status.
type TerminalHook func(ctx context.Context, op OperationState)

// Manager handles state tracking for operations
type Manager struct {
	ops      *store.Typed[OperationState]
	locks    store.Locker
	networks Networks
	clock    clock.Clock
	log      *logrus.Entry

	serviceName      string
	maxOperations    int
	maxRetries       int
	retryBackoff     time.Duration
	retention        time.Duration
	operationTimeout time.Duration

	hooksMu sync.RWMutex
	hooks   []TerminalHook
}

// Config for creating a new Manager
type Config struct {
	ServiceName      string
	Store            store.Store   // Defaults to an in-memory store
	Networks         Networks      // Required
	Clock            clock.Clock   // Defaults to the wall clock
	Logger           *logrus.Entry // Defaults to common.Logger
	MaxOperations    int           // Evict the oldest terminal operation beyond this (0 = unlimited)
	MaxRetries       int           // Default 10
	RetryBackoff     time.Duration // Default 30s
	Retention        time.Duration // Terminal operations kept this long, default 1h
	OperationTimeout time.Duration // Overrides the max network timeout when set
}

// New creates a new operation tracker
func New(cfg Config) (*Manager, error) {
	if cfg.Networks == nil {
		return nil, errors.New("statemanager: networks are required")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Manager{
		ops:              store.NewTyped[OperationState](cfg.Store),
		locks:            store.LockerFor(cfg.Store),
		networks:         cfg.Networks,
		clock:            clock.OrReal(cfg.Clock),
		log:              common.ComponentLogger(cfg.Logger, "tracker"),
		serviceName:      cfg.ServiceName,
		maxOperations:    cfg.MaxOperations,
		maxRetries:       cfg.MaxRetries,
		retryBackoff:     cfg.RetryBackoff,
		retention:        cfg.Retention,
		operationTimeout: cfg.OperationTimeout,
	}, nil
}

// OnTerminal registers a hook fired after an operation becomes terminal.
func (m *Manager) OnTerminal(hook TerminalHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// MaxRetries returns the configured retry limit.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

// Timeout returns the operation-level budget: the configured override, or
// the largest network timeout.
func (m *Manager) Timeout() time.Duration {
	if m.operationTimeout > 0 {
		return m.operationTimeout
	}
	if t := m.networks.MaxTimeout(); t > 0 {
		return t
	}
	return DefaultOperationTimeout
}

// Start creates a new operation in Monitoring state
func (m *Manager) Start(ctx context.Context, req StartRequest) (*OperationState, error) {
	if req.Owner == "" {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "owner is required")
	}
	if req.Kind == "" {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "kind is required")
	}
	if len(req.Steps) == 0 {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "operation requires at least one step")
	}
	if req.Amount < 0 {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "amount must not be negative")
	}

	now := m.clock.Now()
	estimate := now
	steps := make([]Step, len(req.Steps))
	for i, spec := range req.Steps {
		network := common.NormalizeKey(spec.Network)
		if _, ok := m.networks.Network(network); !ok {
			return nil, common.NewValidationError(common.CodeUnknownNetwork, "step %d: unknown network %q", i, spec.Network)
		}
		if spec.Amount < 0 {
			return nil, common.NewValidationError(common.CodeInvalidRequest, "step %d: amount must not be negative", i)
		}
		estimate = estimate.Add(m.networks.NominalDuration(network))
		steps[i] = Step{
			Index:      i,
			Network:    network,
			Type:       spec.Type,
			Asset:      spec.Asset,
			Amount:     spec.Amount,
			Status:     StepPending,
			LastUpdate: now,
		}
	}

	op := &OperationState{
		ID:                  "op_" + uuid.NewString(),
		ServiceName:         m.serviceName,
		Owner:               req.Owner,
		Kind:                req.Kind,
		Status:              StatusInitiated,
		Steps:               steps,
		FromAsset:           req.FromAsset,
		ToAsset:             req.ToAsset,
		Amount:              req.Amount,
		StartedAt:           now,
		LastUpdate:          now,
		EstimatedCompletion: estimate,
		Deadline:            now.Add(m.Timeout()),
		Metadata:            req.Metadata,
	}
	op.recompute(now)

	if m.maxOperations > 0 {
		if err := m.evictOldest(ctx); err != nil {
			return nil, err
		}
	}

	unlock, err := m.locks.Lock(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := m.ops.Put(ctx, op.ID, op); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"owner":        op.Owner,
		"kind":         op.Kind,
		"steps":        len(op.Steps),
	}).Info("Operation started")

	return op, nil
}

// UpdateStep is the single mutation entry point for steps. It applies patch
// and recomputes the aggregate status. An operation past its deadline is
// timed out first and DeadlineExceeded is returned. Terminal operations only
// accept a repeated terminal report for a step.
func (m *Manager) UpdateStep(ctx context.Context, id string, index int, patch StepPatch) (*Step, error) {
	var step Step
	expired := false

	_, err := m.mutate(ctx, id, func(op *OperationState, now time.Time) error {
		if index < 0 || index >= len(op.Steps) {
			return common.NewNotFoundError("step", stepKey(id, index))
		}
		if op.PastDeadline(now) {
			op.timeout(now)
			expired = true
			return nil
		}
		if op.Status.Terminal() {
			if patch.repeats(&op.Steps[index]) {
				step = op.Steps[index]
				return nil
			}
			return common.NewConflictError(common.CodeInvalidTransition, "operation %s is already %s", id, op.Status)
		}
		if err := applyPatch(&op.Steps[index], patch, now, m.maxRetries); err != nil {
			return err
		}
		op.recompute(now)
		step = op.Steps[index]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, common.NewDeadlineError(common.CodeOperationTimeout, "operation %s exceeded its deadline", id)
	}
	return &step, nil
}

// RecordFailure accounts one recoverable adapter failure on a step. The
// step is retried after the backoff, or fails once attempts reach the
// retry limit.
func (m *Manager) RecordFailure(ctx context.Context, id string, index int, cause error) (*Step, error) {
	var step Step

	_, err := m.mutate(ctx, id, func(op *OperationState, now time.Time) error {
		if index < 0 || index >= len(op.Steps) {
			return common.NewNotFoundError("step", stepKey(id, index))
		}
		s := &op.Steps[index]
		attempts := s.Attempts + 1
		msg := cause.Error()
		patch := StepPatch{
			ExpectStatus:  common.Ptr(s.Status),
			Attempts:      &attempts,
			Error:         &msg,
			NextAttemptAt: common.Ptr(now.Add(m.retryBackoff)),
		}
		if err := applyPatch(s, patch, now, m.maxRetries); err != nil {
			return err
		}
		op.recompute(now)
		step = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"operation_id": id,
		"step":         index,
		"attempts":     step.Attempts,
		"status":       step.Status,
	}).WithError(cause).Warn("Step attempt failed")

	return &step, nil
}

// TimeoutOperation marks every non-terminal step and the operation Timeout.
// Already terminal operations are returned unchanged.
func (m *Manager) TimeoutOperation(ctx context.Context, id string) (*OperationState, error) {
	return m.mutate(ctx, id, func(op *OperationState, now time.Time) error {
		if !op.Status.Terminal() {
			op.timeout(now)
		}
		return nil
	})
}

// UpdateMetadata adds/updates metadata for an operation
func (m *Manager) UpdateMetadata(ctx context.Context, id, key, value string) error {
	_, err := m.mutate(ctx, id, func(op *OperationState, _ time.Time) error {
		if op.Metadata == nil {
			op.Metadata = make(map[string]string)
		}
		op.Metadata[key] = value
		return nil
	})
	return err
}

// GetOperation retrieves a copy of an operation by ID
func (m *Manager) GetOperation(ctx context.Context, id string) (*OperationState, error) {
	op, err := m.ops.Get(ctx, id)
	if store.IsNotFound(err) {
		return nil, common.NewNotFoundError("operation", id)
	}
	return op, err
}

// Status returns the read-only projection of an operation
func (m *Manager) Status(ctx context.Context, id string) (*OperationView, error) {
	op, err := m.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	return op.View(), nil
}

// ListOperations returns tracked operations matching filter, oldest first
func (m *Manager) ListOperations(ctx context.Context, filter Filter) ([]*OperationState, error) {
	all, err := m.ops.List(ctx)
	if err != nil {
		return nil, err
	}

	ops := make([]*OperationState, 0, len(all))
	for _, op := range all {
		if filter.Owner != "" && op.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && op.Kind != filter.Kind {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.Before(ops[j].StartedAt) })
	return ops, nil
}

// GetStats returns aggregated statistics
func (m *Manager) GetStats(ctx context.Context) (*OperationStats, error) {
	ops, err := m.ops.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &OperationStats{
		TotalOperations: len(ops),
		ByStatus:        make(map[Status]int),
		ByKind:          make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount int

	for _, op := range ops {
		stats.ByStatus[op.Status]++
		stats.ByKind[op.Kind]++

		if op.CompletedAt != nil {
			totalDuration += op.CompletedAt.Sub(op.StartedAt)
			completedCount++
		}
	}

	if completedCount > 0 {
		avgDuration := totalDuration / time.Duration(completedCount)
		stats.AverageDuration = avgDuration.String()
	}

	return stats, nil
}

// Sweep evicts operations that reached a terminal status more than the
// retention window ago and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	keys, err := m.ops.Keys(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, id := range keys {
		removed, err := m.evictIfExpired(ctx, id)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted++
		}
	}

	if evicted > 0 {
		m.log.WithField("evicted", evicted).Debug("Swept terminal operations")
	}
	return evicted, nil
}

func (m *Manager) evictIfExpired(ctx context.Context, id string) (bool, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	op, err := m.ops.Get(ctx, id)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !op.Status.Terminal() || op.CompletedAt == nil {
		return false, nil
	}
	if m.clock.Now().Sub(*op.CompletedAt) <= m.retention {
		return false, nil
	}
	return true, m.ops.Delete(ctx, id)
}

// mutate runs fn on the stored operation inside its exclusive section and
// persists the result. Terminal hooks fire after the section is released.
func (m *Manager) mutate(ctx context.Context, id string, fn func(op *OperationState, now time.Time) error) (*OperationState, error) {
	op, becameTerminal, err := m.mutateLocked(ctx, id, fn)
	if err != nil {
		return nil, err
	}

	if becameTerminal {
		m.log.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"status":       op.Status,
			"duration":     op.Duration,
		}).Info("Operation finished")
		m.fireTerminal(ctx, *op)
	}
	return op, nil
}

func (m *Manager) mutateLocked(ctx context.Context, id string, fn func(op *OperationState, now time.Time) error) (*OperationState, bool, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	op, err := m.ops.Get(ctx, id)
	if store.IsNotFound(err) {
		return nil, false, common.NewNotFoundError("operation", id)
	}
	if err != nil {
		return nil, false, err
	}

	wasTerminal := op.Status.Terminal()
	now := m.clock.Now()
	if err := fn(op, now); err != nil {
		return nil, false, err
	}
	op.LastUpdate = now

	if err := m.ops.Put(ctx, id, op); err != nil {
		return nil, false, err
	}
	return op, !wasTerminal && op.Status.Terminal(), nil
}

func (m *Manager) fireTerminal(ctx context.Context, op OperationState) {
	m.hooksMu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, op)
	}
}

// evictOldest removes the oldest terminal operation once the tracker holds
// maxOperations entries.
func (m *Manager) evictOldest(ctx context.Context) error {
	ops, err := m.ops.List(ctx)
	if err != nil {
		return err
	}
	if len(ops) < m.maxOperations {
		return nil
	}

	var oldest *OperationState
	for _, op := range ops {
		if !op.Status.Terminal() {
			continue
		}
		if oldest == nil || op.StartedAt.Before(oldest.StartedAt) {
			oldest = op
		}
	}
	if oldest == nil {
		return nil
	}

	unlock, err := m.locks.Lock(ctx, oldest.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.ops.Delete(ctx, oldest.ID)
}

func stepKey(id string, index int) string {
	return id + "/" + strconv.Itoa(index)
}
