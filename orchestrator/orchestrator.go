// Package orchestrator is the façade external callers use. It resolves the
// caller's container through the lifecycle manager, turns deposit and swap
// requests into tracked operations and wires the background tasks that keep
// both moving.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"hut.evalgo.org/chain"
	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/metrics"
	"hut.evalgo.org/queue"
	"hut.evalgo.org/scheduler"
	sm "hut.evalgo.org/statemanager"
	"hut.evalgo.org/worker"
)

// Operation kinds
const (
	KindDeposit    = "deposit"
	KindSwap       = "swap"
	KindWithdrawal = "withdrawal"
)

// Operation metadata keys
const (
	MetaContainerID = "container_id"
	MetaActivation  = "activation"
)

// Values of MetaActivation
const (
	ActivationPending  = "pending"
	ActivationApplied  = "applied"
	ActivationRejected = "rejected"
)

// Default background task intervals
const (
	DefaultTickInterval  = 5 * time.Second
	DefaultReapInterval  = time.Minute
	DefaultSweepInterval = time.Minute
)

// DefaultAssetNetworks routes each supported asset to the network its
// deposits settle on.
var DefaultAssetNetworks = map[string]string{
	"BTC":    "bitcoin",
	"ckBTC":  "bitcoin",
	"ETH":    "ethereum",
	"USDC":   "ethereum",
	"USDT":   "ethereum",
	"ckETH":  "ethereum",
	"ckUSDC": "ethereum",
	"ckUSDT": "ethereum",
	"SOL":    "solana",
	"ckSOL":  "solana",
	"ICP":    "icp",
}

// Config configures the orchestrator
type Config struct {
	Lifecycle *lifecycle.Manager // Required
	Tracker   *sm.Manager        // Required
	Registry  *chain.Registry    // Required
	Scheduler *scheduler.Scheduler
	Publisher queue.Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *logrus.Entry

	Assets        map[string]string // asset -> network, default DefaultAssetNetworks
	TickInterval  time.Duration
	ReapInterval  time.Duration
	SweepInterval time.Duration
}

// Orchestrator is the single entry point for callers
type Orchestrator struct {
	lifecycle *lifecycle.Manager
	tracker   *sm.Manager
	registry  *chain.Registry
	scheduler *scheduler.Scheduler
	publisher queue.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *logrus.Entry

	assets        map[string]string
	tickInterval  time.Duration
	reapInterval  time.Duration
	sweepInterval time.Duration

	runner *worker.Runner
}

// New creates the orchestrator and registers its operation hooks
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Lifecycle == nil || cfg.Tracker == nil || cfg.Registry == nil {
		return nil, errors.New("orchestrator: lifecycle, tracker and registry are required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = queue.NopPublisher{}
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = DefaultAssetNetworks
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	log := common.ComponentLogger(cfg.Logger, "orchestrator")

	if cfg.Scheduler == nil {
		var observer scheduler.Observer
		if cfg.Metrics != nil {
			observer = cfg.Metrics
		}
		s, err := scheduler.New(scheduler.Config{
			Tracker:  cfg.Tracker,
			Networks: cfg.Registry,
			Clock:    cfg.Clock,
			Logger:   cfg.Logger,
			Observer: observer,
		})
		if err != nil {
			return nil, err
		}
		cfg.Scheduler = s
	}

	assets := make(map[string]string, len(cfg.Assets))
	for asset, network := range cfg.Assets {
		assets[common.NormalizeKey(asset)] = common.NormalizeKey(network)
	}

	o := &Orchestrator{
		lifecycle:     cfg.Lifecycle,
		tracker:       cfg.Tracker,
		registry:      cfg.Registry,
		scheduler:     cfg.Scheduler,
		publisher:     cfg.Publisher,
		metrics:       cfg.Metrics,
		clock:         clock.OrReal(cfg.Clock),
		log:           log,
		assets:        assets,
		tickInterval:  cfg.TickInterval,
		reapInterval:  cfg.ReapInterval,
		sweepInterval: cfg.SweepInterval,
	}

	o.tracker.OnTerminal(o.onTerminal)
	if o.metrics != nil {
		o.tracker.OnTerminal(o.metrics.OperationFinished)
	}
	return o, nil
}

// Network returns the network an asset settles on.
func (o *Orchestrator) Network(asset string) (string, error) {
	network, ok := o.assets[common.NormalizeKey(asset)]
	if !ok {
		return "", common.NewValidationError(common.CodeUnknownAsset, "unknown asset %q", asset)
	}
	return network, nil
}

// CreateOrGetContainer obtains or creates the caller's container
func (o *Orchestrator) CreateOrGetContainer(ctx context.Context, owner string) (*lifecycle.Result, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return o.lifecycle.CreateOrGet(ctx, owner)
}

// ActivateContainer activates the caller's pending container with a deposit
func (o *Orchestrator) ActivateContainer(ctx context.Context, owner, asset string, amount float64) (*lifecycle.Result, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return o.lifecycle.Activate(ctx, owner, lifecycle.Deposit{Asset: asset, Amount: amount})
}

// ContainerStatus returns the caller's container view
func (o *Orchestrator) ContainerStatus(ctx context.Context, owner string) (*lifecycle.View, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return o.lifecycle.Status(ctx, owner)
}

// StartOperation starts an operation with explicit steps and attaches it to
// the caller's container when there is one.
func (o *Orchestrator) StartOperation(ctx context.Context, owner, kind string, steps []sm.StepSpec) (*sm.OperationState, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return o.start(ctx, sm.StartRequest{Owner: owner, Kind: kind, Steps: steps})
}

// UpdateStep applies an adapter callback to a step
func (o *Orchestrator) UpdateStep(ctx context.Context, operationID string, index int, patch sm.StepPatch) (*sm.Step, error) {
	return o.tracker.UpdateStep(ctx, operationID, index, patch)
}

// OperationStatus returns the projection of an operation
func (o *Orchestrator) OperationStatus(ctx context.Context, operationID string) (*sm.OperationView, error) {
	return o.tracker.Status(ctx, operationID)
}

// ListOperations returns the caller's operations
func (o *Orchestrator) ListOperations(ctx context.Context, owner string, status sm.Status) ([]*sm.OperationState, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return o.tracker.ListOperations(ctx, sm.Filter{Owner: owner, Status: status})
}

// DepositResult is returned by RequestDeposit
type DepositResult struct {
	ContainerID       string           `json:"container_id"`
	ContainerStatus   lifecycle.Status `json:"container_status"`
	OperationID       string           `json:"operation_id"`
	Network           string           `json:"network"`
	ActivationPending bool             `json:"activation_pending"`
	TimeRemaining     int64            `json:"time_remaining_seconds,omitempty"`
}

// RequestDeposit obtains or creates the caller's container and starts a
// single-step deposit operation on the asset's network. While the container
// is pending activation the deposit doubles as the activation deposit once
// it completes.
func (o *Orchestrator) RequestDeposit(ctx context.Context, owner, asset string, amount float64) (*DepositResult, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	network, err := o.Network(asset)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "amount must be positive")
	}

	res, err := o.lifecycle.CreateOrGet(ctx, owner)
	if err != nil {
		return nil, err
	}
	c := res.Container

	metadata := map[string]string{MetaContainerID: c.ID}
	pending := c.Status == lifecycle.StatusPendingActivation
	if pending {
		metadata[MetaActivation] = ActivationPending
	}

	op, err := o.start(ctx, sm.StartRequest{
		Owner:     owner,
		Kind:      KindDeposit,
		FromAsset: asset,
		Amount:    amount,
		Metadata:  metadata,
		Steps:     []sm.StepSpec{{Network: network, Type: KindDeposit, Asset: asset, Amount: amount}},
	})
	if err != nil {
		return nil, err
	}

	return &DepositResult{
		ContainerID:       c.ID,
		ContainerStatus:   c.Status,
		OperationID:       op.ID,
		Network:           network,
		ActivationPending: pending,
		TimeRemaining:     int64(res.TimeRemaining / time.Second),
	}, nil
}

// RouteHop is one leg of a swap route
type RouteHop struct {
	Network string  `json:"network"`
	Type    string  `json:"type,omitempty"` // e.g. "bridge", "swap", "withdraw"
	Asset   string  `json:"asset,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

// SwapRequest describes a cross-chain swap
type SwapRequest struct {
	FromAsset string     `json:"from_asset"`
	ToAsset   string     `json:"to_asset"`
	Amount    float64    `json:"amount"`
	Route     []RouteHop `json:"route"`
}

// RequestSwap starts a multi-step swap, one step per route hop. It requires
// an active container.
func (o *Orchestrator) RequestSwap(ctx context.Context, owner string, req SwapRequest) (*sm.OperationState, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if _, err := o.Network(req.FromAsset); err != nil {
		return nil, err
	}
	if _, err := o.Network(req.ToAsset); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "amount must be positive")
	}
	if len(req.Route) == 0 {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "swap route must have at least one hop")
	}

	c, err := o.lifecycle.Get(ctx, owner)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if c == nil || c.Status != lifecycle.StatusActive {
		return nil, common.NewConflictError(common.CodeContainerRequired, "an active container is required to swap")
	}

	steps := make([]sm.StepSpec, len(req.Route))
	for i, hop := range req.Route {
		typ := hop.Type
		if typ == "" {
			typ = KindSwap
		}
		steps[i] = sm.StepSpec{Network: hop.Network, Type: typ, Asset: hop.Asset, Amount: hop.Amount}
	}

	return o.start(ctx, sm.StartRequest{
		Owner:     owner,
		Kind:      KindSwap,
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
		Amount:    req.Amount,
		Metadata:  map[string]string{MetaContainerID: c.ID},
		Steps:     steps,
	})
}

// start creates the operation, attaches it to the owner's container and
// announces it.
func (o *Orchestrator) start(ctx context.Context, req sm.StartRequest) (*sm.OperationState, error) {
	op, err := o.tracker.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := o.lifecycle.AttachOperation(ctx, req.Owner, op.ID); err != nil && !errors.Is(err, common.ErrNotFound) {
		o.log.WithError(err).WithField("operation_id", op.ID).Warn("Failed to attach operation to container")
	}

	if o.metrics != nil {
		o.metrics.OperationStarted(op.Kind)
	}
	o.emit(ctx, queue.NewEvent(queue.EventOperationStarted, op.ID, op.Owner, op.StartedAt).
		With("kind", op.Kind).
		With("steps", len(op.Steps)))
	return op, nil
}

// onTerminal publishes the outcome and offers a completed pending-activation
// deposit to the lifecycle manager.
func (o *Orchestrator) onTerminal(ctx context.Context, op sm.OperationState) {
	eventType := queue.EventOperationCompleted
	switch op.Status {
	case sm.StatusFailed:
		eventType = queue.EventOperationFailed
	case sm.StatusTimeout:
		eventType = queue.EventOperationTimeout
	}
	at := o.clock.Now()
	if op.CompletedAt != nil {
		at = *op.CompletedAt
	}
	o.emit(ctx, queue.NewEvent(eventType, op.ID, op.Owner, at).With("kind", op.Kind))

	if op.Kind != KindDeposit || op.Status != sm.StatusCompleted || op.Metadata[MetaActivation] != ActivationPending {
		return
	}

	log := o.log.WithFields(logrus.Fields{"operation_id": op.ID, "owner": op.Owner})
	res, err := o.lifecycle.Activate(ctx, op.Owner, lifecycle.Deposit{
		Asset:       op.FromAsset,
		Amount:      op.Amount,
		OperationID: op.ID,
		DepositedAt: at,
	})

	outcome := ActivationApplied
	if err != nil {
		outcome = ActivationRejected
		log.WithError(err).WithField("code", common.CodeOf(err)).Warn("Deposit did not activate container")
	} else {
		log.WithField("outcome", res.Outcome).Info("Deposit offered for activation")
	}

	if err := o.tracker.UpdateMetadata(ctx, op.ID, MetaActivation, outcome); err != nil {
		log.WithError(err).Warn("Failed to record activation outcome")
	}
}

func (o *Orchestrator) emit(ctx context.Context, event queue.Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.log.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}

func requireOwner(owner string) error {
	if owner == "" {
		return common.NewError(common.ErrUnauthorized, common.CodeUnauthorized, "caller identity is required")
	}
	return nil
}
