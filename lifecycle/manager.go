// Package lifecycle is the container lifecycle manager. It enforces exactly
// one living sovereign container per owner with a hard activation deadline.
//
// Containers are keyed by owner and every transition runs inside the owner's
// exclusive section. Expiry always goes through a single transition that
// records ExpiredAt and publishes a container.expired event, whether it is
// triggered by the reaper, by Activate, by CreateOrGet or by Status.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	"hut.evalgo.org/queue"
	"hut.evalgo.org/store"
)

// Defaults applied by New.
const (
	DefaultActivationWindow = 30 * time.Minute
	DefaultExpiredRetention = 24 * time.Hour
)

// DefaultMinimums are the activation minimums per asset.
var DefaultMinimums = map[string]float64{
	"BTC":    0.0001,
	"ETH":    0.001,
	"SOL":    0.01,
	"USDC":   1,
	"USDT":   1,
	"ICP":    0.1,
	"ckBTC":  0.0001,
	"ckETH":  0.001,
	"ckSOL":  0.01,
	"ckUSDC": 1,
	"ckUSDT": 1,
}

// Config for creating a new Manager
type Config struct {
	Store            store.Store        // Defaults to an in-memory store
	Clock            clock.Clock        // Defaults to the wall clock
	Logger           *logrus.Entry      // Defaults to common.Logger
	Publisher        queue.Publisher    // Lifecycle events, defaults to NopPublisher
	ActivationWindow time.Duration      // Default 30m
	ExpiredRetention time.Duration      // Unobserved expired containers are dropped after this, default 24h
	Minimums         map[string]float64 // Per-asset activation minimums, default DefaultMinimums
}

// Manager owns container creation, activation and expiry
type Manager struct {
	containers *store.Typed[Container]
	locks      store.Locker
	clock      clock.Clock
	log        *logrus.Entry
	publisher  queue.Publisher

	window    time.Duration
	retention time.Duration
	minimums  map[string]float64
}

// New creates a lifecycle manager
func New(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = queue.NopPublisher{}
	}
	if cfg.ActivationWindow <= 0 {
		cfg.ActivationWindow = DefaultActivationWindow
	}
	if cfg.ExpiredRetention <= 0 {
		cfg.ExpiredRetention = DefaultExpiredRetention
	}
	if len(cfg.Minimums) == 0 {
		cfg.Minimums = DefaultMinimums
	}

	minimums := make(map[string]float64, len(cfg.Minimums))
	for asset, min := range cfg.Minimums {
		minimums[common.NormalizeKey(asset)] = min
	}

	return &Manager{
		containers: store.NewTyped[Container](cfg.Store),
		locks:      store.LockerFor(cfg.Store),
		clock:      clock.OrReal(cfg.Clock),
		log:        common.ComponentLogger(cfg.Logger, "lifecycle"),
		publisher:  cfg.Publisher,
		window:     cfg.ActivationWindow,
		retention:  cfg.ExpiredRetention,
		minimums:   minimums,
	}
}

// Minimum returns the activation minimum for asset.
func (m *Manager) Minimum(asset string) (float64, bool) {
	min, ok := m.minimums[common.NormalizeKey(asset)]
	return min, ok
}

// CreateOrGet returns the owner's living container, creating one when there
// is none. A pending container whose window elapsed is expired first and
// reported in Result.Previous.
func (m *Manager) CreateOrGet(ctx context.Context, owner string) (*Result, error) {
	if owner == "" {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "owner is required")
	}

	var events []queue.Event
	defer func() { m.publish(ctx, events) }()

	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	existing, err := m.get(ctx, owner)
	if err != nil {
		return nil, err
	}

	var previous *Container
	if existing != nil {
		if existing.PastDeadline(now) {
			ev, err := m.expire(ctx, existing, now)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		switch existing.Status {
		case StatusActive:
			return &Result{Container: existing, Outcome: OutcomeAlreadyExists}, nil
		case StatusPendingActivation:
			return &Result{
				Container:     existing,
				Outcome:       OutcomePendingActivation,
				TimeRemaining: existing.TimeRemaining(now),
			}, nil
		case StatusExpired:
			previous = existing
		}
	}

	c := &Container{
		ID:                 "hut_" + uuid.NewString(),
		Owner:              owner,
		Status:             StatusPendingActivation,
		CreatedAt:          now,
		ActivationDeadline: now.Add(m.window),
	}
	if err := m.containers.Put(ctx, owner, c); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"container_id": c.ID,
		"owner":        owner,
		"deadline":     c.ActivationDeadline,
	}).Info("Container created")

	events = append(events, queue.NewEvent(queue.EventContainerCreated, c.ID, owner, now).
		With("activation_deadline", c.ActivationDeadline))

	return &Result{
		Container:     c,
		Outcome:       OutcomeCreated,
		TimeRemaining: c.TimeRemaining(now),
		Previous:      previous,
	}, nil
}

// Activate validates deposit against the owner's pending container and
// activates it. Activation happens at most once; a call on an active
// container reports OutcomeAlreadyActive and changes nothing.
func (m *Manager) Activate(ctx context.Context, owner string, deposit Deposit) (*Result, error) {
	if owner == "" {
		return nil, common.NewValidationError(common.CodeInvalidRequest, "owner is required")
	}

	var events []queue.Event
	defer func() { m.publish(ctx, events) }()

	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	c, err := m.get(ctx, owner)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, common.NewNotFoundErrorWithCode(common.CodeNoPendingContainer, "no pending container for owner %q", owner)
	}

	switch c.Status {
	case StatusActive:
		return &Result{Container: c, Outcome: OutcomeAlreadyActive}, nil
	case StatusExpired:
		return nil, common.NewDeadlineError(common.CodeActivationExpired, "container %s expired at %s", c.ID, c.ActivationDeadline.Format(time.RFC3339))
	}

	if c.PastDeadline(now) {
		ev, err := m.expire(ctx, c, now)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		return nil, common.NewDeadlineError(common.CodeActivationExpired, "activation window of container %s elapsed", c.ID)
	}

	min, ok := m.Minimum(deposit.Asset)
	if !ok {
		return nil, common.NewValidationError(common.CodeUnknownAsset, "unknown asset %q", deposit.Asset)
	}
	if deposit.Amount < min {
		return nil, common.NewValidationError(common.CodeBelowMinimum,
			"deposit of %g %s is below the activation minimum of %g", deposit.Amount, deposit.Asset, min)
	}

	if deposit.DepositedAt.IsZero() {
		deposit.DepositedAt = now
	}
	c.Status = StatusActive
	c.ActivatedAt = common.Ptr(now)
	c.ActivationDeposit = &deposit
	if c.FirstOperationID == "" && deposit.OperationID != "" {
		c.FirstOperationID = deposit.OperationID
	}
	if err := m.containers.Put(ctx, owner, c); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"container_id": c.ID,
		"owner":        owner,
		"asset":        deposit.Asset,
		"amount":       deposit.Amount,
	}).Info("Container activated")

	events = append(events, queue.NewEvent(queue.EventContainerActivated, c.ID, owner, now).
		With("asset", deposit.Asset).
		With("amount", deposit.Amount))

	return &Result{Container: c, Outcome: OutcomeActivated}, nil
}

// Status returns the owner's container view. An expired container is
// reported once and then removed.
func (m *Manager) Status(ctx context.Context, owner string) (*View, error) {
	var events []queue.Event
	defer func() { m.publish(ctx, events) }()

	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.clock.Now()
	c, err := m.get(ctx, owner)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &View{Status: StatusNone, Message: "no container"}, nil
	}

	if c.PastDeadline(now) {
		ev, err := m.expire(ctx, c, now)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	switch c.Status {
	case StatusPendingActivation:
		remaining := c.TimeRemaining(now)
		return &View{
			Status:                 StatusPendingActivation,
			Container:              c,
			TimeRemainingSeconds:   int64(remaining / time.Second),
			TimeRemainingFormatted: humanize.RelTime(now, c.ActivationDeadline, "remaining", "ago"),
			Message:                "awaiting activation deposit",
		}, nil
	case StatusExpired:
		if err := m.containers.Delete(ctx, owner); err != nil {
			return nil, err
		}
		return &View{Status: StatusExpired, Container: c, Message: "activation window elapsed"}, nil
	default:
		return &View{Status: c.Status, Container: c}, nil
	}
}

// Get returns the owner's stored container without side effects.
func (m *Manager) Get(ctx context.Context, owner string) (*Container, error) {
	c, err := m.containers.Get(ctx, owner)
	if store.IsNotFound(err) {
		return nil, common.NewNotFoundError("container", owner)
	}
	return c, err
}

// AttachOperation records an operation id on the owner's container.
func (m *Manager) AttachOperation(ctx context.Context, owner, operationID string) error {
	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.get(ctx, owner)
	if err != nil {
		return err
	}
	if c == nil {
		return common.NewNotFoundError("container", owner)
	}

	for _, id := range c.OperationIDs {
		if id == operationID {
			return nil
		}
	}
	c.OperationIDs = append(c.OperationIDs, operationID)
	if c.FirstOperationID == "" {
		c.FirstOperationID = operationID
	}
	return m.containers.Put(ctx, owner, c)
}

// Reap expires every pending container past its deadline and drops expired
// containers nobody observed within the retention window. It returns the
// number of containers expired.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	owners, err := m.containers.Keys(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := m.reapOne(ctx, owner)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		m.log.WithField("expired", expired).Info("Reaped containers")
	}
	return expired, nil
}

func (m *Manager) reapOne(ctx context.Context, owner string) (bool, error) {
	var events []queue.Event
	defer func() { m.publish(ctx, events) }()

	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := m.clock.Now()
	c, err := m.get(ctx, owner)
	if err != nil || c == nil {
		return false, err
	}

	switch {
	case c.PastDeadline(now):
		ev, err := m.expire(ctx, c, now)
		if err != nil {
			return false, err
		}
		events = append(events, ev)
		return true, nil
	case c.Status == StatusExpired && c.ExpiredAt != nil && now.Sub(*c.ExpiredAt) > m.retention:
		return false, m.containers.Delete(ctx, owner)
	}
	return false, nil
}

// Stats counts stored containers by status.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	all, err := m.containers.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(all)}
	for _, c := range all {
		switch c.Status {
		case StatusPendingActivation:
			stats.Pending++
		case StatusActive:
			stats.Active++
		case StatusExpired:
			stats.Expired++
		}
	}
	if live := stats.Pending + stats.Active; live > 0 {
		stats.ActivationRate = float64(stats.Active) * 100 / float64(live)
	}
	return stats, nil
}

// expire is the single Pending -> Expired transition. Must be called inside
// the owner's section.
func (m *Manager) expire(ctx context.Context, c *Container, now time.Time) (queue.Event, error) {
	c.Status = StatusExpired
	c.ExpiredAt = common.Ptr(now)
	if err := m.containers.Put(ctx, c.Owner, c); err != nil {
		return queue.Event{}, err
	}

	m.log.WithFields(logrus.Fields{
		"container_id": c.ID,
		"owner":        c.Owner,
		"deadline":     c.ActivationDeadline,
	}).Warn("Container expired before activation")

	return queue.NewEvent(queue.EventContainerExpired, c.ID, c.Owner, now).
		With("activation_deadline", c.ActivationDeadline).
		With("release", true), nil
}

func (m *Manager) get(ctx context.Context, owner string) (*Container, error) {
	c, err := m.containers.Get(ctx, owner)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return c, err
}

func (m *Manager) publish(ctx context.Context, events []queue.Event) {
	for _, ev := range events {
		if err := m.publisher.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithError(err).WithField("event", ev.Type).Warn("Failed to publish event")
		}
	}
}
