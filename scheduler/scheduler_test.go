package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hut.evalgo.org/chain"
	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	sm "hut.evalgo.org/statemanager"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	bitcoin  = chain.NetworkConfig{Name: "bitcoin", RequiredConfirmations: 1, NominalDuration: 600 * time.Second, Timeout: time.Hour, ConfirmingFraction: 0.7}
	ethereum = chain.NetworkConfig{Name: "ethereum", RequiredConfirmations: 12, NominalDuration: 180 * time.Second, Timeout: 30 * time.Minute, ConfirmingFraction: 0.7}
	solana   = chain.NetworkConfig{Name: "solana", RequiredConfirmations: 32, NominalDuration: 10 * time.Second, Timeout: 5 * time.Minute, InProgressFraction: 0.5, ConfirmingFraction: 0.7}
)

// fakeAdapter returns scripted answers
type fakeAdapter struct {
	network string

	mu        sync.Mutex
	submitErr error
	queryErr  error
	status    chain.TxStatus
	submits   int
	queries   int
}

func (f *fakeAdapter) Network() string { return f.network }

func (f *fakeAdapter) Submit(_ context.Context, req chain.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", common.NewAdapterError(f.network, "submit", f.submitErr)
	}
	return req.OperationID + "-tx", nil
}

func (f *fakeAdapter) QueryStatus(context.Context, string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return chain.TxStatus{}, common.NewAdapterError(f.network, "query", f.queryErr)
	}
	return f.status, nil
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type recordingObserver struct {
	mu       sync.Mutex
	advanced []sm.StepStatus
	errors   []string
}

func (o *recordingObserver) StepAdvanced(_ string, to sm.StepStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.advanced = append(o.advanced, to)
}

func (o *recordingObserver) AdapterError(network, op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, network+"/"+op)
}

type harness struct {
	clock    *clock.Fake
	registry *chain.Registry
	tracker  *sm.Manager
	sched    *Scheduler
	observer *recordingObserver
}

func newHarness(t *testing.T, maxRetries int, adapters ...chain.Adapter) *harness {
	t.Helper()
	fc := clock.NewFake(t0)
	reg := chain.NewRegistry(bitcoin, ethereum, solana)
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}

	tracker, err := sm.New(sm.Config{Networks: reg, Clock: fc, MaxRetries: maxRetries, RetryBackoff: 30 * time.Second})
	require.NoError(t, err)

	obs := &recordingObserver{}
	sched, err := New(Config{Tracker: tracker, Networks: reg, Clock: fc, Observer: obs})
	require.NoError(t, err)

	return &harness{clock: fc, registry: reg, tracker: tracker, sched: sched, observer: obs}
}

func (h *harness) start(t *testing.T, networks ...string) *sm.OperationState {
	t.Helper()
	specs := make([]sm.StepSpec, len(networks))
	for i, n := range networks {
		specs[i] = sm.StepSpec{Network: n}
	}
	op, err := h.tracker.Start(context.Background(), sm.StartRequest{Owner: "U1", Kind: "deposit", Steps: specs})
	require.NoError(t, err)
	return op
}

func (h *harness) tick(t *testing.T) *TickResult {
	t.Helper()
	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) get(t *testing.T, id string) *sm.OperationState {
	t.Helper()
	op, err := h.tracker.GetOperation(context.Background(), id)
	require.NoError(t, err)
	return op
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDepositAdvancesToCompletion(t *testing.T) {
	h := newHarness(t, 10)
	fc := h.clock
	require.NoError(t, h.registry.Register(chain.NewSimulated(bitcoin, fc)))

	op := h.start(t, "bitcoin")
	assert.Equal(t, sm.StatusMonitoring, op.Status)

	h.tick(t)
	got := h.get(t, op.ID)
	assert.Equal(t, sm.StepInProgress, got.Steps[0].Status)
	assert.NotEmpty(t, got.Steps[0].ChainReference)

	fc.Advance(300 * time.Second)
	h.tick(t)
	assert.Equal(t, sm.StepInProgress, h.get(t, op.ID).Steps[0].Status)

	fc.Advance(120 * time.Second)
	h.tick(t)
	assert.Equal(t, sm.StepConfirming, h.get(t, op.ID).Steps[0].Status)

	fc.Advance(180 * time.Second)
	h.tick(t)

	view, err := h.tracker.Status(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, sm.StatusCompleted, view.Status)
	assert.Equal(t, sm.Progress{Completed: 1, Total: 1, Percentage: 100}, view.Progress)
	assert.Equal(t, 1, view.Steps[0].Confirmations)
}

func TestStepsRunSequentially(t *testing.T) {
	btc := &fakeAdapter{network: "bitcoin"}
	eth := &fakeAdapter{network: "ethereum"}
	h := newHarness(t, 10, btc, eth)

	op := h.start(t, "bitcoin", "ethereum")

	h.tick(t)
	got := h.get(t, op.ID)
	assert.Equal(t, sm.StepInProgress, got.Steps[0].Status)
	assert.Equal(t, sm.StepPending, got.Steps[1].Status)
	assert.Equal(t, 0, eth.submits)

	btc.set(func(f *fakeAdapter) { f.status = chain.TxStatus{Confirmed: true, Confirmations: 1} })
	h.tick(t)
	got = h.get(t, op.ID)
	assert.Equal(t, sm.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, 50, got.Progress().Percentage)

	h.tick(t)
	assert.Equal(t, 1, eth.submits)

	// 11 of 12 confirmations is not final, but it is progress
	eth.set(func(f *fakeAdapter) { f.status = chain.TxStatus{Confirmed: true, Confirmations: 11} })
	h.tick(t)
	got = h.get(t, op.ID)
	assert.Equal(t, sm.StepConfirming, got.Steps[1].Status)
	assert.Equal(t, 11, got.Steps[1].Confirmations)

	eth.set(func(f *fakeAdapter) { f.status = chain.TxStatus{Confirmed: true, Confirmations: 12} })
	h.tick(t)
	assert.Equal(t, sm.StatusCompleted, h.get(t, op.ID).Status)

	assert.Equal(t, []sm.StepStatus{
		sm.StepInProgress, sm.StepCompleted,
		sm.StepInProgress, sm.StepConfirming, sm.StepCompleted,
	}, h.observer.advanced)
}

func TestInProgressFractionDelaysSubmission(t *testing.T) {
	sol := &fakeAdapter{network: "solana"}
	h := newHarness(t, 10, sol)

	op := h.start(t, "solana")

	h.tick(t)
	assert.Equal(t, 0, sol.submits)

	h.clock.Advance(5 * time.Second)
	h.tick(t)
	assert.Equal(t, 1, sol.submits)
	assert.Equal(t, sm.StepInProgress, h.get(t, op.ID).Steps[0].Status)
}

func TestAdapterErrorsRetryWithBackoffThenFail(t *testing.T) {
	btc := &fakeAdapter{network: "bitcoin", submitErr: errors.New("node unreachable")}
	h := newHarness(t, 3, btc)

	op := h.start(t, "bitcoin")

	res := h.tick(t)
	assert.Equal(t, 1, res.Failures)
	got := h.get(t, op.ID)
	assert.Equal(t, 1, got.Steps[0].Attempts)
	assert.Equal(t, sm.StepPending, got.Steps[0].Status)
	assert.Contains(t, got.Steps[0].Error, "node unreachable")

	// inside the backoff window nothing is attempted
	h.clock.Advance(10 * time.Second)
	h.tick(t)
	assert.Equal(t, 1, btc.submits)

	h.clock.Advance(20 * time.Second)
	h.tick(t)
	assert.Equal(t, 2, btc.submits)

	h.clock.Advance(30 * time.Second)
	h.tick(t)
	got = h.get(t, op.ID)
	assert.Equal(t, 3, got.Steps[0].Attempts)
	assert.Equal(t, sm.StepFailed, got.Steps[0].Status)
	assert.Equal(t, sm.StatusFailed, got.Status)

	// terminal operations are no longer polled
	h.clock.Advance(time.Minute)
	res = h.tick(t)
	assert.Equal(t, 0, res.Operations)
	assert.Equal(t, 3, btc.submits)
	assert.Equal(t, []string{"bitcoin/submit", "bitcoin/submit", "bitcoin/submit"}, h.observer.errors)
}

func TestQueryErrorsCountAsAttempts(t *testing.T) {
	eth := &fakeAdapter{network: "ethereum"}
	h := newHarness(t, 10, eth)

	op := h.start(t, "ethereum")
	h.tick(t)

	eth.set(func(f *fakeAdapter) { f.queryErr = errors.New("rate limited") })
	h.tick(t)

	got := h.get(t, op.ID)
	assert.Equal(t, sm.StepInProgress, got.Steps[0].Status)
	assert.Equal(t, 1, got.Steps[0].Attempts)
	require.NotNil(t, got.Steps[0].NextAttemptAt)

	eth.set(func(f *fakeAdapter) {
		f.queryErr = nil
		f.status = chain.TxStatus{Confirmed: true, Confirmations: 12}
	})
	h.clock.Advance(30 * time.Second)
	h.tick(t)
	assert.Equal(t, sm.StatusCompleted, h.get(t, op.ID).Status)
}

func TestCancelledTickDoesNotSpendAttempts(t *testing.T) {
	h := newHarness(t, 10)
	require.NoError(t, h.registry.Register(chain.NewLimited(chain.NewSimulated(bitcoin, h.clock), 1, 1)))
	eth := &fakeAdapter{network: "ethereum"}
	require.NoError(t, h.registry.Register(eth))

	polled := h.start(t, "ethereum")
	h.tick(t)
	require.Equal(t, sm.StepInProgress, h.get(t, polled.ID).Steps[0].Status)

	pending := h.start(t, "bitcoin")
	eth.set(func(f *fakeAdapter) { f.queryErr = context.Canceled })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.sched.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Failures)

	got := h.get(t, pending.ID)
	assert.Equal(t, sm.StepPending, got.Steps[0].Status)
	assert.Zero(t, got.Steps[0].Attempts)
	assert.Empty(t, got.Steps[0].Error)

	got = h.get(t, polled.ID)
	assert.Equal(t, sm.StepInProgress, got.Steps[0].Status)
	assert.Zero(t, got.Steps[0].Attempts)
	assert.Empty(t, h.observer.errors)
}

func TestAdapterTimeoutCountsAsAttempt(t *testing.T) {
	btc := &fakeAdapter{network: "bitcoin", submitErr: context.DeadlineExceeded}
	h := newHarness(t, 10, btc)

	op := h.start(t, "bitcoin")
	res := h.tick(t)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, h.get(t, op.ID).Steps[0].Attempts)
}

func TestOperationDeadlineTimesOut(t *testing.T) {
	btc := &fakeAdapter{network: "bitcoin"}
	sol := &fakeAdapter{network: "solana"}
	h := newHarness(t, 10, btc, sol)

	op := h.start(t, "solana", "bitcoin")

	h.clock.Advance(time.Hour + time.Second)
	res := h.tick(t)
	assert.Equal(t, 1, res.TimedOut)

	got := h.get(t, op.ID)
	assert.Equal(t, sm.StatusTimeout, got.Status)
	for _, s := range got.Steps {
		assert.Equal(t, sm.StepTimeout, s.Status)
	}
	assert.Equal(t, 0, sol.submits)
}

func TestCallbackCompletedStepIsNotOverridden(t *testing.T) {
	eth := &fakeAdapter{network: "ethereum"}
	h := newHarness(t, 10, eth)
	ctx := context.Background()

	op := h.start(t, "ethereum")
	h.tick(t)

	_, err := h.tracker.UpdateStep(ctx, op.ID, 0, sm.StepPatch{
		Status:        common.Ptr(sm.StepCompleted),
		Confirmations: common.Ptr(12),
	})
	require.NoError(t, err)

	res := h.tick(t)
	assert.Equal(t, 0, res.Operations)
	assert.Equal(t, sm.StatusCompleted, h.get(t, op.ID).Status)
}

func TestStepWithoutReferenceWaitsForCallback(t *testing.T) {
	eth := &fakeAdapter{network: "ethereum"}
	h := newHarness(t, 10, eth)
	ctx := context.Background()

	op := h.start(t, "ethereum")
	_, err := h.tracker.UpdateStep(ctx, op.ID, 0, sm.StepPatch{Status: common.Ptr(sm.StepInProgress)})
	require.NoError(t, err)

	h.tick(t)
	assert.Equal(t, 0, eth.queries)
	assert.Equal(t, 0, eth.submits)
}

func TestMissingAdapterIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, 10)

	op := h.start(t, "bitcoin")
	res := h.tick(t)
	assert.Equal(t, 1, res.Failures)

	got := h.get(t, op.ID)
	assert.Equal(t, 1, got.Steps[0].Attempts)
	assert.Contains(t, got.Steps[0].Error, "no adapter registered")
}

func TestTickAdvancesManyOperations(t *testing.T) {
	sol := &fakeAdapter{network: "solana"}
	h := newHarness(t, 10, sol)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = h.start(t, "solana").ID
	}

	h.clock.Advance(5 * time.Second)
	res := h.tick(t)
	assert.Equal(t, 20, res.Operations)
	assert.Equal(t, 20, res.Advanced)

	sol.set(func(f *fakeAdapter) { f.status = chain.TxStatus{Confirmed: true, Confirmations: 32} })
	h.tick(t)
	for _, id := range ids {
		assert.Equal(t, sm.StatusCompleted, h.get(t, id).Status)
	}
}
