package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
	"hut.evalgo.org/queue"
	"hut.evalgo.org/store/bolt"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *clock.Fake, *queue.Recorder) {
	t.Helper()
	fc := clock.NewFake(t0)
	rec := &queue.Recorder{}
	return New(Config{Clock: fc, Publisher: rec}), fc, rec
}

func TestCreateOrGetCreatesPending(t *testing.T) {
	m, _, rec := newTestManager(t)

	res, err := m.CreateOrGet(context.Background(), "U1")
	require.NoError(t, err)

	c := res.Container
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Contains(t, c.ID, "hut_")
	assert.Equal(t, StatusPendingActivation, c.Status)
	assert.Equal(t, t0, c.CreatedAt)
	assert.Equal(t, t0.Add(1800*time.Second), c.ActivationDeadline)
	assert.Equal(t, 30*time.Minute, res.TimeRemaining)
	assert.Nil(t, res.Previous)
	assert.Equal(t, []string{queue.EventContainerCreated}, rec.Types())

	_, err = m.CreateOrGet(context.Background(), "")
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestCreateOrGetReturnsSameContainer(t *testing.T) {
	ctx := context.Background()
	m, fc, _ := newTestManager(t)

	first, err := m.CreateOrGet(ctx, "U3")
	require.NoError(t, err)

	fc.Advance(300 * time.Second)
	second, err := m.CreateOrGet(ctx, "U3")
	require.NoError(t, err)

	assert.Equal(t, first.Container.ID, second.Container.ID)
	assert.Equal(t, OutcomePendingActivation, second.Outcome)
	assert.Equal(t, 1500*time.Second, second.TimeRemaining)
}

func TestActivateSucceedsBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	fc.Advance(600 * time.Second)
	res, err := m.Activate(ctx, "U1", Deposit{Asset: "BTC", Amount: 0.0001, OperationID: "op_1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, StatusActive, res.Container.Status)
	require.NotNil(t, res.Container.ActivationDeposit)
	assert.Equal(t, "BTC", res.Container.ActivationDeposit.Asset)
	assert.Equal(t, t0.Add(600*time.Second), res.Container.ActivationDeposit.DepositedAt)
	assert.Equal(t, "op_1", res.Container.FirstOperationID)
	assert.Equal(t, []string{queue.EventContainerCreated, queue.EventContainerActivated}, rec.Types())

	again, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, again.Outcome)
	assert.Equal(t, res.Container.ID, again.Container.ID)
}

func TestActivateIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	first, err := m.Activate(ctx, "U1", Deposit{Asset: "ETH", Amount: 0.5})
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, first.Outcome)

	fc.Advance(time.Minute)
	second, err := m.Activate(ctx, "U1", Deposit{Asset: "SOL", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyActive, second.Outcome)
	assert.Equal(t, "ETH", second.Container.ActivationDeposit.Asset)
	assert.Equal(t, first.Container.ActivatedAt, second.Container.ActivatedAt)
	assert.Len(t, rec.Events(), 2)
}

func TestActivateValidation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.Activate(ctx, "nobody", Deposit{Asset: "BTC", Amount: 1})
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Equal(t, common.CodeNoPendingContainer, common.CodeOf(err))

	_, err = m.CreateOrGet(ctx, "U2")
	require.NoError(t, err)

	tests := []struct {
		name    string
		deposit Deposit
		code    string
	}{
		{"below minimum", Deposit{Asset: "BTC", Amount: 0.00001}, common.CodeBelowMinimum},
		{"unknown asset", Deposit{Asset: "DOGE", Amount: 100}, common.CodeUnknownAsset},
		{"negative", Deposit{Asset: "USDC", Amount: -1}, common.CodeBelowMinimum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Activate(ctx, "U2", tt.deposit)
			assert.True(t, errors.Is(err, common.ErrValidation))
			assert.Equal(t, tt.code, common.CodeOf(err))
		})
	}

	c, err := m.Get(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingActivation, c.Status)
	assert.Nil(t, c.ActivationDeposit)

	// asset lookup ignores case, as configuration keys are lowercased
	res, err := m.Activate(ctx, "U2", Deposit{Asset: "ckbtc", Amount: 0.0001})
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
}

func TestActivateAfterDeadlineExpires(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	fc.Advance(1801 * time.Second)
	_, err = m.Activate(ctx, "U1", Deposit{Asset: "BTC", Amount: 1})
	assert.True(t, errors.Is(err, common.ErrDeadlineExceeded))
	assert.Equal(t, common.CodeActivationExpired, common.CodeOf(err))

	c, err := m.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, c.Status)
	assert.Equal(t, []string{queue.EventContainerCreated, queue.EventContainerExpired}, rec.Types())

	// expired containers are never re-activated
	_, err = m.Activate(ctx, "U1", Deposit{Asset: "BTC", Amount: 1})
	assert.Equal(t, common.CodeActivationExpired, common.CodeOf(err))
	assert.Len(t, rec.Events(), 2)
}

func TestActivateAtDeadlineIsAccepted(t *testing.T) {
	ctx := context.Background()
	m, fc, _ := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	fc.Advance(30 * time.Minute)
	res, err := m.Activate(ctx, "U1", Deposit{Asset: "ICP", Amount: 0.1})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Container.Status)
}

func TestReapExpiresOnceThenStatusForgets(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U4")
	require.NoError(t, err)
	_, err = m.CreateOrGet(ctx, "U5")
	require.NoError(t, err)
	_, err = m.Activate(ctx, "U5", Deposit{Asset: "SOL", Amount: 1})
	require.NoError(t, err)

	fc.Advance(1801 * time.Second)
	n, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a later reap does not expire it again
	fc.Advance(time.Minute)
	n, err = m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	view, err := m.Status(ctx, "U4")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)

	view, err = m.Status(ctx, "U4")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, view.Status)

	view, err = m.Status(ctx, "U5")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)

	expired := 0
	for _, typ := range rec.Types() {
		if typ == queue.EventContainerExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}

func TestStatusPendingView(t *testing.T) {
	ctx := context.Background()
	m, fc, _ := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	fc.Advance(5 * time.Minute)

	view, err := m.Status(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingActivation, view.Status)
	assert.Equal(t, int64(1500), view.TimeRemainingSeconds)
	assert.Equal(t, "25 minutes remaining", view.TimeRemainingFormatted)
}

func TestStatusExpiresPastDeadlineWithoutReaper(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	fc.Advance(31 * time.Minute)

	view, err := m.Status(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)
	assert.Contains(t, rec.Types(), queue.EventContainerExpired)

	view, err = m.Status(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, view.Status)
}

func TestCreateOrGetReplacesExpired(t *testing.T) {
	ctx := context.Background()
	m, fc, rec := newTestManager(t)

	first, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	fc.Advance(31 * time.Minute)
	second, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, second.Outcome)
	assert.NotEqual(t, first.Container.ID, second.Container.ID)
	require.NotNil(t, second.Previous)
	assert.Equal(t, first.Container.ID, second.Previous.ID)
	assert.Equal(t, StatusExpired, second.Previous.Status)
	assert.Equal(t, []string{queue.EventContainerCreated, queue.EventContainerExpired, queue.EventContainerCreated}, rec.Types())

	// the new container is pending with a fresh window
	third, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, second.Container.ID, third.Container.ID)
	assert.Nil(t, third.Previous)
}

func TestSingleLiveContainerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.CreateOrGet(ctx, "U1")
			if assert.NoError(t, err) {
				ids <- res.Container.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestAttachOperation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	assert.True(t, errors.Is(m.AttachOperation(ctx, "U1", "op_1"), common.ErrNotFound))

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	require.NoError(t, m.AttachOperation(ctx, "U1", "op_1"))
	require.NoError(t, m.AttachOperation(ctx, "U1", "op_2"))
	require.NoError(t, m.AttachOperation(ctx, "U1", "op_1"))

	c, err := m.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{"op_1", "op_2"}, c.OperationIDs)
	assert.Equal(t, "op_1", c.FirstOperationID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	m, fc, _ := newTestManager(t)

	for _, owner := range []string{"U1", "U2", "U3", "U4"} {
		_, err := m.CreateOrGet(ctx, owner)
		require.NoError(t, err)
	}
	_, err := m.Activate(ctx, "U1", Deposit{Asset: "USDT", Amount: 5})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Active)
	assert.InDelta(t, 25.0, stats.ActivationRate, 0.001)

	fc.Advance(time.Hour)
	_, err = m.Reap(ctx)
	require.NoError(t, err)

	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Expired)
	assert.InDelta(t, 100.0, stats.ActivationRate, 0.001)
}

func TestReapDropsUnobservedExpired(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(t0)
	m := New(Config{Clock: fc, ExpiredRetention: time.Hour})

	_, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)

	fc.Advance(31 * time.Minute)
	_, err = m.Reap(ctx)
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)
	_, err = m.Reap(ctx)
	require.NoError(t, err)

	_, err = m.Get(ctx, "U1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	m := New(Config{Clock: clock.NewFake(t0), Publisher: &queue.Recorder{Err: errors.New("broker down")}})

	res, err := m.CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
}

func TestCustomMinimums(t *testing.T) {
	m := New(Config{Minimums: map[string]float64{"btc": 0.01}})

	min, ok := m.Minimum("BTC")
	assert.True(t, ok)
	assert.Equal(t, 0.01, min)

	_, ok = m.Minimum("ETH")
	assert.False(t, ok)
}

func TestContainersSurviveRestartOnBolt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hut.db")
	fc := clock.NewFake(t0)

	db, err := bolt.Open(path)
	require.NoError(t, err)
	ns, err := db.Namespace("containers")
	require.NoError(t, err)

	created, err := New(Config{Store: ns, Clock: fc}).CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = bolt.Open(path)
	require.NoError(t, err)
	defer db.Close()
	ns, err = db.Namespace("containers")
	require.NoError(t, err)

	fc.Advance(time.Minute)
	again, err := New(Config{Store: ns, Clock: fc}).CreateOrGet(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, created.Container.ID, again.Container.ID)
	assert.Equal(t, 29*time.Minute, again.TimeRemaining)
}
