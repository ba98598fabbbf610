package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hut.evalgo.org/lifecycle"
	"hut.evalgo.org/queue"
	sm "hut.evalgo.org/statemanager"
)

func TestOperationMetrics(t *testing.T) {
	m := New("test")

	m.OperationStarted("deposit")
	m.OperationStarted("deposit")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsStarted.WithLabelValues("deposit")))

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	done := start.Add(10 * time.Minute)
	m.OperationFinished(context.Background(), sm.OperationState{
		Kind:        "deposit",
		Status:      sm.StatusCompleted,
		StartedAt:   start,
		CompletedAt: &done,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsFinished.WithLabelValues("deposit", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}

func TestObserverMetrics(t *testing.T) {
	m := New("")

	m.StepAdvanced("bitcoin", sm.StepInProgress)
	m.StepAdvanced("bitcoin", sm.StepCompleted)
	m.AdapterError("ethereum", "query")
	m.TaskRun("scheduler", nil)
	m.TaskRun("scheduler", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepTransitions.WithLabelValues("bitcoin", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdapterErrors.WithLabelValues("ethereum", "query")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("scheduler", "error")))
}

func TestContainerMetrics(t *testing.T) {
	m := New("")

	m.SetContainers(&lifecycle.Stats{Pending: 3, Active: 2, Expired: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Containers.WithLabelValues("pending_activation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Containers.WithLabelValues("active")))

	rec := &queue.Recorder{}
	p := m.Publisher(rec)
	require.NoError(t, p.Publish(context.Background(), queue.Event{Type: queue.EventContainerExpired}))
	require.NoError(t, p.Publish(context.Background(), queue.Event{Type: queue.EventOperationCompleted}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContainerEvents.WithLabelValues(queue.EventContainerExpired)))
	assert.Len(t, rec.Events(), 2)
}

func TestHandler(t *testing.T) {
	m := New("hut")
	m.OperationStarted("swap")

	e := echo.New()
	e.GET("/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hut_operations_started_total{kind="swap"} 1`)
}
