package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/scheduler"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestScheduler_MetricsTrackCompletionAndFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(reg)

	tasks := make(chan scheduler.Task, 4)
	tasks <- "ok-1"
	tasks <- "ok-2"
	tasks <- "fail-1"
	close(tasks)

	work := func(ctx context.Context, task scheduler.Task) (int64, time.Duration, error) {
		if task == "fail-1" {
			return 0, 0, context.DeadlineExceeded
		}
		return 100, time.Millisecond, nil
	}

	sched := scheduler.New(tasks, work, scheduler.Options{
		InitialStreams: 1,
		MaxStreams:     1,
		MaxRetries:     1,
		Metrics:        metrics,
	}, nil)

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.False(t, result.Errors.Empty())

	require.EqualValues(t, 2, counterValue(t, metrics.TasksCompleted))
	require.EqualValues(t, 1, counterValue(t, metrics.TasksFailed))
	require.EqualValues(t, 200, counterValue(t, metrics.BytesTransferred))
	require.EqualValues(t, 0, gaugeValue(t, metrics.ActiveWorkers))
}
