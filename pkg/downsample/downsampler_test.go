package downsample

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/storage"
	"github.com/pulseboard/pulseboard/pkg/storage/memory"
)

var window = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func writePoints(t *testing.T, s *memory.Store, tenant, metric string, at time.Time, values ...float64) {
	t.Helper()
	points := make([]model.MetricPoint, 0, len(values))
	for i, v := range values {
		points = append(points, model.MetricPoint{
			TenantID:   tenant,
			MetricName: metric,
			Value:      v,
			Timestamp:  at.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.WriteBatch(context.Background(), tenant, points))
}

func TestRunAveragesOneWindow(t *testing.T) {
	s := memory.New()
	writePoints(t, s, "t1", "cpu", window, 10, 20, 30)

	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	got, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 20.0, got[0].AvgValue)
	assert.Equal(t, window, got[0].WindowStart)
}

func TestRunIsIdempotentNotAdditive(t *testing.T) {
	s := memory.New()
	writePoints(t, s, "t1", "cpu", window, 10, 20, 30)

	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	// A late point lands in the same window; rerunning recomputes from
	// scratch instead of stacking onto the previous average.
	writePoints(t, s, "t1", "cpu", window.Add(30*time.Second), 180)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	got, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 60.0, got[0].AvgValue)
}

func TestRunGroupsByTenantAndMetric(t *testing.T) {
	s := memory.New()
	writePoints(t, s, "t1", "cpu", window, 10, 30)
	writePoints(t, s, "t1", "mem", window, 100)
	writePoints(t, s, "t2", "cpu", window, 50)

	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	t1cpu, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t1", MetricName: "cpu"})
	require.NoError(t, err)
	require.Len(t, t1cpu, 1)
	assert.Equal(t, 20.0, t1cpu[0].AvgValue)

	t1mem, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t1", MetricName: "mem"})
	require.NoError(t, err)
	require.Len(t, t1mem, 1)
	assert.Equal(t, 100.0, t1mem[0].AvgValue)

	t2cpu, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t2"})
	require.NoError(t, err)
	require.Len(t, t2cpu, 1)
	assert.Equal(t, 50.0, t2cpu[0].AvgValue)
}

func TestRunExcludesPointsOutsideWindow(t *testing.T) {
	s := memory.New()
	writePoints(t, s, "t1", "cpu", window.Add(-time.Second), 1000)
	writePoints(t, s, "t1", "cpu", window, 10, 20)
	writePoints(t, s, "t1", "cpu", window.Add(time.Minute), 2000)

	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	got, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 15.0, got[0].AvgValue)
}

func TestRunEmptyWindowIsNoOp(t *testing.T) {
	s := memory.New()
	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution1m, window))

	got, err := s.QueryRollups(context.Background(), model.Resolution1m, storage.RollupQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunRejectsRawResolution(t *testing.T) {
	d := New(memory.New())
	assert.Error(t, d.Run(context.Background(), model.ResolutionRaw, window))
	assert.Error(t, d.Run(context.Background(), model.Resolution("2m"), window))
}

func TestDefaultWindowAlignment(t *testing.T) {
	d := New(memory.New())
	d.now = func() time.Time { return time.Date(2025, 6, 1, 12, 7, 42, 0, time.UTC) }

	assert.Equal(t, time.Date(2025, 6, 1, 12, 6, 0, 0, time.UTC), d.DefaultWindow(model.Resolution1m))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), d.DefaultWindow(model.Resolution5m),
		"5m windows align to multiple-of-5 minute boundaries")
}

func TestFiveMinuteWindowCoversFiveMinutes(t *testing.T) {
	s := memory.New()
	for i := 0; i < 5; i++ {
		writePoints(t, s, "t1", "cpu", window.Add(time.Duration(i)*time.Minute), float64((i+1)*10))
	}

	d := New(s)
	require.NoError(t, d.Run(context.Background(), model.Resolution5m, window))

	got, err := s.QueryRollups(context.Background(), model.Resolution5m, storage.RollupQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 30.0, got[0].AvgValue)
}
