package metrics

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	s, err := OpenSQLite(path, "deterministic")
	require.NoError(t, err)
	defer s.Close()
	assert.NotEmpty(t, s.RunID())

	require.NoError(t, s.Record(Point{Step: 2, Epoch: 0, Name: TrainLoss, Value: 0.5}))
	require.NoError(t, s.Record(Point{Step: 1, Epoch: 0, Name: TrainLoss, Value: 0.9}))
	require.NoError(t, s.Record(Point{Step: 1, Epoch: 0, Name: ValScore, Value: 0.7}))

	pts, err := s.Points(TrainLoss)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 1, pts[0].Step)
	assert.Equal(t, 0.9, pts[0].Value)
	assert.Equal(t, 0.5, pts[1].Value)
	assert.False(t, pts[0].Time.IsZero())

	// a second run in the same database sees only its own points
	other, err := OpenSQLite(path, "probabilistic")
	require.NoError(t, err)
	defer other.Close()
	assert.NotEqual(t, s.RunID(), other.RunID())
	pts, err = other.Points(TrainLoss)
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestPromSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPromSink(reg)
	require.NoError(t, err)

	require.NoError(t, s.Record(Point{Epoch: 3, Name: ValScore, Value: 0.25}))
	require.NoError(t, s.Record(Point{Epoch: 3, Name: ValScore, Value: 0.75}))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 0.75, values["qrsegment_train_metric_value"])
	assert.Equal(t, 3.0, values["qrsegment_train_epoch"])
	assert.Equal(t, 2.0, values["qrsegment_train_points_total"])

	_, err = NewPromSink(reg)
	assert.Error(t, err, "collectors are already registered")
}

type failingSink struct{ records int }

func (f *failingSink) Record(Point) error { f.records++; return errors.New("boom") }
func (f *failingSink) Close() error       { return errors.New("close boom") }

func TestMulti(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bad := &failingSink{}
	m := Multi(LogSink{Logger: zap.New(core)}, bad, Discard)

	err := m.Record(Point{Step: 4, Name: GradNorm, Value: 12})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, bad.records)

	entries := logs.FilterMessage("metric").All()
	require.Len(t, entries, 1)
	assert.Equal(t, GradNorm, entries[0].ContextMap()["name"])

	assert.Error(t, m.Close())
}
