package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersStartAtZero(t *testing.T) {
	m := New()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.filesBuilt))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.filesSkipped))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.workerRestarts))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.pendingFiles))
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.FileBuilt()
	m.FileBuilt()
	m.FileSkipped()
	m.WorkerRestarted()
	m.PendingFilesInc()
	m.PendingFilesInc()
	m.PendingFilesDec()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.filesBuilt))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.filesSkipped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.workerRestarts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pendingFiles))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FileBuilt()
	m.FileSkipped()
	m.WorkerRestarted()
	m.PendingFilesInc()
	m.PendingFilesDec()
	assert.Nil(t, m.Registry())
}

func TestRegistryGatherReflectsCounters(t *testing.T) {
	m := New()
	m.FileBuilt()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "contentjs_files_built_total" {
			found = true
		}
	}
	assert.True(t, found)
}
