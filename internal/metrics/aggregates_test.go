package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregatesIncrementalMean(t *testing.T) {
	a := NewAggregates()

	a.AddSuccess(2 * time.Second)
	a.AddSuccess(4 * time.Second)
	a.AddFailed(6 * time.Second)

	s := a.Snapshot()
	assert.Equal(t, int64(3), s.TotalProcessed)
	assert.Equal(t, int64(2), s.SuccessfulUploads)
	assert.Equal(t, int64(1), s.FailedUploads)
	assert.InDelta(t, 4.0, s.AverageProcessingSec, 1e-9)
	assert.NotEmpty(t, s.LastProcessedAt)
}

func TestAggregatesEmptySnapshot(t *testing.T) {
	s := NewAggregates().Snapshot()

	assert.Zero(t, s.TotalProcessed)
	assert.Zero(t, s.AverageProcessingSec)
	assert.Empty(t, s.LastProcessedAt)
}

func TestCollectorCounters(t *testing.T) {
	c := New()

	c.IncSuccess(1024, 100*time.Millisecond)
	c.IncSuccess(2048, 300*time.Millisecond)
	c.IncFailed(time.Second)
	c.IncSkipped()

	s := c.Aggregates()
	assert.Equal(t, int64(3), s.TotalProcessed)
	assert.Equal(t, int64(2), s.SuccessfulUploads)
	assert.Equal(t, int64(1), s.FailedUploads)
}
