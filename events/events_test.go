package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/events"
)

func newSource(t *testing.T, n int) *events.MemorySource {
	t.Helper()
	obs := mat.NewDense(n, 2, nil)
	weights := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		obs.Set(i, 0, float64(i))
		obs.Set(i, 1, float64(-i))
		for b := 0; b < 3; b++ {
			weights.Set(i, b, float64(i*10+b))
		}
	}
	src, err := events.NewMemorySource(obs, weights)
	require.NoError(t, err)
	return src
}

func TestForEachBatchCoversAllEvents(t *testing.T) {
	src := newSource(t, 10)

	var sizes []int
	first := -1.0
	err := src.ForEachBatch(4, 0, func(b *events.Batch) error {
		if first < 0 {
			first = b.Observations.At(0, 0)
		}
		sizes = append(sizes, b.Len())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, 0.0, first)
}

func TestForEachBatchStartOffset(t *testing.T) {
	src := newSource(t, 10)

	total := 0
	var firstObs float64
	err := src.ForEachBatch(100, 7, func(b *events.Batch) error {
		if total == 0 {
			firstObs = b.Observations.At(0, 0)
		}
		total += b.Len()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 7.0, firstObs)
}

func TestForEachBatchUnbounded(t *testing.T) {
	src := newSource(t, 10)

	calls := 0
	err := src.ForEachBatch(0, 0, func(b *events.Batch) error {
		calls++
		assert.Equal(t, 10, b.Len())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestForEachBatchPropagatesError(t *testing.T) {
	src := newSource(t, 10)

	sentinel := assert.AnError
	calls := 0
	err := src.ForEachBatch(4, 0, func(*events.Batch) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestStartOffsetOutOfRange(t *testing.T) {
	src := newSource(t, 10)
	err := src.ForEachBatch(4, 11, func(*events.Batch) error { return nil })
	assert.ErrorIs(t, err, events.ErrRange)
}

func TestCloneOwnsItsData(t *testing.T) {
	obs := mat.NewDense(2, 1, []float64{1, 2})
	weights := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	batch := &events.Batch{Observations: obs, Weights: weights}

	clone := batch.Clone()
	obs.Set(0, 0, 99)
	weights.Set(0, 0, 99)

	assert.Equal(t, 1.0, clone.Observations.At(0, 0))
	assert.Equal(t, 1.0, clone.Weights.At(0, 0))
}

func TestRowCountMismatch(t *testing.T) {
	_, err := events.NewMemorySource(mat.NewDense(3, 2, nil), mat.NewDense(4, 2, nil))
	assert.ErrorIs(t, err, events.ErrShape)
}
