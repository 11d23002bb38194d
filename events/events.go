// Package events defines the boundary to the event store: batches of
// (observation, benchmark-weight) rows and the streaming source interface
// the analysis layer consumes.
package events

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShape = errors.New("events: observation and weight row counts differ")
	ErrRange = errors.New("events: start offset out of range")
)

// Batch is an ordered sequence of events. Row n of Observations holds the
// observation vector of event n, row n of Weights its benchmark weights.
// Weights may be negative (morphing cancellations). Batches are transient
// and must be treated as read-only views.
type Batch struct {
	Observations *mat.Dense
	Weights      *mat.Dense
}

func (b *Batch) Len() int {
	n, _ := b.Observations.Dims()
	return n
}

// Clone returns a batch owning copies of the observation and weight data,
// valid after the source moves on to the next batch.
func (b *Batch) Clone() *Batch {
	return &Batch{
		Observations: mat.DenseCopyOf(b.Observations),
		Weights:      mat.DenseCopyOf(b.Weights),
	}
}

// Source streams finite batches of events. Iteration is lazy and not
// restartable mid-pass; each ForEachBatch call starts a fresh pass.
type Source interface {
	NumEvents() int
	// ForEachBatch calls fn for consecutive batches of at most batchSize
	// events, beginning at the start offset. batchSize <= 0 delivers all
	// remaining events as a single batch. Iteration stops at the first
	// error, which is returned unmodified. The batch is only valid until fn
	// returns; sources may reuse its backing storage. Callers that keep a
	// batch longer must Clone it.
	ForEachBatch(batchSize, start int, fn func(*Batch) error) error
}

// MemorySource serves batches from matrices held in memory. It backs tests
// and small extracted samples.
type MemorySource struct {
	observations *mat.Dense
	weights      *mat.Dense
}

func NewMemorySource(observations, weights *mat.Dense) (*MemorySource, error) {
	nObs, _ := observations.Dims()
	nW, _ := weights.Dims()
	if nObs != nW {
		return nil, fmt.Errorf("%w: %d observations, %d weight rows", ErrShape, nObs, nW)
	}
	return &MemorySource{observations: observations, weights: weights}, nil
}

func (s *MemorySource) NumEvents() int {
	n, _ := s.observations.Dims()
	return n
}

func (s *MemorySource) ForEachBatch(batchSize, start int, fn func(*Batch) error) error {
	n := s.NumEvents()
	if start < 0 || start > n {
		return fmt.Errorf("%w: start %d with %d events", ErrRange, start, n)
	}
	if batchSize <= 0 {
		batchSize = n - start
	}
	_, nObsCols := s.observations.Dims()
	_, nWCols := s.weights.Dims()
	for lo := start; lo < n; lo += batchSize {
		hi := lo + batchSize
		if hi > n {
			hi = n
		}
		batch := &Batch{
			Observations: s.observations.Slice(lo, hi, 0, nObsCols).(*mat.Dense),
			Weights:      s.weights.Slice(lo, hi, 0, nWCols).(*mat.Dense),
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
