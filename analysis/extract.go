package analysis

import (
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/events"
)

// collectAll pulls the whole sample as a single unbounded batch.
func (a *Analysis) collectAll() (*events.Batch, error) {
	var all *events.Batch
	err := a.source.ForEachBatch(0, 0, func(batch *events.Batch) error {
		all = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if all == nil || all.Len() == 0 {
		return nil, ErrNoEvents
	}
	return all, nil
}

// ExtractRawData returns all observations together with the benchmark
// weight matrix.
func (a *Analysis) ExtractRawData() (observations, weights *mat.Dense, err error) {
	all, err := a.collectAll()
	if err != nil {
		return nil, nil, err
	}
	return all.Observations, all.Weights, nil
}

// ExtractRawDataAt returns all observations together with the morphed event
// weights at theta.
func (a *Analysis) ExtractRawDataAt(theta []float64) (observations *mat.Dense, weights []float64, err error) {
	all, err := a.collectAll()
	if err != nil {
		return nil, nil, err
	}
	thetaVec, err := a.rew.Combination(theta)
	if err != nil {
		return nil, nil, err
	}
	var wTheta mat.VecDense
	wTheta.MulVec(all.Weights, thetaVec)
	out := make([]float64, all.Len())
	for i := range out {
		out[i] = wTheta.AtVec(i)
	}
	return all.Observations, out, nil
}

// ExtractObservablesAndWeights returns all observations and the morphed
// event weights at each of the given parameter points; the weight matrix
// has one row per theta and one column per event.
func (a *Analysis) ExtractObservablesAndWeights(thetas [][]float64) (observations, weights *mat.Dense, err error) {
	all, err := a.collectAll()
	if err != nil {
		return nil, nil, err
	}
	out := mat.NewDense(len(thetas), all.Len(), nil)
	var wTheta mat.VecDense
	for t, theta := range thetas {
		thetaVec, err := a.rew.Combination(theta)
		if err != nil {
			return nil, nil, err
		}
		wTheta.MulVec(all.Weights, thetaVec)
		for i := 0; i < all.Len(); i++ {
			out.Set(t, i, wTheta.AtVec(i))
		}
	}
	return all.Observations, out, nil
}
