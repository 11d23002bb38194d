package analysis

import (
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/events"
	"github.com/hepml/gofisher/fisher"
	"github.com/hepml/gofisher/formula"
)

// HistRange is the explicit (min, max) of a fixed-width histogram axis.
type HistRange struct {
	Min float64
	Max float64
}

// Hist1DResult is the outcome of a one-dimensional histogram information
// computation.
type Hist1DResult struct {
	// Boundaries are the bin edges used for lookup. Fixed-width mode lists
	// all nbins+1 edges and the bin set includes two overflow bins; dynamic
	// equal-mass mode lists the nbins-1 interior edges only and the outer
	// bins act as catch-alls, so no overflow bins are added there.
	Boundaries []float64
	// BinWeights holds the summed benchmark weights per bin, shape
	// (total bins, benchmarks); BinUncertainties the square roots of the
	// summed squared weights.
	BinWeights       *mat.Dense
	BinUncertainties *mat.Dense
	// PerBin holds the information matrix of each bin; Total their sum, the
	// information in the histogram. Covariance covers Total.
	PerBin     []*mat.Dense
	Total      *mat.Dense
	Covariance *fisher.Covariance
}

// Hist1D computes the Fisher information in a one-dimensional histogram of
// a derived observable. With histRange set, nbins fixed-width bins plus two
// overflow bins are used; with histRange nil, variable-width bins with
// approximately equal cross section are chosen from a bounded pilot sample.
func (a *Analysis) Hist1D(theta []float64, luminosity float64, observable string,
	nbins int, histRange *HistRange, cuts, efficiencies []string) (*Hist1DResult, error) {

	sel, err := a.compileSelection(cuts, efficiencies)
	if err != nil {
		return nil, err
	}
	obs, err := a.env.CompileObservable(observable)
	if err != nil {
		return nil, err
	}

	var boundaries []float64
	var nBinsTotal int
	if histRange == nil {
		boundaries, err = a.dynamicBoundaries(theta, obs, sel, nbins)
		if err != nil {
			return nil, err
		}
		nBinsTotal = nbins
		a.log.Debug("automatic dynamic binning", zap.Float64s("boundaries", boundaries))
	} else {
		boundaries = linspace(histRange.Min, histRange.Max, nbins+1)
		nBinsTotal = nbins + 2
	}

	nBenchmarks := a.settings.NumBenchmarks()
	binWeights := mat.NewDense(nBinsTotal, nBenchmarks, nil)
	binWeightsSq := mat.NewDense(nBinsTotal, nBenchmarks, nil)
	kept := 0

	err = a.source.ForEachBatch(a.batchSize, 0, func(batch *events.Batch) error {
		filtered, err := sel.apply(batch)
		if err != nil {
			return err
		}
		if filtered == nil {
			return nil
		}
		row := make([]float64, a.settings.NumObservables())
		for i := 0; i < filtered.Len(); i++ {
			mat.Row(row, i, filtered.Observations)
			val, err := obs.Value(row)
			if err != nil {
				return err
			}
			bin := sort.SearchFloat64s(boundaries, val)
			for b := 0; b < nBenchmarks; b++ {
				w := filtered.Weights.At(i, b)
				binWeights.Set(bin, b, binWeights.At(bin, b)+w)
				binWeightsSq.Set(bin, b, binWeightsSq.At(bin, b)+w*w)
			}
		}
		kept += filtered.Len()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if kept == 0 {
		return nil, ErrNoEvents
	}

	uncertainties := mat.NewDense(nBinsTotal, nBenchmarks, nil)
	for i := 0; i < nBinsTotal; i++ {
		for b := 0; b < nBenchmarks; b++ {
			uncertainties.Set(i, b, math.Sqrt(binWeightsSq.At(i, b)))
		}
	}

	res, err := a.engine.Information(theta, binWeights, fisher.Options{
		Luminosity:           luminosity,
		SumEvents:            false,
		CalculateUncertainty: true,
		WeightUncertainties:  uncertainties,
	})
	if err != nil {
		return nil, err
	}

	p := a.settings.NumParameters()
	total := mat.NewDense(p, p, nil)
	for _, m := range res.PerEvent {
		total.Add(total, m)
	}
	return &Hist1DResult{
		Boundaries:       boundaries,
		BinWeights:       binWeights,
		BinUncertainties: uncertainties,
		PerBin:           res.PerEvent,
		Total:            total,
		Covariance:       res.Covariance,
	}, nil
}

// Hist2D computes the Fisher information in a two-dimensional histogram of
// two derived observables, both axes fixed-width with two overflow bins. No
// input-uncertainty propagation is computed for the two-dimensional case.
func (a *Analysis) Hist2D(theta []float64, luminosity float64,
	observable1 string, nbins1 int, histRange1 HistRange,
	observable2 string, nbins2 int, histRange2 HistRange,
	cuts, efficiencies []string) (*mat.Dense, error) {

	sel, err := a.compileSelection(cuts, efficiencies)
	if err != nil {
		return nil, err
	}
	obs1, err := a.env.CompileObservable(observable1)
	if err != nil {
		return nil, err
	}
	obs2, err := a.env.CompileObservable(observable2)
	if err != nil {
		return nil, err
	}

	boundaries1 := linspace(histRange1.Min, histRange1.Max, nbins1+1)
	boundaries2 := linspace(histRange2.Min, histRange2.Max, nbins2+1)
	nTotal1 := nbins1 + 2
	nTotal2 := nbins2 + 2

	nBenchmarks := a.settings.NumBenchmarks()
	binWeights := mat.NewDense(nTotal1*nTotal2, nBenchmarks, nil)
	kept := 0

	err = a.source.ForEachBatch(a.batchSize, 0, func(batch *events.Batch) error {
		filtered, err := sel.apply(batch)
		if err != nil {
			return err
		}
		if filtered == nil {
			return nil
		}
		row := make([]float64, a.settings.NumObservables())
		for i := 0; i < filtered.Len(); i++ {
			mat.Row(row, i, filtered.Observations)
			val1, err := obs1.Value(row)
			if err != nil {
				return err
			}
			val2, err := obs2.Value(row)
			if err != nil {
				return err
			}
			bin := sort.SearchFloat64s(boundaries1, val1)*nTotal2 +
				sort.SearchFloat64s(boundaries2, val2)
			for b := 0; b < nBenchmarks; b++ {
				binWeights.Set(bin, b, binWeights.At(bin, b)+filtered.Weights.At(i, b))
			}
		}
		kept += filtered.Len()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if kept == 0 {
		return nil, ErrNoEvents
	}

	res, err := a.engine.Information(theta, binWeights, fisher.Options{
		Luminosity: luminosity,
		SumEvents:  true,
	})
	if err != nil {
		return nil, err
	}
	return res.Summed, nil
}

// InformationSlices reports, per bin of one observable, the cross section,
// the rate-only information of the binned weights, and the summed per-event
// information, which together describe how the Fisher information is
// distributed over the observable's range.
type InformationSlices struct {
	Boundaries      []float64
	CrossSections   []float64
	RateInformation []*mat.Dense
	FullInformation []*mat.Dense
}

// InformationHistogram slices the sample by one observable (fixed-width
// bins with two overflow bins) and computes both the rate-only and the full
// truth-level information per slice.
func (a *Analysis) InformationHistogram(theta []float64, luminosity float64,
	observable string, nbins int, histRange HistRange,
	cuts, efficiencies []string) (*InformationSlices, error) {

	sel, err := a.compileSelection(cuts, efficiencies)
	if err != nil {
		return nil, err
	}
	obs, err := a.env.CompileObservable(observable)
	if err != nil {
		return nil, err
	}

	boundaries := linspace(histRange.Min, histRange.Max, nbins+1)
	nBinsTotal := nbins + 2
	nBenchmarks := a.settings.NumBenchmarks()
	p := a.settings.NumParameters()

	binWeights := mat.NewDense(nBinsTotal, nBenchmarks, nil)
	fullInfo := make([]*mat.Dense, nBinsTotal)
	for i := range fullInfo {
		fullInfo[i] = mat.NewDense(p, p, nil)
	}
	kept := 0

	err = a.source.ForEachBatch(a.batchSize, 0, func(batch *events.Batch) error {
		filtered, err := sel.apply(batch)
		if err != nil {
			return err
		}
		if filtered == nil {
			return nil
		}
		res, err := a.engine.Information(theta, filtered.Weights, fisher.Options{
			Luminosity: luminosity,
			SumEvents:  false,
		})
		if err != nil {
			return err
		}
		row := make([]float64, a.settings.NumObservables())
		for i := 0; i < filtered.Len(); i++ {
			mat.Row(row, i, filtered.Observations)
			val, err := obs.Value(row)
			if err != nil {
				return err
			}
			bin := sort.SearchFloat64s(boundaries, val)
			for b := 0; b < nBenchmarks; b++ {
				binWeights.Set(bin, b, binWeights.At(bin, b)+filtered.Weights.At(i, b))
			}
			fullInfo[bin].Add(fullInfo[bin], res.PerEvent[i])
		}
		kept += filtered.Len()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if kept == 0 {
		return nil, ErrNoEvents
	}

	thetaVec, err := a.rew.Combination(theta)
	if err != nil {
		return nil, err
	}
	var sigma mat.VecDense
	sigma.MulVec(binWeights, thetaVec)
	crossSections := make([]float64, nBinsTotal)
	for i := range crossSections {
		crossSections[i] = sigma.AtVec(i)
	}

	rateRes, err := a.engine.Information(theta, binWeights, fisher.Options{
		Luminosity: luminosity,
		SumEvents:  false,
	})
	if err != nil {
		return nil, err
	}
	return &InformationSlices{
		Boundaries:      boundaries,
		CrossSections:   crossSections,
		RateInformation: rateRes.PerEvent,
		FullInformation: fullInfo,
	}, nil
}

// errPilotDone stops batch iteration once the pilot sample is collected.
var errPilotDone = errors.New("analysis: pilot sample collected")

// dynamicBoundaries draws a bounded pilot sample and places the interior
// bin edges at quantiles of the theta-weighted distribution of the
// observable, so that every bin carries approximately equal cross section.
func (a *Analysis) dynamicBoundaries(theta []float64, obs *formula.Observable,
	sel *selection, nbins int) ([]float64, error) {

	var pilot *events.Batch
	err := a.source.ForEachBatch(a.pilotEvents, 0, func(batch *events.Batch) error {
		filtered, err := sel.apply(batch)
		if err != nil {
			return err
		}
		pilot = filtered
		return errPilotDone
	})
	if err != nil && !errors.Is(err, errPilotDone) {
		return nil, err
	}
	if pilot == nil {
		return nil, ErrNoEvents
	}

	values := make([]float64, pilot.Len())
	row := make([]float64, a.settings.NumObservables())
	for i := range values {
		mat.Row(row, i, pilot.Observations)
		v, err := obs.Value(row)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	thetaVec, err := a.rew.Combination(theta)
	if err != nil {
		return nil, err
	}
	var wTheta mat.VecDense
	wTheta.MulVec(pilot.Weights, thetaVec)
	weights := make([]float64, pilot.Len())
	for i := range weights {
		weights[i] = wTheta.AtVec(i)
	}

	quantiles := linspace(0, 1, nbins+1)
	boundaries := weightedQuantile(values, quantiles, weights)
	// Drop the extreme quantiles; only interior edges delimit bins.
	return boundaries[1 : len(boundaries)-1], nil
}

// weightedQuantile computes quantiles of the weighted empirical
// distribution of values, interpolating between the midpoints of the
// cumulative weights.
func weightedQuantile(values, quantiles, weights []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	sortedValues := make([]float64, len(values))
	sortedWeights := make([]float64, len(values))
	for i, j := range idx {
		sortedValues[i] = values[j]
		sortedWeights[i] = weights[j]
	}

	cum := make([]float64, len(values))
	floats.CumSum(cum, sortedWeights)
	total := cum[len(cum)-1]
	levels := make([]float64, len(values))
	for i := range levels {
		levels[i] = (cum[i] - 0.5*sortedWeights[i]) / total
	}

	out := make([]float64, len(quantiles))
	for i, q := range quantiles {
		out[i] = interp(q, levels, sortedValues)
	}
	return out
}

// interp linearly interpolates y(x) over the (xs, ys) polyline, clamping
// outside the range.
func interp(x float64, xs, ys []float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	hi := sort.SearchFloat64s(xs, x)
	lo := hi - 1
	if xs[hi] == xs[lo] {
		return ys[lo]
	}
	t := (x - xs[lo]) / (xs[hi] - xs[lo])
	return ys[lo] + t*(ys[hi]-ys[lo])
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}
