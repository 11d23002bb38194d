// Package analysis drives the streaming Fisher-information computations:
// it pulls event batches from a source, applies cuts and efficiencies,
// invokes the tensor engine, and reduces the results into totals,
// histograms, or per-slice summaries.
package analysis

import (
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/events"
	"github.com/hepml/gofisher/fisher"
	"github.com/hepml/gofisher/formula"
	"github.com/hepml/gofisher/morph"
	"github.com/hepml/gofisher/param"
)

var (
	ErrNoEvents = errors.New("analysis: no events passed cuts")
	ErrMode     = errors.New("analysis: unknown mode or uncertainty")
)

const defaultBatchSize = 100000

// Analysis owns one immutable setup plus its event source and reweighter.
// Its methods are independent requests; an Analysis must not be shared by
// concurrent callers that reuse the same accumulators.
type Analysis struct {
	settings *param.Settings
	source   events.Source
	rew      morph.Reweighter
	engine   *fisher.Engine
	env      *formula.Env

	log         *zap.Logger
	batchSize   int
	pilotEvents int
	workers     int
}

type Option func(*Analysis)

// WithLogger installs a structured logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(a *Analysis) { a.log = l } }

// WithBatchSize sets the streaming batch size (default 100000).
func WithBatchSize(n int) Option { return func(a *Analysis) { a.batchSize = n } }

// WithPilotEvents bounds the sample used for dynamic binning (default
// 100000).
func WithPilotEvents(n int) Option { return func(a *Analysis) { a.pilotEvents = n } }

// WithWorkers processes independent batches concurrently during full
// truth-level aggregation. The running totals are associative sums, so the
// merge is serialized under a lock and the result is identical to the
// sequential one.
func WithWorkers(n int) Option { return func(a *Analysis) { a.workers = n } }

func New(settings *param.Settings, source events.Source, rew morph.Reweighter, opts ...Option) (*Analysis, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	env, err := formula.NewEnv(settings.Observables)
	if err != nil {
		return nil, err
	}
	a := &Analysis{
		settings:    settings,
		source:      source,
		rew:         rew,
		engine:      fisher.NewEngine(settings, rew),
		env:         env,
		log:         zap.NewNop(),
		batchSize:   defaultBatchSize,
		pilotEvents: defaultBatchSize,
		workers:     1,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.log.Info("loaded analysis setup",
		zap.Int("parameters", settings.NumParameters()),
		zap.Int("benchmarks", settings.NumBenchmarks()),
		zap.Int("nuisance", settings.NumNuisance()),
		zap.Int("observables", settings.NumObservables()),
		zap.Int("events", source.NumEvents()))
	for _, p := range settings.Parameters {
		a.log.Debug("parameter",
			zap.String("name", p.Name),
			zap.Int("lha_block", p.LHABlock),
			zap.Int("lha_id", p.LHAID),
			zap.Int("max_power", p.MaxPower),
			zap.Float64s("range", p.Range[:]))
	}
	for _, b := range settings.Benchmarks {
		a.log.Debug("benchmark",
			zap.String("name", b.Name),
			zap.Bool("nuisance", b.IsNuisance),
			zap.Float64s("values", b.Values))
	}
	return a, nil
}

// selection bundles the compiled cuts and efficiencies of one request.
type selection struct {
	cuts []*formula.Cut
	effs []*formula.Efficiency
}

func (a *Analysis) compileSelection(cuts, efficiencies []string) (*selection, error) {
	sel := &selection{}
	for _, src := range cuts {
		cut, err := a.env.CompileCut(src)
		if err != nil {
			return nil, err
		}
		sel.cuts = append(sel.cuts, cut)
	}
	for _, src := range efficiencies {
		eff, err := a.env.CompileEfficiency(src)
		if err != nil {
			return nil, err
		}
		sel.effs = append(sel.effs, eff)
	}
	return sel, nil
}

// apply filters a batch: events failing any cut are dropped, surviving
// weight rows are scaled by the product of all efficiencies. The returned
// batch owns its data; when no event survives, the batch is nil.
func (sel *selection) apply(batch *events.Batch) (*events.Batch, error) {
	n := batch.Len()
	_, nObs := batch.Observations.Dims()
	_, nW := batch.Weights.Dims()

	keptObs := make([]float64, 0, n*nObs)
	keptW := make([]float64, 0, n*nW)
	kept := 0
	row := make([]float64, nObs)
	wRow := make([]float64, nW)

	for i := 0; i < n; i++ {
		mat.Row(row, i, batch.Observations)
		pass := true
		for _, cut := range sel.cuts {
			ok, err := cut.Pass(row)
			if err != nil {
				return nil, err
			}
			if !ok {
				pass = false
				break
			}
		}
		if !pass {
			continue
		}
		eff := 1.0
		for _, f := range sel.effs {
			v, err := f.Weight(row)
			if err != nil {
				return nil, err
			}
			eff *= v
		}
		mat.Row(wRow, i, batch.Weights)
		keptObs = append(keptObs, row...)
		for _, w := range wRow {
			keptW = append(keptW, w*eff)
		}
		kept++
	}
	if kept == 0 {
		return nil, nil
	}
	return &events.Batch{
		Observations: mat.NewDense(kept, nObs, keptObs),
		Weights:      mat.NewDense(kept, nW, keptW),
	}, nil
}

// CrossSection streams the whole (or, from start on, the tail of the) event
// sample and returns the per-benchmark cross sections and their
// uncertainties, the square root of the summed squared weights.
func (a *Analysis) CrossSection(cuts, efficiencies []string, start int) (xsec, uncertainty []float64, err error) {
	sel, err := a.compileSelection(cuts, efficiencies)
	if err != nil {
		return nil, nil, err
	}
	nBenchmarks := a.settings.NumBenchmarks()
	sums := make([]float64, nBenchmarks)
	sumsSq := make([]float64, nBenchmarks)
	kept := 0

	err = a.source.ForEachBatch(a.batchSize, start, func(batch *events.Batch) error {
		filtered, err := sel.apply(batch)
		if err != nil {
			return err
		}
		if filtered == nil {
			return nil
		}
		for i := 0; i < filtered.Len(); i++ {
			for b := 0; b < nBenchmarks; b++ {
				w := filtered.Weights.At(i, b)
				sums[b] += w
				sumsSq[b] += w * w
			}
		}
		kept += filtered.Len()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if kept == 0 {
		return nil, nil, ErrNoEvents
	}
	for b := range sumsSq {
		sumsSq[b] = math.Sqrt(sumsSq[b])
	}
	return sums, sumsSq, nil
}

// CrossSectionAt morphs the benchmark cross sections to theta and returns
// the total cross section and its uncertainty.
func (a *Analysis) CrossSectionAt(theta []float64, cuts, efficiencies []string, start int) (float64, float64, error) {
	xsecs, uncerts, err := a.CrossSection(cuts, efficiencies, start)
	if err != nil {
		return 0, 0, err
	}
	thetaVec, err := a.rew.Combination(theta)
	if err != nil {
		return 0, 0, err
	}
	total := 0.0
	totalErr := 0.0
	for b := 0; b < thetaVec.Len(); b++ {
		total += thetaVec.AtVec(b) * xsecs[b]
		totalErr += thetaVec.AtVec(b) * uncerts[b]
	}
	return total, totalErr, nil
}

// Rate computes the Fisher information in a measurement of the total cross
// section alone, with Gaussian propagation of the statistical weight
// uncertainties.
func (a *Analysis) Rate(theta []float64, luminosity float64, cuts, efficiencies []string) (*mat.Dense, *fisher.Covariance, error) {
	xsecs, uncerts, err := a.CrossSection(cuts, efficiencies, 0)
	if err != nil {
		return nil, nil, err
	}
	nBenchmarks := a.settings.NumBenchmarks()
	weights := mat.NewDense(1, nBenchmarks, xsecs)
	uncertainties := mat.NewDense(1, nBenchmarks, uncerts)

	res, err := a.engine.Information(theta, weights, fisher.Options{
		Luminosity:           luminosity,
		SumEvents:            true,
		CalculateUncertainty: true,
		WeightUncertainties:  uncertainties,
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Summed, res.Covariance, nil
}

// FullTruth computes the full truth-level Fisher information: the
// per-event information of every event surviving the cuts, summed over the
// whole sample, with Gaussian uncertainty propagation. Batches are
// processed concurrently when workers > 1; the accumulation is a plain sum,
// so the merge order does not matter.
func (a *Analysis) FullTruth(theta []float64, luminosity float64, cuts, efficiencies []string) (*mat.Dense, *fisher.Covariance, error) {
	sel, err := a.compileSelection(cuts, efficiencies)
	if err != nil {
		return nil, nil, err
	}
	p := a.settings.NumParameters()
	total := mat.NewDense(p, p, nil)
	covariance := fisher.NewCovariance(p)
	kept := 0
	batches := 0

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(max(1, a.workers))

	err = a.source.ForEachBatch(a.batchSize, 0, func(batch *events.Batch) error {
		batches++
		// The source may reuse the batch once this callback returns, but the
		// worker outlives it; hand the worker its own copy.
		owned := batch.Clone()
		g.Go(func() error {
			filtered, err := sel.apply(owned)
			if err != nil {
				return err
			}
			if filtered == nil {
				return nil
			}
			res, err := a.engine.Information(theta, filtered.Weights, fisher.Options{
				Luminosity:           luminosity,
				SumEvents:            true,
				CalculateUncertainty: true,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			total.Add(total, res.Summed)
			if err := covariance.Add(res.Covariance); err != nil {
				return err
			}
			kept += filtered.Len()
			return nil
		})
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return nil, nil, err
	}
	if kept == 0 {
		return nil, nil, ErrNoEvents
	}
	a.log.Debug("full truth-level information accumulated",
		zap.Int("batches", batches), zap.Int("events_kept", kept))
	return total, covariance, nil
}
