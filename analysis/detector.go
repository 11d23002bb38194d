package analysis

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/events"
	"github.com/hepml/gofisher/fisher"
)

// Mode selects how an ensemble estimator derives its uncertainty: from
// per-event scores or from per-estimator information matrices.
type Mode string

const (
	ModeScore       Mode = "score"
	ModeInformation Mode = "information"
)

// Uncertainty selects the uncertainty source of the kinematic estimate.
type Uncertainty string

const (
	UncertaintyEnsemble    Uncertainty = "ensemble"
	UncertaintyExpectation Uncertainty = "expectation"
	UncertaintySum         Uncertainty = "sum"
)

// KinematicEstimator is the trained detector-level information source. A
// single-network estimator may return a nil covariance. Whether the
// implementation is a single estimator or an ensemble is the caller's
// explicit choice; nothing here probes storage layouts.
type KinematicEstimator interface {
	Information(observations *mat.Dense, weights []float64, nEvents float64,
		mode Mode, uncertainty Uncertainty) (*mat.Dense, *fisher.Covariance, error)
}

// DetectorOptions configures FullDetector.
type DetectorOptions struct {
	Luminosity float64
	// IncludeRate adds the rate-level information to the kinematic part.
	IncludeRate bool
	Mode        Mode
	Uncertainty Uncertainty
	// TestSplit is the fraction of events held out for evaluation; the
	// computation starts after the first (1-TestSplit) share of the sample.
	// Values outside (0, 1) use the whole sample.
	TestSplit float64
}

// FullDetector estimates the full detector-level Fisher information by
// combining the rate-level information with the kinematic information of an
// externally trained estimator, evaluated on the held-out tail of the
// weighted sample.
func (a *Analysis) FullDetector(theta []float64, estimator KinematicEstimator, opts DetectorOptions) (*mat.Dense, *fisher.Covariance, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeInformation
	}
	if mode != ModeScore && mode != ModeInformation {
		return nil, nil, fmt.Errorf("%w: mode %q", ErrMode, mode)
	}
	uncertainty := opts.Uncertainty
	if uncertainty == "" {
		uncertainty = UncertaintyEnsemble
	}
	switch uncertainty {
	case UncertaintyEnsemble, UncertaintyExpectation, UncertaintySum:
	default:
		return nil, nil, fmt.Errorf("%w: uncertainty %q", ErrMode, uncertainty)
	}

	totalXsec, _, err := a.CrossSectionAt(theta, nil, nil, 0)
	if err != nil {
		return nil, nil, err
	}

	p := a.settings.NumParameters()
	total := mat.NewDense(p, p, nil)
	covariance := fisher.NewCovariance(p)
	if opts.IncludeRate {
		a.log.Info("evaluating rate information")
		rate, rateCov, err := a.Rate(theta, opts.Luminosity, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		total.Add(total, rate)
		if err := covariance.Add(rateCov); err != nil {
			return nil, nil, err
		}
	}

	// Restrict to the held-out tail.
	start := 0
	if opts.TestSplit > 0 && opts.TestSplit < 1 {
		start = int(math.Round((1.0-opts.TestSplit)*float64(a.source.NumEvents()))) + 1
	}
	tailXsec := totalXsec
	if start > 0 {
		tailXsec, _, err = a.CrossSectionAt(theta, nil, nil, start)
		if err != nil {
			return nil, nil, err
		}
	}

	thetaVec, err := a.rew.Combination(theta)
	if err != nil {
		return nil, nil, err
	}

	batch := 0
	err = a.source.ForEachBatch(a.batchSize, start, func(b *events.Batch) error {
		batch++
		a.log.Info("evaluating kinematic information", zap.Int("batch", batch))

		// Morph the benchmark weights to theta.
		var wTheta mat.VecDense
		wTheta.MulVec(b.Weights, thetaVec)
		weights := make([]float64, b.Len())
		sum := 0.0
		for i := range weights {
			weights[i] = wTheta.AtVec(i)
			sum += weights[i]
		}

		nEvents := opts.Luminosity * totalXsec * sum / tailXsec
		info, cov, err := estimator.Information(b.Observations, weights, nEvents, mode, uncertainty)
		if err != nil {
			return err
		}
		if r, c := info.Dims(); r != p || c != p {
			return fmt.Errorf("%w: estimator returned a %dx%d matrix for %d parameters",
				fisher.ErrShape, r, c, p)
		}
		total.Add(total, info)
		if cov != nil {
			if err := covariance.Add(cov); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return total, covariance, nil
}
