// Package fisher computes expected Fisher information matrices from
// morphed benchmark weights, propagates Gaussian input-weight uncertainties
// into a rank-4 covariance tensor, and provides projection and profiling of
// already-computed matrices.
package fisher

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/morph"
	"github.com/hepml/gofisher/param"
)

var (
	ErrShape               = errors.New("fisher: dimension mismatch")
	ErrIndices             = errors.New("fisher: invalid component indices")
	ErrIllConditioned      = errors.New("fisher: marginal block is singular or ill-conditioned")
	ErrNuisanceUncertainty = errors.New("fisher: uncertainty propagation is not supported for the nuisance block")
)

// Engine converts per-event benchmark weights into Fisher information
// contributions at a parameter point. It holds only the immutable setup and
// the reweighter; every call is independent.
type Engine struct {
	rew       morph.Reweighter
	nParams   int
	nuisance  []bool
	nPhysical int
}

func NewEngine(s *param.Settings, rew morph.Reweighter) *Engine {
	return &Engine{
		rew:       rew,
		nParams:   s.NumParameters(),
		nuisance:  s.NuisanceFlags(),
		nPhysical: s.NumPhysical(),
	}
}

// Options controls one Information call.
type Options struct {
	// Luminosity scales cross sections into expected event counts.
	Luminosity float64
	// IncludeNuisance extends the matrix by the nuisance-parameter block.
	IncludeNuisance bool
	// SumEvents reduces the leading event axis by summation. Summing the
	// per-event covariances treats events as statistically independent; this
	// is a modeling assumption, not a derived fact.
	SumEvents bool
	// CalculateUncertainty propagates Gaussian input-weight uncertainties
	// into a rank-4 covariance tensor. Weights of the same event are treated
	// as fully correlated, weights of different events as uncorrelated.
	CalculateUncertainty bool
	// WeightUncertainties holds the input uncertainty per event and
	// benchmark, same shape as the weight matrix. Nil means the weights
	// themselves are used as their uncertainties.
	WeightUncertainties *mat.Dense
	// SamplingWeights holds the weight at the sampling benchmark per event,
	// used for the nuisance log ratios. Nil means the first benchmark column.
	SamplingWeights []float64
}

// Result of one Information call. Summed is set when Options.SumEvents,
// otherwise PerEvent holds one matrix per event. Covariance is set when
// Options.CalculateUncertainty and always covers the physical block only.
type Result struct {
	Summed     *mat.Dense
	PerEvent   []*mat.Dense
	Covariance *Covariance
}

// Information computes the Fisher information contributions of the given
// benchmark-weight rows at the parameter point theta.
//
// Per event n: sigma[n] = theta_vec . w[n], dsigma[:,n] = dtheta . w[n], and
// the physical block is
//
//	I[n,i,j] = luminosity / sigma[n] * dsigma[i,n] * dsigma[j,n]
//
// with 1/sigma sanitized to zero where sigma is not positive and finite, so
// that non-physical cross sections contribute no information.
func (e *Engine) Information(theta []float64, weights *mat.Dense, opts Options) (*Result, error) {
	nEvents, nBenchmarks := weights.Dims()
	if nBenchmarks != len(e.nuisance) {
		return nil, fmt.Errorf("%w: weight matrix has %d benchmark columns, setup has %d",
			ErrShape, nBenchmarks, len(e.nuisance))
	}
	if opts.IncludeNuisance && opts.CalculateUncertainty {
		return nil, ErrNuisanceUncertainty
	}
	if opts.WeightUncertainties != nil {
		un, ub := opts.WeightUncertainties.Dims()
		if un != nEvents || ub != nBenchmarks {
			return nil, fmt.Errorf("%w: weight uncertainties are %dx%d, weights are %dx%d",
				ErrShape, un, ub, nEvents, nBenchmarks)
		}
	}
	if opts.SamplingWeights != nil && len(opts.SamplingWeights) != nEvents {
		return nil, fmt.Errorf("%w: %d sampling weights for %d events",
			ErrShape, len(opts.SamplingWeights), nEvents)
	}

	thetaVec, err := e.rew.Combination(theta)
	if err != nil {
		return nil, err
	}
	dtheta, err := e.rew.Gradient(theta)
	if err != nil {
		return nil, err
	}

	// sigma[n] = theta_vec . w[n],  dsigma = dtheta . w^T
	var sigma mat.VecDense
	if nEvents > 0 {
		sigma.MulVec(weights, thetaVec)
	}
	var dsigma mat.Dense
	if nEvents > 0 {
		dsigma.Mul(dtheta, weights.T())
	}
	// Zero or negative cross sections are non-physical; such events
	// contribute zero information instead of raising.
	invSigma := make([]float64, nEvents)
	for n := 0; n < nEvents; n++ {
		if s := sigma.AtVec(n); s > 0 {
			invSigma[n] = sanitize(1.0 / s)
		}
	}

	nNuisance := 0
	if opts.IncludeNuisance {
		nNuisance = len(e.nuisance) - e.nPhysical
	}
	dim := e.nParams + nNuisance

	// logRatio[j][n] = log(w[n, nuisance_j] / w_sampling[n])
	var logRatio [][]float64
	if opts.IncludeNuisance {
		logRatio = make([][]float64, 0, nNuisance)
		for b, isNuisance := range e.nuisance {
			if !isNuisance {
				continue
			}
			row := make([]float64, nEvents)
			for n := 0; n < nEvents; n++ {
				ws := weights.At(n, 0)
				if opts.SamplingWeights != nil {
					ws = opts.SamplingWeights[n]
				}
				row[n] = math.Log(weights.At(n, b) / ws)
			}
			logRatio = append(logRatio, row)
		}
	}

	res := &Result{}
	if opts.SumEvents {
		res.Summed = mat.NewDense(dim, dim, nil)
	} else {
		res.PerEvent = make([]*mat.Dense, 0, nEvents)
	}

	lum := opts.Luminosity
	for n := 0; n < nEvents; n++ {
		m := mat.NewDense(dim, dim, nil)
		for i := 0; i < e.nParams; i++ {
			for j := 0; j < e.nParams; j++ {
				m.Set(i, j, lum*invSigma[n]*dsigma.At(i, n)*dsigma.At(j, n))
			}
		}
		if opts.IncludeNuisance {
			for i := 0; i < e.nParams; i++ {
				for j := 0; j < nNuisance; j++ {
					v := lum * dsigma.At(i, n) * logRatio[j][n]
					m.Set(i, e.nParams+j, v)
					m.Set(e.nParams+j, i, v)
				}
			}
			for i := 0; i < nNuisance; i++ {
				for j := 0; j < nNuisance; j++ {
					m.Set(e.nParams+i, e.nParams+j,
						lum*sigma.AtVec(n)*logRatio[i][n]*logRatio[j][n])
				}
			}
		}
		if opts.SumEvents {
			res.Summed.Add(res.Summed, m)
		} else {
			res.PerEvent = append(res.PerEvent, m)
		}
	}

	if opts.CalculateUncertainty {
		res.Covariance = e.propagate(thetaVec, dtheta, &dsigma, invSigma, weights, opts)
	}
	return res, nil
}

// propagate performs Gaussian error propagation of the input-weight
// uncertainties through the physical information block. Weights of the same
// event are fully correlated, so the per-event input covariance is the
// rank-1 outer product u u^T and the double contraction
//
//	Cov[i,j,k,l] = sum_n (J[i,j,n,:] . u[n]) * (J[k,l,n,:] . u[n])
//
// with the three-term product-rule Jacobian
//
//	J[i,j,n,b] = L * ( dtheta[i,b] dsigma[j,n] / sigma[n]
//	                 + dtheta[j,b] dsigma[i,n] / sigma[n]
//	                 + theta[b] dsigma[i,n] dsigma[j,n] / sigma[n]^2 )
func (e *Engine) propagate(thetaVec *mat.VecDense, dtheta, dsigma *mat.Dense,
	invSigma []float64, weights *mat.Dense, opts Options) *Covariance {

	nEvents, _ := weights.Dims()
	p := e.nParams
	cov := NewCovariance(p)
	p2 := p * p

	// Physical benchmark columns only.
	physIdx := make([]int, 0, e.nPhysical)
	for b, isNuisance := range e.nuisance {
		if !isNuisance {
			physIdx = append(physIdx, b)
		}
	}

	g := make([]float64, p2)
	for n := 0; n < nEvents; n++ {
		inv := invSigma[n]
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				s := 0.0
				for _, b := range physIdx {
					u := weights.At(n, b)
					if opts.WeightUncertainties != nil {
						u = opts.WeightUncertainties.At(n, b)
					}
					t := sanitize(dtheta.At(i, b)*dsigma.At(j, n)*inv) +
						sanitize(dtheta.At(j, b)*dsigma.At(i, n)*inv) +
						sanitize(thetaVec.AtVec(b)*dsigma.At(i, n)*dsigma.At(j, n)*inv*inv)
					s += opts.Luminosity * t * u
				}
				g[i*p+j] = s
			}
		}
		for row := 0; row < p2; row++ {
			for col := 0; col < p2; col++ {
				cov.data[row*p2+col] += g[row] * g[col]
			}
		}
	}
	return cov
}

// sanitize maps non-finite values to zero.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
