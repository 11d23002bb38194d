// Package morph turns benchmark weights into weights at arbitrary parameter
// points. The morphing decomposition itself (basis choice and matrix solve)
// is produced externally; this package only evaluates the combination vector
// and its parameter gradient at a given point.
package morph

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/param"
)

var ErrTheta = errors.New("morph: theta length does not match parameter count")

// Reweighter yields, for a parameter point theta, the benchmark combination
// vector (length = number of benchmarks) and the gradient matrix (parameters
// x benchmarks). Both are pure functions of theta and the fixed basis.
type Reweighter interface {
	Combination(theta []float64) (*mat.VecDense, error)
	Gradient(theta []float64) (*mat.Dense, error)
}

// LinearReweighter implements Reweighter from a precomputed morphing
// decomposition: component c carries weight prod_p theta_p^powers[c][p], and
// the benchmark combination is the morphing matrix applied to the component
// weights. Nuisance benchmarks take no part in morphing; their entries in
// the combination vector and gradient are zero.
type LinearReweighter struct {
	powers   [][]int    // (components, parameters)
	matrix   *mat.Dense // (physical benchmarks, components)
	nuisance []bool     // per benchmark, in benchmark order
	nParams  int
}

func NewLinearReweighter(s *param.Settings) (*LinearReweighter, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	nPhys := s.NumPhysical()
	nComponents := len(s.Morphing.Components)
	matrix := mat.NewDense(nPhys, nComponents, nil)
	for b, row := range s.Morphing.Matrix {
		matrix.SetRow(b, row)
	}
	return &LinearReweighter{
		powers:   s.Morphing.Components,
		matrix:   matrix,
		nuisance: s.NuisanceFlags(),
		nParams:  s.NumParameters(),
	}, nil
}

// componentWeights returns w_c = prod_p theta_p^powers[c][p].
func (r *LinearReweighter) componentWeights(theta []float64) *mat.VecDense {
	w := mat.NewVecDense(len(r.powers), nil)
	for c, powers := range r.powers {
		v := 1.0
		for p, pow := range powers {
			v *= intPow(theta[p], pow)
		}
		w.SetVec(c, v)
	}
	return w
}

func (r *LinearReweighter) Combination(theta []float64) (*mat.VecDense, error) {
	if len(theta) != r.nParams {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTheta, len(theta), r.nParams)
	}
	var phys mat.VecDense
	phys.MulVec(r.matrix, r.componentWeights(theta))
	return r.scatter(&phys), nil
}

func (r *LinearReweighter) Gradient(theta []float64) (*mat.Dense, error) {
	if len(theta) != r.nParams {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTheta, len(theta), r.nParams)
	}
	out := mat.NewDense(r.nParams, len(r.nuisance), nil)
	dw := mat.NewVecDense(len(r.powers), nil)
	var phys mat.VecDense
	for p := 0; p < r.nParams; p++ {
		// dw_c/dtheta_p = powers[c][p] * theta_p^(powers[c][p]-1) * prod_{q!=p} theta_q^powers[c][q]
		for c, powers := range r.powers {
			v := float64(powers[p]) * intPow(theta[p], powers[p]-1)
			for q, pow := range powers {
				if q == p {
					continue
				}
				v *= intPow(theta[q], pow)
			}
			dw.SetVec(c, v)
		}
		phys.MulVec(r.matrix, dw)
		bPhys := 0
		for b, isNuisance := range r.nuisance {
			if isNuisance {
				continue
			}
			out.Set(p, b, phys.AtVec(bPhys))
			bPhys++
		}
	}
	return out, nil
}

// scatter expands a physical-benchmark vector to full benchmark length,
// leaving nuisance entries zero.
func (r *LinearReweighter) scatter(phys *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(len(r.nuisance), nil)
	bPhys := 0
	for b, isNuisance := range r.nuisance {
		if isNuisance {
			continue
		}
		out.SetVec(b, phys.AtVec(bPhys))
		bPhys++
	}
	return out
}

// intPow is x^n for small integer n, with 0^0 = 1 and negative n yielding 0
// (negative powers never appear in a polynomial squared matrix element).
func intPow(x float64, n int) float64 {
	if n < 0 {
		return 0
	}
	if n == 0 {
		return 1
	}
	return math.Pow(x, float64(n))
}
