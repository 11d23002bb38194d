package fisher

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Project returns the square submatrix of information at the given row and
// column indices, in the given order. Pure reindexing; duplicate or
// out-of-range indices are a contract violation.
func Project(information *mat.Dense, keep []int) (*mat.Dense, error) {
	n, err := squareDim(information)
	if err != nil {
		return nil, err
	}
	if err := checkIndices(keep, n); err != nil {
		return nil, err
	}
	out := mat.NewDense(len(keep), len(keep), nil)
	for i, oldI := range keep {
		for j, oldJ := range keep {
			out.Set(i, j, information.At(oldI, oldJ))
		}
	}
	return out, nil
}

// ProfileOptions controls Profile. Zero values select the defaults.
type ProfileOptions struct {
	// Covariance of the input information matrix; when set, the covariance
	// of the profiled matrix is propagated by Monte Carlo.
	Covariance *Covariance
	// Samples is the number of matrices drawn for the propagation.
	// Default 1000.
	Samples int
	// Shrink multiplies the covariance of the sampling distribution so that
	// the drawn matrices stay close enough to the mean for the marginal
	// block to remain invertible; the resulting covariance is rescaled by
	// 1/Shrink. Default 1e-3.
	Shrink float64
	// Seed for the draw; the default is a fixed seed, so results are
	// reproducible.
	Seed uint64
}

// Profile eliminates the components of information not listed in keep by
// forming the Schur complement
//
//	I_keep - I_mix^T . I_marg^-1 . I_mix
//
// where I_marg is the block of marginalized components and I_mix the cross
// block. A singular or ill-conditioned marginal block yields
// ErrIllConditioned. If opts.Covariance is set, the covariance of the
// profiled matrix is estimated by profiling Monte-Carlo draws of the input
// matrix and returned alongside.
func Profile(information *mat.Dense, keep []int, opts ProfileOptions) (*mat.Dense, *Covariance, error) {
	n, err := squareDim(information)
	if err != nil {
		return nil, nil, err
	}
	if err := checkIndices(keep, n); err != nil {
		return nil, nil, err
	}
	marginalize := complementIndices(keep, n)

	profiled, err := schur(information, keep, marginalize)
	if err != nil {
		return nil, nil, err
	}
	if opts.Covariance == nil {
		return profiled, nil, nil
	}
	if opts.Covariance.Dim() != n {
		return nil, nil, fmt.Errorf("%w: covariance dim %d for %dx%d information",
			ErrShape, opts.Covariance.Dim(), n, n)
	}

	samples := opts.Samples
	if samples <= 0 {
		samples = 1000
	}
	shrink := opts.Shrink
	if shrink <= 0 {
		shrink = 1e-3
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}

	// Draw full matrices around the central value with shrunk covariance.
	mean := flatten(information)
	sigma := opts.Covariance.Flat()
	scaled := mat.NewSymDense(n*n, nil)
	for i := 0; i < n*n; i++ {
		for j := i; j < n*n; j++ {
			scaled.SetSym(i, j, shrink*sigma.At(i, j))
		}
	}
	sampler, err := newGaussianSampler(mean, scaled, seed)
	if err != nil {
		return nil, nil, err
	}

	m := len(keep)
	draws := mat.NewDense(samples, m*m, nil)
	buf := make([]float64, n*n)
	toy := mat.NewDense(n, n, nil)
	for s := 0; s < samples; s++ {
		sampler.Rand(buf)
		copy(toy.RawMatrix().Data, buf)
		profiledToy, err := schur(toy, keep, marginalize)
		if err != nil {
			return nil, nil, err
		}
		draws.SetRow(s, flatten(profiledToy))
	}

	// Empirical covariance of the profiled draws, undoing the shrink.
	empirical := mat.NewSymDense(m*m, nil)
	stat.CovarianceMatrix(empirical, draws, nil)
	covOut := covarianceFromFlat(m, empirical)
	covOut.Scale(1.0 / shrink)
	return profiled, covOut, nil
}

// schur computes I_keep - I_mix^T . I_marg^-1 . I_mix. With nothing to
// marginalize it returns the keep block unchanged.
func schur(information *mat.Dense, keep, marginalize []int) (*mat.Dense, error) {
	m := len(keep)
	out := mat.NewDense(m, m, nil)
	for i, oldI := range keep {
		for j, oldJ := range keep {
			out.Set(i, j, information.At(oldI, oldJ))
		}
	}
	q := len(marginalize)
	if q == 0 {
		return out, nil
	}

	marg := mat.NewDense(q, q, nil)
	for i, oldI := range marginalize {
		for j, oldJ := range marginalize {
			marg.Set(i, j, information.At(oldI, oldJ))
		}
	}
	mix := mat.NewDense(q, m, nil)
	for i, oldI := range marginalize {
		for j, oldJ := range keep {
			mix.Set(i, j, information.At(oldI, oldJ))
		}
	}

	// X = I_marg^-1 . I_mix via a solve; failure means the marginal block
	// is singular or too ill-conditioned to profile.
	var x mat.Dense
	if err := x.Solve(marg, mix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}
	var corr mat.Dense
	corr.Mul(mix.T(), &x)
	out.Sub(out, &corr)
	return out, nil
}

// gaussianSampler draws vectors from N(mean, sigma).
type gaussianSampler interface {
	Rand(dst []float64) []float64
}

// newGaussianSampler prefers the Cholesky-based sampler and falls back to a
// symmetric eigendecomposition with negative eigenvalues clipped to zero
// when sigma is only positive semi-definite, which is common for covariances
// of nearly-degenerate information matrices.
func newGaussianSampler(mean []float64, sigma *mat.SymDense, seed uint64) (gaussianSampler, error) {
	src := rand.NewPCG(seed, seed+1)
	if normal, ok := distmv.NewNormal(mean, sigma, src); ok {
		return normal, nil
	}

	var eig mat.EigenSym
	if !eig.Factorize(sigma, true) {
		return nil, fmt.Errorf("%w: covariance eigendecomposition failed", ErrIllConditioned)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	n := len(mean)
	scale := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		s := 0.0
		if values[j] > 0 {
			s = math.Sqrt(values[j])
		}
		for i := 0; i < n; i++ {
			scale.Set(i, j, vectors.At(i, j)*s)
		}
	}
	return &eigenSampler{mean: mean, scale: scale, rng: rand.New(src)}, nil
}

type eigenSampler struct {
	mean  []float64
	scale *mat.Dense
	rng   *rand.Rand
}

func (s *eigenSampler) Rand(dst []float64) []float64 {
	n := len(s.mean)
	z := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		z.SetVec(i, s.rng.NormFloat64())
	}
	var x mat.VecDense
	x.MulVec(s.scale, z)
	for i := 0; i < n; i++ {
		dst[i] = s.mean[i] + x.AtVec(i)
	}
	return dst
}

func squareDim(m *mat.Dense) (int, error) {
	r, c := m.Dims()
	if r != c {
		return 0, fmt.Errorf("%w: information matrix is %dx%d", ErrShape, r, c)
	}
	return r, nil
}

func checkIndices(keep []int, n int) error {
	if len(keep) == 0 {
		return fmt.Errorf("%w: empty index list", ErrIndices)
	}
	seen := make(map[int]bool, len(keep))
	for _, idx := range keep {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range for dim %d", ErrIndices, idx, n)
		}
		if seen[idx] {
			return fmt.Errorf("%w: duplicate index %d", ErrIndices, idx)
		}
		seen[idx] = true
	}
	return nil
}

// complementIndices returns 0..n-1 without the kept indices, ascending.
func complementIndices(keep []int, n int) []int {
	kept := make(map[int]bool, len(keep))
	for _, idx := range keep {
		kept[idx] = true
	}
	out := make([]int, 0, n-len(keep))
	for i := 0; i < n; i++ {
		if !kept[i] {
			out = append(out, i)
		}
	}
	return out
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}
