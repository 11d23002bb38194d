package fisher_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hepml/gofisher/fisher"
)

func TestProjectReindexes(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		2, 4, 5,
		3, 5, 6,
	})

	sub, err := fisher.Project(m, []int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, 6.0, sub.At(0, 0))
	assert.Equal(t, 3.0, sub.At(0, 1))
	assert.Equal(t, 3.0, sub.At(1, 0))
	assert.Equal(t, 1.0, sub.At(1, 1))
}

func TestProjectIdentity(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 2, 5})
	sub, err := fisher.Project(m, []int{0, 1})
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, sub))
}

func TestProjectBadIndices(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	_, err := fisher.Project(m, []int{0, 0})
	assert.ErrorIs(t, err, fisher.ErrIndices)

	_, err = fisher.Project(m, []int{2})
	assert.ErrorIs(t, err, fisher.ErrIndices)

	_, err = fisher.Project(m, nil)
	assert.ErrorIs(t, err, fisher.ErrIndices)
}

func TestProjectNonSquare(t *testing.T) {
	_, err := fisher.Project(mat.NewDense(2, 3, nil), []int{0})
	assert.ErrorIs(t, err, fisher.ErrShape)
}

func TestProfileKeepAllIsIdentity(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 1, 1, 3})
	profiled, cov, err := fisher.Profile(m, []int{0, 1}, fisher.ProfileOptions{})
	require.NoError(t, err)
	require.Nil(t, cov)
	assert.True(t, mat.EqualApprox(m, profiled, 1e-12))
}

func TestProfileBlockDiagonal(t *testing.T) {
	// Zero cross block: profiling removes nothing from the kept block.
	m := mat.NewDense(3, 3, []float64{
		4, 1, 0,
		1, 3, 0,
		0, 0, 7,
	})
	profiled, _, err := fisher.Profile(m, []int{0, 1}, fisher.ProfileOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, profiled.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, profiled.At(0, 1), 1e-12)
	assert.InDelta(t, 3.0, profiled.At(1, 1), 1e-12)
}

func TestProfileHandComputedSchur(t *testing.T) {
	// [[a, b], [b, c]] profiled to the first component is a - b^2/c.
	m := mat.NewDense(2, 2, []float64{
		4, 2,
		2, 2,
	})
	profiled, _, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, profiled.At(0, 0), 1e-12)
}

func TestProfileNeverExceedsProjection(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		5, 1, 2,
		1, 4, 1,
		2, 1, 6,
	})
	profiled, _, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{})
	require.NoError(t, err)
	projected, err := fisher.Project(m, []int{0})
	require.NoError(t, err)
	assert.LessOrEqual(t, profiled.At(0, 0), projected.At(0, 0))
}

func TestProfileSingularMarginalBlock(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		4, 1, 1,
		1, 1, 1,
		1, 1, 1,
	})
	_, _, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{})
	assert.ErrorIs(t, err, fisher.ErrIllConditioned)
}

func TestProfileCovarianceDimMismatch(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 0, 0, 2})
	_, _, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{Covariance: fisher.NewCovariance(3)})
	assert.ErrorIs(t, err, fisher.ErrShape)
}

func TestProfileCovariancePropagation(t *testing.T) {
	// Block-diagonal matrix with uncertainty only on the kept entry: the
	// profiled value is the toy's (0,0) entry itself, so the propagated
	// variance must reproduce the input variance.
	m := mat.NewDense(2, 2, []float64{
		4, 0,
		0, 2,
	})
	const variance = 0.25
	cov := fisher.NewCovariance(2)
	cov.Set(0, 0, 0, 0, variance)

	_, out, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{
		Covariance: cov,
		Samples:    4000,
		Seed:       7,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, 1, out.Dim())
	assert.InDelta(t, variance, out.At(0, 0, 0, 0), 0.1*variance)
}

func TestProfileCovarianceConvergesWithSamples(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{
		4, 0,
		0, 2,
	})
	const variance = 0.25
	cov := fisher.NewCovariance(2)
	cov.Set(0, 0, 0, 0, variance)

	run := func(samples int) float64 {
		_, out, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{
			Covariance: cov,
			Samples:    samples,
			Seed:       11,
		})
		require.NoError(t, err)
		return math.Abs(out.At(0, 0, 0, 0) - variance)
	}

	errSmall := run(100)
	errLarge := run(8000)
	assert.Less(t, errLarge, 0.1*variance)
	assert.LessOrEqual(t, errLarge, errSmall+0.05*variance)
}

func TestProfileIsDeterministicForFixedSeed(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 1, 1, 2})
	cov := fisher.NewCovariance(2)
	cov.Set(0, 0, 0, 0, 0.1)

	_, first, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{Covariance: cov, Seed: 3})
	require.NoError(t, err)
	_, second, err := fisher.Profile(m, []int{0}, fisher.ProfileOptions{Covariance: cov, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, first.At(0, 0, 0, 0), second.At(0, 0, 0, 0))
}
