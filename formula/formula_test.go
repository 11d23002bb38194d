package formula_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepml/gofisher/formula"
)

func newEnv(t *testing.T) *formula.Env {
	t.Helper()
	env, err := formula.NewEnv([]string{"observable_a", "observable_b"})
	require.NoError(t, err)
	return env
}

func TestCutPass(t *testing.T) {
	env := newEnv(t)
	cut, err := env.CompileCut("observable_a > 50")
	require.NoError(t, err)

	pass, err := cut.Pass([]float64{60, 1})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = cut.Pass([]float64{50, 1})
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestCutRejectsUnknownName(t *testing.T) {
	env := newEnv(t)
	_, err := env.CompileCut("observable_c > 1")
	assert.ErrorIs(t, err, formula.ErrCompile)
}

func TestCutRejectsWrongArity(t *testing.T) {
	env := newEnv(t)
	_, err := env.CompileCut("atan2(observable_a) > 0")
	assert.ErrorIs(t, err, formula.ErrCompile)
}

func TestCutRejectsNonBoolean(t *testing.T) {
	env := newEnv(t)
	_, err := env.CompileCut("observable_a + 1")
	assert.ErrorIs(t, err, formula.ErrCompile)
}

func TestEfficiencyConstant(t *testing.T) {
	env := newEnv(t)
	eff, err := env.CompileEfficiency("0.5")
	require.NoError(t, err)

	v, err := eff.Weight([]float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}

func TestObservableMathFunctions(t *testing.T) {
	env := newEnv(t)
	obs, err := env.CompileObservable("sqrt(observable_a*observable_a + observable_b*observable_b)")
	require.NoError(t, err)

	v, err := obs.Value([]float64{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-12)
}

func TestObservableConstants(t *testing.T) {
	env := newEnv(t)
	obs, err := env.CompileObservable("cos(pi) * observable_a")
	require.NoError(t, err)

	v, err := obs.Value([]float64{2, 0})
	require.NoError(t, err)
	assert.InDelta(t, -2.0, v, 1e-12)
}

func TestObservationLengthMismatch(t *testing.T) {
	env := newEnv(t)
	cut, err := env.CompileCut("observable_a > 0")
	require.NoError(t, err)

	_, err = cut.Pass([]float64{1})
	assert.ErrorIs(t, err, formula.ErrObservations)
}

func TestEvaluationIsPure(t *testing.T) {
	env := newEnv(t)
	obs, err := env.CompileObservable("exp(observable_b)")
	require.NoError(t, err)

	first, err := obs.Value([]float64{0, 1})
	require.NoError(t, err)
	second, err := obs.Value([]float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.InDelta(t, math.E, first, 1e-12)
}

func TestShadowedBuiltinRejected(t *testing.T) {
	_, err := formula.NewEnv([]string{"sqrt"})
	assert.ErrorIs(t, err, formula.ErrCompile)
}

func TestDuplicateObservableRejected(t *testing.T) {
	_, err := formula.NewEnv([]string{"observable_a", "observable_a"})
	assert.ErrorIs(t, err, formula.ErrCompile)
}
