package param_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepml/gofisher/param"
)

const validSetup = `
parameters:
  - name: k
    lha_block: 1
    lha_id: 9000001
    max_power: 1
    range: [-2.0, 2.0]
benchmarks:
  - name: sm
    values: [0.0]
  - name: bsm
    values: [1.0]
observables:
  - observable_a
  - observable_b
morphing:
  components:
    - [0]
    - [1]
  matrix:
    - [1.0, -1.0]
    - [0.0, 1.0]
`

func TestParseValidSetup(t *testing.T) {
	s, err := param.Parse([]byte(validSetup))
	require.NoError(t, err)

	assert.Equal(t, 1, s.NumParameters())
	assert.Equal(t, 2, s.NumBenchmarks())
	assert.Equal(t, 2, s.NumPhysical())
	assert.Equal(t, 0, s.NumNuisance())
	assert.Equal(t, []string{"observable_a", "observable_b"}, s.Observables)
	assert.Equal(t, "k", s.Parameters[0].Name)
	assert.Equal(t, 9000001, s.Parameters[0].LHAID)
	assert.Equal(t, [2]float64{-2, 2}, s.Parameters[0].Range)
	assert.Equal(t, []bool{false, false}, s.NuisanceFlags())
}

func TestParseMissingMorphing(t *testing.T) {
	src := `
parameters:
  - name: k
benchmarks:
  - name: sm
    values: [0.0]
observables: [observable_a]
`
	_, err := param.Parse([]byte(src))
	assert.ErrorIs(t, err, param.ErrSetup)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := param.Parse([]byte("parameters: ["))
	assert.ErrorIs(t, err, param.ErrSetup)
}

func TestValidateBenchmarkValueMismatch(t *testing.T) {
	s, err := param.Parse([]byte(validSetup))
	require.NoError(t, err)

	s.Benchmarks[1].Values = []float64{1.0, 2.0}
	assert.ErrorIs(t, s.Validate(), param.ErrSetup)
}

func TestValidateMorphingMatrixShape(t *testing.T) {
	s, err := param.Parse([]byte(validSetup))
	require.NoError(t, err)

	s.Morphing.Matrix = s.Morphing.Matrix[:1]
	assert.ErrorIs(t, s.Validate(), param.ErrSetup)
}

func TestValidateDuplicateObservable(t *testing.T) {
	s, err := param.Parse([]byte(validSetup))
	require.NoError(t, err)

	s.Observables = []string{"observable_a", "observable_a"}
	assert.ErrorIs(t, s.Validate(), param.ErrSetup)
}

func TestNuisanceCounting(t *testing.T) {
	s, err := param.Parse([]byte(validSetup))
	require.NoError(t, err)

	s.Benchmarks = append(s.Benchmarks, param.Benchmark{Name: "nu", IsNuisance: true})
	require.NoError(t, s.Validate())
	assert.Equal(t, 1, s.NumNuisance())
	assert.Equal(t, 2, s.NumPhysical())
	assert.Equal(t, []bool{false, false, true}, s.NuisanceFlags())
}
