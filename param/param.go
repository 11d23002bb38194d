// Package param holds the immutable analysis setup: the physical parameters,
// the benchmark points events were generated at, the declared observables,
// and the morphing decomposition relating benchmarks to parameter space.
package param

import (
	"errors"
	"fmt"
)

var ErrSetup = errors.New("param: invalid analysis setup")

// Parameter is one physical coupling of the theory.
type Parameter struct {
	Name string `yaml:"name"`
	// LHA block and ID identifying the coupling in the generator cards.
	LHABlock int `yaml:"lha_block"`
	LHAID    int `yaml:"lha_id"`
	// Maximal power of the coupling in the squared matrix element.
	MaxPower int        `yaml:"max_power"`
	Range    [2]float64 `yaml:"range"`
}

// Benchmark is a named point in parameter space (or a nuisance-parameter
// indicator) at which events were generated and weighted. The order of the
// benchmark list defines the weight-vector indexing everywhere.
type Benchmark struct {
	Name       string    `yaml:"name"`
	Values     []float64 `yaml:"values"`
	IsNuisance bool      `yaml:"is_nuisance"`
}

// Morphing is the precomputed decomposition of the squared matrix element
// into polynomial components of the parameters. Components holds the power
// of each parameter in each component, Matrix the (physical benchmarks x
// components) morphing matrix produced by an external basis solver.
type Morphing struct {
	Components [][]int     `yaml:"components"`
	Matrix     [][]float64 `yaml:"matrix"`
}

// Settings is the full immutable setup loaded once per analysis.
type Settings struct {
	Parameters  []Parameter `yaml:"parameters"`
	Benchmarks  []Benchmark `yaml:"benchmarks"`
	Observables []string    `yaml:"observables"`
	Morphing    *Morphing   `yaml:"morphing"`
}

func (s *Settings) NumParameters() int  { return len(s.Parameters) }
func (s *Settings) NumBenchmarks() int  { return len(s.Benchmarks) }
func (s *Settings) NumObservables() int { return len(s.Observables) }

func (s *Settings) NumNuisance() int {
	n := 0
	for _, b := range s.Benchmarks {
		if b.IsNuisance {
			n++
		}
	}
	return n
}

func (s *Settings) NumPhysical() int { return s.NumBenchmarks() - s.NumNuisance() }

// NuisanceFlags returns the per-benchmark nuisance flag in benchmark order.
func (s *Settings) NuisanceFlags() []bool {
	flags := make([]bool, len(s.Benchmarks))
	for i, b := range s.Benchmarks {
		flags[i] = b.IsNuisance
	}
	return flags
}

// Validate checks internal consistency. It is called by loaders and by
// analysis construction; a failure is fatal and surfaced immediately.
func (s *Settings) Validate() error {
	if len(s.Parameters) == 0 {
		return fmt.Errorf("%w: no parameters", ErrSetup)
	}
	if len(s.Benchmarks) == 0 {
		return fmt.Errorf("%w: no benchmarks", ErrSetup)
	}
	if len(s.Observables) == 0 {
		return fmt.Errorf("%w: no observables", ErrSetup)
	}
	seen := make(map[string]bool, len(s.Observables))
	for _, name := range s.Observables {
		if name == "" {
			return fmt.Errorf("%w: empty observable name", ErrSetup)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate observable %q", ErrSetup, name)
		}
		seen[name] = true
	}
	nParams := len(s.Parameters)
	for _, b := range s.Benchmarks {
		if b.IsNuisance {
			continue
		}
		if len(b.Values) != nParams {
			return fmt.Errorf("%w: benchmark %q has %d values for %d parameters",
				ErrSetup, b.Name, len(b.Values), nParams)
		}
	}
	if s.Morphing == nil {
		return fmt.Errorf("%w: no morphing setup", ErrSetup)
	}
	nComponents := len(s.Morphing.Components)
	if nComponents == 0 {
		return fmt.Errorf("%w: morphing setup has no components", ErrSetup)
	}
	for c, powers := range s.Morphing.Components {
		if len(powers) != nParams {
			return fmt.Errorf("%w: morphing component %d has %d powers for %d parameters",
				ErrSetup, c, len(powers), nParams)
		}
	}
	if len(s.Morphing.Matrix) != s.NumPhysical() {
		return fmt.Errorf("%w: morphing matrix has %d rows for %d physical benchmarks",
			ErrSetup, len(s.Morphing.Matrix), s.NumPhysical())
	}
	for b, row := range s.Morphing.Matrix {
		if len(row) != nComponents {
			return fmt.Errorf("%w: morphing matrix row %d has %d entries for %d components",
				ErrSetup, b, len(row), nComponents)
		}
	}
	return nil
}
