package fisher

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Covariance is the rank-4 covariance tensor of the entries of an
// information matrix, shape (n, n, n, n) dense in row-major order. It is
// symmetric under simultaneous transposition of the two index pairs:
// C[i,j,k,l] = C[k,l,i,j].
type Covariance struct {
	n    int
	data []float64
}

func NewCovariance(n int) *Covariance {
	return &Covariance{n: n, data: make([]float64, n*n*n*n)}
}

// Dim returns n, the edge length of the underlying information matrix.
func (c *Covariance) Dim() int { return c.n }

func (c *Covariance) offset(i, j, k, l int) int {
	return ((i*c.n+j)*c.n+k)*c.n + l
}

func (c *Covariance) At(i, j, k, l int) float64 {
	return c.data[c.offset(i, j, k, l)]
}

func (c *Covariance) Set(i, j, k, l int, v float64) {
	c.data[c.offset(i, j, k, l)] = v
}

func (c *Covariance) Scale(f float64) {
	for i := range c.data {
		c.data[i] *= f
	}
}

// Add accumulates another tensor of the same shape into c.
func (c *Covariance) Add(other *Covariance) error {
	if other.n != c.n {
		return fmt.Errorf("%w: covariance dims %d and %d", ErrShape, c.n, other.n)
	}
	for i, v := range other.data {
		c.data[i] += v
	}
	return nil
}

// Flat returns the (n^2 x n^2) matrix view C[(i,j),(k,l)], the covariance of
// the flattened information matrix. Valid because of the pair-transposition
// symmetry.
func (c *Covariance) Flat() *mat.SymDense {
	n2 := c.n * c.n
	out := mat.NewSymDense(n2, nil)
	for row := 0; row < n2; row++ {
		for col := row; col < n2; col++ {
			out.SetSym(row, col, c.data[row*n2+col])
		}
	}
	return out
}

// covarianceFromFlat is the inverse of Flat for an n^2 x n^2 symmetric
// matrix.
func covarianceFromFlat(n int, flat *mat.SymDense) *Covariance {
	out := NewCovariance(n)
	n2 := n * n
	for row := 0; row < n2; row++ {
		for col := 0; col < n2; col++ {
			out.data[row*n2+col] = flat.At(row, col)
		}
	}
	return out
}
