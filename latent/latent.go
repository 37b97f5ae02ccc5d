// Package latent holds the float32 tensor helpers shared by the sampler,
// the conditioning builder and the cascade orchestrator. Every helper
// returns a new tensor; inputs are never mutated.
package latent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/vecf32"
)

var ErrShape = errors.New("latent: shape mismatch")

// New wraps data in a dense tensor of the given shape. data is not copied.
func New(shape []int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(data))
}

func Zeros(shape ...int) *tensor.Dense {
	return New(shape, make([]float32, size(shape)))
}

// Randn draws independent standard-normal values from src.
func Randn(src rand.Source, shape ...int) *tensor.Dense {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	data := make([]float32, size(shape))
	for i := range data {
		data[i] = float32(normal.Rand())
	}

	return New(shape, data)
}

// Float32s returns the backing slice of t.
func Float32s(t *tensor.Dense) []float32 {
	if data, ok := t.Data().([]float32); ok {
		return data
	}

	return nil
}

func Shape(t *tensor.Dense) []int {
	return slices.Clone([]int(t.Shape()))
}

func SameShape(a, b *tensor.Dense) bool {
	return slices.Equal([]int(a.Shape()), []int(b.Shape()))
}

func Clone(t *tensor.Dense) *tensor.Dense {
	return New(Shape(t), slices.Clone(Float32s(t)))
}

// Concat joins a and b along the leading (batch) axis.
func Concat(a, b *tensor.Dense) (*tensor.Dense, error) {
	as, bs := Shape(a), Shape(b)
	if len(as) == 0 || len(as) != len(bs) || !slices.Equal(as[1:], bs[1:]) {
		return nil, fmt.Errorf("%w: cannot concat %v and %v", ErrShape, as, bs)
	}

	shape := slices.Clone(as)
	shape[0] += bs[0]

	data := make([]float32, 0, size(shape))
	data = append(data, Float32s(a)...)
	data = append(data, Float32s(b)...)
	return New(shape, data), nil
}

// Duplicate stacks t on top of itself along the batch axis.
func Duplicate(t *tensor.Dense) *tensor.Dense {
	doubled, _ := Concat(t, t)
	return doubled
}

// Halves splits t along the batch axis into its first and second half.
func Halves(t *tensor.Dense) (first, second *tensor.Dense, err error) {
	shape := Shape(t)
	if len(shape) == 0 || shape[0]%2 != 0 {
		return nil, nil, fmt.Errorf("%w: cannot split batch of %v in two", ErrShape, shape)
	}

	shape[0] /= 2
	data := Float32s(t)
	n := len(data) / 2
	return New(shape, slices.Clone(data[:n])), New(shape, slices.Clone(data[n:])), nil
}

// Affine returns t*scale + shift.
func Affine(t *tensor.Dense, scale, shift float32) *tensor.Dense {
	out := Clone(t)
	data := Float32s(out)
	vecf32.Scale(data, scale)
	if shift != 0 {
		vecf32.Trans(data, shift)
	}

	return out
}

// AddScaled returns a + s*b.
func AddScaled(a, b *tensor.Dense, s float32) (*tensor.Dense, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("%w: %v and %v", ErrShape, a.Shape(), b.Shape())
	}

	scaled := slices.Clone(Float32s(b))
	vecf32.Scale(scaled, s)

	out := Clone(a)
	vecf32.Add(Float32s(out), scaled)
	return out, nil
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}
