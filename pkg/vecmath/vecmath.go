// Package vecmath holds the vector arithmetic behind attune's adaptive memory:
// exponential decay fusion, L2 normalisation, and the deterministic random
// projection that reduces embeddings to policy vectors.
//
// All functions are pure and safe for concurrent use. Vectors are float32 to
// match the pgvector column type; intermediate arithmetic is done in float64.
package vecmath

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is the sentinel matched by every [DimensionError].
// It signals that an embedding model changed dimensionality without the stored
// vectors being migrated, so no fusion may be attempted.
var ErrDimensionMismatch = errors.New("vecmath: dimension mismatch")

// ErrInvalidAlpha is returned by [Fuse] when alpha lies outside [0, 1].
var ErrInvalidAlpha = errors.New("vecmath: alpha must be within [0, 1]")

// NormEpsilon is added to the L2 norm before division so that a zero vector
// normalises to zero instead of NaN.
const NormEpsilon = 1e-6

// DimensionError describes a length disagreement between two vectors.
type DimensionError struct {
	Op   string
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vecmath: %s: dimension mismatch: got %d, want %d", e.Op, e.Got, e.Want)
}

// Unwrap lets errors.Is(err, ErrDimensionMismatch) match.
func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// Fuse blends next into prev with weight alpha: (1-alpha)*prev + alpha*next.
//
// When prev is empty the result is a copy of next (the first observation
// defines the baseline, no blending). A non-empty prev whose length differs
// from next yields a [*DimensionError].
func Fuse(prev, next []float32, alpha float64) ([]float32, error) {
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, alpha)
	}
	if len(prev) == 0 {
		out := make([]float32, len(next))
		copy(out, next)
		return out, nil
	}
	if len(prev) != len(next) {
		return nil, &DimensionError{Op: "fuse", Got: len(next), Want: len(prev)}
	}
	keep := 1 - alpha
	out := make([]float32, len(prev))
	for i := range prev {
		out[i] = float32(keep*float64(prev[i]) + alpha*float64(next[i]))
	}
	return out, nil
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionError{Op: "dot", Got: len(b), Want: len(a)}
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns v / (‖v‖ + [NormEpsilon]) as a new slice.
func Normalize(v []float32) []float32 {
	return normalize64(widen(v))
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func normalize64(v []float64) []float32 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	denom := math.Sqrt(sum) + NormEpsilon
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x / denom)
	}
	return out
}
