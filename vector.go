// Package tieredcache holds the shared types of the tiered vector cache:
// vector helpers, record hashing and the error taxonomy used by the cache,
// the outbox and the L2 tier.
package tieredcache

import (
	"math"
)

// CoerceVector validates v against dim and returns an owned copy.
// It fails with *InvalidVectorError when the length does not match or a
// component is NaN or infinite.
func CoerceVector(oid string, v []float32, dim int) ([]float32, error) {
	if len(v) != dim {
		return nil, &InvalidVectorError{OID: oid, Expected: dim, Got: len(v)}
	}
	out := make([]float32, dim)
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &InvalidVectorError{OID: oid, Expected: dim, Got: len(v), Reason: "non-finite component"}
		}
		out[i] = x
	}
	return out, nil
}

// CloneVector returns a copy of v.
func CloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Normalize returns an L2-normalized copy of v. The zero vector is returned
// unchanged (as a copy) since it has no direction.
func Normalize(v []float32) []float32 {
	out := CloneVector(v)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// Dot returns the inner product of a and b. Both must have the same length.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
