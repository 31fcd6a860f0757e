// Package verify computes the host reference for the add-offset kernel and
// compares device results against it.
package verify

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// ErrMismatch is wrapped by every verification failure.
var ErrMismatch = errors.New("pushconst/verify: result differs from host reference")

// Reference returns a[i] + b[i] + offset. a and b must have equal length.
func Reference(a, b []float32, offset float32) []float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("verify: reference of unequal lengths %d and %d", len(a), len(b)))
	}
	out := make([]float32, len(b))
	copy(out, b)
	if len(out) == 0 {
		return out
	}
	blas32.Axpy(1, blas32.Vector{N: len(a), Inc: 1, Data: a}, blas32.Vector{N: len(out), Inc: 1, Data: out})
	for i := range out {
		out[i] += offset
	}
	return out
}

// Report is the outcome of an element-wise comparison.
type Report struct {
	Count      int
	Mismatches int
	// FirstIndex is the first divergent index, or -1.
	FirstIndex int
	Got, Want  float32
	MaxAbsDiff float64
	LengthGot  int
}

func (r Report) OK() bool { return r.Mismatches == 0 && r.LengthGot == r.Count }

// Err returns nil when r passed and a *MismatchError otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &MismatchError{Report: r}
}

func (r Report) String() string {
	if r.OK() {
		return fmt.Sprintf("%d/%d elements match", r.Count, r.Count)
	}
	if r.LengthGot != r.Count {
		return fmt.Sprintf("length %d, want %d", r.LengthGot, r.Count)
	}
	return fmt.Sprintf("%d/%d elements differ, first at index %d: got %v want %v (max |diff| %g)",
		r.Mismatches, r.Count, r.FirstIndex, r.Got, r.Want, r.MaxAbsDiff)
}

// Compare checks got against want for exact equality.
func Compare(got, want []float32) Report {
	r := Report{Count: len(want), LengthGot: len(got), FirstIndex: -1}
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	g64 := make([]float64, n)
	w64 := make([]float64, n)
	for i := 0; i < n; i++ {
		g64[i], w64[i] = float64(got[i]), float64(want[i])
		if got[i] != want[i] && !(math.IsNaN(g64[i]) && math.IsNaN(w64[i])) {
			if r.FirstIndex < 0 {
				r.FirstIndex, r.Got, r.Want = i, got[i], want[i]
			}
			r.Mismatches++
		}
	}
	if len(got) != len(want) {
		r.Mismatches += abs(len(got) - len(want))
		if r.FirstIndex < 0 {
			r.FirstIndex = n
		}
	}
	if n > 0 {
		r.MaxAbsDiff = floats.Distance(g64, w64, math.Inf(1))
	}
	return r
}

// MismatchError reports which elements diverged.
type MismatchError struct {
	Report Report
}

func (e *MismatchError) Error() string { return ErrMismatch.Error() + ": " + e.Report.String() }
func (e *MismatchError) Unwrap() error { return ErrMismatch }

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
