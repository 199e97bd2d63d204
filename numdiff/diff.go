// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates the Jacobian of a vector function with finite
// differences. It is used to cross-check analytic barrier derivatives.
package numdiff

import (
	"errors"
	"math"
)

var (
	sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
	cubeEps = math.Pow(math.Nextafter(1, 2)-1, 1.0/3)
)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// Spec describes a Jacobian approximation of 𝒇 : ℝⁿ → ℝᵐ.
type Spec struct {
	N, M int
	// Func evaluates the target: x is an n-vector, the result is stored
	// in the m-vector y.
	Func func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Absolute step size. When zero a per-coordinate step is derived
	// from the machine epsilon and the magnitude of x0.
	Step float64
}

func (s *Spec) step(x float64) float64 {
	if s.Step > 0 {
		return s.Step
	}
	eps := sqrtEps
	if s.Method == Central {
		eps = cubeEps
	}
	return eps * math.Max(1, math.Abs(x))
}

// Jacobian writes the m×n row-major Jacobian estimate at x0 into jac.
// The x0 slice is perturbed in place and restored before returning.
func (s *Spec) Jacobian(x0, jac []float64) error {
	switch {
	case s.N <= 0 || s.M <= 0:
		return errors.New("numdiff: dimensions must be positive")
	case s.Func == nil:
		return errors.New("numdiff: target function is required")
	case len(x0) != s.N:
		return errors.New("numdiff: invalid x0 dimension")
	case len(jac) != s.N*s.M:
		return errors.New("numdiff: invalid jacobian dimension")
	case s.Method != Forward && s.Method != Central:
		return errors.New("numdiff: unknown method")
	}

	f0 := make([]float64, s.M)
	fp := make([]float64, s.M)
	fm := make([]float64, s.M)
	if s.Method == Forward {
		s.Func(x0, f0)
	}

	for j := 0; j < s.N; j++ {
		x := x0[j]
		h := s.step(x)
		if s.Method == Forward {
			x0[j] = x + h
			s.Func(x0, fp)
			for i := 0; i < s.M; i++ {
				jac[i*s.N+j] = (fp[i] - f0[i]) / h
			}
		} else {
			x0[j] = x + h
			s.Func(x0, fp)
			x0[j] = x - h
			s.Func(x0, fm)
			for i := 0; i < s.M; i++ {
				jac[i*s.N+j] = (fp[i] - fm[i]) / (2 * h)
			}
		}
		x0[j] = x
	}
	return nil
}
