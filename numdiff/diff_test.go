// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJacobian(t *testing.T) {
	// f(x) = (x₀², x₀·x₁, sin x₁)
	spec := Spec{
		N: 2, M: 3,
		Func: func(x, y []float64) {
			y[0] = x[0] * x[0]
			y[1] = x[0] * x[1]
			y[2] = math.Sin(x[1])
		},
	}
	x0 := []float64{1.5, -0.5}
	want := []float64{
		3.0, 0.0,
		-0.5, 1.5,
		0.0, math.Cos(-0.5),
	}

	for _, tc := range []struct {
		method Method
		tol    float64
	}{
		{Forward, 1e-6},
		{Central, 1e-9},
	} {
		spec.Method = tc.method
		jac := make([]float64, 6)
		require.NoError(t, spec.Jacobian(x0, jac))
		for i := range want {
			require.InDelta(t, want[i], jac[i], tc.tol, "method %v entry %d", tc.method, i)
		}
		// x0 restored after perturbation
		require.Equal(t, []float64{1.5, -0.5}, x0)
	}
}

func TestJacobianValidation(t *testing.T) {
	f := func(x, y []float64) { y[0] = x[0] }
	cases := []Spec{
		{N: 0, M: 1, Func: f},
		{N: 1, M: 0, Func: f},
		{N: 1, M: 1},
		{N: 1, M: 1, Func: f, Method: Method(9)},
	}
	for i, spec := range cases {
		require.Error(t, spec.Jacobian(make([]float64, 1), make([]float64, 1)), "case %d", i)
	}

	spec := Spec{N: 2, M: 1, Func: f}
	require.Error(t, spec.Jacobian(make([]float64, 1), make([]float64, 2)))
	require.Error(t, spec.Jacobian(make([]float64, 2), make([]float64, 1)))
}

func TestJacobianFixedStep(t *testing.T) {
	spec := Spec{
		N: 1, M: 1,
		Method: Central,
		Step:   1e-4,
		Func:   func(x, y []float64) { y[0] = math.Exp(x[0]) },
	}
	jac := make([]float64, 1)
	require.NoError(t, spec.Jacobian([]float64{1}, jac))
	require.InDelta(t, math.E, jac[0], 1e-7)
}
