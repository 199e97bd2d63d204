// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hsde

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/conic/cone"
)

// denseKKTSolve assembles the full (n+p+q)² embedding system and solves it
// directly; the QR-reduced cache must reproduce it.
func denseKKTSolve(t *testing.T, a, g *mat.Dense, cn *cone.Product, mu float64,
	n, p, q int, bx, by, bz []float64) ([]float64, []float64, []float64) {
	t.Helper()

	dim := n + p + q
	full := mat.NewDense(dim, dim, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < n; j++ {
			full.Set(n+i, j, a.At(i, j))
			full.Set(j, n+i, a.At(i, j))
		}
	}
	for i := 0; i < q; i++ {
		for j := 0; j < n; j++ {
			full.Set(n+p+i, j, g.At(i, j))
			full.Set(j, n+p+i, g.At(i, j))
		}
	}
	// -(𝛍𝐇)⁻¹ block via columns of the inverse Hessian apply
	col := make([]float64, q)
	inv := make([]float64, q)
	for j := 0; j < q; j++ {
		for i := range col {
			col[i] = 0
		}
		col[j] = 1
		require.NoError(t, cn.InvHessMul(inv, col))
		for i := 0; i < q; i++ {
			full.Set(n+p+i, n+p+j, -inv[i]/mu)
		}
	}

	rhs := mat.NewVecDense(dim, nil)
	for i, v := range bx {
		rhs.SetVec(i, v)
	}
	for i, v := range by {
		rhs.SetVec(n+i, v)
	}
	for i, v := range bz {
		rhs.SetVec(n+p+i, v)
	}

	var lu mat.LU
	lu.Factorize(full)
	sol := mat.NewVecDense(dim, nil)
	require.NoError(t, lu.SolveVecTo(sol, false, rhs))

	ux, uy, uz := make([]float64, n), make([]float64, p), make([]float64, q)
	for i := range ux {
		ux[i] = sol.AtVec(i)
	}
	for i := range uy {
		uy[i] = sol.AtVec(n + i)
	}
	for i := range uz {
		uz[i] = sol.AtVec(n + p + i)
	}
	return ux, uy, uz
}

func TestKKTCacheMatchesDenseSolve(t *testing.T) {
	const (
		n, p, q = 3, 1, 3
		mu      = 0.7
	)
	a := mat.NewDense(p, n, []float64{1, 1, 1})
	g := mat.NewDense(q, n, []float64{
		1, 0, 2,
		0, 1, -1,
		1, 1, 0,
	})
	cn := cone.NewProduct(cone.NewNonneg(q))
	cn.LoadPoint([]float64{1, 2, 3})
	require.True(t, cn.CheckFeas())
	require.NoError(t, cn.Ready())

	k := newKKTCache(a, g, cn, n, p, q)
	require.NoError(t, k.factor(mu))

	bx := []float64{1, -2, 0.5}
	by := []float64{1}
	bz := []float64{0.3, -0.7, 2}
	ux, uy, uz := make([]float64, n), make([]float64, p), make([]float64, q)
	require.NoError(t, k.solve(ux, uy, uz, bx, by, bz))

	wx, wy, wz := denseKKTSolve(t, a, g, cn, mu, n, p, q, bx, by, bz)
	for i := range wx {
		require.InDelta(t, wx[i], ux[i], 1e-8, "ux[%d]", i)
	}
	for i := range wy {
		require.InDelta(t, wy[i], uy[i], 1e-8, "uy[%d]", i)
	}
	for i := range wz {
		require.InDelta(t, wz[i], uz[i], 1e-8, "uz[%d]", i)
	}
}

func TestKKTCacheNoEqualities(t *testing.T) {
	const (
		n, q = 2, 2
		mu   = 1.3
	)
	g := mat.NewDense(q, n, []float64{
		-1, 0,
		0, -1,
	})
	cn := cone.NewProduct(cone.NewNonneg(q))
	cn.LoadPoint([]float64{0.5, 4})
	require.True(t, cn.CheckFeas())
	require.NoError(t, cn.Ready())

	k := newKKTCache(nil, g, cn, n, 0, q)
	require.NoError(t, k.factor(mu))

	bx := []float64{2, -1}
	bz := []float64{0.1, 0.9}
	ux, uz := make([]float64, n), make([]float64, q)
	require.NoError(t, k.solve(ux, nil, uz, bx, nil, bz))

	// with 𝐆 = -𝐈 the system reduces to 𝛍𝐇(ux+bz) = -bx... solved by hand:
	// row1: -uz = bx ; row3: -ux - (𝛍𝐇)⁻¹uz = bz
	s := []float64{0.5, 4}
	for i := range ux {
		wantZ := -bx[i]
		wantX := -bz[i] - wantZ*s[i]*s[i]/mu
		require.InDelta(t, wantZ, uz[i], 1e-10, "uz[%d]", i)
		require.InDelta(t, wantX, ux[i], 1e-10, "ux[%d]", i)
	}
}

func TestKKTCacheFullRowRankSquare(t *testing.T) {
	// p = n: the null space is empty, ux comes from the range space alone
	const (
		n, p, q = 2, 2, 2
		mu      = 0.5
	)
	a := mat.NewDense(p, n, []float64{
		2, 1,
		0, 1,
	})
	g := mat.NewDense(q, n, []float64{
		1, 0,
		0, 1,
	})
	cn := cone.NewProduct(cone.NewNonneg(q))
	cn.LoadPoint([]float64{1, 1})
	require.True(t, cn.CheckFeas())
	require.NoError(t, cn.Ready())

	k := newKKTCache(a, g, cn, n, p, q)
	require.NoError(t, k.factor(mu))

	bx := []float64{1, 1}
	by := []float64{3, 1} // A·ux = by → ux = (1,1)
	bz := []float64{0, 0}
	ux, uy, uz := make([]float64, n), make([]float64, p), make([]float64, q)
	require.NoError(t, k.solve(ux, uy, uz, bx, by, bz))

	wx, wy, wz := denseKKTSolve(t, a, g, cn, mu, n, p, q, bx, by, bz)
	for i := range wx {
		require.InDelta(t, wx[i], ux[i], 1e-10, "ux[%d]", i)
		require.InDelta(t, wy[i], uy[i], 1e-10, "uy[%d]", i)
		require.InDelta(t, wz[i], uz[i], 1e-10, "uz[%d]", i)
	}
}
