// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hsde

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/conic/cone"
)

// kktCache solves the reduced KKT system
//
//	[ 0   𝐀ᵀ  𝐆ᵀ     ] [ux]   [bx]
//	[ 𝐀   0   0      ] [uy] = [by]
//	[ 𝐆   0  -(𝛍𝐇)⁻¹ ] [uz]   [bz]
//
// by exploiting the one-time thin QR decomposition 𝐀ᵀ = [𝐐₁ 𝐐₂]·[𝐑;0]:
// the range-space part of ux is fixed by 𝐀ux = by, the null-space part
// solves the (n-p)×(n-p) projected matrix 𝐐₂ᵀ𝐆ᵀ(𝛍𝐇)𝐆𝐐₂, and uy comes back
// through 𝐑⁻¹ and the 𝐐₁ contribution. Only the projected matrix is
// factored per iteration; everything else is cached from setup.
//
// When the projected matrix loses positive definiteness the factorization
// falls back to an indefinite-safe pivoted LU; a singular fallback is a
// fatal ErrFactorization, never retried.
type kktCache struct {
	n, p, q int
	cn      *cone.Product
	g       *mat.Dense

	q1, q2 *mat.Dense    // n×p, n×(n-p)
	rinv   *mat.TriDense // p×p upper

	gq2    *mat.Dense // q×(n-p)
	hgq2   *mat.Dense // q×(n-p) : 𝛍𝐇·𝐆𝐐₂
	redRaw *mat.Dense // (n-p)×(n-p)
	red    *mat.SymDense

	chol   mat.Cholesky
	lu     mat.LU
	cholOK bool
	mu     float64

	// preallocated scratch
	colIn, colOut     []float64
	vq, hq            []float64
	xr, vn            []float64
	w1, vp            []float64
	w2, rhs2          []float64
	vqV, hqV          *mat.VecDense
	xrV, vnV          *mat.VecDense
	w1V, vpV          *mat.VecDense
	w2V, rhs2V, tmp2V *mat.VecDense
}

func newKKTCache(a, g *mat.Dense, cn *cone.Product, n, p, q int) *kktCache {
	k := &kktCache{n: n, p: p, q: q, cn: cn, g: g}

	np := n - p
	if p > 0 {
		at := mat.NewDense(n, p, nil)
		at.Copy(a.T())
		var qr mat.QR
		qr.Factorize(at)

		qFull := mat.NewDense(n, n, nil)
		qr.QTo(qFull)
		k.q1 = mat.DenseCopyOf(qFull.Slice(0, n, 0, p))
		if np > 0 {
			k.q2 = mat.DenseCopyOf(qFull.Slice(0, n, p, n))
		}

		rFull := mat.NewDense(n, p, nil)
		qr.RTo(rFull)
		r := mat.NewTriDense(p, mat.Upper, nil)
		for i := 0; i < p; i++ {
			for j := i; j < p; j++ {
				r.SetTri(i, j, rFull.At(i, j))
			}
		}
		k.rinv = mat.NewTriDense(p, mat.Upper, nil)
		if err := k.rinv.InverseTri(r); err != nil {
			// A thin QR of a full-row-rank A cannot yield a singular R;
			// rank deficiency is caught (if requested) at load time.
			panic(fmt.Sprintf("hsde: singular R factor: %v", err))
		}
	} else {
		// no equality constraints: the null space is all of ℝⁿ
		k.q2 = mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			k.q2.Set(i, i, one)
		}
	}

	if np > 0 {
		k.gq2 = mat.NewDense(q, np, nil)
		k.gq2.Mul(g, k.q2)
		k.hgq2 = mat.NewDense(q, np, nil)
		k.redRaw = mat.NewDense(np, np, nil)
		k.red = mat.NewSymDense(np, nil)
		k.w2, k.rhs2 = make([]float64, np), make([]float64, np)
		k.w2V = mat.NewVecDense(np, k.w2)
		k.rhs2V = mat.NewVecDense(np, k.rhs2)
		k.tmp2V = mat.NewVecDense(np, nil)
	}

	k.colIn, k.colOut = make([]float64, q), make([]float64, q)
	k.vq, k.hq = make([]float64, q), make([]float64, q)
	k.xr, k.vn = make([]float64, n), make([]float64, n)
	k.vqV, k.hqV = mat.NewVecDense(q, k.vq), mat.NewVecDense(q, k.hq)
	k.xrV, k.vnV = mat.NewVecDense(n, k.xr), mat.NewVecDense(n, k.vn)
	if p > 0 {
		k.w1, k.vp = make([]float64, p), make([]float64, p)
		k.w1V, k.vpV = mat.NewVecDense(p, k.w1), mat.NewVecDense(p, k.vp)
	}
	return k
}

// factor rebuilds the projected matrix 𝐐₂ᵀ𝐆ᵀ(𝛍𝐇)𝐆𝐐₂ for the current cone
// Hessian and factors it. The cone must be Hessian-ready.
func (k *kktCache) factor(mu float64) error {
	k.mu = mu
	if k.gq2 == nil {
		return nil
	}
	np := k.n - k.p
	for j := 0; j < np; j++ {
		mat.Col(k.colIn, j, k.gq2)
		if err := k.cn.HessMul(k.colOut, k.colIn); err != nil {
			return err
		}
		for i := range k.colOut {
			k.colOut[i] *= mu
		}
		k.hgq2.SetCol(j, k.colOut)
	}
	k.redRaw.Mul(k.gq2.T(), k.hgq2)
	for i := 0; i < np; i++ {
		for j := i; j < np; j++ {
			k.red.SetSym(i, j, k.redRaw.At(i, j))
		}
	}
	k.cholOK = k.chol.Factorize(k.red)
	if !k.cholOK {
		k.lu.Factorize(k.redRaw)
	}
	return nil
}

// solve computes (ux,uy,uz) for the given right-hand side using the current
// factor. Slices must not alias the cache scratch.
func (k *kktCache) solve(ux, uy, uz, bx, by, bz []float64) error {

	// range space: 𝐀ux = by fixes 𝐐₁ᵀux = 𝐑⁻ᵀby
	if k.p > 0 {
		copy(k.vp, by)
		k.w1V.MulVec(k.rinv.T(), k.vpV)
		k.xrV.MulVec(k.q1, k.w1V)
	} else {
		for i := range k.xr {
			k.xr[i] = zero
		}
	}

	// null space: (𝐐₂ᵀ𝐆ᵀ𝛍𝐇𝐆𝐐₂)w₂ = 𝐐₂ᵀbx + 𝐆𝐐₂ᵀ·𝛍𝐇(bz - 𝐆xr)
	copy(ux, k.xr)
	if k.gq2 != nil {
		k.vqV.MulVec(k.g, k.xrV)
		for i := range k.vq {
			k.vq[i] = bz[i] - k.vq[i]
		}
		if err := k.cn.HessMul(k.hq, k.vq); err != nil {
			return err
		}
		for i := range k.hq {
			k.hq[i] *= k.mu
		}
		copy(k.vn, bx)
		k.rhs2V.MulVec(k.q2.T(), k.vnV)
		k.tmp2V.MulVec(k.gq2.T(), k.hqV)
		for i := range k.rhs2 {
			k.rhs2[i] += k.tmp2V.AtVec(i)
		}

		if k.cholOK {
			if err := k.chol.SolveVecTo(k.w2V, k.rhs2V); err != nil {
				return fmt.Errorf("%w: cholesky solve of projected system: %v", ErrFactorization, err)
			}
		} else if err := k.lu.SolveVecTo(k.w2V, false, k.rhs2V); err != nil {
			return fmt.Errorf("%w: projected system is singular: %v", ErrFactorization, err)
		}

		k.vnV.MulVec(k.q2, k.w2V)
		for i := range ux {
			ux[i] += k.vn[i]
		}
	}

	// uz = 𝛍𝐇(𝐆ux - bz)
	copy(k.vn, ux)
	k.vqV.MulVec(k.g, k.vnV)
	for i := range k.vq {
		k.vq[i] -= bz[i]
	}
	if err := k.cn.HessMul(uz, k.vq); err != nil {
		return err
	}
	for i := range uz {
		uz[i] *= k.mu
	}

	// uy = 𝐑⁻¹𝐐₁ᵀ(bx - 𝐆ᵀuz)
	if k.p > 0 {
		copy(k.hq, uz)
		k.vnV.MulVec(k.g.T(), k.hqV)
		for i := range k.vn {
			k.vn[i] = bx[i] - k.vn[i]
		}
		k.vpV.MulVec(k.q1.T(), k.vnV)
		k.w1V.MulVec(k.rinv, k.vpV)
		copy(uy, k.w1)
	}
	return nil
}
