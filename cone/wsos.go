// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cone

import (
	"errors"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ewmaDecay weights the running per-block cost estimate used to order
// feasibility checks. Ordering is a pure heuristic: the verdict is identical
// for every ordering.
const ewmaDecay = 0.7

// WSOS is the weighted-sum-of-squares cone for scalar polynomials: a
// coefficient vector x ∈ ℝᵁ (values at U interpolation nodes) is interior
// when every Gram matrix
//
//	𝚲ₖ = Pₖᵀ·diag(x)·Pₖ  (Lₖ×Lₖ)
//
// built from the fixed interpolation basis matrices Pₖ (U×Lₖ) is positive
// definite. The barrier is 𝑭(x) = -∑ₖ log det 𝚲ₖ(x) with ν = ∑ₖ Lₖ.
//
// With 𝐌ₖ = Pₖ𝚲ₖ⁻¹Pₖᵀ the derivatives are
//
//	𝜵𝑭ᵢ   = -∑ₖ (𝐌ₖ)ᵢᵢ
//	𝜵²𝑭ᵢⱼ =  ∑ₖ (𝐌ₖ)ᵢⱼ²
//
// and the third-order term re-whitens the proposed step 𝐝 through the same
// cached Cholesky factors: -½𝜵³𝑭[𝐝,𝐝]ᵢ = ∑ₖ (𝐌ₖ·diag(𝐝)·𝐌ₖ·diag(𝐝)·𝐌ₖ)ᵢᵢ.
//
// Every intermediate matrix is preallocated per block at construction and
// overwritten in place on each load; nothing is resized while solving.
type WSOS struct {
	dim int
	nu  float64

	state    phase
	factored bool

	point []float64
	grad  []float64
	hess  *mat.SymDense

	blocks []wsosBlock
	order  []int
	cost   []float64

	chol   mat.Cholesky
	lu     mat.LU
	cholOK bool
	luRaw  *mat.Dense
	vecTmp *mat.VecDense
	vecDst *mat.VecDense
}

type wsosBlock struct {
	p  *mat.Dense // U×L basis (caller owned, never written)
	pt *mat.Dense // L×U transpose copy

	scaled  *mat.Dense // U×L : diag(x)·P
	gram    *mat.Dense // L×L : Pᵀdiag(x)P
	gramSym *mat.SymDense
	chol    mat.Cholesky
	sol     *mat.Dense // L×U : 𝚲⁻¹Pᵀ
	m       *mat.Dense // U×U : P𝚲⁻¹Pᵀ
	md      *mat.Dense // U×U : 𝐌·diag(d)
	n       *mat.Dense // U×U : 𝐌·diag(d)·𝐌
}

// NewWSOS creates a scalar WSOS cone over U interpolation nodes with basis
// matrices ps, each U×Lₖ of full column rank with Lₖ ≤ U.
func NewWSOS(u int, ps []*mat.Dense) (*WSOS, error) {
	if u <= 0 || len(ps) == 0 {
		return nil, errors.New("cone: wsos requires u > 0 and at least one basis matrix")
	}
	c := &WSOS{
		dim:    u,
		grad:   make([]float64, u),
		hess:   mat.NewSymDense(u, nil),
		blocks: make([]wsosBlock, len(ps)),
		order:  make([]int, len(ps)),
		cost:   make([]float64, len(ps)),
		luRaw:  mat.NewDense(u, u, nil),
		vecTmp: mat.NewVecDense(u, nil),
		vecDst: mat.NewVecDense(u, nil),
	}
	for k, p := range ps {
		r, l := p.Dims()
		if r != u || l < 1 || l > u {
			return nil, errors.New("cone: wsos basis matrix must be u×l with 1 ≤ l ≤ u")
		}
		pt := mat.NewDense(l, u, nil)
		pt.Copy(p.T())
		c.blocks[k] = wsosBlock{
			p:       p,
			pt:      pt,
			scaled:  mat.NewDense(u, l, nil),
			gram:    mat.NewDense(l, l, nil),
			gramSym: mat.NewSymDense(l, nil),
			sol:     mat.NewDense(l, u, nil),
			m:       mat.NewDense(u, u, nil),
			md:      mat.NewDense(u, u, nil),
			n:       mat.NewDense(u, u, nil),
		}
		c.order[k] = k
		c.nu += float64(l)
	}
	return c, nil
}

// Dim returns the number of interpolation nodes U.
func (c *WSOS) Dim() int { return c.dim }

// Nu returns the barrier parameter ν = ∑ₖ Lₖ.
func (c *WSOS) Nu() float64 { return c.nu }

// LoadPoint binds x and resets the phase machine.
func (c *WSOS) LoadPoint(x []float64) {
	c.point = x
	c.state = phaseLoaded
	c.factored = false
}

// CheckFeas Cholesky-factors every block Gram matrix, visiting blocks in
// ascending order of their running check-cost estimate, and fails closed on
// the first non-positive-definite block.
func (c *WSOS) CheckFeas() bool {
	if c.state != phaseLoaded {
		return false
	}
	ok := true
	for _, k := range c.order {
		start := time.Now()
		ok = c.factorGram(&c.blocks[k])
		c.cost[k] = ewmaDecay*c.cost[k] + (1-ewmaDecay)*float64(time.Since(start))
		if !ok {
			break
		}
	}
	sort.SliceStable(c.order, func(i, j int) bool { return c.cost[c.order[i]] < c.cost[c.order[j]] })
	if !ok {
		c.state = phaseInfeas
		return false
	}
	c.state = phaseFeas
	return true
}

func (c *WSOS) factorGram(b *wsosBlock) bool {
	u, l := c.dim, b.gramSym.SymmetricDim()
	for i := 0; i < u; i++ {
		xi := c.point[i]
		for j := 0; j < l; j++ {
			b.scaled.Set(i, j, xi*b.p.At(i, j))
		}
	}
	b.gram.Mul(b.pt, b.scaled)
	for i := 0; i < l; i++ {
		for j := i; j < l; j++ {
			b.gramSym.SetSym(i, j, b.gram.At(i, j))
		}
	}
	return b.chol.Factorize(b.gramSym)
}

// Grad accumulates -∑ₖ diag(𝐌ₖ), computing and caching 𝐌ₖ = Pₖ𝚲ₖ⁻¹Pₖᵀ.
func (c *WSOS) Grad() ([]float64, error) {
	if c.state == phaseGrad || c.state == phaseHess {
		return c.grad, nil
	}
	if c.state != phaseFeas {
		return nil, phaseErr("Grad", phaseFeas, c.state)
	}
	for i := range c.grad {
		c.grad[i] = 0
	}
	for k := range c.blocks {
		b := &c.blocks[k]
		if err := b.chol.SolveTo(b.sol, b.pt); err != nil {
			return nil, err
		}
		b.m.Mul(b.p, b.sol)
		for i := 0; i < c.dim; i++ {
			c.grad[i] -= b.m.At(i, i)
		}
	}
	c.state = phaseGrad
	return c.grad, nil
}

// Hess accumulates ∑ₖ 𝐌ₖ∘𝐌ₖ over the upper triangle.
func (c *WSOS) Hess() (*mat.SymDense, error) {
	if c.state == phaseHess {
		return c.hess, nil
	}
	if c.state != phaseGrad {
		if _, err := c.Grad(); err != nil {
			return nil, err
		}
	}
	c.hess.Zero()
	for k := range c.blocks {
		b := &c.blocks[k]
		for i := 0; i < c.dim; i++ {
			for j := i; j < c.dim; j++ {
				v := b.m.At(i, j)
				c.hess.SetSym(i, j, c.hess.At(i, j)+v*v)
			}
		}
	}
	c.state = phaseHess
	return c.hess, nil
}

// HessMul computes dst = 𝜵²𝑭·x.
func (c *WSOS) HessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("HessMul", phaseHess, c.state)
	}
	copy(c.vecTmp.RawVector().Data, x)
	c.vecDst.MulVec(c.hess, c.vecTmp)
	copy(dst, c.vecDst.RawVector().Data)
	return nil
}

// InvHessMul computes dst = (𝜵²𝑭)⁻¹·x, factoring the Hessian on first use
// with a pivoted-LU fallback near the boundary.
func (c *WSOS) InvHessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("InvHessMul", phaseHess, c.state)
	}
	if !c.factored {
		c.cholOK = c.chol.Factorize(c.hess)
		if !c.cholOK {
			c.luRaw.Copy(c.hess)
			c.lu.Factorize(c.luRaw)
		}
		c.factored = true
	}
	copy(c.vecTmp.RawVector().Data, x)
	if c.cholOK {
		if err := c.chol.SolveVecTo(c.vecDst, c.vecTmp); err != nil {
			return err
		}
	} else if err := c.lu.SolveVecTo(c.vecDst, false, c.vecTmp); err != nil {
		return err
	}
	copy(dst, c.vecDst.RawVector().Data)
	return nil
}

// InteriorDir writes the all-ones vector: the constant-one polynomial gives
// 𝚲ₖ = PₖᵀPₖ ≻ 0 for full-column-rank bases.
func (c *WSOS) InteriorDir(dst []float64) {
	for i := range dst[:c.dim] {
		dst[i] = 1
	}
}

// Correction computes dstᵢ = ∑ₖ (𝐌ₖ·diag(dir)·𝐌ₖ·diag(dir)·𝐌ₖ)ᵢᵢ.
func (c *WSOS) Correction(dst, dir []float64) error {
	if c.state < phaseGrad {
		return phaseErr("Correction", phaseGrad, c.state)
	}
	for i := range dst[:c.dim] {
		dst[i] = 0
	}
	for k := range c.blocks {
		b := &c.blocks[k]
		for i := 0; i < c.dim; i++ {
			for j := 0; j < c.dim; j++ {
				b.md.Set(i, j, b.m.At(i, j)*dir[j])
			}
		}
		b.n.Mul(b.md, b.m)
		for i := 0; i < c.dim; i++ {
			s := 0.0
			for j := 0; j < c.dim; j++ {
				s += b.n.At(i, j) * b.m.At(i, j) * dir[j]
			}
			dst[i] += s
		}
	}
	return nil
}
