// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cone

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	rt2  = math.Sqrt2
	rt2i = 1 / math.Sqrt2
)

// WSOSMat is the weighted-sum-of-squares cone for R×R polynomial matrices:
// it certifies that the matrix interpolated from the loaded coefficients is
// positive semidefinite over the domain described by the basis matrices Pₖ.
//
// The point is the symmetric vectorization of the polynomial matrix at the
// U nodes, laid out row-pair major with the √2 off-diagonal convention:
//
//	x[idx(i,j,u)] , i ≥ j , idx(i,j,u) = (i(i+1)/2 + j)·U + u
//
// Feasibility builds, one R×R block of blocks at a time, the blocked Gram
//
//	𝚲ₖ[iL:,jL:] = Pₖᵀ·diag(mᵢⱼ)·Pₖ ,  mᵢⱼ(u) = x[idx(i,j,u)]·(i=j ? 1 : 1/√2)
//
// of size R·Lₖ and Cholesky-factors it, failing closed on the first
// non-positive-definite block. With 𝐒ₖ = (I⊗Pₖ)𝚲ₖ⁻¹(I⊗Pₖᵀ) the gradient is
// the negated block-diagonal extraction of 𝐒ₖ (off-diagonal entries scaled
// by √2), the Hessian accumulates products of R×R index pairs with the same
// convention plus a cross term when both pairs are off-diagonal, and the
// correction term applies the gradient extraction to 𝐒ₖÛ𝐒ₖÛ𝐒ₖ, where Û is
// the node-diagonal representation of the proposed step.
type WSOSMat struct {
	u, r int
	dim  int
	nu   float64

	state    phase
	factored bool

	point []float64
	grad  []float64
	hess  *mat.SymDense

	blocks []wsosMatBlock
	order  []int
	cost   []float64

	chol   mat.Cholesky
	lu     mat.LU
	cholOK bool
	luRaw  *mat.Dense
	vecTmp *mat.VecDense
	vecDst *mat.VecDense
}

type wsosMatBlock struct {
	p     *mat.Dense // U×L basis
	pt    *mat.Dense // L×U
	pBig  *mat.Dense // RU×RL : I⊗P
	ptBig *mat.Dense // RL×RU : I⊗Pᵀ

	scaled  *mat.Dense // U×L : diag(m)·P scratch
	blk     *mat.Dense // L×L : Pᵀdiag(m)P scratch
	gramSym *mat.SymDense
	chol    mat.Cholesky
	sol     *mat.Dense // RL×RU : 𝚲⁻¹(I⊗Pᵀ)
	s       *mat.Dense // RU×RU : (I⊗P)𝚲⁻¹(I⊗Pᵀ)
	uhat    *mat.Dense // RU×RU : node-diagonal step
	su      *mat.Dense // RU×RU : 𝐒Û
	susu    *mat.Dense // RU×RU : 𝐒Û𝐒Û
	x3      *mat.Dense // RU×RU : 𝐒Û𝐒Û𝐒
}

// NewWSOSMat creates a matrix WSOS cone with block size r over U nodes.
func NewWSOSMat(u, r int, ps []*mat.Dense) (*WSOSMat, error) {
	if u <= 0 || r < 1 || len(ps) == 0 {
		return nil, errors.New("cone: wsos matrix cone requires u > 0, r ≥ 1 and at least one basis matrix")
	}
	dim := u * r * (r + 1) / 2
	c := &WSOSMat{
		u: u, r: r, dim: dim,
		grad:   make([]float64, dim),
		hess:   mat.NewSymDense(dim, nil),
		blocks: make([]wsosMatBlock, len(ps)),
		order:  make([]int, len(ps)),
		cost:   make([]float64, len(ps)),
		luRaw:  mat.NewDense(dim, dim, nil),
		vecTmp: mat.NewVecDense(dim, nil),
		vecDst: mat.NewVecDense(dim, nil),
	}
	for k, p := range ps {
		rows, l := p.Dims()
		if rows != u || l < 1 || l > u {
			return nil, errors.New("cone: wsos basis matrix must be u×l with 1 ≤ l ≤ u")
		}
		pt := mat.NewDense(l, u, nil)
		pt.Copy(p.T())
		pBig := mat.NewDense(r*u, r*l, nil)
		ptBig := mat.NewDense(r*l, r*u, nil)
		for i := 0; i < r; i++ {
			pBig.Slice(i*u, (i+1)*u, i*l, (i+1)*l).(*mat.Dense).Copy(p)
			ptBig.Slice(i*l, (i+1)*l, i*u, (i+1)*u).(*mat.Dense).Copy(pt)
		}
		c.blocks[k] = wsosMatBlock{
			p: p, pt: pt, pBig: pBig, ptBig: ptBig,
			scaled:  mat.NewDense(u, l, nil),
			blk:     mat.NewDense(l, l, nil),
			gramSym: mat.NewSymDense(r*l, nil),
			sol:     mat.NewDense(r*l, r*u, nil),
			s:       mat.NewDense(r*u, r*u, nil),
			uhat:    mat.NewDense(r*u, r*u, nil),
			su:      mat.NewDense(r*u, r*u, nil),
			susu:    mat.NewDense(r*u, r*u, nil),
			x3:      mat.NewDense(r*u, r*u, nil),
		}
		c.order[k] = k
		c.nu += float64(r * l)
	}
	return c, nil
}

// idx maps the (i,j,u) svec coordinate, i ≥ j, to the flat index.
func (c *WSOSMat) idx(i, j, u int) int { return (i*(i+1)/2+j)*c.u + u }

// Dim returns U·R(R+1)/2.
func (c *WSOSMat) Dim() int { return c.dim }

// Nu returns the barrier parameter ν = ∑ₖ R·Lₖ.
func (c *WSOSMat) Nu() float64 { return c.nu }

// LoadPoint binds x and resets the phase machine.
func (c *WSOSMat) LoadPoint(x []float64) {
	c.point = x
	c.state = phaseLoaded
	c.factored = false
}

// CheckFeas factors every blocked Gram matrix, cheapest-first by the running
// cost estimate, failing closed on the first non-positive-definite block.
func (c *WSOSMat) CheckFeas() bool {
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

func (c *WSOSMat) factorGram(b *wsosMatBlock) bool {
	_, l := b.p.Dims()
	for i := 0; i < c.r; i++ {
		for j := 0; j <= i; j++ {
			scale := 1.0
			if i != j {
				scale = rt2i
			}
			for u := 0; u < c.u; u++ {
				w := scale * c.point[c.idx(i, j, u)]
				for col := 0; col < l; col++ {
					b.scaled.Set(u, col, w*b.p.At(u, col))
				}
			}
			b.blk.Mul(b.pt, b.scaled)
			if i == j {
				for r := 0; r < l; r++ {
					for s := r; s < l; s++ {
						b.gramSym.SetSym(i*l+r, i*l+s, b.blk.At(r, s))
					}
				}
			} else {
				for r := 0; r < l; r++ {
					for s := 0; s < l; s++ {
						b.gramSym.SetSym(j*l+r, i*l+s, b.blk.At(r, s))
					}
				}
			}
		}
	}
	return b.chol.Factorize(b.gramSym)
}

// Grad extracts the negated block diagonal of 𝐒ₖ with the √2 convention.
func (c *WSOSMat) Grad() ([]float64, error) {
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
		if err := b.chol.SolveTo(b.sol, b.ptBig); err != nil {
			return nil, err
		}
		b.s.Mul(b.pBig, b.sol)
		c.extract(b.s, c.grad, -1)
	}
	c.state = phaseGrad
	return c.grad, nil
}

// extract accumulates sign·X[(i,u),(j,u)] (×√2 off diagonal) into dst.
func (c *WSOSMat) extract(x *mat.Dense, dst []float64, sign float64) {
	for i := 0; i < c.r; i++ {
		for j := 0; j <= i; j++ {
			scale := sign
			if i != j {
				scale *= rt2
			}
			for u := 0; u < c.u; u++ {
				dst[c.idx(i, j, u)] += scale * x.At(i*c.u+u, j*c.u+u)
			}
		}
	}
}

// Hess accumulates the structured products of 𝐒ₖ entries.
func (c *WSOSMat) Hess() (*mat.SymDense, error) {
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
		s := c.blocks[k].s
		for i := 0; i < c.r; i++ {
			for j := 0; j <= i; j++ {
				for i2 := 0; i2 < c.r; i2++ {
					for j2 := 0; j2 <= i2; j2++ {
						for u := 0; u < c.u; u++ {
							for u2 := 0; u2 < c.u; u2++ {
								a, bb := c.idx(i, j, u), c.idx(i2, j2, u2)
								if bb < a {
									continue
								}
								var v float64
								switch {
								case i == j && i2 == j2:
									v = sq(s.At(i*c.u+u, i2*c.u+u2))
								case i == j:
									v = rt2 * s.At(i*c.u+u, i2*c.u+u2) * s.At(i*c.u+u, j2*c.u+u2)
								case i2 == j2:
									v = rt2 * s.At(i2*c.u+u2, i*c.u+u) * s.At(i2*c.u+u2, j*c.u+u)
								default:
									v = s.At(i*c.u+u, i2*c.u+u2)*s.At(j*c.u+u, j2*c.u+u2) +
										s.At(i*c.u+u, j2*c.u+u2)*s.At(j*c.u+u, i2*c.u+u2)
								}
								c.hess.SetSym(a, bb, c.hess.At(a, bb)+v)
							}
						}
					}
				}
			}
		}
	}
	c.state = phaseHess
	return c.hess, nil
}

func sq(v float64) float64 { return v * v }

// HessMul computes dst = 𝜵²𝑭·x.
func (c *WSOSMat) HessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("HessMul", phaseHess, c.state)
	}
	copy(c.vecTmp.RawVector().Data, x)
	c.vecDst.MulVec(c.hess, c.vecTmp)
	copy(dst, c.vecDst.RawVector().Data)
	return nil
}

// InvHessMul computes dst = (𝜵²𝑭)⁻¹·x via the cached factorization.
func (c *WSOSMat) InvHessMul(dst, x []float64) error {
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

// InteriorDir writes the svec of the constant identity polynomial matrix.
func (c *WSOSMat) InteriorDir(dst []float64) {
	for i := range dst[:c.dim] {
		dst[i] = 0
	}
	for i := 0; i < c.r; i++ {
		for u := 0; u < c.u; u++ {
			dst[c.idx(i, i, u)] = 1
		}
	}
}

// Correction extracts the block diagonal of 𝐒ₖÛ𝐒ₖÛ𝐒ₖ the same way the
// gradient extracts 𝐒ₖ, with positive sign.
func (c *WSOSMat) Correction(dst, dir []float64) error {
	if c.state < phaseGrad {
		return phaseErr("Correction", phaseGrad, c.state)
	}
	for i := range dst[:c.dim] {
		dst[i] = 0
	}
	for k := range c.blocks {
		b := &c.blocks[k]
		b.uhat.Zero()
		for i := 0; i < c.r; i++ {
			for j := 0; j <= i; j++ {
				scale := 1.0
				if i != j {
					scale = rt2i
				}
				for u := 0; u < c.u; u++ {
					m := scale * dir[c.idx(i, j, u)]
					b.uhat.Set(i*c.u+u, j*c.u+u, m)
					b.uhat.Set(j*c.u+u, i*c.u+u, m)
				}
			}
		}
		b.su.Mul(b.s, b.uhat)
		b.susu.Mul(b.su, b.su)
		b.x3.Mul(b.susu, b.s)
		c.extract(b.x3, dst, 1)
	}
	return nil
}
