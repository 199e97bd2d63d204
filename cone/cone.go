// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cone defines the numerical contract a convex cone must satisfy to
// be driven by the interior-point loop, together with the concrete variants:
// the nonnegative orthant, the exponential cone and the weighted-sum-of-squares
// (WSOS) cones for scalar polynomials and polynomial matrices.
//
// Every cone owns a self-concordant barrier 𝑭 with complexity parameter ν and
// exposes the barrier oracles the loop consumes:
//   - interior membership of a loaded point (with cached factorizations)
//   - gradient 𝜵𝑭 and Hessian 𝜵²𝑭 at the point
//   - Hessian and inverse-Hessian actions via the cached factors
//   - the third-order term -½𝜵³𝑭[𝐝,𝐝] used by the corrector phase
//
// A cone instance is a state machine over the loaded point:
//
//	Fresh → (LoadPoint) → Loaded → (CheckFeas fail) → Infeasible
//	                      Loaded → (CheckFeas pass) → Feasible
//	                      Feasible → (Grad) → GradReady → (Hess) → HessReady
//
// LoadPoint resets the machine. Calling an oracle before its predecessor
// phase returns a *PhaseError rather than a wrong answer.
package cone

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type phase int8

const (
	phaseFresh phase = iota
	phaseLoaded
	phaseInfeas
	phaseFeas
	phaseGrad
	phaseHess
)

func (p phase) String() string {
	switch p {
	case phaseFresh:
		return "Fresh"
	case phaseLoaded:
		return "Loaded"
	case phaseInfeas:
		return "Infeasible"
	case phaseFeas:
		return "Feasible"
	case phaseGrad:
		return "GradReady"
	case phaseHess:
		return "HessReady"
	}
	return "Unknown"
}

// PhaseError reports a cone oracle invoked before its required phase.
type PhaseError struct {
	Op   string
	Need string
	Got  string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("cone: %s requires phase %s but cone is %s", e.Op, e.Need, e.Got)
}

func phaseErr(op string, need, got phase) error {
	return &PhaseError{Op: op, Need: need.String(), Got: got.String()}
}

// Cone is the contract every cone variant implements.
// The loop loads trial points, checks interior membership and queries
// barrier derivatives through this surface only.
type Cone interface {
	// Dim returns the dimension of the cone.
	Dim() int
	// Nu returns the barrier complexity parameter ν, constant per instance.
	Nu() float64
	// LoadPoint binds the point buffer to an external vector view and
	// resets the phase machine. The slice is aliased, not copied.
	LoadPoint(x []float64)
	// CheckFeas reports whether the loaded point lies in the cone interior.
	// As a side effect it caches whatever factorization the verdict needs.
	// Callers reload the point before re-checking.
	CheckFeas() bool
	// Grad returns the barrier gradient at the loaded point.
	// The returned slice is owned by the cone and valid until the next load.
	Grad() ([]float64, error)
	// Hess returns the barrier Hessian at the loaded point.
	Hess() (*mat.SymDense, error)
	// HessMul computes dst = 𝜵²𝑭·x using the cached Hessian.
	HessMul(dst, x []float64) error
	// InvHessMul computes dst = (𝜵²𝑭)⁻¹·x, factoring the Hessian on first use.
	InvHessMul(dst, x []float64) error
	// InteriorDir writes a fixed strictly-interior direction into dst.
	InteriorDir(dst []float64)
	// Correction computes dst = -½𝜵³𝑭[dir,dir], the third-order term
	// consumed by the corrector phase.
	Correction(dst, dir []float64) error
}

// Product is the concatenation of an ordered list of cone blocks.
// It satisfies Cone itself: dimensions add, barrier parameters add, and a
// point is interior exactly when every block slice is interior to its block.
type Product struct {
	blocks []Cone
	offs   []int
	dim    int
	nu     float64

	state phase
	grad  []float64
	hess  *mat.SymDense
}

// NewProduct builds a product cone over the given blocks.
func NewProduct(blocks ...Cone) *Product {
	p := &Product{blocks: blocks, offs: make([]int, len(blocks)+1)}
	for i, c := range blocks {
		p.offs[i] = p.dim
		p.dim += c.Dim()
		p.nu += c.Nu()
	}
	p.offs[len(blocks)] = p.dim
	p.grad = make([]float64, p.dim)
	return p
}

// Blocks returns the ordered cone blocks.
func (p *Product) Blocks() []Cone { return p.blocks }

// Dim returns the total dimension q = Σ block dims.
func (p *Product) Dim() int { return p.dim }

// Nu returns the summed barrier parameter.
func (p *Product) Nu() float64 { return p.nu }

func (p *Product) slice(x []float64, i int) []float64 {
	return x[p.offs[i]:p.offs[i+1]]
}

// LoadPoint distributes block views of x and resets all blocks.
func (p *Product) LoadPoint(x []float64) {
	for i, c := range p.blocks {
		c.LoadPoint(p.slice(x, i))
	}
	p.state = phaseLoaded
}

// CheckFeas fails closed: the first infeasible block fails the whole check
// and the remaining blocks are not consulted.
func (p *Product) CheckFeas() bool {
	if p.state != phaseLoaded {
		return false
	}
	for _, c := range p.blocks {
		if !c.CheckFeas() {
			p.state = phaseInfeas
			return false
		}
	}
	p.state = phaseFeas
	return true
}

// Grad concatenates the block gradients into a buffer owned by the product.
func (p *Product) Grad() ([]float64, error) {
	if p.state == phaseGrad || p.state == phaseHess {
		return p.grad, nil
	}
	if p.state != phaseFeas {
		return nil, phaseErr("Grad", phaseFeas, p.state)
	}
	for i, c := range p.blocks {
		g, err := c.Grad()
		if err != nil {
			return nil, err
		}
		copy(p.slice(p.grad, i), g)
	}
	p.state = phaseGrad
	return p.grad, nil
}

// Hess assembles the block-diagonal Hessian. It is only materialized on
// demand; the solve loop itself works through HessMul/InvHessMul.
func (p *Product) Hess() (*mat.SymDense, error) {
	if p.state == phaseHess {
		return p.hess, nil
	}
	if p.state != phaseGrad {
		if _, err := p.Grad(); err != nil {
			return nil, err
		}
	}
	if p.hess == nil {
		p.hess = mat.NewSymDense(p.dim, nil)
	} else {
		p.hess.Zero()
	}
	for i, c := range p.blocks {
		h, err := c.Hess()
		if err != nil {
			return nil, err
		}
		off, d := p.offs[i], c.Dim()
		for r := 0; r < d; r++ {
			for s := r; s < d; s++ {
				p.hess.SetSym(off+r, off+s, h.At(r, s))
			}
		}
	}
	p.state = phaseHess
	return p.hess, nil
}

// Ready computes the gradient and every block Hessian so the Hessian-apply
// operations become available, without assembling the block-diagonal matrix.
func (p *Product) Ready() error {
	if p.state == phaseHess {
		return nil
	}
	if p.state != phaseGrad {
		if _, err := p.Grad(); err != nil {
			return err
		}
	}
	for _, c := range p.blocks {
		if _, err := c.Hess(); err != nil {
			return err
		}
	}
	p.state = phaseHess
	return nil
}

// HessMul applies the block-diagonal Hessian to x.
func (p *Product) HessMul(dst, x []float64) error {
	if p.state != phaseHess {
		return phaseErr("HessMul", phaseHess, p.state)
	}
	for i, c := range p.blocks {
		if err := c.HessMul(p.slice(dst, i), p.slice(x, i)); err != nil {
			return err
		}
	}
	return nil
}

// InvHessMul applies the inverse Hessian to x via the cached block factors.
func (p *Product) InvHessMul(dst, x []float64) error {
	if p.state != phaseHess {
		return phaseErr("InvHessMul", phaseHess, p.state)
	}
	for i, c := range p.blocks {
		if err := c.InvHessMul(p.slice(dst, i), p.slice(x, i)); err != nil {
			return err
		}
	}
	return nil
}

// InteriorDir concatenates the block interior directions.
func (p *Product) InteriorDir(dst []float64) {
	for i, c := range p.blocks {
		c.InteriorDir(p.slice(dst, i))
	}
}

// Correction concatenates the block third-order terms.
func (p *Product) Correction(dst, dir []float64) error {
	if p.state < phaseGrad || p.state == phaseInfeas {
		return phaseErr("Correction", phaseGrad, p.state)
	}
	for i, c := range p.blocks {
		if err := c.Correction(p.slice(dst, i), p.slice(dir, i)); err != nil {
			return err
		}
	}
	return nil
}
