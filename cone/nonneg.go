// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cone

import (
	"gonum.org/v1/gonum/mat"
)

// Nonneg is the nonnegative orthant {x ∈ ℝᵈ : x ≥ 0} with the standard
// logarithmic barrier 𝑭(x) = -∑ log xᵢ and ν = d.
// The Hessian is diagonal, so every oracle is closed form.
type Nonneg struct {
	dim   int
	state phase

	point []float64
	grad  []float64
	hess  *mat.SymDense
}

// NewNonneg creates a nonnegative orthant of the given dimension.
func NewNonneg(dim int) *Nonneg {
	return &Nonneg{
		dim:  dim,
		grad: make([]float64, dim),
		hess: mat.NewSymDense(dim, nil),
	}
}

// Dim returns the cone dimension.
func (c *Nonneg) Dim() int { return c.dim }

// Nu returns the barrier parameter ν = dim.
func (c *Nonneg) Nu() float64 { return float64(c.dim) }

// LoadPoint binds x and resets the phase machine.
func (c *Nonneg) LoadPoint(x []float64) {
	c.point = x
	c.state = phaseLoaded
}

// CheckFeas reports whether every coordinate is strictly positive.
func (c *Nonneg) CheckFeas() bool {
	if c.state != phaseLoaded {
		return false
	}
	for _, v := range c.point {
		if v <= 0 {
			c.state = phaseInfeas
			return false
		}
	}
	c.state = phaseFeas
	return true
}

// Grad returns 𝜵𝑭ᵢ = -1/xᵢ.
func (c *Nonneg) Grad() ([]float64, error) {
	if c.state == phaseGrad || c.state == phaseHess {
		return c.grad, nil
	}
	if c.state != phaseFeas {
		return nil, phaseErr("Grad", phaseFeas, c.state)
	}
	for i, v := range c.point {
		c.grad[i] = -1 / v
	}
	c.state = phaseGrad
	return c.grad, nil
}

// Hess returns the diagonal Hessian 𝜵²𝑭ᵢᵢ = 1/xᵢ².
func (c *Nonneg) Hess() (*mat.SymDense, error) {
	if c.state == phaseHess {
		return c.hess, nil
	}
	if c.state != phaseGrad {
		if _, err := c.Grad(); err != nil {
			return nil, err
		}
	}
	for i := range c.point {
		g := c.grad[i]
		c.hess.SetSym(i, i, g*g)
	}
	c.state = phaseHess
	return c.hess, nil
}

// HessMul computes dst = x/point².
func (c *Nonneg) HessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("HessMul", phaseHess, c.state)
	}
	for i, v := range c.point {
		dst[i] = x[i] / (v * v)
	}
	return nil
}

// InvHessMul computes dst = x·point².
func (c *Nonneg) InvHessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("InvHessMul", phaseHess, c.state)
	}
	for i, v := range c.point {
		dst[i] = x[i] * v * v
	}
	return nil
}

// InteriorDir writes the all-ones direction.
func (c *Nonneg) InteriorDir(dst []float64) {
	for i := range dst[:c.dim] {
		dst[i] = 1
	}
}

// Correction computes dstᵢ = dirᵢ²/xᵢ³, i.e. -½𝜵³𝑭[dir,dir].
func (c *Nonneg) Correction(dst, dir []float64) error {
	if c.state < phaseGrad {
		return phaseErr("Correction", phaseGrad, c.state)
	}
	for i, v := range c.point {
		d := dir[i] / v
		dst[i] = d * d / v
	}
	return nil
}
