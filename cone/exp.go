// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cone

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const expFeasEps = 1e-12

// Exp is the exponential cone
//
//	𝒦 = cl{(x,y,z) : z ≥ y·exp(x/y), y > 0}
//
// with the barrier 𝑭(x,y,z) = -log(y·log(z/y) - x) - log y - log z and ν = 3.
//
// Writing 𝜑 = y·log(z/y) - x, the barrier derivatives are closed form in
// 𝜑 and its own derivatives:
//
//	𝜵𝑭  = -𝜵𝜑/𝜑 + (0, -1/y, -1/z)
//	𝜵²𝑭 = 𝜵𝜑𝜵𝜑ᵀ/𝜑² - 𝜵²𝜑/𝜑 + diag(0, 1/y², 1/z²)
//
// CheckFeas computes gradient and Hessian eagerly and factors the Hessian
// (Cholesky, with a pivoted-LU fallback near the boundary) so the later
// inverse-apply calls reuse the cached factor.
type Exp struct {
	state    phase
	factored bool

	point []float64
	grad  []float64
	hess  *mat.SymDense

	chol    mat.Cholesky
	lu      mat.LU
	cholOK  bool
	vecTmp  *mat.VecDense
	vecDst  *mat.VecDense
	hessRaw *mat.Dense
}

// NewExp creates an exponential cone instance.
func NewExp() *Exp {
	return &Exp{
		grad:    make([]float64, 3),
		hess:    mat.NewSymDense(3, nil),
		vecTmp:  mat.NewVecDense(3, nil),
		vecDst:  mat.NewVecDense(3, nil),
		hessRaw: mat.NewDense(3, 3, nil),
	}
}

// Dim returns 3.
func (c *Exp) Dim() int { return 3 }

// Nu returns the barrier parameter ν = 3.
func (c *Exp) Nu() float64 { return 3 }

// LoadPoint binds x and resets the phase machine.
func (c *Exp) LoadPoint(x []float64) {
	c.point = x
	c.state = phaseLoaded
	c.factored = false
}

// CheckFeas rejects y ≤ ε, z ≤ ε and 𝜑 = y·log(z/y) - x ≤ 0; on success it
// fills gradient and Hessian in closed form.
func (c *Exp) CheckFeas() bool {
	if c.state != phaseLoaded {
		return false
	}
	x, y, z := c.point[0], c.point[1], c.point[2]
	if y <= expFeasEps || z <= expFeasEps {
		c.state = phaseInfeas
		return false
	}
	lr := math.Log(z / y)
	phi := y*lr - x
	if phi <= 0 {
		c.state = phaseInfeas
		return false
	}

	// gradient
	c.grad[0] = 1 / phi
	c.grad[1] = -(lr-1)/phi - 1/y
	c.grad[2] = -y/(z*phi) - 1/z

	// Hessian from 𝜵𝜑 = (-1, log(z/y)-1, y/z) and
	// 𝜵²𝜑 with entries 𝜑yy = -1/y, 𝜑yz = 1/z, 𝜑zz = -y/z².
	py, pz := lr-1, y/z
	p2 := phi * phi
	c.hess.SetSym(0, 0, 1/p2)
	c.hess.SetSym(0, 1, -py/p2)
	c.hess.SetSym(0, 2, -pz/p2)
	c.hess.SetSym(1, 1, py*py/p2+1/(y*phi)+1/(y*y))
	c.hess.SetSym(1, 2, py*pz/p2-1/(z*phi))
	c.hess.SetSym(2, 2, pz*pz/p2+y/(z*z*phi)+1/(z*z))

	c.state = phaseHess
	return true
}

// Grad returns the cached closed-form gradient.
func (c *Exp) Grad() ([]float64, error) {
	if c.state != phaseHess {
		return nil, phaseErr("Grad", phaseFeas, c.state)
	}
	return c.grad, nil
}

// Hess returns the cached closed-form Hessian.
func (c *Exp) Hess() (*mat.SymDense, error) {
	if c.state != phaseHess {
		return nil, phaseErr("Hess", phaseGrad, c.state)
	}
	return c.hess, nil
}

// HessMul computes dst = 𝜵²𝑭·x.
func (c *Exp) HessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("HessMul", phaseHess, c.state)
	}
	for i := 0; i < 3; i++ {
		dst[i] = c.hess.At(i, 0)*x[0] + c.hess.At(i, 1)*x[1] + c.hess.At(i, 2)*x[2]
	}
	return nil
}

func (c *Exp) factorize() {
	c.cholOK = c.chol.Factorize(c.hess)
	if !c.cholOK {
		// The barrier Hessian is positive definite on the interior, but
		// Cholesky can break down next to the boundary.
		c.hessRaw.Copy(c.hess)
		c.lu.Factorize(c.hessRaw)
	}
	c.factored = true
}

// InvHessMul computes dst = (𝜵²𝑭)⁻¹·x via the cached factorization.
func (c *Exp) InvHessMul(dst, x []float64) error {
	if c.state != phaseHess {
		return phaseErr("InvHessMul", phaseHess, c.state)
	}
	if !c.factored {
		c.factorize()
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

// InteriorDir writes (-1, 1, 2), a direction strictly inside the cone whose
// positive multiples stay inside when added to any candidate.
func (c *Exp) InteriorDir(dst []float64) {
	dst[0], dst[1], dst[2] = -1, 1, 2
}

// Correction computes dst = -½𝜵³𝑭[u,u] from the third derivatives of 𝜑
// plus the -log y - log z diagonal terms.
func (c *Exp) Correction(dst, dir []float64) error {
	if c.state != phaseHess {
		return phaseErr("Correction", phaseGrad, c.state)
	}
	x, y, z := c.point[0], c.point[1], c.point[2]
	ux, uy, uz := dir[0], dir[1], dir[2]
	lr := math.Log(z / y)
	phi := y*lr - x

	// 𝜑 directional quantities
	a := -ux + (lr-1)*uy + (y/z)*uz  // 𝜵𝜑·u
	by := -uy/y + uz/z               // (𝜵²𝜑·u)_y
	bz := uy/z - y*uz/(z*z)          // (𝜵²𝜑·u)_z
	cc := uy*by + uz*bz              // uᵀ𝜵²𝜑u
	t3y := uy*uy/(y*y) - uz*uz/(z*z) // 𝜵³𝜑[u,u]_y
	t3z := -2*uy*uz/(z*z) + 2*y*uz*uz/(z*z*z)

	px, py, pz := -1.0, lr-1, y/z
	p2, p3 := phi*phi, phi*phi*phi

	vx := cc*px/p2 - 2*a*a*px/p3
	vy := -t3y/phi + (cc*py+2*a*by)/p2 - 2*a*a*py/p3 - 2*uy*uy/(y*y*y)
	vz := -t3z/phi + (cc*pz+2*a*bz)/p2 - 2*a*a*pz/p3 - 2*uz*uz/(z*z*z)

	dst[0], dst[1], dst[2] = -vx/2, -vy/2, -vz/2
	return nil
}
