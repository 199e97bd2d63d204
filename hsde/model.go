// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hsde

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/conic/cone"
)

// Termination specifies the stopping criteria for the solve loop.
type Termination struct {
	// The iteration stop when the number of iterations exceeds the limit.
	MaxIterations int
	// The solve stops at Optimal when the relative gap is below TolRelOpt.
	TolRelOpt float64
	// The solve stops at Optimal when the absolute gap is below TolAbsOpt.
	TolAbsOpt float64
	// Residual tolerance for feasibility, infeasibility certificates and
	// ill-posedness detection.
	TolFeas float64
}

// Stepping specifies the predictor-corrector step policy.
type Stepping struct {
	// Multiplicative backoff/expansion factor of the predictor line search.
	PredLSMulti float64
	// Minimum allowed predictor step; undershooting it is PredictorFail.
	AlphaPredThres float64
	// FixedPredStep disables the predictor line search and always takes
	// the fixed safe step derived from the neighborhood constants.
	FixedPredStep bool
	// Maximum corrector rounds per iteration.
	MaxCorrSteps int
	// Maximum backoff steps of one corrector line search.
	MaxCorrLSIters int
	// Multiplicative backoff factor of the corrector line search.
	CorrLSMulti float64
	// NoCorrCheck skips the eta-neighborhood test before the last
	// corrector round (the test at the round cap always runs).
	NoCorrCheck bool
}

// Problem specifies the conic problem
//
//	minimize 𝐜ᵀ𝐱 subject to 𝐀𝐱 = 𝐛, 𝐆𝐱 + 𝐬 = 𝐡, 𝐬 ∈ 𝒦
//
// where 𝒦 is the product of the listed cone blocks. At least one cone
// block is required (q ≥ 1): without a barrier 𝛍 is undefined and the
// embedding degenerates, so equality-only models are rejected by New.
type Problem struct {
	C []float64  // cost vector, length n
	A *mat.Dense // equality matrix p×n, nil when p = 0
	B []float64  // equality rhs, length p
	G *mat.Dense // conic matrix q×n
	H []float64  // conic rhs, length q

	Cones []cone.Cone // ordered cone blocks, total dimension q

	Stop Termination // stop condition
	Step Stepping    // step policy

	// CheckRank additionally verifies rank(𝐀) = p and rank([𝐀;𝐆]) = n.
	CheckRank bool

	// Logger receives per-iteration progress records. Nil disables logging.
	Logger *slog.Logger
}

type solveSpec struct {
	n, p, q int
	c, b, h []float64
	a, g    *mat.Dense
	cone    *cone.Product

	bnu          float64
	beta, eta    float64
	alphaPredFix float64

	// residual normalizers max(1,‖·‖₂) of the problem data
	cNorm, bNorm, hNorm float64

	stop   Termination
	step   Stepping
	logger *slog.Logger
}

// New validates the problem data and creates a solver for it.
// On any validation failure the returned error wraps ErrValidation and no
// solver is created.
func (p *Problem) New() (*Solver, error) {

	stop, step := p.Stop, p.Step
	if stop.MaxIterations == 0 {
		stop.MaxIterations = 100
	}
	if stop.TolRelOpt == 0 {
		stop.TolRelOpt = 1e-6
	}
	if stop.TolAbsOpt == 0 {
		stop.TolAbsOpt = 1e-7
	}
	if stop.TolFeas == 0 {
		stop.TolFeas = 1e-7
	}
	if step.PredLSMulti == 0 {
		step.PredLSMulti = 0.7
	}
	if step.AlphaPredThres == 0 {
		step.AlphaPredThres = 1e-7
	}
	if step.MaxCorrSteps == 0 {
		step.MaxCorrSteps = 4
	}
	if step.MaxCorrLSIters == 0 {
		step.MaxCorrLSIters = 8
	}
	if step.CorrLSMulti == 0 {
		step.CorrLSMulti = 0.5
	}

	n := len(p.C)
	pr, q := 0, 0
	an, gn := n, n
	if p.A != nil {
		pr, an = p.A.Dims()
	}
	if p.G != nil {
		q, gn = p.G.Dims()
	}
	coneDim := 0
	for _, c := range p.Cones {
		coneDim += c.Dim()
	}

	var err error
	switch {
	case n <= 0:
		err = fmt.Errorf("%w: dimension n must be greater than 0", ErrValidation)
	case an != n || gn != n:
		err = fmt.Errorf("%w: A and G must have n columns", ErrValidation)
	case len(p.B) != pr:
		err = fmt.Errorf("%w: b length must equal rows of A", ErrValidation)
	case len(p.H) != q:
		err = fmt.Errorf("%w: h length must equal rows of G", ErrValidation)
	case coneDim != q:
		err = fmt.Errorf("%w: cone dimension must equal rows of G", ErrValidation)
	case q == 0:
		err = fmt.Errorf("%w: cone dimension must be greater than 0", ErrValidation)
	case stop.MaxIterations < 1:
		err = fmt.Errorf("%w: max iterations must be greater than 0", ErrValidation)
	case stop.TolRelOpt < 0 || stop.TolAbsOpt < 0 || stop.TolFeas <= 0:
		err = fmt.Errorf("%w: tolerances must not be negative", ErrValidation)
	case step.PredLSMulti <= 0 || step.PredLSMulti >= 1:
		err = fmt.Errorf("%w: predictor step multiplier must be in (0,1)", ErrValidation)
	case step.CorrLSMulti <= 0 || step.CorrLSMulti >= 1:
		err = fmt.Errorf("%w: corrector step multiplier must be in (0,1)", ErrValidation)
	case step.MaxCorrSteps < 1 || step.MaxCorrLSIters < 1:
		err = fmt.Errorf("%w: corrector budgets must be greater than 0", ErrValidation)
	}
	if err != nil {
		return nil, err
	}

	if p.CheckRank {
		if pr > 0 && matRank(p.A) != pr {
			return nil, fmt.Errorf("%w: A has linearly dependent rows", ErrValidation)
		}
		stacked := mat.NewDense(pr+q, n, nil)
		if pr > 0 {
			stacked.Slice(0, pr, 0, n).(*mat.Dense).Copy(p.A)
		}
		if q > 0 {
			stacked.Slice(pr, pr+q, 0, n).(*mat.Dense).Copy(p.G)
		}
		if matRank(stacked) != n {
			return nil, fmt.Errorf("%w: [A;G] is column rank deficient", ErrValidation)
		}
	}

	prod := cone.NewProduct(p.Cones...)
	bnu := one + prod.Nu()
	beta, eta, cPredFix := betaEta(step.MaxCorrSteps, bnu)

	s := &Solver{
		solveSpec: solveSpec{
			n: n, p: pr, q: q,
			c: p.C, b: p.B, h: p.H,
			a: p.A, g: p.G,
			cone:         prod,
			bnu:          bnu,
			beta:         beta,
			eta:          eta,
			alphaPredFix: cPredFix / (eta + math.Sqrt(two*eta*eta+bnu)),
			cNorm:        math.Max(one, floats.Norm(p.C, 2)),
			bNorm:        math.Max(one, floats.Norm(p.B, 2)),
			hNorm:        math.Max(one, floats.Norm(p.H, 2)),
			stop:         stop,
			step:         step,
			logger:       p.Logger,
		},
		status: Loaded,
	}
	return s, nil
}

// matRank counts singular values above the spectral rounding threshold.
func matRank(a *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0
	}
	sv := svd.Values(nil)
	r, c := a.Dims()
	if len(sv) == 0 {
		return 0
	}
	tol := float64(max(r, c)) * sv[0] * 2.220446049250313e-16
	rank := 0
	for _, v := range sv {
		if v > tol {
			rank++
		}
	}
	return rank
}

// Solver holds the validated problem and its terminal state.
type Solver struct {
	solveSpec
	status Status
}

// Status returns the lifecycle state: Loaded before the first Solve and the
// terminal state of the last Solve afterwards.
func (s *Solver) Status() Status { return s.status }

// Workspace contains the KKT cache and every loop buffer.
// All scratch is allocated once here and overwritten in place each
// iteration; separate workspaces must be used for concurrent solves of the
// same problem.
type Workspace struct {
	n, p, q int
	kkt     *kktCache
	iterCtx
}

type iterCtx struct {
	// iterate
	tx, ty, tz, ts []float64
	tau, kap, mu   float64

	// direction
	dtx, dty, dtz, dts []float64
	dtau, dkap         float64

	// two-solve buffers for the reduced system
	x1, y1, z1 []float64
	x2, y2, z2 []float64

	// direction rhs
	rhsX, rhsY, rhsZ, rhsTs []float64

	// trial point of the line searches
	trTx, trTy, trTz, trTs []float64
	trTau, trKap, trMu     float64

	// residuals and neighborhood scratch
	resX, resY, resZ []float64
	nbV, nbW         []float64
	corr             []float64

	alphaPred float64
	iter      int
}

// Init allocates the workspace: the QR-derived KKT cache plus all loop
// scratch, sized once by (n,p,q).
func (s *Solver) Init() *Workspace {
	w := &Workspace{n: s.n, p: s.p, q: s.q}
	w.kkt = newKKTCache(s.a, s.g, s.cone, s.n, s.p, s.q)

	n, p, q := s.n, s.p, s.q
	vec := func(d int) []float64 { return make([]float64, d) }
	w.tx, w.ty, w.tz, w.ts = vec(n), vec(p), vec(q), vec(q)
	w.dtx, w.dty, w.dtz, w.dts = vec(n), vec(p), vec(q), vec(q)
	w.x1, w.y1, w.z1 = vec(n), vec(p), vec(q)
	w.x2, w.y2, w.z2 = vec(n), vec(p), vec(q)
	w.rhsX, w.rhsY, w.rhsZ, w.rhsTs = vec(n), vec(p), vec(q), vec(q)
	w.trTx, w.trTy, w.trTz, w.trTs = vec(n), vec(p), vec(q), vec(q)
	w.resX, w.resY, w.resZ = vec(n), vec(p), vec(q)
	w.nbV, w.nbW = vec(q), vec(q)
	w.corr = vec(q)
	return w
}

// Result contains the terminal state of one solve.
// The unscaled outputs follow the embedding fill rules: Optimal divides the
// iterate by 𝛕; an infeasibility certificate fills its own side with the
// rescaled ray and the opposite side with NaN; IllPosed fills everything
// with NaN.
type Result struct {
	Status    Status
	SolveTime time.Duration
	NumIter   int

	X, S, Y, Z []float64

	Tau, Kappa, Mu float64

	PrimalObj float64 // 𝐜·𝐱
	DualObj   float64 // -𝐛·𝐲 - 𝐡·𝐳
}
