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
)

// Solve runs the predictor-corrector iteration on the homogeneous
// self-dual embedding until one of the terminal statuses is reached.
// The workspace must come from Init of the same solver; a fatal numerical
// failure (singular reduced system, cone contract violation) is returned
// as an error with no result and the solver stays at StartedIterating.
func (s *Solver) Solve(w *Workspace) (*Result, error) {
	start := time.Now()
	if w == nil || w.n != s.n || w.p != s.p || w.q != s.q {
		return nil, fmt.Errorf("%w: workspace does not match problem dimensions", ErrValidation)
	}

	s.status = StartedIterating
	w.iter = 0
	w.alphaPred = s.alphaPredFix
	if err := s.initPoint(w); err != nil {
		return nil, err
	}

	for {
		r := s.residuals(w)
		if s.logger != nil {
			s.logger.Info("iteration",
				slog.Int("iter", w.iter),
				slog.Float64("mu", w.mu),
				slog.Float64("tau", w.tau),
				slog.Float64("kappa", w.kap),
				slog.Float64("resPr", r.y),
				slog.Float64("resDu", r.x),
				slog.Float64("resCone", r.z),
				slog.Float64("gap", r.gap),
				slog.Float64("relGap", r.relGap))
		}

		if st, done := s.terminal(w, r); done {
			return s.finish(w, st, start), nil
		}
		if w.iter >= s.stop.MaxIterations {
			return s.finish(w, IterationLimit, start), nil
		}
		w.iter++

		st, err := s.predictor(w, r)
		if err != nil {
			return nil, err
		}
		if st.Terminal() {
			return s.finish(w, st, start), nil
		}

		if !s.step.NoCorrCheck {
			in, err := s.inNeighborhood(w, s.eta)
			if err != nil {
				return nil, err
			}
			if in {
				continue
			}
		}
		st, err = s.corrector(w)
		if err != nil {
			return nil, err
		}
		if st.Terminal() {
			return s.finish(w, st, start), nil
		}
	}
}

// initPoint seeds the embedding: 𝛕 = 𝛋 = 1, the slack from the interior
// direction projected through one KKT solve (pushed back inside the cone
// along the interior direction if the projection leaves it) and the dual
// slack on the central path, 𝐳 = -𝐠(𝐬).
func (s *Solver) initPoint(w *Workspace) error {
	cn := s.cone
	dir := w.corr
	cn.InteriorDir(dir)
	w.tau, w.kap, w.mu = one, one, one

	cn.LoadPoint(dir)
	if !cn.CheckFeas() {
		return fmt.Errorf("%w: interior direction rejected by its own cone", ErrFactorization)
	}
	if err := cn.Ready(); err != nil {
		return err
	}
	if err := w.kkt.factor(one); err != nil {
		return err
	}
	for i := range w.rhsX {
		w.rhsX[i] = -s.c[i]
	}
	for i := range w.rhsZ {
		w.rhsZ[i] = s.h[i] - dir[i]
	}
	if err := w.kkt.solve(w.tx, w.ty, w.z1, w.rhsX, s.b, w.rhsZ); err != nil {
		return err
	}

	mulVec(w.z2, s.g, w.tx)
	for i := range w.ts {
		w.ts[i] = s.h[i] - w.z2[i]
	}
	cn.LoadPoint(w.ts)
	if !cn.CheckFeas() {
		step, feas := one, false
		for try := 0; try < 40 && !feas; try++ {
			for i := range w.ts {
				w.ts[i] = s.h[i] - w.z2[i] + step*dir[i]
			}
			cn.LoadPoint(w.ts)
			feas = cn.CheckFeas()
			step *= two
		}
		if !feas {
			copy(w.ts, dir)
			cn.LoadPoint(w.ts)
			cn.CheckFeas()
		}
	}
	g, err := cn.Grad()
	if err != nil {
		return err
	}
	for i := range w.tz {
		w.tz[i] = -g[i]
	}
	w.mu = (floats.Dot(w.ts, w.tz) + w.tau*w.kap) / s.bnu
	return nil
}

// residuals holds the iterate quality measures of one iteration.
type residuals struct {
	x, y, z float64 // residual norms over 𝛕·max(1,‖data‖)
	tau     float64 // 𝐜·𝐱 + 𝐛·𝐲 + 𝐡·𝐳 + 𝛋

	gap, relGap  float64
	objPr, objDu float64
	ctx, byhz    float64

	certX, certY, certZ float64 // unscaled certificate norms
}

func (s *Solver) residuals(w *Workspace) residuals {
	var r residuals

	// resX = -𝐀ᵀ𝐲 - 𝐆ᵀ𝐳 - 𝐜𝛕, with 𝐀ᵀ𝐲 + 𝐆ᵀ𝐳 kept as the primal certificate
	mulVecT(w.resX, s.a, w.ty)
	mulVecT(w.x1, s.g, w.tz)
	for i := range w.resX {
		cert := w.resX[i] + w.x1[i]
		w.x1[i] = cert
		w.resX[i] = -cert - s.c[i]*w.tau
	}
	r.certX = floats.Norm(w.x1, 2)
	r.x = floats.Norm(w.resX, 2) / (w.tau * s.cNorm)

	// resY = 𝐀𝐱 - 𝐛𝛕
	mulVec(w.resY, s.a, w.tx)
	r.certY = floats.Norm(w.resY, 2)
	for i := range w.resY {
		w.resY[i] -= s.b[i] * w.tau
	}
	r.y = floats.Norm(w.resY, 2) / (w.tau * s.bNorm)

	// resZ = 𝐆𝐱 + 𝐬 - 𝐡𝛕, with 𝐆𝐱 + 𝐬 kept as the dual certificate
	mulVec(w.resZ, s.g, w.tx)
	for i := range w.resZ {
		w.resZ[i] += w.ts[i]
	}
	r.certZ = floats.Norm(w.resZ, 2)
	for i := range w.resZ {
		w.resZ[i] -= s.h[i] * w.tau
	}
	r.z = floats.Norm(w.resZ, 2) / (w.tau * s.hNorm)

	r.ctx = floats.Dot(s.c, w.tx)
	r.byhz = floats.Dot(s.b, w.ty) + floats.Dot(s.h, w.tz)
	r.tau = r.ctx + r.byhz + w.kap

	r.gap = floats.Dot(w.ts, w.tz) / (w.tau * w.tau)
	r.objPr = r.ctx / w.tau
	r.objDu = -r.byhz / w.tau
	switch {
	case r.objPr < zero:
		r.relGap = r.gap / -r.objPr
	case r.objDu > zero:
		r.relGap = r.gap / r.objDu
	default:
		// both objectives vanish: no meaningful scale, let NaN propagate
		r.relGap = math.NaN()
	}
	return r
}

// terminal evaluates the four exit predicates in fixed priority order.
func (s *Solver) terminal(w *Workspace, r residuals) (Status, bool) {
	tol := s.stop
	switch {
	case r.x <= tol.TolFeas && r.y <= tol.TolFeas && r.z <= tol.TolFeas &&
		(r.gap <= tol.TolAbsOpt || r.relGap <= tol.TolRelOpt):
		return Optimal, true
	case r.byhz < zero && r.certX <= tol.TolFeas*(-r.byhz)*s.cNorm:
		return PrimalInfeasible, true
	case r.ctx < zero &&
		r.certY <= tol.TolFeas*(-r.ctx)*s.bNorm &&
		r.certZ <= tol.TolFeas*(-r.ctx)*s.hNorm:
		return DualInfeasible, true
	case w.mu <= tol.TolFeas*1e-2 && w.tau <= tol.TolFeas*1e-2*math.Min(one, w.kap):
		return IllPosed, true
	}
	return s.status, false
}

// predictor forms the affine direction from the negated residuals and line
// searches the largest step keeping the trial inside the beta-neighborhood.
func (s *Solver) predictor(w *Workspace, r residuals) (Status, error) {
	cn := s.cone
	cn.LoadPoint(w.ts)
	if !cn.CheckFeas() {
		return s.status, fmt.Errorf("%w: iterate left the cone", ErrFactorization)
	}
	if err := cn.Ready(); err != nil {
		return s.status, err
	}
	if err := w.kkt.factor(w.mu); err != nil {
		return s.status, err
	}

	for i := range w.rhsX {
		w.rhsX[i] = -w.resX[i]
	}
	for i := range w.rhsY {
		w.rhsY[i] = -w.resY[i]
	}
	for i := range w.rhsZ {
		w.rhsZ[i] = -w.resZ[i]
	}
	for i := range w.rhsTs {
		w.rhsTs[i] = -w.tz[i]
	}
	if err := s.directions(w, -r.tau, -w.kap); err != nil {
		return s.status, err
	}

	alpha := w.alphaPred
	if s.step.FixedPredStep || alpha <= zero {
		// a zero seed would pin the expansion loop at zero
		alpha = s.alphaPredFix
	}
	if s.trialStep(w, alpha, s.beta) {
		for !s.step.FixedPredStep && alpha < one {
			next := math.Min(alpha/s.step.PredLSMulti, one)
			if !s.trialStep(w, next, s.beta) {
				// reload the last accepted trial
				s.trialStep(w, alpha, s.beta)
				break
			}
			alpha = next
		}
	} else {
		if s.step.FixedPredStep {
			return PredictorFail, nil
		}
		for {
			alpha *= s.step.PredLSMulti
			if alpha < s.step.AlphaPredThres {
				return PredictorFail, nil
			}
			if s.trialStep(w, alpha, s.beta) {
				break
			}
		}
	}
	s.accept(w)
	w.alphaPred = alpha
	return s.status, nil
}

// corrector re-centers the iterate with up to MaxCorrSteps rounds, each
// followed by a pure backoff line search that only requires staying
// strictly feasible. Each round solves twice with the shared factor: the
// pure centering direction first, then again with the third-order term of
// that direction folded into the rhs. The correction must come from the
// current round's own direction; a stale step makes the rounds oscillate
// instead of contract.
func (s *Solver) corrector(w *Workspace) (Status, error) {
	cn := s.cone
	for round := 1; round <= s.step.MaxCorrSteps; round++ {
		cn.LoadPoint(w.ts)
		if !cn.CheckFeas() {
			return s.status, fmt.Errorf("%w: iterate left the cone", ErrFactorization)
		}
		g, err := cn.Grad()
		if err != nil {
			return s.status, err
		}
		if err := cn.Ready(); err != nil {
			return s.status, err
		}
		if err := w.kkt.factor(w.mu); err != nil {
			return s.status, err
		}

		for i := range w.rhsX {
			w.rhsX[i] = zero
		}
		for i := range w.rhsY {
			w.rhsY[i] = zero
		}
		for i := range w.rhsZ {
			w.rhsZ[i] = zero
		}
		for i := range w.rhsTs {
			w.rhsTs[i] = -w.tz[i] - w.mu*g[i]
		}
		if err := s.directions(w, zero, -w.kap+w.mu/w.tau); err != nil {
			return s.status, err
		}

		if err := cn.Correction(w.corr, w.dts); err != nil {
			return s.status, err
		}
		for i := range w.rhsTs {
			w.rhsTs[i] = -w.tz[i] - w.mu*(g[i]-w.corr[i])
		}
		if err := s.directions(w, zero, -w.kap+w.mu/w.tau); err != nil {
			return s.status, err
		}

		alpha, ok := one, false
		for ls := 0; ls < s.step.MaxCorrLSIters && !ok; ls++ {
			ok = s.feasTrial(w, alpha)
			if !ok {
				alpha *= s.step.CorrLSMulti
			}
		}
		if !ok {
			return CorrectorFail, nil
		}
		s.accept(w)

		if round == s.step.MaxCorrSteps || !s.step.NoCorrCheck {
			in, err := s.inNeighborhood(w, s.eta)
			if err != nil {
				return s.status, err
			}
			if in {
				return s.status, nil
			}
			if round == s.step.MaxCorrSteps {
				return CorrectorFail, nil
			}
		}
	}
	return s.status, nil
}

// directions solves the embedding Newton system for the right-hand side
// currently held in (rhsX,rhsY,rhsZ,rhsTs,rhsTau,rhsKap). Two reduced-KKT
// solves share the factor: u₁ carries the rhs and u₂ the data (-𝐜,𝐛,𝐡);
// d𝛕 couples them through the 𝛕𝛋 linearization and the remaining direction
// components follow by substitution.
func (s *Solver) directions(w *Workspace, rhsTau, rhsKap float64) error {
	mu, tau := w.mu, w.tau
	bx := w.trTx

	for i := range bx {
		bx[i] = -s.c[i]
	}
	if err := w.kkt.solve(w.x2, w.y2, w.z2, bx, s.b, s.h); err != nil {
		return err
	}

	mulVecT(bx, s.g, w.rhsTs)
	for i := range bx {
		bx[i] = -w.rhsX[i] - bx[i]
	}
	if err := w.kkt.solve(w.x1, w.y1, w.z1, bx, w.rhsY, w.rhsZ); err != nil {
		return err
	}

	den := floats.Dot(s.c, w.x2) + floats.Dot(s.b, w.y2) + floats.Dot(s.h, w.z2) - mu/(tau*tau)
	num := rhsTau - rhsKap -
		floats.Dot(s.c, w.x1) - floats.Dot(s.b, w.y1) - floats.Dot(s.h, w.z1) -
		floats.Dot(s.h, w.rhsTs)
	dtau := num / den

	for i := range w.dtx {
		w.dtx[i] = w.x1[i] + dtau*w.x2[i]
	}
	for i := range w.dty {
		w.dty[i] = w.y1[i] + dtau*w.y2[i]
	}
	for i := range w.dtz {
		w.dtz[i] = w.z1[i] + dtau*w.z2[i] + w.rhsTs[i]
	}
	mulVec(w.dts, s.g, w.dtx)
	for i := range w.dts {
		w.dts[i] = w.rhsZ[i] + s.h[i]*dtau - w.dts[i]
	}
	w.dtau = dtau
	w.dkap = rhsKap - mu/(tau*tau)*dtau
	return nil
}

// feasTrial fills the trial point at step alpha and reports whether it keeps
// 𝛕, 𝛋, 𝛍 positive and the slack strictly inside the cone. A true return
// leaves the cone loaded and feasible at the trial slack.
func (s *Solver) feasTrial(w *Workspace, alpha float64) bool {
	for i := range w.trTx {
		w.trTx[i] = w.tx[i] + alpha*w.dtx[i]
	}
	for i := range w.trTy {
		w.trTy[i] = w.ty[i] + alpha*w.dty[i]
	}
	for i := range w.trTz {
		w.trTz[i] = w.tz[i] + alpha*w.dtz[i]
	}
	for i := range w.trTs {
		w.trTs[i] = w.ts[i] + alpha*w.dts[i]
	}
	w.trTau = w.tau + alpha*w.dtau
	w.trKap = w.kap + alpha*w.dkap
	if w.trTau <= zero || w.trKap <= zero {
		return false
	}
	w.trMu = (floats.Dot(w.trTs, w.trTz) + w.trTau*w.trKap) / s.bnu
	if w.trMu <= zero {
		return false
	}
	s.cone.LoadPoint(w.trTs)
	return s.cone.CheckFeas()
}

// trialStep additionally bounds the trial's central-path deviation by
// (bound·𝛍)².
func (s *Solver) trialStep(w *Workspace, alpha, bound float64) bool {
	if !s.feasTrial(w, alpha) {
		return false
	}
	dev2, err := s.deviation(w, w.trTz, w.trTau, w.trKap, w.trMu)
	if err != nil {
		return false
	}
	b := bound * w.trMu
	return dev2 <= b*b
}

// deviation computes (𝛕𝛋-𝛍)² + 𝐯ᵀ𝐇⁻¹𝐯 with 𝐯 = 𝐳 + 𝛍·𝐠 at the currently
// loaded slack.
func (s *Solver) deviation(w *Workspace, tz []float64, tau, kap, mu float64) (float64, error) {
	g, err := s.cone.Grad()
	if err != nil {
		return zero, err
	}
	for i := range w.nbV {
		w.nbV[i] = tz[i] + mu*g[i]
	}
	if err := s.cone.Ready(); err != nil {
		return zero, err
	}
	if err := s.cone.InvHessMul(w.nbW, w.nbV); err != nil {
		return zero, err
	}
	d := tau*kap - mu
	return d*d + floats.Dot(w.nbV, w.nbW), nil
}

// inNeighborhood reloads the accepted iterate and checks its deviation
// against the bound-neighborhood.
func (s *Solver) inNeighborhood(w *Workspace, bound float64) (bool, error) {
	cn := s.cone
	cn.LoadPoint(w.ts)
	if !cn.CheckFeas() {
		return false, fmt.Errorf("%w: iterate left the cone", ErrFactorization)
	}
	dev2, err := s.deviation(w, w.tz, w.tau, w.kap, w.mu)
	if err != nil {
		return false, err
	}
	b := bound * w.mu
	return dev2 <= b*b, nil
}

// accept commits the trial point as the new iterate.
func (s *Solver) accept(w *Workspace) {
	copy(w.tx, w.trTx)
	copy(w.ty, w.trTy)
	copy(w.tz, w.trTz)
	copy(w.ts, w.trTs)
	w.tau, w.kap, w.mu = w.trTau, w.trKap, w.trMu
}

// finish freezes the terminal status and fills the result per the
// embedding output rules.
func (s *Solver) finish(w *Workspace, st Status, start time.Time) *Result {
	res := &Result{
		Status:  st,
		NumIter: w.iter,
		Tau:     w.tau,
		Kappa:   w.kap,
		Mu:      w.mu,
		X:       make([]float64, s.n),
		S:       make([]float64, s.q),
		Y:       make([]float64, s.p),
		Z:       make([]float64, s.q),
	}
	switch st {
	case PrimalInfeasible:
		scale := -one / (floats.Dot(s.b, w.ty) + floats.Dot(s.h, w.tz))
		scaleInto(res.Y, w.ty, scale)
		scaleInto(res.Z, w.tz, scale)
		nanFill(res.X)
		nanFill(res.S)
	case DualInfeasible:
		scale := -one / floats.Dot(s.c, w.tx)
		scaleInto(res.X, w.tx, scale)
		scaleInto(res.S, w.ts, scale)
		nanFill(res.Y)
		nanFill(res.Z)
	case IllPosed:
		nanFill(res.X)
		nanFill(res.S)
		nanFill(res.Y)
		nanFill(res.Z)
	default:
		scale := one / w.tau
		scaleInto(res.X, w.tx, scale)
		scaleInto(res.S, w.ts, scale)
		scaleInto(res.Y, w.ty, scale)
		scaleInto(res.Z, w.tz, scale)
	}
	res.PrimalObj = floats.Dot(s.c, res.X)
	res.DualObj = -floats.Dot(s.b, res.Y) - floats.Dot(s.h, res.Z)
	res.SolveTime = time.Since(start)
	s.status = st
	if s.logger != nil {
		s.logger.Info("terminated",
			slog.String("status", st.String()),
			slog.Int("iter", res.NumIter),
			slog.Duration("elapsed", res.SolveTime))
	}
	return res
}

func scaleInto(dst, src []float64, scale float64) {
	for i, v := range src {
		dst[i] = v * scale
	}
}

func nanFill(dst []float64) {
	for i := range dst {
		dst[i] = math.NaN()
	}
}

// mulVec computes dst = m·x, treating a nil matrix as empty.
func mulVec(dst []float64, m *mat.Dense, x []float64) {
	if m == nil || len(dst) == 0 {
		return
	}
	v := mat.NewVecDense(len(dst), dst)
	v.MulVec(m, mat.NewVecDense(len(x), x))
}

// mulVecT computes dst = mᵀ·x, treating a nil matrix as zero.
func mulVecT(dst []float64, m *mat.Dense, x []float64) {
	if m == nil || len(x) == 0 {
		for i := range dst {
			dst[i] = zero
		}
		return
	}
	v := mat.NewVecDense(len(dst), dst)
	v.MulVec(m.T(), mat.NewVecDense(len(x), x))
}
