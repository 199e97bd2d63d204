// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hsde

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/conic/cone"
)

func testLogger() *slog.Logger {
	return slog.New(tint.NewHandler(io.Discard, &tint.Options{Level: slog.LevelDebug}))
}

// min x₁ + 2x₂ s.t. x₁ + x₂ = 1, x ≥ 0 : optimum (1,0) with objective 1
func orthantLP() *Problem {
	return &Problem{
		C: []float64{1, 2},
		A: mat.NewDense(1, 2, []float64{1, 1}),
		B: []float64{1},
		G: mat.NewDense(2, 2, []float64{
			-1, 0,
			0, -1,
		}),
		H:      []float64{0, 0},
		Cones:  []cone.Cone{cone.NewNonneg(2)},
		Logger: testLogger(),
	}
}

func TestSolveLinearProgram(t *testing.T) {
	s, err := orthantLP().New()
	require.NoError(t, err)
	require.Equal(t, Loaded, s.Status())

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.Equal(t, Optimal, s.Status())

	require.InDelta(t, 1.0, res.PrimalObj, 1e-5)
	require.InDelta(t, 1.0, res.DualObj, 1e-4)
	require.InDelta(t, 1.0, res.X[0], 1e-4)
	require.InDelta(t, 0.0, res.X[1], 1e-4)
	require.InDelta(t, 1.0, res.X[0]+res.X[1], 1e-6) // 𝐀𝐱 = 𝐛
	require.Greater(t, res.Tau, 0.0)
	require.Greater(t, res.NumIter, 0)
	require.Greater(t, res.SolveTime.Nanoseconds(), int64(0))
}

// The same LP through an identity-basis WSOS cone must find the same
// optimum, exercising the interpolation oracles end to end.
func TestSolveLinearProgramWSOS(t *testing.T) {
	ident := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	w, err := cone.NewWSOS(2, []*mat.Dense{ident})
	require.NoError(t, err)

	p := orthantLP()
	p.Cones = []cone.Cone{w}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, 1.0, res.PrimalObj, 1e-5)
}

// min z over (x,y,z) in the exponential cone with x = y = 1: the optimum
// z = e sits where y·log(z/y) = x.
func TestSolveExpCone(t *testing.T) {
	p := &Problem{
		C: []float64{0, 0, 1},
		A: mat.NewDense(2, 3, []float64{
			1, 0, 0,
			0, 1, 0,
		}),
		B: []float64{1, 1},
		G: mat.NewDense(3, 3, []float64{
			-1, 0, 0,
			0, -1, 0,
			0, 0, -1,
		}),
		H:      []float64{0, 0, 0},
		Cones:  []cone.Cone{cone.NewExp()},
		Logger: testLogger(),
	}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, math.E, res.PrimalObj, 1e-3)
	require.InDelta(t, 1.0, res.X[0], 1e-4)
	require.InDelta(t, 1.0, res.X[1], 1e-4)
}

// x₁ + x₂ = -1 has no nonnegative solution: the dual improving ray
// certifies primal infeasibility with 𝐛·𝐲 + 𝐡·𝐳 = -1 after rescaling.
func TestSolvePrimalInfeasible(t *testing.T) {
	p := orthantLP()
	p.B = []float64{-1}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, PrimalInfeasible, res.Status)

	cert := -res.Y[0] // 𝐛·𝐲 + 𝐡·𝐳 with b = (-1), h = 0
	require.InDelta(t, -1.0, cert, 1e-6)
	require.True(t, math.IsNaN(res.X[0]))
	require.True(t, math.IsNaN(res.S[0]))
	require.True(t, math.IsNaN(res.PrimalObj))
}

// min -x with x ≥ 0 is unbounded below: the primal improving ray certifies
// dual infeasibility with 𝐜·𝐱 = -1 after rescaling.
func TestSolveDualInfeasible(t *testing.T) {
	p := &Problem{
		C:      []float64{-1},
		G:      mat.NewDense(1, 1, []float64{-1}),
		H:      []float64{0},
		Cones:  []cone.Cone{cone.NewNonneg(1)},
		Logger: testLogger(),
	}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, DualInfeasible, res.Status)
	require.InDelta(t, 1.0, res.X[0], 1e-6)
	require.GreaterOrEqual(t, res.S[0], 0.0)
	require.True(t, math.IsNaN(res.Z[0]))
}

func TestSolveIterationLimit(t *testing.T) {
	p := orthantLP()
	p.Stop = Termination{MaxIterations: 2}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, IterationLimit, res.Status)
	require.Equal(t, 2, res.NumIter)
	require.Greater(t, res.Tau, 0.0)
}

func TestSolveFixedPredictorStep(t *testing.T) {
	p := orthantLP()
	p.Stop = Termination{MaxIterations: 5}
	p.Step = Stepping{FixedPredStep: true}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	// the fixed safe step is tiny, five iterations cannot converge
	require.Equal(t, IterationLimit, res.Status)
	require.Greater(t, res.Mu, 0.0)
	require.Less(t, res.Mu, 1.0)
}

func TestProblemValidation(t *testing.T) {
	base := orthantLP

	cases := []struct {
		name   string
		mutate func(*Problem)
	}{
		{"empty cost", func(p *Problem) { p.C = nil }},
		{"A columns", func(p *Problem) { p.A = mat.NewDense(1, 3, nil) }},
		{"b length", func(p *Problem) { p.B = []float64{1, 2} }},
		{"h length", func(p *Problem) { p.H = []float64{0} }},
		{"cone dim", func(p *Problem) { p.Cones = []cone.Cone{cone.NewNonneg(3)} }},
		{"no cone", func(p *Problem) { p.G, p.H, p.Cones = nil, nil, nil }},
		{"bad multiplier", func(p *Problem) { p.Step.PredLSMulti = 1.5 }},
		{"negative tolerance", func(p *Problem) { p.Stop.TolRelOpt = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base()
			tc.mutate(p)
			_, err := p.New()
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestProblemRankCheck(t *testing.T) {
	p := orthantLP()
	p.A = mat.NewDense(2, 2, []float64{
		1, 1,
		2, 2,
	})
	p.B = []float64{1, 2}
	p.CheckRank = true
	_, err := p.New()
	require.ErrorIs(t, err, ErrValidation)

	// the same data passes without the optional check
	p.CheckRank = false
	_, err = p.New()
	require.NoError(t, err)
}

func TestSolveWorkspaceMismatch(t *testing.T) {
	s, err := orthantLP().New()
	require.NoError(t, err)

	other, err := (&Problem{
		C:     []float64{1},
		G:     mat.NewDense(1, 1, []float64{-1}),
		H:     []float64{1},
		Cones: []cone.Cone{cone.NewNonneg(1)},
	}).New()
	require.NoError(t, err)

	_, err = s.Solve(other.Init())
	require.ErrorIs(t, err, ErrValidation)
	_, err = s.Solve(nil)
	require.ErrorIs(t, err, ErrValidation)
}

// A product of an orthant and a WSOS block in one model: min x₁+x₂ with
// x₁+x₂ ≥ 1 (orthant slack) and x ≥ 0 element-wise (WSOS block).
func TestSolveMixedCones(t *testing.T) {
	ident := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	w, err := cone.NewWSOS(2, []*mat.Dense{ident})
	require.NoError(t, err)

	p := &Problem{
		C: []float64{1, 1},
		G: mat.NewDense(3, 2, []float64{
			-1, -1,
			-1, 0,
			0, -1,
		}),
		H:      []float64{-1, 0, 0},
		Cones:  []cone.Cone{cone.NewNonneg(1), w},
		Logger: testLogger(),
	}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, 1.0, res.PrimalObj, 1e-5)
}

// Forcing the corrector to run every iteration (the post-predictor eta
// test is skipped) must still converge: each round builds its correction
// from its own centering direction, so the rounds contract instead of
// oscillating on stale steps.
func TestSolveCorrectorForced(t *testing.T) {
	p := orthantLP()
	p.Step = Stepping{NoCorrCheck: true}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, 1.0, res.PrimalObj, 1e-5)
	require.InDelta(t, 1.0, res.X[0], 1e-4)
}

func TestSolveExpConeCorrectorForced(t *testing.T) {
	p := &Problem{
		C: []float64{0, 0, 1},
		A: mat.NewDense(2, 3, []float64{
			1, 0, 0,
			0, 1, 0,
		}),
		B: []float64{1, 1},
		G: mat.NewDense(3, 3, []float64{
			-1, 0, 0,
			0, -1, 0,
			0, 0, -1,
		}),
		H:      []float64{0, 0, 0},
		Cones:  []cone.Cone{cone.NewExp()},
		Step:   Stepping{NoCorrCheck: true},
		Logger: testLogger(),
	}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, math.E, res.PrimalObj, 1e-3)
}

// A corrector budget of one round leaves no slack: the single round must
// land inside the eta-neighborhood on its own.
func TestSolveSingleCorrectorRound(t *testing.T) {
	p := orthantLP()
	p.Step = Stepping{MaxCorrSteps: 1}
	s, err := p.New()
	require.NoError(t, err)

	res, err := s.Solve(s.Init())
	require.NoError(t, err)
	require.Equal(t, Optimal, res.Status)
	require.InDelta(t, 1.0, res.PrimalObj, 1e-5)
}

// A zero predictor seed must fall back to the fixed safe step instead of
// pinning the expansion line search at zero.
func TestPredictorZeroStepSeed(t *testing.T) {
	s, err := orthantLP().New()
	require.NoError(t, err)
	w := s.Init()
	require.NoError(t, s.initPoint(w))

	w.alphaPred = 0
	r := s.residuals(w)
	st, err := s.predictor(w, r)
	require.NoError(t, err)
	require.False(t, st.Terminal())
	require.Greater(t, w.alphaPred, 0.0)
}
