// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hsde solves conic optimization problems
//
//	minimize 𝐜ᵀ𝐱 subject to 𝐀𝐱 = 𝐛, 𝐆𝐱 + 𝐬 = 𝐡, 𝐬 ∈ 𝒦
//
// with a predictor-corrector interior-point method on the homogeneous
// self-dual embedding. The embedding augments the primal-dual pair with two
// scalars 𝛕,𝛋 whose ratio recovers the original solution and whose collapse
// positively identifies infeasibility or ill-posedness within one algorithm.
//
// The per-iteration Newton systems share a reduced-KKT cache built from a
// one-time thin QR decomposition of 𝐀ᵀ, so only an (n-p)×(n-p) matrix is
// factored per direction instead of the full (n+p+q) system.
package hsde

import "errors"

const (
	zero = 0.0
	one  = 1.0
	two  = 2.0
	ten  = 10.0
)

var (
	// ErrValidation marks problem data rejected at load time.
	// The model is never marked loaded.
	ErrValidation = errors.New("invalid problem data")
	// ErrFactorization marks an unrecoverable in-solve factorization
	// failure: the Cholesky of the reduced KKT matrix broke down and the
	// indefinite-safe fallback failed as well.
	ErrFactorization = errors.New("factorization failed")
)

// Status is the lifecycle and terminal state of a solve.
type Status int

const (
	// NotLoaded no valid problem data has been accepted.
	NotLoaded Status = iota
	// Loaded problem data accepted, solve not started.
	Loaded
	// StartedIterating solve in progress.
	StartedIterating
	// Optimal both residuals and the gap are below tolerance.
	Optimal
	// PrimalInfeasible a dual improving ray certifies primal infeasibility.
	PrimalInfeasible
	// DualInfeasible a primal improving ray certifies dual infeasibility.
	DualInfeasible
	// IllPosed 𝛍 and 𝛕 collapsed together: no conclusive certificate exists.
	IllPosed
	// IterationLimit the iteration cap was reached before any predicate held.
	IterationLimit
	// PredictorFail the predictor line search undershot its minimum step.
	PredictorFail
	// CorrectorFail the corrector could not restore the eta-neighborhood.
	CorrectorFail
)

func (s Status) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Loaded:
		return "Loaded"
	case StartedIterating:
		return "StartedIterating"
	case Optimal:
		return "Optimal"
	case PrimalInfeasible:
		return "PrimalInfeasible"
	case DualInfeasible:
		return "DualInfeasible"
	case IllPosed:
		return "IllPosed"
	case IterationLimit:
		return "IterationLimit"
	case PredictorFail:
		return "PredictorFail"
	case CorrectorFail:
		return "CorrectorFail"
	}
	return "Unknown"
}

// Terminal reports whether the status ends a solve.
func (s Status) Terminal() bool { return s > StartedIterating }

// betaEta returns the beta (predictor) and eta (corrector) neighborhood
// radii and the fixed-step constant, keyed by the corrector budget and the
// total barrier complexity of the embedding.
func betaEta(maxCorrSteps int, bnu float64) (beta, eta, cPredFix float64) {
	switch {
	case maxCorrSteps <= 2:
		switch {
		case bnu < ten:
			return 0.1810, 0.0733, 0.0225
		case bnu < 100:
			return 0.2054, 0.0806, 0.0263
		default:
			return 0.2190, 0.0836, 0.0288
		}
	case maxCorrSteps <= 4:
		switch {
		case bnu < ten:
			return 0.2084, 0.0502, 0.0328
		case bnu < 100:
			return 0.2356, 0.0544, 0.0380
		default:
			return 0.2506, 0.0558, 0.0411
		}
	default:
		switch {
		case bnu < ten:
			return 0.2387, 0.0305, 0.0429
		case bnu < 100:
			return 0.2683, 0.0327, 0.0489
		default:
			return 0.2844, 0.0332, 0.0525
		}
	}
}
