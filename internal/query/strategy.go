package query

import (
	"fmt"
	"math"
)

// FusionMethod names a rank/score fusion algorithm (spec §4.10, §4.12).
type FusionMethod string

const (
	FusionRRF            FusionMethod = "rrf"
	FusionWeightedLinear FusionMethod = "weighted-linear"
	FusionHarmonic       FusionMethod = "harmonic"
	FusionGeometric      FusionMethod = "geometric"
	FusionBayesian       FusionMethod = "bayesian"
)

// NormalizationMethod names a per-branch score normalization (spec §4.10).
type NormalizationMethod string

const (
	NormalizeMinMax NormalizationMethod = "min-max"
	NormalizeSigmoid NormalizationMethod = "sigmoid"
	NormalizeZScore  NormalizationMethod = "z-score"
	NormalizeRank    NormalizationMethod = "rank-based"
)

// Branch identifies one execution lane of the Search Executor (C11).
type Branch string

const (
	BranchFTS    Branch = "fts"
	BranchVector Branch = "vector"
	BranchLike   Branch = "like"
)

// Weights holds per-branch fusion weights; its fields are named rather than
// map-keyed because the only two score-bearing branches fusion acts on are
// FTS and vector (LIKE results are fused alongside them with a fixed weight
// of 1.0, see search.weightFor).
type Weights struct {
	FTS    float64
	Vector float64
}

// Sum returns the total weight, used to validate the "sums to 1.0±0.01"
// invariant for weighted fusion methods (spec §4.10).
func (w Weights) Sum() float64 { return w.FTS + w.Vector }

// DefaultWeights returns the engine's starting-point weights. These are a
// tunable, not an invariant (spec §9 Open Question): callers may supply any
// Weights whose Sum is within 1.0±0.01 for weighted methods.
func DefaultWeights() Weights {
	return Weights{FTS: 0.5, Vector: 0.5}
}

// Performance bounds one search's execution (spec §4.10).
type Performance struct {
	MaxTimeMS       int
	MaxMemoryMB     int
	EarlyTermination bool
	CachingEnabled   bool
}

func DefaultPerformance() Performance {
	return Performance{MaxTimeMS: 2000, CachingEnabled: true}
}

// Plan is the Strategy Engine's output: a fully-specified execution plan
// for the Search Executor to run (spec §4.10).
type Plan struct {
	Branches     []Branch
	FTSMode      string // "or" (default) or "and" — spec §9 Open Question decision
	Fusion       FusionMethod
	Weights      Weights
	Normalization NormalizationMethod
	RRFK         int
	Limit        int
	Offset       int
	Performance  Performance
	LikeEnabled  bool
}

// Capabilities describes what a collection can actually search, so the
// Strategy Engine can fall back gracefully when a branch has no data
// (spec §4.10: "prefers semantic branch only when vectors exist").
type Capabilities struct {
	HasVectors bool
	HasFTS     bool
}

// Options lets a caller override the analyzer's suggestion (spec §6 search
// request shape: mode/strategy/fusion/fusionWeights/enableLikeSearch).
type Options struct {
	ForceStrategy    StrategyName
	Fusion           FusionMethod
	Weights          *Weights
	Normalization    NormalizationMethod
	EnableLikeSearch bool
	Limit            int
	Offset           int
	Performance      *Performance
}

// BuildPlan turns an Analysis plus caller Options and collection
// Capabilities into a concrete Plan. Grounded in the teacher's
// expander.go Config/DefaultConfig shape, generalized from "expansion
// knobs" to "execution-plan knobs".
func BuildPlan(a Analysis, opts Options, caps Capabilities) (Plan, error) {
	strategy := a.SuggestedStrategy
	if opts.ForceStrategy != "" {
		strategy = opts.ForceStrategy
	}

	branches := branchesFor(strategy, caps, opts.EnableLikeSearch)

	fusion := opts.Fusion
	if fusion == "" {
		fusion = FusionRRF
	}

	weights := DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	if isWeightedMethod(fusion) {
		if math.Abs(weights.Sum()-1.0) > 0.01 {
			return Plan{}, fmt.Errorf("fusion weights must sum to 1.0 (±0.01), got %.4f", weights.Sum())
		}
	}

	normalization := opts.Normalization
	if normalization == "" {
		normalization = NormalizeMinMax
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	perf := DefaultPerformance()
	if opts.Performance != nil {
		perf = *opts.Performance
	}

	ftsMode := "or"
	if a.DetectedType == TypeBooleanOperators || a.DetectedType == TypeExactPhrase {
		ftsMode = "and"
	}

	return Plan{
		Branches:      branches,
		FTSMode:       ftsMode,
		Fusion:        fusion,
		Weights:       weights,
		Normalization: normalization,
		RRFK:          60,
		Limit:         limit,
		Offset:        opts.Offset,
		Performance:   perf,
		LikeEnabled:   opts.EnableLikeSearch,
	}, nil
}

func isWeightedMethod(m FusionMethod) bool {
	return m == FusionWeightedLinear || m == FusionBayesian
}

// branchesFor resolves a strategy name into concrete branches, falling back
// away from vector search when the collection has no vectors, and away
// from FTS when it has no FTS table (spec §4.10).
func branchesFor(strategy StrategyName, caps Capabilities, likeRequested bool) []Branch {
	var branches []Branch

	wantFTS := strategy == StrategyFTSOnly || strategy == StrategyHybrid || strategy == StrategyExactMatch
	wantVector := strategy == StrategyVectorOnly || strategy == StrategyHybrid

	if wantVector && caps.HasVectors {
		branches = append(branches, BranchVector)
	}
	if wantFTS && caps.HasFTS {
		branches = append(branches, BranchFTS)
	}
	if len(branches) == 0 && caps.HasFTS {
		// graceful fallback: no usable branch from the strategy, fall back to FTS.
		branches = append(branches, BranchFTS)
	}
	if likeRequested || strategy == StrategyLikeFallback {
		branches = append(branches, BranchLike)
	}
	return branches
}
