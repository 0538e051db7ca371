// Package search implements the Search Executor (C11) and Result Processor
// (C12): concurrent per-branch execution against a Strategy Engine plan,
// then score normalization, rank fusion, deduplication, and snippet
// generation. Grounded in the teacher's search/manager.go concurrency and
// metrics shape; the fusion formulas themselves are grounded in the RRF
// implementation from the retrieval pack's amanmcp search engine (the
// teacher's own RRF/BM25Normalize helpers were not present in the copy we
// received, see DESIGN.md).
package search

import (
	"math"
	"sort"

	"github.com/engramdb/engram/internal/query"
)

// BranchResult is one row a branch contributed, before fusion.
type BranchResult struct {
	DocID    string
	Rank     int     // 1-based, branch-local
	RawScore float64 // BM25 score, cosine similarity, or distance
	Snippet  string
}

// FusedResult is one document after normalization, fusion, and dedup.
type FusedResult struct {
	DocID        string
	FinalScore   float64
	BranchScores map[query.Branch]float64
	BranchRanks  map[query.Branch]int
	Rank         int
	Snippet      string
}

// normalize rescales raw branch scores into [0,1] using the plan's method.
// Distance-based branches (vector) are inverted first so lower distance
// becomes higher score, per spec §4.12 step 1.
func normalize(results []BranchResult, method query.NormalizationMethod, invert bool) map[string]float64 {
	out := make(map[string]float64, len(results))
	if len(results) == 0 {
		return out
	}

	raw := make([]float64, len(results))
	for i, r := range results {
		v := r.RawScore
		if invert {
			v = -v
		}
		raw[i] = v
	}

	switch method {
	case query.NormalizeRank:
		for i, r := range results {
			out[r.DocID] = 1.0 / float64(r.Rank)
			_ = i
		}
	case query.NormalizeZScore:
		mean, std := meanStd(raw)
		for i, r := range results {
			if std == 0 {
				out[r.DocID] = 0.5
				continue
			}
			z := (raw[i] - mean) / std
			out[r.DocID] = sigmoid(z)
		}
	case query.NormalizeSigmoid:
		for i, r := range results {
			out[r.DocID] = sigmoid(raw[i])
		}
	default: // min-max
		lo, hi := minMax(raw)
		for i, r := range results {
			if hi == lo {
				out[r.DocID] = 1.0
				continue
			}
			out[r.DocID] = (raw[i] - lo) / (hi - lo)
		}
	}
	return out
}

func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	var variance float64
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(v))
	return mean, math.Sqrt(variance)
}

func minMax(v []float64) (float64, float64) {
	lo, hi := v[0], v[0]
	for _, x := range v {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

// Fuse combines per-branch results using the plan's fusion method (spec
// §4.12 step 2). branchResults maps branch name to its raw results, in
// branch-local rank order.
func Fuse(plan query.Plan, branchResults map[query.Branch][]BranchResult) []FusedResult {
	normalized := make(map[query.Branch]map[string]float64, len(branchResults))
	for branch, results := range branchResults {
		invert := branch == query.BranchVector
		normalized[branch] = normalize(results, plan.Normalization, invert)
	}

	acc := make(map[string]*FusedResult)
	ensure := func(id string) *FusedResult {
		if f, ok := acc[id]; ok {
			return f
		}
		f := &FusedResult{DocID: id, BranchScores: map[query.Branch]float64{}, BranchRanks: map[query.Branch]int{}}
		acc[id] = f
		return f
	}

	for branch, results := range branchResults {
		norm := normalized[branch]
		weight := weightFor(plan.Weights, branch)
		for _, r := range results {
			f := ensure(r.DocID)
			score := norm[r.DocID]
			f.BranchScores[branch] = score
			f.BranchRanks[branch] = r.Rank
			if r.Snippet != "" && f.Snippet == "" {
				f.Snippet = r.Snippet
			}

			switch plan.Fusion {
			case query.FusionWeightedLinear, query.FusionBayesian:
				f.FinalScore += weight * score
			case query.FusionHarmonic:
				f.FinalScore = harmonicAccumulate(f.FinalScore, score)
			case query.FusionGeometric:
				f.FinalScore = geometricAccumulate(f.FinalScore, score)
			default: // RRF
				k := plan.RRFK
				if k <= 0 {
					k = 60
				}
				f.FinalScore += weight / (float64(k) + float64(r.Rank))
			}
		}
	}

	out := make([]FusedResult, 0, len(acc))
	for _, f := range acc {
		out = append(out, *f)
	}

	// Tie-break by primary-branch rank, then by document id lexicographic
	// order, for deterministic ordering (spec §4.12 step 2).
	primary := primaryBranch(plan)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		ri, oki := out[i].BranchRanks[primary]
		rj, okj := out[j].BranchRanks[primary]
		if oki && okj && ri != rj {
			return ri < rj
		}
		return out[i].DocID < out[j].DocID
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func weightFor(w query.Weights, branch query.Branch) float64 {
	switch branch {
	case query.BranchFTS:
		return w.FTS
	case query.BranchVector:
		return w.Vector
	default:
		return 1.0
	}
}

func primaryBranch(plan query.Plan) query.Branch {
	if len(plan.Branches) == 0 {
		return query.BranchFTS
	}
	return plan.Branches[0]
}

// harmonicAccumulate folds a new per-branch score into the harmonic mean of
// all scores seen so far for a document.
func harmonicAccumulate(prevHarmonic, score float64) float64 {
	if score <= 0 {
		return prevHarmonic
	}
	if prevHarmonic == 0 {
		return score
	}
	return 2 / (1/prevHarmonic + 1/score)
}

// geometricAccumulate folds a new per-branch score into a running geometric
// mean.
func geometricAccumulate(prevGeometric, score float64) float64 {
	if prevGeometric == 0 {
		return score
	}
	return math.Sqrt(prevGeometric * score)
}
