package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/query"
)

// TestFuse_RRFHandComputedOrdering mirrors the spec's hand-computed RRF
// scenario: FTS ranks [1,2,3] for doc1,doc2,doc3 and vector ranks [3,1,2]
// for the same documents, equal weights, k=60. Expected order: doc2, doc1, doc3.
func TestFuse_RRFHandComputedOrdering(t *testing.T) {
	plan := query.Plan{
		Fusion:        query.FusionRRF,
		Weights:       query.Weights{FTS: 0.5, Vector: 0.5},
		Normalization: query.NormalizeMinMax,
		RRFK:          60,
		Branches:      []query.Branch{query.BranchFTS, query.BranchVector},
	}

	branchResults := map[query.Branch][]BranchResult{
		query.BranchFTS: {
			{DocID: "doc1", Rank: 1, RawScore: 10},
			{DocID: "doc2", Rank: 2, RawScore: 8},
			{DocID: "doc3", Rank: 3, RawScore: 6},
		},
		query.BranchVector: {
			{DocID: "doc2", Rank: 1, RawScore: 0.1},
			{DocID: "doc3", Rank: 2, RawScore: 0.3},
			{DocID: "doc1", Rank: 3, RawScore: 0.5},
		},
	}

	fused := Fuse(plan, branchResults)
	require.Len(t, fused, 3)
	assert.Equal(t, "doc2", fused[0].DocID)
	assert.Equal(t, "doc1", fused[1].DocID)
	assert.Equal(t, "doc3", fused[2].DocID)
}

func TestFuse_DedupesByDocumentID(t *testing.T) {
	plan := query.Plan{
		Fusion:        query.FusionRRF,
		Weights:       query.DefaultWeights(),
		Normalization: query.NormalizeMinMax,
		RRFK:          60,
	}
	branchResults := map[query.Branch][]BranchResult{
		query.BranchFTS:    {{DocID: "doc1", Rank: 1, RawScore: 5}},
		query.BranchVector: {{DocID: "doc1", Rank: 1, RawScore: 0.9}},
	}
	fused := Fuse(plan, branchResults)
	require.Len(t, fused, 1)
	assert.Contains(t, fused[0].BranchScores, query.BranchFTS)
	assert.Contains(t, fused[0].BranchScores, query.BranchVector)
}

func TestFuse_WeightedLinear(t *testing.T) {
	plan := query.Plan{
		Fusion:        query.FusionWeightedLinear,
		Weights:       query.Weights{FTS: 0.7, Vector: 0.3},
		Normalization: query.NormalizeMinMax,
	}
	branchResults := map[query.Branch][]BranchResult{
		query.BranchFTS: {
			{DocID: "a", Rank: 1, RawScore: 10},
			{DocID: "b", Rank: 2, RawScore: 1},
		},
	}
	fused := Fuse(plan, branchResults)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].DocID, "higher raw FTS score should rank first")
}

func TestFuse_EmptyBranchContributesNothing(t *testing.T) {
	plan := query.Plan{Fusion: query.FusionRRF, Weights: query.DefaultWeights(), RRFK: 60}
	fused := Fuse(plan, map[query.Branch][]BranchResult{
		query.BranchFTS:    {{DocID: "a", Rank: 1, RawScore: 1}},
		query.BranchVector: {},
	})
	require.Len(t, fused, 1)
	assert.Equal(t, "a", fused[0].DocID)
}

func TestDedupeAndTruncate_Pagination(t *testing.T) {
	results := []FusedResult{{DocID: "a"}, {DocID: "b"}, {DocID: "c"}, {DocID: "d"}}
	out := dedupeAndTruncate(results, 2, 1)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].DocID)
	assert.Equal(t, "c", out[1].DocID)
}
