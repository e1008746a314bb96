package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rel(src AssetType, srcKey string, dst AssetType, dstKey string, depth int) LineageRelation {
	return LineageRelation{SourceType: src, SourceKey: srcKey, TargetType: dst, TargetKey: dstKey, Depth: depth, Action: lineageAction}
}

func refsOf(rels []LineageRelation) []string {
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, AssetRef{Type: r.TargetType, ID: r.TargetKey}.String())
	}
	return out
}

func TestFilterRelationsAgentAppDepthRules(t *testing.T) {
	t.Parallel()

	targets := []AssetType{
		TypeTool, TypeMCP, TypeAgentGraph, TypeModel, TypePrompt, TypeFewShot, TypeGuardrails,
		TypeKnowledge, TypeVectorDB, TypeServingModel, TypeAgentApp, TypeSafetyFilter, TypeSubAgent,
	}
	for depth := 1; depth <= 4; depth++ {
		for _, target := range targets {
			got := FilterRelations(TypeAgentApp, []LineageRelation{rel(TypeAgentApp, "root", target, "x", depth)})

			var want bool
			switch depth {
			case 1:
				want = target == TypeAgentGraph
			case 2:
				want = !agentAppDepth2Deny[target]
			default:
				want = false
			}
			assert.Equal(t, want, len(got) == 1, "depth %d target %s", depth, target)
		}
	}
}

func TestFilterRelationsDropsIncomplete(t *testing.T) {
	t.Parallel()

	got := FilterRelations(TypeGuardrails, []LineageRelation{
		{SourceType: TypeGuardrails, SourceKey: "g", TargetType: "", TargetKey: "p1", Depth: 1},
		{SourceType: TypeGuardrails, SourceKey: "g", TargetType: TypePrompt, TargetKey: "", Depth: 1},
		{SourceType: "", SourceKey: "g", TargetType: TypePrompt, TargetKey: "p2", Depth: 1},
		rel(TypeGuardrails, "g", TypePrompt, "p3", 1),
	})
	assert.Equal(t, []string{"PROMPT:p3"}, refsOf(got))
}

func TestFilterRelationsAllowRules(t *testing.T) {
	t.Parallel()

	raw := []LineageRelation{
		rel(TypeServingModel, "sm", TypeModel, "m1", 1),
		rel(TypeModel, "m1", TypePrompt, "p1", 2),
		rel(TypeModel, "m1", TypeKnowledge, "k1", 2),
	}
	assert.Equal(t, []string{"MODEL:m1"}, refsOf(FilterRelations(TypeServingModel, raw)))

	raw = []LineageRelation{
		rel(TypeGuardrails, "g", TypePrompt, "p1", 1),
		rel(TypeGuardrails, "g", TypeModel, "m1", 1),
	}
	assert.Equal(t, []string{"PROMPT:p1"}, refsOf(FilterRelations(TypeGuardrails, raw)))
}

func TestFilterRelationsServingModelPassThrough(t *testing.T) {
	t.Parallel()

	raw := []LineageRelation{
		rel(TypeKnowledge, "k", TypeServingModel, "sm1", 1),
		rel(TypeVectorDB, "v", TypeServingModel, "sm2", 2),
	}
	assert.Equal(t, []string{"SERVING_MODEL:sm1"}, refsOf(FilterRelations(TypeKnowledge, raw)))
	assert.Empty(t, FilterRelations(TypeTool, raw))
	assert.Empty(t, FilterRelations(TypeAgentGraph, raw[:1]))
}

func TestFilterRelationsSortsDeepestFirstAndDedupes(t *testing.T) {
	t.Parallel()

	raw := []LineageRelation{
		rel(TypeAgentApp, "a", TypeAgentGraph, "g1", 1),
		rel(TypeAgentGraph, "g1", TypeTool, "t1", 2),
		rel(TypeAgentGraph, "g1", TypePrompt, "p1", 2),
		rel(TypeAgentGraph, "g1", TypeTool, "t1", 2),
	}
	got := FilterRelations(TypeAgentApp, raw)
	assert.Equal(t, []string{"TOOL:t1", "PROMPT:p1", "AGENT_GRAPH:g1"}, refsOf(got))

	got = FilterRelations(TypeKnowledge, []LineageRelation{
		rel(TypeKnowledge, "k", TypeModel, "m", 1),
		rel(TypeKnowledge, "k", TypePrompt, "p", 3),
		rel(TypePrompt, "p", TypeModel, "m", 4),
	})
	assert.Equal(t, []string{"MODEL:m", "PROMPT:p"}, refsOf(got))
	assert.Equal(t, 4, got[0].Depth)
}

func TestNeedsTraversalAndMaxDepth(t *testing.T) {
	t.Parallel()

	assert.True(t, NeedsTraversal(TypeServingModel, false))
	assert.True(t, NeedsTraversal(TypeGuardrails, false))
	assert.True(t, NeedsTraversal(TypeAgentApp, false))
	assert.False(t, NeedsTraversal(TypeAgentApp, true))
	assert.False(t, NeedsTraversal(TypeTool, false))
	assert.False(t, NeedsTraversal(TypeProject, false))

	assert.Equal(t, 2, MaxDepth(TypeAgentApp))
	assert.Equal(t, 5, MaxDepth(TypeServingModel))
}

func TestResolverUsesDepthBound(t *testing.T) {
	t.Parallel()

	lineage := &fakeLineage{relations: []LineageRelation{rel(TypeAgentApp, "a", TypeAgentGraph, "g", 1)}}
	got, err := NewResolver(lineage).Resolve(context.Background(), "a", TypeAgentApp)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, lineage.maxDepth)

	lineage.err = assert.AnError
	_, err = NewResolver(lineage).Resolve(context.Background(), "a", TypeAgentApp)
	assert.Equal(t, KindExternal, KindOf(err))

	_, err = NewResolver(nil).Resolve(context.Background(), "a", TypeAgentApp)
	assert.Equal(t, KindValidation, KindOf(err))
}
