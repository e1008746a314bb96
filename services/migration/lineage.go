package migration

import (
	"context"
	"sort"
)

// Direction selects which way the lineage graph is walked.
type Direction string

const (
	DirectionDownstream Direction = "downstream"
	DirectionUpstream   Direction = "upstream"
)

// LineageService is the external lineage collaborator. Relations with an
// unknown or missing type come back with an empty AssetType.
type LineageService interface {
	GetLineage(ctx context.Context, objectID string, direction Direction, action string, maxDepth int) ([]LineageRelation, error)
}

const (
	defaultMaxDepth  = 5
	agentAppMaxDepth = 2
	lineageAction    = "use"
)

type traversalRule struct {
	allow map[AssetType]bool
	deny  map[AssetType]bool
}

func typeSet(types ...AssetType) map[AssetType]bool {
	out := make(map[AssetType]bool, len(types))
	for _, t := range types {
		out[t] = true
	}
	return out
}

var traversalRules = map[AssetType]traversalRule{
	TypeServingModel: {allow: typeSet(TypeModel)},
	TypeGuardrails:   {allow: typeSet(TypePrompt)},
	TypeAgentApp:     {deny: typeSet(TypeKnowledge, TypeVectorDB, TypeServingModel)},
}

var agentAppDepth2Deny = typeSet(TypeKnowledge, TypeVectorDB, TypeServingModel, TypeAgentApp)

// NeedsTraversal reports whether a root of type t pulls dependencies from the
// lineage service. Custom agent apps are deployed graphs without lineage.
func NeedsTraversal(t AssetType, customApp bool) bool {
	switch t {
	case TypeServingModel, TypeGuardrails:
		return true
	case TypeAgentApp:
		return !customApp
	default:
		return false
	}
}

// MaxDepth is the traversal bound for a root of type t.
func MaxDepth(t AssetType) int {
	if t == TypeAgentApp {
		return agentAppMaxDepth
	}
	return defaultMaxDepth
}

// Resolver turns raw lineage into the ordered dependency list to stage.
type Resolver struct {
	service LineageService
}

// NewResolver wraps service.
func NewResolver(service LineageService) *Resolver {
	return &Resolver{service: service}
}

// Resolve returns the filtered relations for root, deepest first.
func (r *Resolver) Resolve(ctx context.Context, rootID string, rootType AssetType) ([]LineageRelation, error) {
	if r == nil || r.service == nil {
		return nil, Errorf(KindValidation, "resolve lineage", "lineage service is not configured")
	}
	raw, err := r.service.GetLineage(ctx, rootID, DirectionDownstream, lineageAction, MaxDepth(rootType))
	if err != nil {
		return nil, classify(KindExternal, "resolve lineage", AssetRef{Type: rootType, ID: rootID}, err)
	}
	return FilterRelations(rootType, raw), nil
}

// FilterRelations applies, in order: null removal, per-type allow/deny rules,
// the AGENT_APP depth rules and the SERVING_MODEL pass-through rule. A target
// reached along several paths is staged once, at its deepest occurrence,
// instead of once per relation. The result is sorted by depth descending so
// the root's direct dependencies come last.
func FilterRelations(rootType AssetType, relations []LineageRelation) []LineageRelation {
	rule, hasRule := traversalRules[rootType]

	out := make([]LineageRelation, 0, len(relations))
	for _, rel := range relations {
		if rel.SourceType == "" || rel.TargetType == "" || rel.SourceKey == "" || rel.TargetKey == "" {
			continue
		}
		if hasRule {
			if len(rule.allow) > 0 && !rule.allow[rel.TargetType] {
				continue
			}
			if rule.deny[rel.TargetType] {
				continue
			}
		}
		if rootType == TypeAgentApp && !keepAgentAppDepth(rel) {
			continue
		}
		if rel.TargetType == TypeServingModel && rootType != TypeServingModel {
			if !(rel.SourceType == TypeKnowledge && rootType == TypeKnowledge) {
				continue
			}
		}
		out = append(out, rel)
	}

	out = dedupeDeepest(out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth > out[j].Depth })
	return out
}

func keepAgentAppDepth(rel LineageRelation) bool {
	switch {
	case rel.Depth >= 3:
		return false
	case rel.Depth == 1:
		return rel.TargetType == TypeAgentGraph
	case rel.Depth == 2:
		return !agentAppDepth2Deny[rel.TargetType]
	default:
		return true
	}
}

func dedupeDeepest(relations []LineageRelation) []LineageRelation {
	index := make(map[AssetRef]int, len(relations))
	out := make([]LineageRelation, 0, len(relations))
	for _, rel := range relations {
		key := AssetRef{Type: rel.TargetType, ID: rel.TargetKey}
		if i, seen := index[key]; seen {
			if rel.Depth > out[i].Depth {
				out[i] = rel
			}
			continue
		}
		index[key] = len(out)
		out = append(out, rel)
	}
	return out
}
