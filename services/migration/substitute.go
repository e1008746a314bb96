package migration

import (
	"encoding/json"
	"strings"

	"github.com/mohae/deepcopy"

	"aimigrate/pkg/orderedjson"
)

const (
	agentAppNodeType  = "agent_app"
	agentAppIDKey     = "agent_app_id"
	agentAppAPIKeyKey = "api_key"
	platformAPIKeyKey = "platform_api_key"
	toolBodyField     = "api_param.body"
	toolParamsField   = "api_param.params"
	toolHeadersField  = "api_param.headers"
	graphIDPath       = "graph"
	assetIDKey        = "id"
	projectSeqKey     = "prj_seq"
)

// SubstituteOptions configures value substitution.
type SubstituteOptions struct {
	// ProdAPIKey is written into every agent-app node of an AGENT_GRAPH.
	ProdAPIKey string
}

// ApplySubstitutions rewrites doc in place with the approved values for one
// asset. For each field the prod value wins when present and non-empty,
// otherwise the dev value is kept.
func ApplySubstitutions(t AssetType, doc *orderedjson.Object, values []FieldValue, opts SubstituteOptions) {
	for _, fv := range values {
		dev := Normalize(deepcopy.Copy(fv.Dev))
		prod := Normalize(deepcopy.Copy(fv.Prod))

		if t == TypeAgentGraph && fv.Name == agentAppsField {
			applyAgentApps(doc, dev, prod)
			continue
		}

		chosen := dev
		if !IsEmptyValue(prod) {
			chosen = prod
		}

		if t == TypeTool {
			switch fv.Name {
			case toolBodyField:
				chosen = parseJSONString(chosen)
			case toolParamsField, toolHeadersField:
				chosen = overlayObject(parseJSONString(dev), parseJSONString(prod))
			}
		}
		if chosen == nil {
			continue
		}
		setPath(doc, fv.Name, chosen)
	}

	if t == TypeAgentGraph {
		if opts.ProdAPIKey != "" {
			for _, holder := range agentAppHolders(doc) {
				holder.Set(platformAPIKeyKey, opts.ProdAPIKey)
			}
		}
		StripGraphIDs(doc)
	}
}

// StripGraphIDs removes the graph's own id and the nested graph.id, which
// would otherwise collide with the path parameter used at import time.
func StripGraphIDs(doc *orderedjson.Object) {
	doc.Delete(assetIDKey)
	if inner, ok := doc.Get(graphIDPath); ok {
		if obj, ok := inner.(*orderedjson.Object); ok {
			obj.Delete(assetIDKey)
		}
	}
}

// parseJSONString turns a string holding a JSON object or array into its tree
// form; anything else is returned unchanged.
func parseJSONString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	parsed, err := orderedjson.Parse([]byte(trimmed))
	if err != nil {
		return v
	}
	return parsed
}

// overlayObject merges prod keys over dev. Non-object prod values replace dev
// outright when non-empty.
func overlayObject(dev, prod any) any {
	if IsEmptyValue(prod) {
		return dev
	}
	prodObj, ok := prod.(*orderedjson.Object)
	if !ok {
		return prod
	}
	devObj, ok := dev.(*orderedjson.Object)
	if !ok {
		return prodObj
	}
	merged := orderedjson.Clone(devObj).(*orderedjson.Object)
	for _, k := range prodObj.Keys {
		merged.Set(k, prodObj.Values[k])
	}
	return merged
}

// graphNodes finds the node array of a graph document.
func graphNodes(doc *orderedjson.Object) []any {
	for _, path := range []string{"graph.nodes", "nodes"} {
		if v, ok := doc.Lookup(path); ok {
			if nodes, ok := v.([]any); ok {
				return nodes
			}
		}
	}
	return nil
}

// agentAppHolders returns, for every agent-app node, the object that carries
// its agent_app_id: the node's data object when present, the node otherwise.
func agentAppHolders(doc *orderedjson.Object) []*orderedjson.Object {
	var out []*orderedjson.Object
	for _, n := range graphNodes(doc) {
		node, ok := n.(*orderedjson.Object)
		if !ok {
			continue
		}
		holder := node
		if data, ok := node.Get("data"); ok {
			if obj, ok := data.(*orderedjson.Object); ok {
				holder = obj
			}
		}
		nodeType, _ := node.Get("type")
		_, hasID := holder.Get(agentAppIDKey)
		if nodeType == agentAppNodeType || hasID {
			out = append(out, holder)
		}
	}
	return out
}

// agentAppRecords lists {agent_app_id, api_key} for every agent-app node in
// graph order.
func agentAppRecords(doc *orderedjson.Object) []any {
	var out []any
	for _, holder := range agentAppHolders(doc) {
		rec := orderedjson.NewObject()
		id, _ := holder.Get(agentAppIDKey)
		key, _ := holder.Get(agentAppAPIKeyKey)
		rec.Set(agentAppIDKey, id)
		rec.Set(agentAppAPIKeyKey, key)
		out = append(out, rec)
	}
	return out
}

// applyAgentApps pairs dev and prod records by position and applies each prod
// record to the node whose agent_app_id matches the dev record.
func applyAgentApps(doc *orderedjson.Object, dev, prod any) {
	devList, _ := dev.([]any)
	prodList, _ := prod.([]any)
	holders := agentAppHolders(doc)

	for i, d := range devList {
		if i >= len(prodList) {
			break
		}
		devRec, ok := d.(*orderedjson.Object)
		if !ok {
			continue
		}
		prodRec, ok := prodList[i].(*orderedjson.Object)
		if !ok {
			continue
		}
		devID, _ := devRec.Get(agentAppIDKey)
		for _, holder := range holders {
			id, _ := holder.Get(agentAppIDKey)
			if !sameScalar(id, devID) {
				continue
			}
			if v, ok := prodRec.Get(agentAppIDKey); ok && !IsEmptyValue(v) {
				holder.Set(agentAppIDKey, v)
			}
			if v, ok := prodRec.Get(agentAppAPIKeyKey); ok && !IsEmptyValue(v) {
				holder.Set(agentAppAPIKeyKey, v)
			}
			break
		}
	}
}

// sameScalar compares two tree scalars. Objects and arrays never match.
func sameScalar(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case json.Number:
		y, ok := b.(json.Number)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	default:
		return false
	}
}
