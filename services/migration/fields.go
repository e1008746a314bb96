package migration

import (
	"context"
	"encoding/json"
	"strings"

	"aimigrate/pkg/orderedjson"
)

// FieldPath is a dot separated path into an asset document. Arrays met along
// the way resolve to their first element. A trailing ".*" stands for every key
// of the object at that path.
type FieldPath string

const wildcardSuffix = ".*"

// FieldMapping lists the environment-sensitive fields of one asset type.
type FieldMapping []FieldPath

// agentAppsField is the structural AGENT_GRAPH field holding one
// {agent_app_id, api_key} record per agent-app node.
const agentAppsField = "agent_apps"

// DefaultFieldMappings returns the built-in mapping table. Types absent from
// the table have no field schema.
func DefaultFieldMappings() map[AssetType]FieldMapping {
	return map[AssetType]FieldMapping{
		TypeTool:         {"url", "api_param.body", "api_param.params", "api_param.headers"},
		TypeMCP:          {"server_url", "auth_config.*"},
		TypeModel:        {"endpoints.url", "endpoints.key", "model_path"},
		TypeAgentGraph:   {agentAppsField},
		TypeVectorDB:     {"connection_info.*"},
		TypeKnowledge:    {"embedding_url"},
		TypeServingModel: {"resource.cpu", "resource.memory", "resource.gpu", "replicas"},
		TypeSubAgent:     {"endpoint_url", "api_key"},
		TypeAgentApp:     {"resource.cpu", "resource.memory"},
	}
}

// FieldValue is one dev/prod pair. Values use the orderedjson tree vocabulary
// once they have passed through Normalize.
type FieldValue struct {
	Name string `json:"name"`
	Dev  any    `json:"dev"`
	Prod any    `json:"prod,omitempty"`
}

// AssetFields groups the extracted fields of one asset.
type AssetFields struct {
	ID     string       `json:"id"`
	Fields []FieldValue `json:"fields"`
}

// Diffs holds operator-approved values keyed by asset type then asset id.
type Diffs map[AssetType]map[string][]FieldValue

// For returns the approved values for one asset.
func (d Diffs) For(t AssetType, id string) []FieldValue {
	if d == nil {
		return nil
	}
	return d[t][id]
}

// Empty reports whether d holds no values.
func (d Diffs) Empty() bool {
	for _, byID := range d {
		for _, values := range byID {
			if len(values) > 0 {
				return false
			}
		}
	}
	return true
}

// ProdLookup returns the most recently approved prod value for a field as JSON.
type ProdLookup func(ctx context.Context, t AssetType, id, field string) (json.RawMessage, bool, error)

// ExtractFields reads the dev values of mapping from doc. Fields that are
// absent from the document are skipped.
func ExtractFields(t AssetType, doc *orderedjson.Object, mapping FieldMapping) []FieldValue {
	var out []FieldValue
	for _, path := range mapping {
		p := string(path)
		switch {
		case t == TypeAgentGraph && p == agentAppsField:
			if apps := agentAppRecords(doc); len(apps) > 0 {
				out = append(out, FieldValue{Name: p, Dev: apps})
			}
		case strings.HasSuffix(p, wildcardSuffix):
			base := strings.TrimSuffix(p, wildcardSuffix)
			nested, ok := lookupPath(doc, base)
			if !ok {
				continue
			}
			obj, ok := nested.(*orderedjson.Object)
			if !ok {
				continue
			}
			for _, k := range obj.Keys {
				out = append(out, FieldValue{Name: base + "." + k, Dev: obj.Values[k]})
			}
		default:
			if v, ok := lookupPath(doc, p); ok {
				out = append(out, FieldValue{Name: p, Dev: v})
			}
		}
	}
	return out
}

// FillProd sets Prod on each value from lookup. Lookup failures leave Prod
// empty; the operator supplies it during review.
func FillProd(ctx context.Context, t AssetType, id string, values []FieldValue, lookup ProdLookup) []FieldValue {
	if lookup == nil {
		return values
	}
	for i := range values {
		raw, ok, err := lookup(ctx, t, id, values[i].Name)
		if err != nil || !ok || len(raw) == 0 {
			continue
		}
		if v, err := orderedjson.Parse(raw); err == nil {
			values[i].Prod = v
		}
	}
	return values
}

// Normalize converts values decoded by encoding/json into tree form.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, json.Number, *orderedjson.Object:
		return v
	}
	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = Normalize(item)
		}
		return out
	}
	converted, err := orderedjson.FromAny(v)
	if err != nil {
		return v
	}
	return converted
}

// IsEmptyValue reports whether v carries no usable value.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case *orderedjson.Object:
		return t.Len() == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func lookupPath(doc *orderedjson.Object, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		cur = firstElement(cur)
		obj, ok := cur.(*orderedjson.Object)
		if !ok {
			return nil, false
		}
		cur, ok = obj.Get(part)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstElement(v any) any {
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}

// setPath writes value at path, creating intermediate objects as needed.
// Arrays along the path resolve to their first element; an empty array stops
// the write.
func setPath(doc *orderedjson.Object, path string, value any) bool {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.Get(part)
		if !ok || next == nil {
			child := orderedjson.NewObject()
			cur.Set(part, child)
			cur = child
			continue
		}
		obj, ok := firstElement(next).(*orderedjson.Object)
		if !ok {
			return false
		}
		cur = obj
	}
	cur.Set(parts[len(parts)-1], value)
	return true
}
