package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"aimigrate/services/migration"
)

// relationRecord is one relation as the lineage service reports it. Field
// types vary between service versions, so records are decoded weakly.
type relationRecord struct {
	SourceType string `mapstructure:"source_type"`
	SourceKey  string `mapstructure:"source_key"`
	TargetType string `mapstructure:"target_type"`
	TargetKey  string `mapstructure:"target_key"`
	Depth      int    `mapstructure:"depth"`
	Action     string `mapstructure:"action"`
}

// GetLineage queries the lineage service. It implements migration.LineageService.
func (c *Client) GetLineage(ctx context.Context, objectID string, direction migration.Direction, action string, maxDepth int) ([]migration.LineageRelation, error) {
	if c.lineage == "" {
		return nil, migration.Errorf(migration.KindValidation, "get lineage", "lineage url is not configured")
	}
	q := url.Values{}
	q.Set("direction", string(direction))
	q.Set("action", action)
	q.Set("max_depth", strconv.Itoa(maxDepth))
	endpoint := fmt.Sprintf("%s/v1/lineage/%s", c.lineage, url.PathEscape(objectID))

	body, err := c.do(ctx, http.MethodGet, endpoint, q, nil)
	if err != nil {
		return nil, wrap("get lineage", migration.AssetRef{ID: objectID}, err)
	}
	relations, err := decodeRelations(body)
	if err != nil {
		return nil, migration.NewError(migration.KindParse, "get lineage", migration.AssetRef{ID: objectID}, err)
	}
	return relations, nil
}

// decodeRelations accepts either a bare array or {"relations": [...]}.
func decodeRelations(body []byte) ([]migration.LineageRelation, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		list, ok := v["relations"].([]any)
		if !ok && v["relations"] != nil {
			return nil, errors.New("relations is not an array")
		}
		items = list
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected lineage response %T", raw)
	}

	out := make([]migration.LineageRelation, 0, len(items))
	for i, item := range items {
		if item == nil {
			continue
		}
		var rec relationRecord
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &rec,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(item); err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		out = append(out, migration.LineageRelation{
			SourceType: knownType(rec.SourceType),
			SourceKey:  rec.SourceKey,
			TargetType: knownType(rec.TargetType),
			TargetKey:  rec.TargetKey,
			Depth:      rec.Depth,
			Action:     rec.Action,
		})
	}
	return out, nil
}

// knownType maps unknown or missing names to the empty type, which the
// relation filter drops.
func knownType(name string) migration.AssetType {
	t, err := migration.ParseAssetType(name)
	if err != nil {
		return ""
	}
	return t
}
