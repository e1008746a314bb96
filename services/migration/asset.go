package migration

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AssetType identifies a kind of AI-platform asset.
type AssetType string

const (
	TypeTool         AssetType = "TOOL"
	TypeMCP          AssetType = "MCP"
	TypeAgentGraph   AssetType = "AGENT_GRAPH"
	TypeModel        AssetType = "MODEL"
	TypePrompt       AssetType = "PROMPT"
	TypeFewShot      AssetType = "FEW_SHOT"
	TypeGuardrails   AssetType = "GUARDRAILS"
	TypeKnowledge    AssetType = "KNOWLEDGE"
	TypeVectorDB     AssetType = "VECTOR_DB"
	TypeServingModel AssetType = "SERVING_MODEL"
	TypeAgentApp     AssetType = "AGENT_APP"
	TypeSafetyFilter AssetType = "SAFETY_FILTER"
	TypeProject      AssetType = "PROJECT"
	TypeSubAgent     AssetType = "SUB_AGENT"
)

var allAssetTypes = []AssetType{
	TypeTool, TypeMCP, TypeAgentGraph, TypeModel, TypePrompt, TypeFewShot,
	TypeGuardrails, TypeKnowledge, TypeVectorDB, TypeServingModel, TypeAgentApp,
	TypeSafetyFilter, TypeProject, TypeSubAgent,
}

// typesByNameLength lists type names longest first so filename parsing never
// matches a shorter name that happens to prefix a longer one.
var typesByNameLength = func() []AssetType {
	out := append([]AssetType(nil), allAssetTypes...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}()

// AllAssetTypes returns every known asset type.
func AllAssetTypes() []AssetType {
	return append([]AssetType(nil), allAssetTypes...)
}

// ParseAssetType accepts a type name in any case.
func ParseAssetType(s string) (AssetType, error) {
	candidate := AssetType(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range allAssetTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown asset type %q", s)
}

func (t AssetType) String() string { return string(t) }

// AssetRef names one asset.
type AssetRef struct {
	Type AssetType `json:"type"`
	ID   string    `json:"id"`
}

func (r AssetRef) String() string { return string(r.Type) + ":" + r.ID }

// LineageRelation is one downstream-use edge returned by the lineage service.
// Depth is the hop distance of the target from the traversal root.
type LineageRelation struct {
	SourceType AssetType
	SourceKey  string
	TargetType AssetType
	TargetKey  string
	Depth      int
	Action     string
}

// ExportRecord describes one staged file.
type ExportRecord struct {
	AssetType AssetType
	AssetID   string
	Depth     int
	Payload   []byte
	FilePath  string
}

// Manifest is the consolidated document produced by merging a root's staged files.
type Manifest struct {
	CreatedAt   time.Time       `json:"created_at"`
	ProjectID   string          `json:"project_id"`
	ProjectName string          `json:"project_name"`
	AssetType   AssetType       `json:"asset_type"`
	AssetID     string          `json:"asset_id"`
	AssetName   string          `json:"asset_name"`
	FileCount   int             `json:"file_count"`
	Files       []ManifestEntry `json:"files"`
}

// ManifestEntry is one asset inside a manifest. OriginalJSON is set for types
// whose nested structure must be replayed exactly as exported.
type ManifestEntry struct {
	FileName          string          `json:"file_name"`
	Type              AssetType       `json:"type"`
	ID                string          `json:"id"`
	ResolvedProjectID string          `json:"resolved_project_id,omitempty"`
	Data              json.RawMessage `json:"data"`
	OriginalJSON      string          `json:"original_json,omitempty"`
}

// Payload returns the document to replay for this entry.
func (e ManifestEntry) Payload() []byte {
	if e.OriginalJSON != "" {
		return []byte(e.OriginalJSON)
	}
	return e.Data
}
