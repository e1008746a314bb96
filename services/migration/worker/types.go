package worker

import (
	"github.com/google/uuid"

	"aimigrate/services/migration"
)

// Stage names the pipeline step a run executes.
type Stage string

const (
	StageValidate Stage = "validate"
	StageMerge    Stage = "merge"
	StageMigrate  Stage = "migrate"
)

func (s Stage) valid() bool {
	switch s {
	case StageValidate, StageMerge, StageMigrate:
		return true
	}
	return false
}

// Request asks the worker to run one stage for one root asset.
type Request struct {
	RunID       uuid.UUID           `json:"run_id"`
	Actor       string              `json:"actor"`
	ProjectID   string              `json:"project_id"`
	ProjectName string              `json:"project_name,omitempty"`
	AssetType   migration.AssetType `json:"asset_type"`
	AssetID     string              `json:"asset_id"`
	AssetName   string              `json:"asset_name,omitempty"`
	Stage       Stage               `json:"stage"`
	Diffs       migration.Diffs     `json:"diffs,omitempty"`
}

type runLifecycleEvent struct {
	RunID     uuid.UUID           `json:"run_id"`
	AssetType migration.AssetType `json:"asset_type"`
	AssetID   string              `json:"asset_id"`
	Stage     Stage               `json:"stage"`
	Status    string              `json:"status"`
	Error     string              `json:"error,omitempty"`
}
