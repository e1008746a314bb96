package migration

import (
	"context"
)

// Event subjects.
const (
	SubjectValidated  = "aimigrate.migration.validated"
	SubjectMerged     = "aimigrate.migration.merged"
	SubjectMigrated   = "aimigrate.migration.migrated"
	SubjectCopyFailed = "aimigrate.migration.copy_failed"
)

// Publisher sends pipeline events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Event is the payload of every pipeline event.
type Event struct {
	Actor        string    `json:"actor"`
	ProjectID    string    `json:"project_id"`
	AssetType    AssetType `json:"asset_type"`
	AssetID      string    `json:"asset_id"`
	OK           bool      `json:"ok"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	Failures     []string  `json:"failures,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (o *Orchestrator) publish(ctx context.Context, subject string, evt Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, subject, evt); err != nil {
		o.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
