package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Actor      string            `gorm:"type:text"`
	ProjectID  string            `gorm:"type:text"`
	AssetType  string            `gorm:"type:text"`
	AssetID    string            `gorm:"type:text"`
	Stage      string            `gorm:"type:text"`
	Status     string            `gorm:"type:text"`
	Result     datatypes.JSONMap `gorm:"type:jsonb"`
	Error      string            `gorm:"type:text"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "migration_runs" }

const (
	runStatusRunning = "running"
	runStatusSuccess = "success"
	runStatusFailed  = "failed"
)

// Run is one recorded stage execution.
type Run struct {
	ID         uuid.UUID
	Actor      string
	ProjectID  string
	AssetType  string
	AssetID    string
	Stage      Stage
	Status     string
	Result     map[string]any
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunStore persists run records.
type RunStore interface {
	Start(ctx context.Context, run Run) error
	Finish(ctx context.Context, id uuid.UUID, status string, result map[string]any, errMsg string, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (Run, error)
}

// GormRunStore keeps runs in the migration_runs table.
type GormRunStore struct {
	orm *gorm.DB
}

// NewGormRunStore wraps orm.
func NewGormRunStore(orm *gorm.DB) (*GormRunStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormRunStore{orm: orm}, nil
}

// Start inserts a running record, or resets an existing one with the same id.
func (s *GormRunStore) Start(ctx context.Context, run Run) error {
	startedAt := run.StartedAt
	m := runModel{
		ID:        run.ID,
		Actor:     run.Actor,
		ProjectID: run.ProjectID,
		AssetType: run.AssetType,
		AssetID:   run.AssetID,
		Stage:     string(run.Stage),
		Status:    runStatusRunning,
		StartedAt: &startedAt,
	}
	return s.orm.WithContext(ctx).Save(&m).Error
}

// Finish stores the final status of a run.
func (s *GormRunStore) Finish(ctx context.Context, id uuid.UUID, status string, result map[string]any, errMsg string, at time.Time) error {
	updates := map[string]any{
		"status":      status,
		"result":      datatypes.JSONMap(result),
		"error":       errMsg,
		"finished_at": at,
	}
	res := s.orm.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Get loads one run.
func (s *GormRunStore) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	var m runModel
	if err := s.orm.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return Run{}, err
	}
	run := Run{
		ID:         m.ID,
		Actor:      m.Actor,
		ProjectID:  m.ProjectID,
		AssetType:  m.AssetType,
		AssetID:    m.AssetID,
		Stage:      Stage(m.Stage),
		Status:     m.Status,
		Result:     map[string]any(m.Result),
		Error:      m.Error,
		FinishedAt: m.FinishedAt,
	}
	if m.StartedAt != nil {
		run.StartedAt = *m.StartedAt
	}
	return run, nil
}
