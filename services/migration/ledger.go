package migration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerMaster is the audit header written for each merged manifest.
type LedgerMaster struct {
	ID           uuid.UUID
	ProjectID    string
	ProjectName  string
	AssetType    AssetType
	AssetID      string
	AssetName    string
	ManifestPath string
	Actor        string
	Deleted      bool
	CreatedAt    time.Time
}

// LedgerMapping records one dev/prod field pair under a master. Opaque rows
// hold a whole payload for types without a field schema.
type LedgerMapping struct {
	AssetType AssetType
	AssetID   string
	Field     string
	DevValue  json.RawMessage
	ProdValue json.RawMessage
	Opaque    bool
}

// Ledger is the durable audit record of migrations.
type Ledger interface {
	Record(ctx context.Context, master LedgerMaster, maps []LedgerMapping) (uuid.UUID, error)
	LatestProdValue(ctx context.Context, t AssetType, id, field string) (json.RawMessage, bool, error)
	SoftDeleteOthers(ctx context.Context, keep uuid.UUID, t AssetType, id, projectID string) (int64, error)
	LatestMaster(ctx context.Context, t AssetType, id, projectID string) (LedgerMaster, bool, error)
	Get(ctx context.Context, id uuid.UUID) (LedgerMaster, []LedgerMapping, error)
}

type masterModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID    string    `gorm:"type:text;not null;index:idx_migration_master_asset"`
	ProjectName  string    `gorm:"type:text"`
	AssetType    string    `gorm:"type:text;not null;index:idx_migration_master_asset"`
	AssetID      string    `gorm:"type:text;not null;index:idx_migration_master_asset"`
	AssetName    string    `gorm:"type:text"`
	ManifestPath string    `gorm:"type:text"`
	Actor        string    `gorm:"type:text;not null"`
	Deleted      bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (masterModel) TableName() string { return "migration_master" }

type mapModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	MasterID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	AssetType string         `gorm:"type:text;not null"`
	AssetID   string         `gorm:"type:text;not null"`
	Field     string         `gorm:"type:text;not null"`
	DevValue  datatypes.JSON `gorm:"type:jsonb"`
	ProdValue datatypes.JSON `gorm:"type:jsonb"`
	Opaque    bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (mapModel) TableName() string { return "migration_map" }

// GormLedger stores the ledger in PostgreSQL.
type GormLedger struct {
	orm *gorm.DB
}

// NewGormLedger wraps orm.
func NewGormLedger(orm *gorm.DB) (*GormLedger, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormLedger{orm: orm}, nil
}

// Record writes master and maps in one transaction.
func (l *GormLedger) Record(ctx context.Context, master LedgerMaster, maps []LedgerMapping) (uuid.UUID, error) {
	if l == nil {
		return uuid.Nil, errors.New("nil ledger")
	}
	if master.ID == uuid.Nil {
		master.ID = uuid.New()
	}
	ref := AssetRef{Type: master.AssetType, ID: master.AssetID}
	err := l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := masterModel{
			ID:           master.ID,
			ProjectID:    ToSentinel(master.ProjectID),
			ProjectName:  master.ProjectName,
			AssetType:    string(master.AssetType),
			AssetID:      master.AssetID,
			AssetName:    master.AssetName,
			ManifestPath: master.ManifestPath,
			Actor:        master.Actor,
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		if len(maps) == 0 {
			return nil
		}
		rows := make([]mapModel, 0, len(maps))
		for _, mp := range maps {
			rows = append(rows, mapModel{
				MasterID:  master.ID,
				AssetType: string(mp.AssetType),
				AssetID:   mp.AssetID,
				Field:     mp.Field,
				DevValue:  datatypes.JSON(mp.DevValue),
				ProdValue: datatypes.JSON(mp.ProdValue),
				Opaque:    mp.Opaque,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return uuid.Nil, NewError(KindPersistence, "record ledger", ref, err)
	}
	return master.ID, nil
}

// LatestProdValue returns the newest prod value recorded for a field under a
// live master.
func (l *GormLedger) LatestProdValue(ctx context.Context, t AssetType, id, field string) (json.RawMessage, bool, error) {
	var row mapModel
	err := l.orm.WithContext(ctx).
		Table("migration_map AS m").
		Select("m.*").
		Joins("JOIN migration_master AS mm ON mm.id = m.master_id").
		Where("m.asset_type = ? AND m.asset_id = ? AND m.field = ? AND mm.deleted = ? AND m.prod_value IS NOT NULL", string(t), id, field, false).
		Order("m.created_at DESC").
		Limit(1).
		Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, NewError(KindPersistence, "lookup prod value", AssetRef{Type: t, ID: id}, err)
	}
	if len(row.ProdValue) == 0 || string(row.ProdValue) == "null" {
		return nil, false, nil
	}
	return json.RawMessage(row.ProdValue), true, nil
}

// SoftDeleteOthers marks every master of the same asset except keep deleted.
func (l *GormLedger) SoftDeleteOthers(ctx context.Context, keep uuid.UUID, t AssetType, id, projectID string) (int64, error) {
	res := l.orm.WithContext(ctx).
		Model(&masterModel{}).
		Where("asset_type = ? AND asset_id = ? AND project_id = ? AND id <> ? AND deleted = ?", string(t), id, ToSentinel(projectID), keep, false).
		Update("deleted", true)
	if res.Error != nil {
		return 0, NewError(KindPersistence, "soft delete ledger", AssetRef{Type: t, ID: id}, res.Error)
	}
	return res.RowsAffected, nil
}

// LatestMaster returns the newest live master for an asset.
func (l *GormLedger) LatestMaster(ctx context.Context, t AssetType, id, projectID string) (LedgerMaster, bool, error) {
	var m masterModel
	err := l.orm.WithContext(ctx).
		Where("asset_type = ? AND asset_id = ? AND project_id = ? AND deleted = ?", string(t), id, ToSentinel(projectID), false).
		Order("created_at DESC").
		First(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return LedgerMaster{}, false, nil
	case err != nil:
		return LedgerMaster{}, false, NewError(KindPersistence, "latest ledger", AssetRef{Type: t, ID: id}, err)
	}
	return masterFromModel(m), true, nil
}

// Get loads a master and its mappings.
func (l *GormLedger) Get(ctx context.Context, id uuid.UUID) (LedgerMaster, []LedgerMapping, error) {
	var m masterModel
	if err := l.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		kind := KindPersistence
		if errors.Is(err, gorm.ErrRecordNotFound) {
			kind = KindNotFound
		}
		return LedgerMaster{}, nil, NewError(kind, "get ledger", AssetRef{}, err)
	}
	var rows []mapModel
	if err := l.orm.WithContext(ctx).Where("master_id = ?", id).Order("id").Find(&rows).Error; err != nil {
		return LedgerMaster{}, nil, NewError(KindPersistence, "get ledger", AssetRef{}, err)
	}
	maps := make([]LedgerMapping, 0, len(rows))
	for _, r := range rows {
		maps = append(maps, LedgerMapping{
			AssetType: AssetType(r.AssetType),
			AssetID:   r.AssetID,
			Field:     r.Field,
			DevValue:  json.RawMessage(r.DevValue),
			ProdValue: json.RawMessage(r.ProdValue),
			Opaque:    r.Opaque,
		})
	}
	return masterFromModel(m), maps, nil
}

func masterFromModel(m masterModel) LedgerMaster {
	return LedgerMaster{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		ProjectName:  m.ProjectName,
		AssetType:    AssetType(m.AssetType),
		AssetID:      m.AssetID,
		AssetName:    m.AssetName,
		ManifestPath: m.ManifestPath,
		Actor:        m.Actor,
		Deleted:      m.Deleted,
		CreatedAt:    m.CreatedAt,
	}
}

// MemoryLedger keeps the ledger in process. migratectl falls back to it when
// no database is configured.
type MemoryLedger struct {
	mu      sync.Mutex
	masters map[uuid.UUID]LedgerMaster
	maps    map[uuid.UUID][]LedgerMapping
	order   []uuid.UUID
}

// NewMemoryLedger returns an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		masters: make(map[uuid.UUID]LedgerMaster),
		maps:    make(map[uuid.UUID][]LedgerMapping),
	}
}

func (l *MemoryLedger) Record(_ context.Context, master LedgerMaster, maps []LedgerMapping) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if master.ID == uuid.Nil {
		master.ID = uuid.New()
	}
	if master.CreatedAt.IsZero() {
		master.CreatedAt = time.Now().UTC()
	}
	master.ProjectID = ToSentinel(master.ProjectID)
	l.masters[master.ID] = master
	l.maps[master.ID] = append([]LedgerMapping(nil), maps...)
	l.order = append(l.order, master.ID)
	return master.ID, nil
}

func (l *MemoryLedger) LatestProdValue(_ context.Context, t AssetType, id, field string) (json.RawMessage, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		mid := l.order[i]
		if l.masters[mid].Deleted {
			continue
		}
		for _, mp := range l.maps[mid] {
			if mp.AssetType == t && mp.AssetID == id && mp.Field == field && len(mp.ProdValue) > 0 && string(mp.ProdValue) != "null" {
				return mp.ProdValue, true, nil
			}
		}
	}
	return nil, false, nil
}

func (l *MemoryLedger) SoftDeleteOthers(_ context.Context, keep uuid.UUID, t AssetType, id, projectID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	project := ToSentinel(projectID)
	for mid, m := range l.masters {
		if mid == keep || m.Deleted || m.AssetType != t || m.AssetID != id || m.ProjectID != project {
			continue
		}
		m.Deleted = true
		l.masters[mid] = m
		n++
	}
	return n, nil
}

func (l *MemoryLedger) LatestMaster(_ context.Context, t AssetType, id, projectID string) (LedgerMaster, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project := ToSentinel(projectID)
	for i := len(l.order) - 1; i >= 0; i-- {
		m := l.masters[l.order[i]]
		if !m.Deleted && m.AssetType == t && m.AssetID == id && m.ProjectID == project {
			return m, true, nil
		}
	}
	return LedgerMaster{}, false, nil
}

func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (LedgerMaster, []LedgerMapping, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.masters[id]
	if !ok {
		return LedgerMaster{}, nil, NewError(KindNotFound, "get ledger", AssetRef{}, errors.New("no such ledger entry"))
	}
	return m, append([]LedgerMapping(nil), l.maps[id]...), nil
}

// Masters lists live and deleted masters, oldest first.
func (l *MemoryLedger) Masters() []LedgerMaster {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerMaster, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.masters[id])
	}
	return out
}
