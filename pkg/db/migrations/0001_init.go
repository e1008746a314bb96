package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type MigrationMaster struct {
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

func (MigrationMaster) TableName() string { return "migration_master" }

type MigrationMap struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	MasterID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	AssetType string          `gorm:"type:text;not null;index:idx_migration_map_field"`
	AssetID   string          `gorm:"type:text;not null;index:idx_migration_map_field"`
	Field     string          `gorm:"type:text;not null;index:idx_migration_map_field"`
	DevValue  datatypes.JSON  `gorm:"type:jsonb"`
	ProdValue datatypes.JSON  `gorm:"type:jsonb"`
	Opaque    bool            `gorm:"not null;default:false"`
	CreatedAt time.Time       `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Master    MigrationMaster `gorm:"foreignKey:MasterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (MigrationMap) TableName() string { return "migration_map" }

type MigrationRun struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Actor      string            `gorm:"type:text;not null"`
	ProjectID  string            `gorm:"type:text;not null"`
	AssetType  string            `gorm:"type:text;not null"`
	AssetID    string            `gorm:"type:text;not null"`
	Stage      string            `gorm:"type:text;not null"`
	Status     string            `gorm:"type:text;not null"`
	Result     datatypes.JSONMap `gorm:"type:jsonb"`
	Error      string            `gorm:"type:text"`
	StartedAt  *time.Time        `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (MigrationRun) TableName() string { return "migration_runs" }

type AssetProjectIndex struct {
	AssetType string    `gorm:"type:text;primaryKey"`
	AssetID   string    `gorm:"type:text;primaryKey"`
	PrjSeq    string    `gorm:"column:prj_seq;type:text;not null"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (AssetProjectIndex) TableName() string { return "asset_project_index" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&MigrationMaster{},
		&MigrationMap{},
		&MigrationRun{},
		&AssetProjectIndex{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AssetProjectIndex{},
		&MigrationRun{},
		&MigrationMap{},
		&MigrationMaster{},
	)
}
