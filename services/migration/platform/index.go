package platform

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"aimigrate/pkg/db"
	"aimigrate/services/migration"
)

const projectOfQuery = `SELECT prj_seq FROM asset_project_index WHERE asset_type = $1 AND asset_id = $2`

// ProjectIndex resolves the owning project of an asset from PostgreSQL.
type ProjectIndex struct {
	pool *pgxpool.Pool
}

// NewProjectIndex wraps pool.
func NewProjectIndex(pool *pgxpool.Pool) (*ProjectIndex, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProjectIndex{pool: pool}, nil
}

type projectRow struct {
	PrjSeq string `db:"prj_seq"`
}

// ProjectOf implements migration.ProjectIndex.
func (p *ProjectIndex) ProjectOf(ctx context.Context, t migration.AssetType, id string) (string, bool, error) {
	var row projectRow
	err := db.Get(ctx, p.pool, &row, projectOfQuery, string(t), id)
	switch {
	case pgxscan.NotFound(err):
		return "", false, nil
	case err != nil:
		return "", false, migration.NewError(migration.KindExternal, "lookup project", migration.AssetRef{Type: t, ID: id}, err)
	}
	return row.PrjSeq, true, nil
}

const (
	setProjectQuery = `
INSERT INTO asset_project_index (asset_type, asset_id, prj_seq, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (asset_type, asset_id) DO UPDATE SET prj_seq = EXCLUDED.prj_seq, updated_at = now()
`
	removeProjectQuery = `DELETE FROM asset_project_index WHERE asset_type = $1 AND asset_id = $2`
)

// SetProject records projectID as the owner of the asset.
func (p *ProjectIndex) SetProject(ctx context.Context, t migration.AssetType, id, projectID string) error {
	if _, err := db.Exec(ctx, p.pool, setProjectQuery, string(t), id, projectID); err != nil {
		return migration.NewError(migration.KindPersistence, "index project", migration.AssetRef{Type: t, ID: id}, err)
	}
	return nil
}

// Remove forgets the owner of the asset.
func (p *ProjectIndex) Remove(ctx context.Context, t migration.AssetType, id string) error {
	if _, err := db.Exec(ctx, p.pool, removeProjectQuery, string(t), id); err != nil {
		return migration.NewError(migration.KindPersistence, "unindex project", migration.AssetRef{Type: t, ID: id}, err)
	}
	return nil
}
