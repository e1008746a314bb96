package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"aimigrate/pkg/orderedjson"
)

const (
	// DefaultBaseDir is where staging, manifests and the project file live.
	DefaultBaseDir = "/gapdat/migration/aiplatform"

	stagingRootName  = "migration_temp"
	manifestRootName = "migration"
	scratchDirName   = ".scratch"
	projectFileName  = "project_migration_data.json"
)

// ProjectIndex maps an asset to the project that owns it.
type ProjectIndex interface {
	ProjectOf(ctx context.Context, t AssetType, id string) (string, bool, error)
}

// Staging lays out staging directories, manifests and the project file under
// one base directory.
type Staging struct {
	baseDir string
}

// NewStaging roots a Staging at baseDir, falling back to DefaultBaseDir.
func NewStaging(baseDir string) *Staging {
	if strings.TrimSpace(baseDir) == "" {
		baseDir = DefaultBaseDir
	}
	return &Staging{baseDir: baseDir}
}

// BaseDir returns the root directory.
func (s *Staging) BaseDir() string { return s.baseDir }

// RootDir is the committed staging directory for one root asset.
func (s *Staging) RootDir(projectID string, t AssetType, id string) string {
	return filepath.Join(s.baseDir, stagingRootName, ToPublic(projectID), string(t), SafeFileID(id))
}

// ManifestPath is where the merged manifest for one root asset is written.
func (s *Staging) ManifestPath(projectID string, t AssetType, id string) string {
	safe := SafeFileID(id)
	return filepath.Join(s.baseDir, manifestRootName, ToPublic(projectID), string(t), safe, safe+stagedExt)
}

// ManifestRoot is the directory holding every manifest.
func (s *Staging) ManifestRoot() string {
	return filepath.Join(s.baseDir, manifestRootName)
}

// ProjectFilePath is the project ledger file.
func (s *Staging) ProjectFilePath() string {
	return filepath.Join(s.baseDir, projectFileName)
}

// Begin opens a scratch directory for a new staging run. Nothing under the
// committed root directory changes until Commit.
func (s *Staging) Begin(projectID string, t AssetType, id string) (*StagingRun, error) {
	scratchParent := filepath.Join(s.baseDir, stagingRootName, scratchDirName)
	if err := mkdirAll(scratchParent); err != nil {
		return nil, NewError(KindIO, "create scratch dir", AssetRef{Type: t, ID: id}, err)
	}
	scratch := filepath.Join(scratchParent, uuid.NewString())
	if err := mkdirAll(scratch); err != nil {
		return nil, NewError(KindIO, "create scratch dir", AssetRef{Type: t, ID: id}, err)
	}
	return &StagingRun{
		root:    AssetRef{Type: t, ID: id},
		scratch: scratch,
		target:  s.RootDir(projectID, t, id),
	}, nil
}

// StagingRun is one in-progress staging pass.
type StagingRun struct {
	root    AssetRef
	scratch string
	target  string
	done    bool
	records []ExportRecord
}

// Dir is the directory files are currently written to.
func (r *StagingRun) Dir() string { return r.scratch }

// Records lists what has been written so far.
func (r *StagingRun) Records() []ExportRecord {
	return append([]ExportRecord(nil), r.records...)
}

// Write stores rec under its staged filename and returns the path.
func (r *StagingRun) Write(rec ExportRecord) (string, error) {
	if r.done {
		return "", NewError(KindIO, "stage asset", AssetRef{Type: rec.AssetType, ID: rec.AssetID}, errors.New("staging run already finished"))
	}
	path := filepath.Join(r.scratch, StagedFileName(rec.Depth, rec.AssetType, rec.AssetID))
	if err := WriteFileAtomic(path, rec.Payload); err != nil {
		return "", NewError(KindIO, "stage asset", AssetRef{Type: rec.AssetType, ID: rec.AssetID}, err)
	}
	rec.FilePath = path
	r.records = append(r.records, rec)
	return path, nil
}

// Commit replaces the committed directory with the scratch directory. A
// concurrent run for the same root that commits later wins.
func (r *StagingRun) Commit() (string, error) {
	if r.done {
		return "", errors.New("staging run already finished")
	}
	r.done = true

	if err := mkdirAll(filepath.Dir(r.target)); err != nil {
		return "", NewError(KindIO, "commit staging", r.root, err)
	}
	var old string
	if _, err := os.Stat(r.target); err == nil {
		old = r.target + ".old-" + uuid.NewString()
		if err := os.Rename(r.target, old); err != nil {
			return "", NewError(KindIO, "commit staging", r.root, err)
		}
	}
	if err := os.Rename(r.scratch, r.target); err != nil {
		if old != "" {
			_ = os.Rename(old, r.target)
		}
		return "", NewError(KindIO, "commit staging", r.root, err)
	}
	if err := applyDirPerm(r.target); err != nil {
		return "", NewError(KindIO, "commit staging", r.root, err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	for i := range r.records {
		r.records[i].FilePath = filepath.Join(r.target, filepath.Base(r.records[i].FilePath))
	}
	return r.target, nil
}

// Abort discards the scratch directory.
func (r *StagingRun) Abort() error {
	if r.done {
		return nil
	}
	r.done = true
	return os.RemoveAll(r.scratch)
}

// StagedEntry is a staged file found on disk.
type StagedEntry struct {
	StagedFile
	Path string
}

// ListStaged returns the staged files for one root, ordered for import:
// numeric depth descending, then type name, then id; files without a depth
// prefix come last.
func (s *Staging) ListStaged(projectID string, t AssetType, id string) ([]StagedEntry, error) {
	dir := s.RootDir(projectID, t, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewError(KindIO, "list staged files", AssetRef{Type: t, ID: id}, err)
	}
	var out []StagedEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), stagedExt) {
			continue
		}
		sf, err := ParseStagedFileName(e.Name())
		if err != nil {
			continue
		}
		out = append(out, StagedEntry{StagedFile: sf, Path: filepath.Join(dir, e.Name())})
	}
	SortStaged(out)
	return out, nil
}

// SortStaged orders staged entries for merging.
func SortStaged(entries []StagedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.HasDepth != b.HasDepth {
			return a.HasDepth
		}
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
}

// Stager exports assets and writes them into a staging run.
type Stager struct {
	registry *Registry
	index    ProjectIndex
}

// NewStager builds a Stager. index may be nil.
func NewStager(registry *Registry, index ProjectIndex) *Stager {
	return &Stager{registry: registry, index: index}
}

// StageAsset exports one asset, stamps it with its owning project and writes
// it into run.
func (s *Stager) StageAsset(ctx context.Context, run *StagingRun, projectID string, t AssetType, id string, depth int) (ExportRecord, error) {
	ref := AssetRef{Type: t, ID: id}
	caps, err := s.registry.Lookup(t)
	if err != nil {
		return ExportRecord{}, err
	}
	raw, err := caps.Export(ctx, id, ToSentinel(projectID))
	if err != nil {
		return ExportRecord{}, classify(KindExternal, "export asset", ref, err)
	}
	doc, err := orderedjson.ParseObject(raw)
	if err != nil {
		return ExportRecord{}, NewError(KindParse, "export asset", ref, err)
	}

	resolved := s.resolveProject(ctx, t, id, projectID)
	doc.Set(projectSeqKey, projectSeqValue(resolved))

	payload, err := orderedjson.Marshal(doc)
	if err != nil {
		return ExportRecord{}, NewError(KindParse, "export asset", ref, err)
	}
	rec := ExportRecord{AssetType: t, AssetID: id, Depth: depth, Payload: payload}
	path, err := run.Write(rec)
	if err != nil {
		return ExportRecord{}, err
	}
	rec.FilePath = path
	return rec, nil
}

func (s *Stager) resolveProject(ctx context.Context, t AssetType, id, fallback string) string {
	if s.index != nil {
		if p, ok, err := s.index.ProjectOf(ctx, t, id); err == nil && ok && strings.TrimSpace(p) != "" {
			return ToSentinel(p)
		}
	}
	return ToSentinel(fallback)
}

// projectSeqValue keeps numeric project ids numeric in the JSON payload.
func projectSeqValue(projectID string) any {
	if _, err := strconv.ParseInt(projectID, 10, 64); err == nil {
		return json.Number(projectID)
	}
	return projectID
}

// projectSeqString reads a prj_seq value back as a string id.
func projectSeqString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, applying the staging permission policy.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := mkdirAll(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return applyFilePerm(path)
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return err
	}
	return applyDirPerm(dir)
}
