// Package bundler moves merged manifests between networks that cannot reach
// each other, as signed tar.zst archives.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"aimigrate/services/migration"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
	manifestVersion    = "1"
)

// Build packs the manifest tree and the project file under BaseDir into a
// signed archive written to Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staging := migration.NewStaging(cfg.BaseDir)
	entries, err := collectManifests(ctx, cfg.BaseDir, staging.ManifestRoot())
	if err != nil {
		return nil, err
	}
	project, ok, err := describeFile(cfg.BaseDir, staging.ProjectFilePath(), kindProject)
	if err != nil {
		return nil, err
	}
	if ok {
		entries = append(entries, project)
	}
	if len(entries) == 0 {
		return nil, errors.New("no manifests found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Artifacts: entries,
	}
	if err := cfg.Signer.Seal(manifest); err != nil {
		return nil, fmt.Errorf("seal bundle: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.BaseDir, entries, manifest.CreatedAt); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(entries))
	return manifest, nil
}

func collectManifests(ctx context.Context, baseDir, root string) ([]ManifestArtifact, error) {
	var artifacts []ManifestArtifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipDir
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		art, _, err := describeFile(baseDir, p, kindManifest)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, art)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// describeFile hashes p. A missing file reports ok=false.
func describeFile(baseDir, p, kind string) (ManifestArtifact, bool, error) {
	file, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ManifestArtifact{}, false, nil
	}
	if err != nil {
		return ManifestArtifact{}, false, fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()

	rel, err := filepath.Rel(baseDir, p)
	if err != nil {
		return ManifestArtifact{}, false, fmt.Errorf("relative path for %q: %w", p, err)
	}

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return ManifestArtifact{}, false, fmt.Errorf("hash %q: %w", p, err)
	}
	return ManifestArtifact{
		Path:   filepath.ToSlash(rel),
		Kind:   kind,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, true, nil
}

func writeBundle(output string, manifest []byte, baseDir string, entries []ManifestArtifact, modTime time.Time) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, filepath.Join(baseDir, filepath.FromSlash(entry.Path)), entry); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(tw *tar.Writer, fullPath string, entry ManifestArtifact) error {
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	header := &tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// ImportResult lists what an import placed under the base directory.
type ImportResult struct {
	Manifest       *Manifest
	ManifestPaths  []string
	ProjectRecords int
}

// Import verifies a bundle and writes its manifests below BaseDir. Project
// records are upserted into the local project file rather than replacing it.
func Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Archive != nil && cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "aimigrate-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := extract(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if err := cfg.Signer.Verify(&manifest); err != nil {
		return nil, fmt.Errorf("verify bundle: %w", err)
	}

	fmt.Fprintf(cfg.Stdout, "verified bundle sealed at %s by key %s\n", manifest.CreatedAt.Format(time.RFC3339), cfg.Signer.KeyID())

	// Verify everything before touching the base directory.
	for _, art := range manifest.Artifacts {
		tempPath, ok := files[path.Join(artifactsTarPrefix, path.Clean(art.Path))]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
		if !safeRelative(art.Path) {
			return nil, fmt.Errorf("invalid artifact path %q", art.Path)
		}
	}

	result := &ImportResult{Manifest: &manifest}
	projects := migration.NewProjectFile(migration.NewStaging(cfg.BaseDir).ProjectFilePath())
	for _, art := range manifest.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tempPath := files[path.Join(artifactsTarPrefix, path.Clean(art.Path))]
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", art.Path, err)
		}

		switch art.Kind {
		case kindProject:
			n, err := upsertProjects(projects, data)
			if err != nil {
				return nil, fmt.Errorf("merge project records: %w", err)
			}
			result.ProjectRecords += n
		default:
			dest := filepath.Join(cfg.BaseDir, filepath.FromSlash(art.Path))
			if err := migration.WriteFileAtomic(dest, data); err != nil {
				return nil, fmt.Errorf("write %q: %w", art.Path, err)
			}
			result.ManifestPaths = append(result.ManifestPaths, dest)
		}
		fmt.Fprintf(cfg.Stdout, "imported %s (%d bytes)\n", art.Path, art.Size)
	}

	if cfg.Archive != nil {
		if err := archive(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func extract(ctx context.Context, bundlePath, tempDir string) ([]byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var manifestBytes []byte
	files := map[string]string{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}
		if !safeRelative(name) {
			return nil, nil, fmt.Errorf("invalid entry path %q", name)
		}

		targetPath := filepath.Join(tempDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(targetPath), err)
		}
		file, err := os.Create(targetPath)
		if err != nil {
			return nil, nil, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()
		files[name] = targetPath
	}
	return manifestBytes, files, nil
}

func safeRelative(name string) bool {
	clean := path.Clean(name)
	return clean != "." && !path.IsAbs(clean) && clean != ".." && !strings.HasPrefix(clean, "../")
}

func upsertProjects(projects *migration.ProjectFile, data []byte) (int, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, err
	}
	for _, rec := range records {
		if _, err := projects.Upsert(rec); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func archive(ctx context.Context, cfg ImportConfig) error {
	file, err := os.Open(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("open bundle for archive: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash bundle: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind bundle: %w", err)
	}

	key := path.Join(cfg.Prefix, filepath.Base(cfg.BundlePath))
	if err := cfg.Archive.PutObject(ctx, cfg.Bucket, key, file, size, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return fmt.Errorf("archive bundle: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "archived bundle to s3://%s/%s\n", cfg.Bucket, key)
	return nil
}

func validateArtifact(p string, art ManifestArtifact) error {
	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open %q: %w", art.Path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", art.Path, err)
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	computed := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(computed, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}
