package bundler

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimigrate/services/migration"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(Keys{SecretKey: identity.String()})
	require.NoError(t, err)
	return signer
}

func seedBaseDir(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	staging := migration.NewStaging(base)
	manifestPath := staging.ManifestPath("7", migration.TypeTool, "t1")
	require.NoError(t, migration.WriteFileAtomic(manifestPath, []byte(`{"asset_id":"t1","files":[]}`)))
	_, err := migration.NewProjectFile(staging.ProjectFilePath()).Upsert([]byte(`{"prj_seq":7,"name":"demo"}`))
	require.NoError(t, err)
	return base, manifestPath
}

type fakeArchive struct {
	bucket, key, sha string
	size             int64
	body             []byte
}

func (f *fakeArchive) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.bucket, f.key, f.size, f.sha, f.body = bucket, key, size, sha, data
	return nil
}

func TestBuildAndImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t)
	base, manifestPath := seedBaseDir(t)
	output := filepath.Join(t.TempDir(), "out", "bundle.tar.zst")

	var buildOut bytes.Buffer
	manifest, err := Build(ctx, BuildConfig{
		BaseDir: base,
		Output:  output,
		Signer:  signer,
		Now:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Stdout:  &buildOut,
	})
	require.NoError(t, err)
	require.Len(t, manifest.Artifacts, 2)
	assert.Equal(t, "migration/7/TOOL/t1/t1.json", manifest.Artifacts[0].Path)
	assert.Equal(t, kindManifest, manifest.Artifacts[0].Kind)
	assert.Equal(t, "project_migration_data.json", manifest.Artifacts[1].Path)
	assert.Equal(t, kindProject, manifest.Artifacts[1].Kind)
	assert.NotEmpty(t, manifest.Signature)
	assert.Equal(t, signer.KeyID(), manifest.KeyID)
	assert.Len(t, manifest.Digest, 64)
	assert.Contains(t, buildOut.String(), "2 files")

	target := t.TempDir()
	_, err = migration.NewProjectFile(migration.NewStaging(target).ProjectFilePath()).Upsert([]byte(`{"prj_seq":3,"name":"other"}`))
	require.NoError(t, err)

	verifier, err := NewSigner(Keys{PublicKey: manifest.SigningPublicKey})
	require.NoError(t, err)

	archive := &fakeArchive{}
	res, err := Import(ctx, ImportConfig{
		BundlePath: output,
		BaseDir:    target,
		Signer:     verifier,
		Archive:    archive,
		Bucket:     "bundles",
		Prefix:     "imported",
		Stdout:     io.Discard,
	})
	require.NoError(t, err)

	rel, err := filepath.Rel(base, manifestPath)
	require.NoError(t, err)
	want := filepath.Join(target, rel)
	assert.Equal(t, []string{want}, res.ManifestPaths)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.JSONEq(t, `{"asset_id":"t1","files":[]}`, string(data))
	assert.Equal(t, 1, res.ProjectRecords)

	records, err := migration.NewProjectFile(migration.NewStaging(target).ProjectFilePath()).All()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	assert.Equal(t, "bundles", archive.bucket)
	assert.Equal(t, "imported/bundle.tar.zst", archive.key)
	assert.Equal(t, int64(len(archive.body)), archive.size)
	assert.Len(t, archive.sha, 64)
}

func TestImportRejectsForeignSigner(t *testing.T) {
	ctx := context.Background()
	base, _ := seedBaseDir(t)
	output := filepath.Join(t.TempDir(), "bundle.tar.zst")
	_, err := Build(ctx, BuildConfig{BaseDir: base, Output: output, Signer: newTestSigner(t), Stdout: io.Discard})
	require.NoError(t, err)

	target := t.TempDir()
	_, err = Import(ctx, ImportConfig{BundlePath: output, BaseDir: target, Signer: newTestSigner(t), Stdout: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify bundle")

	_, err = os.Stat(filepath.Join(target, "migration"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildRequiresContent(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t)
	_, err := Build(ctx, BuildConfig{BaseDir: t.TempDir(), Output: filepath.Join(t.TempDir(), "b.tar.zst"), Signer: signer, Stdout: io.Discard})
	require.Error(t, err)

	_, err = Build(ctx, BuildConfig{Output: "x", Signer: signer})
	require.Error(t, err)
	_, err = Build(ctx, BuildConfig{BaseDir: "x", Signer: signer})
	require.Error(t, err)
	_, err = Build(ctx, BuildConfig{BaseDir: "x", Output: "y"})
	require.Error(t, err)
}

func TestImportValidatesConfig(t *testing.T) {
	ctx := context.Background()
	signer := newTestSigner(t)
	_, err := Import(ctx, ImportConfig{BaseDir: "x", Signer: signer})
	require.Error(t, err)
	_, err = Import(ctx, ImportConfig{BundlePath: "x", Signer: signer})
	require.Error(t, err)
	_, err = Import(ctx, ImportConfig{BundlePath: "x", BaseDir: "y"})
	require.Error(t, err)
	_, err = Import(ctx, ImportConfig{BundlePath: "x", BaseDir: "y", Signer: signer, Archive: &fakeArchive{}})
	require.Error(t, err)
}

func TestSafeRelative(t *testing.T) {
	assert.True(t, safeRelative("artifacts/migration/a.json"))
	assert.False(t, safeRelative("../etc/passwd"))
	assert.False(t, safeRelative("/abs"))
	assert.False(t, safeRelative("."))
}
