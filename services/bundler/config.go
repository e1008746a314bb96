package bundler

import (
	"context"
	"io"
	"time"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// BaseDir is the migration base directory holding the manifest tree and
	// the project file.
	BaseDir string
	Output  string
	Signer  *Signer
	Now     func() time.Time
	Stdout  io.Writer
}

// Archiver stores a copy of an imported bundle. *s3.Client satisfies it.
type Archiver interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// ImportConfig configures bundle import operations.
type ImportConfig struct {
	BundlePath string
	// BaseDir receives the manifests and project records.
	BaseDir string
	Signer  *Signer

	// Archive, when set, receives the verified bundle under Bucket/Prefix.
	Archive Archiver
	Bucket  string
	Prefix  string

	Stdout io.Writer
}
