package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"aimigrate/pkg/s3"
)

// ModelCopier copies a model's physical files to durable storage and returns
// where they landed.
type ModelCopier interface {
	CopyModel(ctx context.Context, modelID, srcDir string) (string, error)
}

// DirCopier copies model directories below a local destination root.
type DirCopier struct {
	Dest string
}

// CopyModel copies srcDir to {Dest}/{modelID}.
func (c DirCopier) CopyModel(ctx context.Context, modelID, srcDir string) (string, error) {
	if c.Dest == "" {
		return "", errors.New("copy destination is required")
	}
	target := filepath.Join(c.Dest, SafeFileID(modelID))
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		out := filepath.Join(target, rel)
		switch {
		case d.IsDir():
			return mkdirAll(out)
		case d.Type().IsRegular():
			return copyFile(p, out)
		default:
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("copy model %s: %w", modelID, err)
	}
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return applyFilePerm(dst)
}

// S3ModelCopier uploads model directories to an object store bucket.
type S3ModelCopier struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ModelCopier builds an uploader for bucket/prefix.
func NewS3ModelCopier(client *s3.Client, bucket, prefix string) (*S3ModelCopier, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3ModelCopier{client: client, bucket: bucket, prefix: prefix}, nil
}

// CopyModel uploads srcDir under {prefix}/{modelID}/ and returns the s3 URL.
func (c *S3ModelCopier) CopyModel(ctx context.Context, modelID, srcDir string) (string, error) {
	key := path.Join(c.prefix, SafeFileID(modelID))
	n, err := c.client.UploadDir(ctx, c.bucket, key, srcDir)
	if err != nil {
		return "", fmt.Errorf("upload model %s: %w", modelID, err)
	}
	if n == 0 {
		return "", fmt.Errorf("upload model %s: no files below %s", modelID, srcDir)
	}
	return "s3://" + c.bucket + "/" + key, nil
}
