//go:build linux

package migration

import "golang.org/x/sys/unix"

const (
	stagingDirMode  = 0o775
	stagingFileMode = 0o777
)

func applyDirPerm(path string) error {
	return unix.Chmod(path, stagingDirMode)
}

func applyFilePerm(path string) error {
	return unix.Chmod(path, stagingFileMode)
}
