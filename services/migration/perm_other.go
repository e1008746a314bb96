//go:build !linux

package migration

func applyDirPerm(string) error { return nil }

func applyFilePerm(string) error { return nil }
