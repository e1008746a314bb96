package migration

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	stagedExt = ".json"
	// compositeIDDelimiter joins multiple ids in SAFETY_FILTER references.
	compositeIDDelimiter = "|"
)

// SafeFileID rewrites characters that cannot appear in a filename.
func SafeFileID(id string) string {
	id = strings.ReplaceAll(id, compositeIDDelimiter, "_")
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, string(filepath.Separator), "_")
}

// StagedFileName returns "{depth}_{TYPE}_{id}.json".
func StagedFileName(depth int, t AssetType, id string) string {
	return fmt.Sprintf("%d_%s_%s%s", depth, t, SafeFileID(id), stagedExt)
}

// StagedFile is the parsed form of a staged filename.
type StagedFile struct {
	Name     string
	Type     AssetType
	ID       string
	Depth    int
	HasDepth bool
}

// ParseStagedFileName understands both "{depth}_{TYPE}_{id}.json" and the
// legacy "{TYPE}_{id}.json", which is treated as depth 0.
func ParseStagedFileName(name string) (StagedFile, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(strings.ToLower(base), stagedExt) {
		return StagedFile{}, fmt.Errorf("not a staged json file: %q", name)
	}
	rest := base[:len(base)-len(stagedExt)]

	sf := StagedFile{Name: base}
	if i := strings.IndexByte(rest, '_'); i > 0 {
		if depth, err := strconv.Atoi(rest[:i]); err == nil && depth >= 0 {
			sf.Depth = depth
			sf.HasDepth = true
			rest = rest[i+1:]
		}
	}

	for _, t := range typesByNameLength {
		prefix := string(t) + "_"
		if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
			sf.Type = t
			sf.ID = rest[len(prefix):]
			return sf, nil
		}
	}
	return StagedFile{}, fmt.Errorf("unrecognised asset type in %q", name)
}
