package migration

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"aimigrate/pkg/orderedjson"
	"aimigrate/pkg/textenc"
)

// ProjectFile is the JSON array of project records kept beside the manifests.
// Records are keyed by prj_seq.
type ProjectFile struct {
	path string
	mu   sync.Mutex
}

// NewProjectFile manages the file at path.
func NewProjectFile(path string) *ProjectFile {
	return &ProjectFile{path: path}
}

// Path returns the file location.
func (f *ProjectFile) Path() string { return f.path }

// Upsert inserts record or replaces the record with the same prj_seq. It
// returns the record's key.
func (f *ProjectFile) Upsert(record []byte) (string, error) {
	obj, err := orderedjson.ParseObject(record)
	if err != nil {
		return "", NewError(KindParse, "upsert project record", AssetRef{Type: TypeProject}, err)
	}
	seq, _ := obj.Get(projectSeqKey)
	key := ToSentinel(projectSeqString(seq))
	if key == "" {
		return "", NewError(KindValidation, "upsert project record", AssetRef{Type: TypeProject}, errors.New("record has no prj_seq"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return "", err
	}
	replaced := false
	for i, r := range records {
		if recordKey(r) == key {
			records[i] = obj
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, obj)
	}
	if err := f.store(records); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the record for projectID.
func (f *ProjectFile) Get(projectID string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, false, err
	}
	key := ToSentinel(projectID)
	for _, r := range records {
		if recordKey(r) == key {
			raw, err := orderedjson.Marshal(r)
			if err != nil {
				return nil, false, NewError(KindParse, "read project record", AssetRef{Type: TypeProject, ID: projectID}, err)
			}
			return raw, true, nil
		}
	}
	return nil, false, nil
}

// All returns every record in file order.
func (f *ProjectFile) All() ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw, err := orderedjson.Marshal(r)
		if err != nil {
			return nil, NewError(KindParse, "read project records", AssetRef{Type: TypeProject}, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f *ProjectFile) load() ([]*orderedjson.Object, error) {
	decoded, err := textenc.ReadJSONFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewError(KindParse, "read project file", AssetRef{Type: TypeProject}, err)
	}
	if len(bytes.TrimSpace(decoded.Text)) == 0 {
		return nil, nil
	}
	tree, err := orderedjson.Parse(decoded.Text)
	if err != nil {
		return nil, NewError(KindParse, "read project file", AssetRef{Type: TypeProject}, err)
	}
	items, ok := tree.([]any)
	if !ok {
		return nil, NewError(KindParse, "read project file", AssetRef{Type: TypeProject}, errors.New("project file is not a JSON array"))
	}
	out := make([]*orderedjson.Object, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(*orderedjson.Object); ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *ProjectFile) store(records []*orderedjson.Object) error {
	items := make([]any, len(records))
	for i, r := range records {
		items[i] = r
	}
	raw, err := orderedjson.Marshal(items)
	if err != nil {
		return NewError(KindParse, "write project file", AssetRef{Type: TypeProject}, err)
	}
	if err := WriteFileAtomic(f.path, raw); err != nil {
		return NewError(KindIO, "write project file", AssetRef{Type: TypeProject}, err)
	}
	return nil
}

func recordKey(obj *orderedjson.Object) string {
	seq, _ := obj.Get(projectSeqKey)
	return ToSentinel(projectSeqString(seq))
}
