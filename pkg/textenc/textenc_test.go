package textenc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/korean"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asset.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadJSONFileUTF8(t *testing.T) {
	text := `{"name":"검색 도구","url":"http://dev.local"}`
	path := writeFile(t, []byte(text))

	dec, err := ReadJSONFile(path)
	require.NoError(t, err)
	assert.Equal(t, "UTF-8", dec.Encoding)
	assert.Equal(t, text, string(dec.Text))
}

func TestReadJSONFileStripsBOM(t *testing.T) {
	path := writeFile(t, append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"a":1}`)...))

	dec, err := ReadJSONFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(dec.Text))
}

func TestReadJSONFileEUCKRRoundTrip(t *testing.T) {
	text := `{"description":"한국어 설명입니다","prompt":"안녕하세요"}`
	encoded, err := korean.EUCKR.NewEncoder().Bytes([]byte(text))
	require.NoError(t, err)
	path := writeFile(t, encoded)

	dec, err := ReadJSONFile(path)
	require.NoError(t, err)
	assert.Equal(t, "MS949", dec.Encoding)
	assert.Equal(t, text, string(dec.Text))
}

func TestReadJSONFileLatin1(t *testing.T) {
	text := `{"owner":"Zoë"}`
	encoded, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(text))
	require.NoError(t, err)

	// A lone 0xEB byte is not a valid EUC-KR lead/trail pair, so the Korean
	// candidates are skipped.
	dec, err := DecodeJSON(encoded)
	require.NoError(t, err)
	assert.Equal(t, text, string(dec.Text))
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	_, err := DecodeJSON([]byte("not json at all"))
	require.ErrorIs(t, err, ErrUndecodable)
}

func TestReadJSONFileMissing(t *testing.T) {
	_, err := ReadJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
