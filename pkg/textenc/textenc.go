// Package textenc reads JSON documents whose text encoding is not known up front.
//
// Staged asset files come from several generations of the platform; some were
// written by tools that default to Korean code pages. Decoding walks an ordered
// list of candidate encodings and keeps the first one that yields valid JSON.
package textenc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
)

// ErrUndecodable is returned when no candidate encoding produces valid JSON.
var ErrUndecodable = errors.New("textenc: no encoding produced valid JSON")

// Candidate pairs a display name with its decoder. A nil Encoding means the
// bytes are taken as UTF-8 without transformation.
type Candidate struct {
	Name     string
	Encoding encoding.Encoding
}

// DefaultCandidates is the cascade used by ReadJSONFile. MS949 is a superset of
// EUC-KR and both resolve to the same x/text table; they are listed separately
// so the reported encoding name matches what operators expect.
var DefaultCandidates = []Candidate{
	{Name: "UTF-8"},
	{Name: "MS949", Encoding: korean.EUCKR},
	{Name: "EUC-KR", Encoding: korean.EUCKR},
	{Name: "ISO-8859-1", Encoding: charmap.ISO8859_1},
	{Name: "Windows-1252", Encoding: charmap.Windows1252},
}

const platformDefault = "platform-default"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoded is the UTF-8 text of a file together with the encoding that produced it.
type Decoded struct {
	Text     []byte
	Encoding string
}

// ReadJSONFile reads path and decodes it with DefaultCandidates.
func ReadJSONFile(path string) (Decoded, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Decoded{}, err
	}
	dec, err := DecodeJSON(raw)
	if err != nil {
		return Decoded{}, fmt.Errorf("%s: %w", path, err)
	}
	return dec, nil
}

// DecodeJSON decodes raw with DefaultCandidates.
func DecodeJSON(raw []byte) (Decoded, error) {
	return DecodeJSONWith(raw, DefaultCandidates)
}

// DecodeJSONWith tries each candidate in order. A candidate is accepted when the
// decoded text is valid JSON and the decode did not introduce replacement
// characters that were absent from the input. When every candidate fails the
// bytes are decoded lossily as UTF-8 as a last attempt.
func DecodeJSONWith(raw []byte, candidates []Candidate) (Decoded, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	inputReplacements := bytes.Count(raw, []byte(string(utf8.RuneError)))

	for _, c := range candidates {
		text, ok := decodeCandidate(raw, c)
		if !ok {
			continue
		}
		if bytes.Count(text, []byte(string(utf8.RuneError))) > inputReplacements {
			continue
		}
		if json.Valid(text) {
			return Decoded{Text: text, Encoding: c.Name}, nil
		}
	}

	text, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err == nil && json.Valid(text) {
		return Decoded{Text: text, Encoding: platformDefault}, nil
	}
	return Decoded{}, ErrUndecodable
}

func decodeCandidate(raw []byte, c Candidate) ([]byte, bool) {
	if c.Encoding == nil {
		if !utf8.Valid(raw) {
			return nil, false
		}
		return raw, true
	}
	text, err := c.Encoding.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, false
	}
	return text, true
}
