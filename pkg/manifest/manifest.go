// Package manifest reads and writes details.json, the audio/text interchange file
// of a project.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Entry is one audio/text pair.
type Entry struct {
	AudioFilepath string `json:"audio_filepath"`
	Text          string `json:"text"`
}

// ErrMalformed is returned when the manifest is not a JSON array of entries.
var ErrMalformed = errors.New("malformed manifest")

// Encode writes entries as an indented JSON array. A nil slice is written as [].
func Encode(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	return enc.Encode(entries)
}

// WriteFile replaces path with the encoded entries. The parent directory is
// created when missing and the content is renamed into place, so readers never
// observe a partially written manifest.
func WriteFile(path string, entries []Entry) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".details-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err := Encode(tmp, entries); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Reader decodes a manifest array incrementally.
type Reader struct {
	dec     *json.Decoder
	started bool
	done    bool
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// Next returns up to max entries. It returns io.EOF once the array is exhausted.
func (r *Reader) Next(max int) ([]Entry, error) {
	if max <= 0 {
		max = 1
	}
	if r.done {
		return nil, io.EOF
	}
	if !r.started {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, fmt.Errorf("%w: expected array", ErrMalformed)
		}
		r.started = true
	}
	batch := make([]Entry, 0, max)
	for len(batch) < max && r.dec.More() {
		var e Entry
		if err := r.dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: entry %v", ErrMalformed, err)
		}
		batch = append(batch, e)
	}
	if !r.dec.More() {
		if _, err := r.dec.Token(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		r.done = true
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
