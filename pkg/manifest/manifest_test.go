package manifest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []Entry{{AudioFilepath: "audio/a.wav", Text: "héllo <b>"}}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "[\n    {\n        \"audio_filepath\": \"audio/a.wav\",\n        \"text\": \"héllo <b>\"\n    }\n]\n"
	if buf.String() != want {
		t.Fatalf("unexpected layout:\n%s", buf.String())
	}
}

func TestReaderAcceptsEscapedText(t *testing.T) {
	r := NewReader(strings.NewReader(`[{"audio_filepath": "audio/a.wav", "text": "h\u00e9llo"}]`))
	batch, err := r.Next(10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 1 || batch[0].Text != "héllo" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestEncodeEmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("expected [], got %q", buf.String())
	}
}

func TestWriteFileCreatesDirAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "P1", "details.json")
	if err := WriteFile(path, []Entry{{AudioFilepath: "audio/a.wav", Text: "a"}}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFile(path, []Entry{{AudioFilepath: "audio/b.wav", Text: "b"}}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "audio/b.wav") || strings.Contains(string(data), "audio/a.wav") {
		t.Fatalf("manifest not overwritten: %s", data)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".details-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestReaderBatches(t *testing.T) {
	input := `[
		{"audio_filepath": "audio/1.wav", "text": "one"},
		{"audio_filepath": "audio/2.wav", "text": null},
		{"audio_filepath": "audio/3.wav", "text": "three"}
	]`
	r := NewReader(strings.NewReader(input))

	first, err := r.Next(2)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(first) != 2 || first[1].Text != "" {
		t.Fatalf("unexpected first batch: %+v", first)
	}
	second, err := r.Next(2)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(second) != 1 || second[0].AudioFilepath != "audio/3.wav" {
		t.Fatalf("unexpected second batch: %+v", second)
	}
	if _, err := r.Next(2); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderEmptyArray(t *testing.T) {
	r := NewReader(strings.NewReader("[]"))
	if _, err := r.Next(10); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderMalformed(t *testing.T) {
	cases := []string{`{"audio_filepath": "a"}`, `[{"audio_filepath": 3}]`, `[{"audio_filepath": "a"`, ``}
	for _, input := range cases {
		r := NewReader(strings.NewReader(input))
		var err error
		for err == nil {
			_, err = r.Next(10)
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("input %q: expected ErrMalformed, got %v", input, err)
		}
	}
}
