package layout

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"mozhi/pkg/domain"
)

func TestPaths(t *testing.T) {
	p := domain.Project{Name: "P1", FolderPath: "/data/save"}
	tr := domain.Transcript{AudioFile: "clip.wav"}

	if got, want := ProjectDir(p), filepath.Join("/data/save", "P1"); got != want {
		t.Fatalf("ProjectDir = %q, want %q", got, want)
	}
	if got, want := AudioPath(p, tr), filepath.Join("/data/save", "P1", "audio", "clip.wav"); got != want {
		t.Fatalf("AudioPath = %q, want %q", got, want)
	}
	if got, want := ManifestPath(p), filepath.Join("/data/save", "P1", "details.json"); got != want {
		t.Fatalf("ManifestPath = %q, want %q", got, want)
	}
	if got := ManifestAudioPath("clip.wav"); got != "audio/clip.wav" {
		t.Fatalf("ManifestAudioPath = %q", got)
	}
}

func TestAudioPathStripsDirectories(t *testing.T) {
	p := domain.Project{Name: "P1", FolderPath: "/data"}
	got := AudioPath(p, domain.Transcript{AudioFile: "../../etc/passwd"})
	if got != filepath.Join("/data", "P1", "audio", "passwd") {
		t.Fatalf("AudioPath = %q", got)
	}
}

func TestValidateProjectName(t *testing.T) {
	valid := []string{"P1", "my project", "中文项目", strings.Repeat("a", MaxNameLength)}
	for _, name := range valid {
		if err := ValidateProjectName(name); err != nil {
			t.Fatalf("ValidateProjectName(%q) = %v, want nil", name, err)
		}
	}
	invalid := []string{"", "  ", ".", "..", ".hidden", "a/b", `a\b`, "a\x00b", " pad", strings.Repeat("a", MaxNameLength+1)}
	for _, name := range invalid {
		if err := ValidateProjectName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateProjectName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestCleanAudioFile(t *testing.T) {
	got, err := CleanAudioFile("audio/a.wav")
	if err != nil || got != "a.wav" {
		t.Fatalf("CleanAudioFile = %q, %v", got, err)
	}
	for _, name := range []string{"", "..", "audio/..", "/"} {
		if _, err := CleanAudioFile(name); !errors.Is(err, ErrUnsafePath) {
			t.Fatalf("CleanAudioFile(%q) = %v, want ErrUnsafePath", name, err)
		}
	}
}

func TestResolveManifestAudio(t *testing.T) {
	dir := filepath.Join("/data", "P1")
	got, err := ResolveManifestAudio(dir, "audio/a.wav")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(dir, "audio", "a.wav") {
		t.Fatalf("resolve = %q", got)
	}
	for _, rel := range []string{"", "/etc/passwd", "../other/a.wav", "audio/../../a.wav", ".."} {
		if _, err := ResolveManifestAudio(dir, rel); !errors.Is(err, ErrUnsafePath) {
			t.Fatalf("ResolveManifestAudio(%q) = %v, want ErrUnsafePath", rel, err)
		}
	}
}
