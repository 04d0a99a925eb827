// Package layout maps projects and transcripts to their on-disk locations.
//
// The layout is shared with exported data sets and must not change:
//
//	<folderPath>/<name>/audio/<audioFile>
//	<folderPath>/<name>/details.json
package layout

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"mozhi/pkg/domain"
)

const (
	AudioDirName     = "audio"
	ManifestFileName = "details.json"
	MaxNameLength    = 50
)

var (
	ErrInvalidName = errors.New("invalid project name")
	ErrUnsafePath  = errors.New("unsafe path")
)

// ProjectDir returns <folderPath>/<name>.
func ProjectDir(p domain.Project) string {
	return filepath.Join(p.FolderPath, p.Name)
}

// AudioDir returns <folderPath>/<name>/audio.
func AudioDir(p domain.Project) string {
	return filepath.Join(ProjectDir(p), AudioDirName)
}

// AudioPath returns the expected location of a transcript's audio file.
// Only the base name of the stored filename is used.
func AudioPath(p domain.Project, t domain.Transcript) string {
	return filepath.Join(AudioDir(p), filepath.Base(filepath.FromSlash(t.AudioFile)))
}

// ManifestPath returns <folderPath>/<name>/details.json.
func ManifestPath(p domain.Project) string {
	return filepath.Join(ProjectDir(p), ManifestFileName)
}

// ManifestAudioPath is the audio_filepath value written for a file in the manifest.
func ManifestAudioPath(filename string) string {
	return path.Join(AudioDirName, filename)
}

// ValidateProjectName rejects names that are not safe as a single path segment.
func ValidateProjectName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidName)
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: must not start with a dot", ErrInvalidName)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: must not contain path separators", ErrInvalidName)
	}
	return nil
}

// CleanAudioFile reduces name to a bare filename and rejects traversal.
func CleanAudioFile(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := path.Base(name)
	if base == "" || base == "." || base == ".." || base == "/" || strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return base, nil
}

// ResolveManifestAudio resolves a manifest audio_filepath under projectDir.
// Absolute paths and paths leaving projectDir are rejected.
func ResolveManifestAudio(projectDir, rel string) (string, error) {
	rel = strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "" {
		return "", fmt.Errorf("%w: empty audio_filepath", ErrUnsafePath)
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute audio_filepath %q", ErrUnsafePath, rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: audio_filepath %q leaves the project folder", ErrUnsafePath, rel)
	}
	return filepath.Join(projectDir, filepath.FromSlash(cleaned)), nil
}
