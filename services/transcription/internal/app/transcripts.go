package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/pkg/layout"
)

// AudioExt is the extension of recorded clips.
const AudioExt = ".wav"

// SaveRecord stores a recorded clip and its text. The row is inserted as
// pending first so the clip can be named after the transcript ID, and becomes
// visible only once the file is on disk.
func (a *App) SaveRecord(ctx context.Context, owner domain.User, projectID, text string, audio io.Reader) (domain.Transcript, error) {
	if owner.ID == "" {
		return domain.Transcript{}, ErrNoUserAvailable
	}
	if audio == nil {
		return domain.Transcript{}, fmt.Errorf("%w: audio required", ErrValidation)
	}
	project, err := a.GetProject(ctx, projectID)
	if err != nil {
		return domain.Transcript{}, err
	}
	unlock, err := a.locks.Acquire(ctx, project.ID)
	if err != nil {
		return domain.Transcript{}, err
	}
	defer unlock()

	logger := util.LoggerFromContext(ctx).With("project_id", project.ID)
	t := domain.Transcript{
		ID:         util.NewID(),
		ProjectID:  project.ID,
		UserID:     owner.ID,
		Text:       text,
		AudioState: domain.AudioPending,
		CreatedAt:  a.timestamp(),
	}
	if err := a.store.CreateTranscript(ctx, t); err != nil {
		return domain.Transcript{}, fmt.Errorf("create transcript: %w", err)
	}
	filename := t.ID + AudioExt
	target := filepath.Join(layout.AudioDir(project), filename)

	abort := func(cause error) (domain.Transcript, error) {
		cleanup := context.WithoutCancel(ctx)
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("remove partial audio failed", "path", target, "err", err)
		}
		if err := a.store.DeleteTranscript(cleanup, t.ID); err != nil {
			logger.Error("remove pending transcript failed", "transcript_id", t.ID, "err", err)
		}
		return domain.Transcript{}, cause
	}

	if err := writeAudio(layout.AudioDir(project), target, audio); err != nil {
		return abort(err)
	}
	if err := a.store.CommitTranscriptAudio(ctx, t.ID, filename); err != nil {
		return abort(fmt.Errorf("commit transcript: %w", err))
	}
	t.AudioFile = filename
	t.AudioState = domain.AudioCommitted
	logger.Info("record saved", "transcript_id", t.ID)
	return t, nil
}

func writeAudio(dir, target string, audio io.Reader) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create audio dir: %v", ErrIOFailure, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create audio file: %v", ErrIOFailure, err)
	}
	if _, err := io.Copy(f, audio); err != nil {
		_ = f.Close()
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: audio exceeds upload limit", ErrValidation)
		}
		return fmt.Errorf("%w: write audio file: %v", ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close audio file: %v", ErrIOFailure, err)
	}
	return nil
}

// GetTranscript returns a committed transcript by ID.
func (a *App) GetTranscript(ctx context.Context, id string) (domain.Transcript, error) {
	t, ok, err := a.store.GetTranscript(ctx, id)
	if err != nil {
		return domain.Transcript{}, err
	}
	if !ok {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	return t, nil
}

// EditTranscript replaces the text of a transcript; surrounding whitespace is
// trimmed.
func (a *App) EditTranscript(ctx context.Context, id, text string) (domain.Transcript, error) {
	t, err := a.GetTranscript(ctx, id)
	if err != nil {
		return domain.Transcript{}, err
	}
	text = strings.TrimSpace(text)
	if err := a.store.UpdateTranscriptText(ctx, t.ID, text); err != nil {
		return domain.Transcript{}, fmt.Errorf("update transcript: %w", err)
	}
	t.Text = text
	return t, nil
}

// DeleteTranscript removes the transcript row, then its audio file when
// deleteFiles is set. An already absent file is not an error.
func (a *App) DeleteTranscript(ctx context.Context, id string, deleteFiles bool) error {
	t, err := a.GetTranscript(ctx, id)
	if err != nil {
		return err
	}
	project, err := a.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	unlock, err := a.locks.Acquire(ctx, project.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.store.DeleteTranscript(ctx, t.ID); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if !deleteFiles {
		return nil
	}
	path := layout.AudioPath(project, t)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrIOFailure, filepath.Base(path), err)
	}
	return nil
}

// OpenAudio opens the audio file of a transcript for streaming. The caller
// closes the file.
func (a *App) OpenAudio(ctx context.Context, id string) (*os.File, fs.FileInfo, error) {
	t, err := a.GetTranscript(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	project, err := a.GetProject(ctx, t.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(layout.AudioPath(project, t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrAudioNotFound
		}
		return nil, nil, fmt.Errorf("%w: open audio: %v", ErrIOFailure, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: stat audio: %v", ErrIOFailure, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, ErrAudioNotFound
	}
	return f, info, nil
}
