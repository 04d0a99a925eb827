package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/pkg/layout"
	"mozhi/pkg/manifest"
	"mozhi/pkg/storage"
	"mozhi/pkg/store"
)

// EventType is the kind of an export progress event.
type EventType string

const (
	EventInit     EventType = "init"
	EventProgress EventType = "progress"
	EventSuccess  EventType = "success"
	EventError    EventType = "error"
)

// Event is one line of the export progress stream. Only the fields of its
// type are set; MissingFiles is always an array on success.
type Event struct {
	Type         EventType `json:"type"`
	Total        *int      `json:"total,omitempty"`
	Current      *int      `json:"current,omitempty"`
	Message      string    `json:"message,omitempty"`
	MissingFiles []string  `json:"missing_files,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// MarshalJSON keeps missing_files present (possibly empty) on success events.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventSuccess {
		return json.Marshal(plain(e))
	}
	missing := e.MissingFiles
	if missing == nil {
		missing = []string{}
	}
	return json.Marshal(struct {
		Type         EventType `json:"type"`
		Message      string    `json:"message"`
		MissingFiles []string  `json:"missing_files"`
	}{e.Type, e.Message, missing})
}

func initEvent(total int) Event      { return Event{Type: EventInit, Total: &total} }
func progressEvent(current int) Event { return Event{Type: EventProgress, Current: &current} }
func errorEvent(err error) Event      { return Event{Type: EventError, Error: err.Error()} }

// ExportProject writes the project's manifest, listing every transcript whose
// audio file exists, and reports progress through emit.
//
// An unknown project fails with ErrProjectNotFound before any event. Once the
// init event is out every failure is reported as an error event and
// ExportProject returns nil. The export runs to completion even if the
// caller goes away.
func (a *App) ExportProject(ctx context.Context, projectID string, emit func(Event)) error {
	project, err := a.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	unlock, err := a.locks.Acquire(ctx, project.ID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := util.LoggerFromContext(ctx).With("project_id", project.ID)
	ctx = context.WithoutCancel(ctx)
	total, err := a.store.CountTranscripts(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("count transcripts: %w", err)
	}
	emit(initEvent(total))

	var (
		entries  = make([]manifest.Entry, 0)
		missing  = make([]string, 0)
		exported int
		cursor   *store.Cursor
	)
	for {
		page, err := a.store.ListTranscriptsAfter(ctx, project.ID, cursor, a.batchSize)
		if err != nil {
			logger.Error("export page failed", "err", err)
			emit(errorEvent(fmt.Errorf("list transcripts: %w", err)))
			return nil
		}
		if len(page) == 0 {
			break
		}
		exists, err := a.statBatch(ctx, project, page)
		if err != nil {
			logger.Error("export stat failed", "err", err)
			emit(errorEvent(err))
			return nil
		}
		for i, t := range page {
			name := filepath.Base(layout.AudioPath(project, t))
			if !exists[i] {
				logger.Info("export skipped missing audio", "transcript_id", t.ID, "file", name)
				missing = append(missing, name)
				continue
			}
			entries = append(entries, manifest.Entry{AudioFilepath: layout.ManifestAudioPath(name), Text: t.Text})
			exported++
			if exported%a.batchSize == 0 {
				emit(progressEvent(exported))
			}
		}
		logger.Debug("export batch done", "batch", len(page), "exported", exported)
		if len(page) < a.batchSize {
			break
		}
		cursor = store.CursorAfter(page[len(page)-1])
	}
	if exported%a.batchSize != 0 {
		emit(progressEvent(exported))
	}

	path := layout.ManifestPath(project)
	if err := manifest.WriteFile(path, entries); err != nil {
		logger.Error("export manifest write failed", "path", path, "err", err)
		emit(errorEvent(fmt.Errorf("%w: %v", ErrIOFailure, err)))
		return nil
	}
	emit(Event{Type: EventSuccess, Message: "Exported to " + path, MissingFiles: missing})
	logger.Info("project exported", "path", path, "exported", exported, "missing", len(missing))

	a.recordExport(ctx, project, path, exported, missing)
	return nil
}

// statBatch checks audio existence for a page concurrently. Results keep the
// page order.
func (a *App) statBatch(ctx context.Context, project domain.Project, page []domain.Transcript) ([]bool, error) {
	exists := make([]bool, len(page))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.statConcurrency)
	for i, t := range page {
		g.Go(func() error {
			ok, err := regularFileExists(layout.AudioPath(project, t))
			if err != nil {
				return fmt.Errorf("%w: stat audio %s: %v", ErrIOFailure, t.AudioFile, err)
			}
			exists[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return exists, nil
}

// recordExport keeps export history and mirrors the manifest. Failures here
// are logged only; the export already succeeded.
func (a *App) recordExport(ctx context.Context, project domain.Project, path string, exported int, missing []string) {
	logger := util.LoggerFromContext(ctx).With("project_id", project.ID)
	run := domain.ExportRun{
		ID:           util.NewID(),
		ProjectID:    project.ID,
		ManifestPath: path,
		Exported:     exported,
		MissingFiles: missing,
		CreatedAt:    a.timestamp(),
	}
	if err := a.store.SaveExportRun(ctx, run); err != nil {
		logger.Warn("save export run failed", "err", err)
	}
	if a.objects == nil {
		return
	}
	if err := storage.PutFile(ctx, a.objects, storage.ManifestKey(project.Name), path, "application/json"); err != nil {
		logger.Warn("mirror manifest failed", "err", err)
	}
}
