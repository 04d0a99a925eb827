package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"mozhi/internal/projectlock"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/pkg/layout"
	"mozhi/pkg/manifest"
	"mozhi/pkg/store"
)

// ImportRequest names a folder under the save directory holding a manifest.
type ImportRequest struct {
	FolderName string
	SampleRate domain.SampleRate
	// Strict aborts the import on the first missing audio file. The
	// configured importStrict also enables it.
	Strict bool
}

// ImportResult summarizes a finished import.
type ImportResult struct {
	Project      domain.Project `json:"project"`
	Imported     int            `json:"imported"`
	MissingFiles []string       `json:"missing_files"`
	Message      string         `json:"message"`
}

// ImportProject creates a project from <saveDir>/<folder>/details.json.
//
// Entries whose audio file is absent are still imported and reported in
// MissingFiles, unless the import is strict. Any failure after the project
// record exists removes it again.
func (a *App) ImportProject(ctx context.Context, owner domain.User, req ImportRequest) (ImportResult, error) {
	if owner.ID == "" {
		return ImportResult{}, ErrNoUserAvailable
	}
	folder := req.FolderName
	if err := layout.ValidateProjectName(folder); err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rate, err := a.resolveSampleRate(req.SampleRate)
	if err != nil {
		return ImportResult{}, err
	}
	strict := req.Strict || a.importStrict

	unlock, err := a.locks.Acquire(ctx, projectlock.ImportKey(folder))
	if err != nil {
		return ImportResult{}, err
	}
	defer unlock()

	dir := filepath.Join(a.saveDir, folder)
	if ok, err := dirExists(dir); err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	} else if !ok {
		return ImportResult{}, ErrFolderNotFound
	}
	if _, ok, err := a.store.GetProjectByName(ctx, folder); err != nil {
		return ImportResult{}, err
	} else if ok {
		return ImportResult{}, ErrProjectExists
	}
	f, err := os.Open(filepath.Join(dir, layout.ManifestFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ImportResult{}, ErrManifestNotFound
		}
		return ImportResult{}, fmt.Errorf("%w: open manifest: %v", ErrIOFailure, err)
	}
	defer f.Close()

	base := a.timestamp()
	project := domain.Project{
		ID:         util.NewID(),
		Name:       folder,
		SampleRate: rate,
		FolderPath: a.saveDir,
		CreatedAt:  base,
	}
	if err := a.store.CreateProject(ctx, project); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ImportResult{}, ErrProjectExists
		}
		return ImportResult{}, fmt.Errorf("create project: %w", err)
	}
	unlockProject, err := a.locks.Acquire(ctx, project.ID)
	if err != nil {
		a.rollbackImport(ctx, project)
		return ImportResult{}, err
	}
	defer unlockProject()

	logger := util.LoggerFromContext(ctx).With("project_id", project.ID, "folder", folder)
	imported, missing, err := a.importEntries(ctx, owner, project, dir, f, base, strict)
	if err != nil {
		logger.Error("import failed, rolling back", "err", err)
		a.rollbackImport(ctx, project)
		return ImportResult{}, err
	}
	logger.Info("project imported", "imported", imported, "missing", len(missing), "strict", strict)
	return ImportResult{
		Project:      project,
		Imported:     imported,
		MissingFiles: missing,
		Message:      fmt.Sprintf("Imported %d items", imported),
	}, nil
}

// importEntries streams the manifest in batches with one bulk insert each.
// Entry i gets createdAt = base - i microseconds, so the newest-first order
// used by export reproduces the manifest order.
func (a *App) importEntries(ctx context.Context, owner domain.User, project domain.Project, dir string, r io.Reader, base time.Time, strict bool) (int, []string, error) {
	logger := util.LoggerFromContext(ctx).With("project_id", project.ID)
	reader := manifest.NewReader(r)
	missing := make([]string, 0)
	imported := 0
	for {
		batch, err := reader.Next(a.batchSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		transcripts := make([]domain.Transcript, 0, len(batch))
		for _, entry := range batch {
			full, err := layout.ResolveManifestAudio(dir, entry.AudioFilepath)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			name := filepath.Base(full)
			// Records keep only the base name; presence is checked where reads look.
			ok, err := regularFileExists(layout.AudioPath(project, domain.Transcript{AudioFile: name}))
			if err != nil {
				return 0, nil, fmt.Errorf("%w: stat %s: %v", ErrIOFailure, entry.AudioFilepath, err)
			}
			if !ok {
				if strict {
					return 0, nil, kindError(ErrNotFound, "missing audio file: "+entry.AudioFilepath)
				}
				logger.Info("import entry has no audio file", "file", name)
				missing = append(missing, name)
			}
			transcripts = append(transcripts, domain.Transcript{
				ID:         util.NewID(),
				ProjectID:  project.ID,
				UserID:     owner.ID,
				AudioFile:  name,
				Text:       entry.Text,
				AudioState: domain.AudioCommitted,
				CreatedAt:  base.Add(-time.Duration(imported+len(transcripts)) * time.Microsecond),
			})
		}
		if err := a.store.CreateTranscripts(ctx, transcripts); err != nil {
			return 0, nil, fmt.Errorf("insert transcripts: %w", err)
		}
		imported += len(transcripts)
		logger.Debug("import batch stored", "batch", len(transcripts), "imported", imported)
	}
	return imported, missing, nil
}

func (a *App) rollbackImport(ctx context.Context, project domain.Project) {
	if err := a.store.DeleteProject(context.WithoutCancel(ctx), project.ID); err != nil {
		util.LoggerFromContext(ctx).Error("import rollback failed", "project_id", project.ID, "err", err)
	}
}
