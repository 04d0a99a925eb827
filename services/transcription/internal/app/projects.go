package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"mozhi/internal/projectlock"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/pkg/layout"
	"mozhi/pkg/storage"
	"mozhi/pkg/store"
)

// ProjectSummary is one row of the project list.
type ProjectSummary struct {
	domain.Project
	TranscriptCount int `json:"transcriptCount"`
}

// ProjectPage is one page of the project list, newest first.
type ProjectPage struct {
	Projects   []ProjectSummary `json:"projects"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	Total      int              `json:"total"`
	TotalPages int              `json:"totalPages"`
}

// TranscriptView annotates a transcript with whether its audio is on disk.
type TranscriptView struct {
	domain.Transcript
	AudioExists bool `json:"audioExists"`
}

// ProjectDetail is a project with one page of its transcripts.
type ProjectDetail struct {
	Project     domain.Project   `json:"project"`
	Transcripts []TranscriptView `json:"transcripts"`
	Page        int              `json:"page"`
	PageSize    int              `json:"pageSize"`
	Total       int              `json:"total"`
	TotalPages  int              `json:"totalPages"`
}

// CreateProject registers a project under the save directory and creates its
// folder.
func (a *App) CreateProject(ctx context.Context, name string, rate domain.SampleRate) (domain.Project, error) {
	if err := layout.ValidateProjectName(name); err != nil {
		return domain.Project{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rate, err := a.resolveSampleRate(rate)
	if err != nil {
		return domain.Project{}, err
	}
	unlock, err := a.locks.Acquire(ctx, projectlock.ImportKey(name))
	if err != nil {
		return domain.Project{}, err
	}
	defer unlock()

	project := domain.Project{
		ID:         util.NewID(),
		Name:       name,
		SampleRate: rate,
		FolderPath: a.saveDir,
		CreatedAt:  a.timestamp(),
	}
	if _, err := os.Stat(layout.ProjectDir(project)); err == nil {
		return domain.Project{}, ErrFolderExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return domain.Project{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if _, ok, err := a.store.GetProjectByName(ctx, name); err != nil {
		return domain.Project{}, err
	} else if ok {
		return domain.Project{}, ErrProjectExists
	}
	if err := a.store.CreateProject(ctx, project); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Project{}, ErrProjectExists
		}
		return domain.Project{}, err
	}
	if err := os.MkdirAll(layout.AudioDir(project), 0o755); err != nil {
		if delErr := a.store.DeleteProject(context.WithoutCancel(ctx), project.ID); delErr != nil {
			util.LoggerFromContext(ctx).Error("rollback project create failed", "project_id", project.ID, "err", delErr)
		}
		return domain.Project{}, fmt.Errorf("%w: create project folder: %v", ErrIOFailure, err)
	}
	util.LoggerFromContext(ctx).Info("project created", "project_id", project.ID, "name", project.Name)
	return project, nil
}

// GetProject returns a project by ID.
func (a *App) GetProject(ctx context.Context, id string) (domain.Project, error) {
	project, ok, err := a.store.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	return project, nil
}

// ListProjects returns one page of projects. Out of range pages are clamped.
func (a *App) ListProjects(ctx context.Context, page int) (ProjectPage, error) {
	total, err := a.store.CountProjects(ctx)
	if err != nil {
		return ProjectPage{}, err
	}
	page, pages := clampPage(page, total, a.pageSize)
	projects, err := a.store.ListProjects(ctx, (page-1)*a.pageSize, a.pageSize)
	if err != nil {
		return ProjectPage{}, err
	}
	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		n, err := a.store.CountTranscripts(ctx, p.ID)
		if err != nil {
			return ProjectPage{}, err
		}
		out = append(out, ProjectSummary{Project: p, TranscriptCount: n})
	}
	return ProjectPage{Projects: out, Page: page, PageSize: a.pageSize, Total: total, TotalPages: pages}, nil
}

// ProjectDetail returns a project with one page of transcripts. A missing
// audio file only clears AudioExists.
func (a *App) ProjectDetail(ctx context.Context, id string, page int) (ProjectDetail, error) {
	project, err := a.GetProject(ctx, id)
	if err != nil {
		return ProjectDetail{}, err
	}
	total, err := a.store.CountTranscripts(ctx, project.ID)
	if err != nil {
		return ProjectDetail{}, err
	}
	page, pages := clampPage(page, total, a.pageSize)
	transcripts, err := a.store.ListTranscripts(ctx, project.ID, (page-1)*a.pageSize, a.pageSize)
	if err != nil {
		return ProjectDetail{}, err
	}
	views := make([]TranscriptView, 0, len(transcripts))
	for _, t := range transcripts {
		exists, _ := regularFileExists(layout.AudioPath(project, t))
		views = append(views, TranscriptView{Transcript: t, AudioExists: exists})
	}
	return ProjectDetail{
		Project:     project,
		Transcripts: views,
		Page:        page,
		PageSize:    a.pageSize,
		Total:       total,
		TotalPages:  pages,
	}, nil
}

// DeleteProject removes the project records, then its folder when
// deleteFiles is set. A folder removal error is reported after the records
// are gone.
func (a *App) DeleteProject(ctx context.Context, id string, deleteFiles bool) error {
	project, err := a.GetProject(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := a.locks.Acquire(ctx, project.ID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := util.LoggerFromContext(ctx).With("project_id", project.ID)
	if err := a.store.DeleteProject(ctx, project.ID); err != nil {
		return fmt.Errorf("delete project records: %w", err)
	}
	logger.Info("project records deleted", "name", project.Name)
	if a.objects != nil {
		if err := a.objects.Delete(ctx, storage.ManifestKey(project.Name)); err != nil {
			logger.Warn("delete mirrored manifest failed", "err", err)
		}
	}
	if !deleteFiles {
		return nil
	}
	dir := layout.ProjectDir(project)
	if err := os.RemoveAll(dir); err != nil {
		logger.Error("remove project folder failed", "dir", dir, "err", err)
		return fmt.Errorf("%w: remove %s: %v", ErrIOFailure, dir, err)
	}
	logger.Info("project folder removed", "dir", dir)
	return nil
}

// ListExportRuns returns the most recent exports of a project.
func (a *App) ListExportRuns(ctx context.Context, projectID string, limit int) ([]domain.ExportRun, error) {
	if _, err := a.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = a.pageSize
	}
	return a.store.ListExportRuns(ctx, projectID, limit)
}

func clampPage(page, total, size int) (int, int) {
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}
	return page, pages
}

func regularFileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
