package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"mozhi/pkg/domain"
)

const migrateLockID int64 = 61720418

// ErrDuplicate is returned when a unique constraint rejects a write.
var ErrDuplicate = errors.New("duplicate record")

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ProjectModel{}, &TranscriptModel{}, &ExportRunModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM transcript_models t
				WHERE NOT EXISTS (SELECT 1 FROM project_models p WHERE p.id = t.project_id);
				DELETE FROM export_run_models r
				WHERE NOT EXISTS (SELECT 1 FROM project_models p WHERE p.id = r.project_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'transcript_models'
					AND constraint_name = 'transcript_models_project_id_fkey'
				) THEN
					ALTER TABLE transcript_models
					ADD CONSTRAINT transcript_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'export_run_models'
					AND constraint_name = 'export_run_models_project_id_fkey'
				) THEN
					ALTER TABLE export_run_models
					ADD CONSTRAINT export_run_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("add foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "role"}),
	}).Create(&model).Error
	return translate(err)
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) FirstUser(ctx context.Context, role domain.UserRole) (domain.User, bool, error) {
	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if role != "" {
		q = q.Where("role = ?", string(role))
	}
	var model UserModel
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UserCount returns total users.
func (s *GormStore) UserCount(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) CreateProject(ctx context.Context, p domain.Project) error {
	model := projectToModel(p)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *GormStore) GetProject(ctx context.Context, id string) (domain.Project, bool, error) {
	return s.getProject(ctx, "id = ?", id)
}

func (s *GormStore) GetProjectByName(ctx context.Context, name string) (domain.Project, bool, error) {
	return s.getProject(ctx, "name = ?", name)
}

func (s *GormStore) getProject(ctx context.Context, cond string, arg string) (domain.Project, bool, error) {
	var model ProjectModel
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return projectFromModel(model), true, nil
}

// ListProjects returns projects newest first.
func (s *GormStore) ListProjects(ctx context.Context, offset, limit int) ([]domain.Project, error) {
	var models []ProjectModel
	q := s.db.WithContext(ctx).Order("created_at desc, id desc").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(models))
	for _, m := range models {
		out = append(out, projectFromModel(m))
	}
	return out, nil
}

func (s *GormStore) CountProjects(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ProjectModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteProject removes the project and dependent rows in one transaction.
func (s *GormStore) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&TranscriptModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&ExportRunModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ProjectModel{}, "id = ?", id).Error
	})
}

func (s *GormStore) CreateTranscript(ctx context.Context, t domain.Transcript) error {
	model := transcriptToModel(t)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *GormStore) CreateTranscripts(ctx context.Context, ts []domain.Transcript) error {
	if len(ts) == 0 {
		return nil
	}
	models := make([]TranscriptModel, 0, len(ts))
	for _, t := range ts {
		models = append(models, transcriptToModel(t))
	}
	return translate(s.db.WithContext(ctx).CreateInBatches(&models, len(models)).Error)
}

// GetTranscript returns a committed transcript by ID.
func (s *GormStore) GetTranscript(ctx context.Context, id string) (domain.Transcript, bool, error) {
	var model TranscriptModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND audio_state = ?", id, string(domain.AudioCommitted)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Transcript{}, false, nil
		}
		return domain.Transcript{}, false, err
	}
	return transcriptFromModel(model), true, nil
}

func (s *GormStore) UpdateTranscriptText(ctx context.Context, id, text string) error {
	return s.db.WithContext(ctx).Model(&TranscriptModel{}).
		Where("id = ? AND audio_state = ?", id, string(domain.AudioCommitted)).
		Update("text", text).Error
}

// CommitTranscriptAudio records the stored audio file and makes the row visible.
func (s *GormStore) CommitTranscriptAudio(ctx context.Context, id, audioFile string) error {
	res := s.db.WithContext(ctx).Model(&TranscriptModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"audio_file":  audioFile,
			"audio_state": string(domain.AudioCommitted),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) DeleteTranscript(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&TranscriptModel{}, "id = ?", id).Error
}

func (s *GormStore) CountTranscripts(ctx context.Context, projectID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TranscriptModel{}).
		Where("project_id = ? AND audio_state = ?", projectID, string(domain.AudioCommitted)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) ListTranscripts(ctx context.Context, projectID string, offset, limit int) ([]domain.Transcript, error) {
	q := s.committed(ctx, projectID).Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return findTranscripts(q)
}

func (s *GormStore) ListTranscriptsAfter(ctx context.Context, projectID string, after *Cursor, limit int) ([]domain.Transcript, error) {
	q := s.committed(ctx, projectID)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return findTranscripts(q)
}

func (s *GormStore) committed(ctx context.Context, projectID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("project_id = ? AND audio_state = ?", projectID, string(domain.AudioCommitted)).
		Order("created_at desc, id desc")
}

func findTranscripts(q *gorm.DB) ([]domain.Transcript, error) {
	var models []TranscriptModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Transcript, 0, len(models))
	for _, m := range models {
		out = append(out, transcriptFromModel(m))
	}
	return out, nil
}

func (s *GormStore) SaveExportRun(ctx context.Context, run domain.ExportRun) error {
	model, err := exportRunToModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListExportRuns returns the most recent export runs for a project.
func (s *GormStore) ListExportRuns(ctx context.Context, projectID string, limit int) ([]domain.ExportRun, error) {
	var models []ExportRunModel
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ExportRun, 0, len(models))
	for _, m := range models {
		run, err := exportRunFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func projectToModel(p domain.Project) ProjectModel {
	return ProjectModel{
		ID:         p.ID,
		Name:       p.Name,
		SampleRate: int(p.SampleRate),
		FolderPath: p.FolderPath,
		CreatedAt:  p.CreatedAt,
	}
}

func projectFromModel(m ProjectModel) domain.Project {
	return domain.Project{
		ID:         m.ID,
		Name:       m.Name,
		SampleRate: domain.SampleRate(m.SampleRate),
		FolderPath: m.FolderPath,
		CreatedAt:  m.CreatedAt,
	}
}

func transcriptToModel(t domain.Transcript) TranscriptModel {
	state := t.AudioState
	if state == "" {
		state = domain.AudioCommitted
	}
	return TranscriptModel{
		ID:         t.ID,
		ProjectID:  t.ProjectID,
		UserID:     t.UserID,
		AudioFile:  t.AudioFile,
		Text:       t.Text,
		AudioState: string(state),
		CreatedAt:  t.CreatedAt,
	}
}

func transcriptFromModel(m TranscriptModel) domain.Transcript {
	return domain.Transcript{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		UserID:     m.UserID,
		AudioFile:  m.AudioFile,
		Text:       m.Text,
		AudioState: domain.AudioState(m.AudioState),
		CreatedAt:  m.CreatedAt,
	}
}

func exportRunToModel(run domain.ExportRun) (ExportRunModel, error) {
	missing := run.MissingFiles
	if missing == nil {
		missing = []string{}
	}
	raw, err := json.Marshal(missing)
	if err != nil {
		return ExportRunModel{}, fmt.Errorf("encode missing files: %w", err)
	}
	return ExportRunModel{
		ID:           run.ID,
		ProjectID:    run.ProjectID,
		ManifestPath: run.ManifestPath,
		Exported:     run.Exported,
		MissingFiles: datatypes.JSON(raw),
		CreatedAt:    run.CreatedAt,
	}, nil
}

func exportRunFromModel(m ExportRunModel) (domain.ExportRun, error) {
	missing := []string{}
	if len(m.MissingFiles) > 0 {
		if err := json.Unmarshal(m.MissingFiles, &missing); err != nil {
			return domain.ExportRun{}, fmt.Errorf("decode missing files: %w", err)
		}
	}
	return domain.ExportRun{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		ManifestPath: m.ManifestPath,
		Exported:     m.Exported,
		MissingFiles: missing,
		CreatedAt:    m.CreatedAt,
	}, nil
}
