package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mozhi/pkg/domain"
)

// MemoryStore keeps records in-process. It is used when no database URL is
// configured and by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	email       map[string]string // email -> user ID
	projects    map[string]domain.Project
	names       map[string]string // project name -> project ID
	transcripts map[string]domain.Transcript
	runs        map[string][]domain.ExportRun // project ID -> runs
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		email:       make(map[string]string),
		projects:    make(map[string]domain.Project),
		names:       make(map[string]string),
		transcripts: make(map[string]domain.Transcript),
		runs:        make(map[string][]domain.ExportRun),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.email[u.Email]; ok && id != u.ID {
		return fmt.Errorf("%w: email %s", ErrDuplicate, u.Email)
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) FirstUser(_ context.Context, role domain.UserRole) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		first domain.User
		found bool
	)
	for _, u := range m.users {
		if role != "" && u.Role != role {
			continue
		}
		if !found || u.CreatedAt.Before(first.CreatedAt) ||
			(u.CreatedAt.Equal(first.CreatedAt) && u.ID < first.ID) {
			first = u
			found = true
		}
	}
	return first, found, nil
}

func (m *MemoryStore) UserCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) CreateProject(_ context.Context, p domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[p.Name]; ok {
		return fmt.Errorf("%w: project %s", ErrDuplicate, p.Name)
	}
	if _, ok := m.projects[p.ID]; ok {
		return fmt.Errorf("%w: project id %s", ErrDuplicate, p.ID)
	}
	m.projects[p.ID] = p
	m.names[p.Name] = p.ID
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (domain.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok, nil
}

func (m *MemoryStore) GetProjectByName(_ context.Context, name string) (domain.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return domain.Project{}, false, nil
	}
	p, ok := m.projects[id]
	return p, ok, nil
}

func (m *MemoryStore) ListProjects(_ context.Context, offset, limit int) ([]domain.Project, error) {
	m.mu.RLock()
	all := make([]domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		all = append(all, p)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return window(all, offset, limit), nil
}

func (m *MemoryStore) CountProjects(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.projects), nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil
	}
	for tid, t := range m.transcripts {
		if t.ProjectID == id {
			delete(m.transcripts, tid)
		}
	}
	delete(m.runs, id)
	delete(m.names, p.Name)
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) CreateTranscript(ctx context.Context, t domain.Transcript) error {
	return m.CreateTranscripts(ctx, []domain.Transcript{t})
}

func (m *MemoryStore) CreateTranscripts(_ context.Context, ts []domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		if _, ok := m.transcripts[t.ID]; ok {
			return fmt.Errorf("%w: transcript %s", ErrDuplicate, t.ID)
		}
		if _, ok := m.projects[t.ProjectID]; !ok {
			return fmt.Errorf("transcript %s: unknown project %s", t.ID, t.ProjectID)
		}
	}
	for _, t := range ts {
		if t.AudioState == "" {
			t.AudioState = domain.AudioCommitted
		}
		m.transcripts[t.ID] = t
	}
	return nil
}

func (m *MemoryStore) GetTranscript(_ context.Context, id string) (domain.Transcript, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transcripts[id]
	if !ok || t.AudioState != domain.AudioCommitted {
		return domain.Transcript{}, false, nil
	}
	return t, true, nil
}

func (m *MemoryStore) UpdateTranscriptText(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	if !ok || t.AudioState != domain.AudioCommitted {
		return nil
	}
	t.Text = text
	m.transcripts[id] = t
	return nil
}

func (m *MemoryStore) CommitTranscriptAudio(_ context.Context, id, audioFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	if !ok {
		return fmt.Errorf("transcript %s not found", id)
	}
	t.AudioFile = audioFile
	t.AudioState = domain.AudioCommitted
	m.transcripts[id] = t
	return nil
}

func (m *MemoryStore) DeleteTranscript(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transcripts, id)
	return nil
}

func (m *MemoryStore) CountTranscripts(_ context.Context, projectID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.transcripts {
		if t.ProjectID == projectID && t.AudioState == domain.AudioCommitted {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListTranscripts(_ context.Context, projectID string, offset, limit int) ([]domain.Transcript, error) {
	return window(m.sortedTranscripts(projectID, nil), offset, limit), nil
}

func (m *MemoryStore) ListTranscriptsAfter(_ context.Context, projectID string, after *Cursor, limit int) ([]domain.Transcript, error) {
	return window(m.sortedTranscripts(projectID, after), 0, limit), nil
}

func (m *MemoryStore) sortedTranscripts(projectID string, after *Cursor) []domain.Transcript {
	m.mu.RLock()
	res := make([]domain.Transcript, 0)
	for _, t := range m.transcripts {
		if t.ProjectID != projectID || t.AudioState != domain.AudioCommitted {
			continue
		}
		if after.before(t) {
			res = append(res, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res
}

func (m *MemoryStore) SaveExportRun(_ context.Context, run domain.ExportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.MissingFiles == nil {
		run.MissingFiles = []string{}
	}
	run.MissingFiles = append([]string(nil), run.MissingFiles...)
	m.runs[run.ProjectID] = append(m.runs[run.ProjectID], run)
	return nil
}

func (m *MemoryStore) ListExportRuns(_ context.Context, projectID string, limit int) ([]domain.ExportRun, error) {
	m.mu.RLock()
	runs := append([]domain.ExportRun(nil), m.runs[projectID]...)
	m.mu.RUnlock()
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return window(runs, 0, limit), nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
