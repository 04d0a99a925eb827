package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mozhi/pkg/domain"
	"mozhi/pkg/store"
)

const testPassword = "Str0ng#Password!"

// spyStore counts batch inserts and can fail selected calls.
type spyStore struct {
	*store.MemoryStore

	mu                sync.Mutex
	createBatches     []int
	failBatchAt       int // 1-based; 0 disables
	failCommit        bool
	deletedTranscript []string
}

func newSpyStore() *spyStore {
	return &spyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *spyStore) CreateTranscripts(ctx context.Context, ts []domain.Transcript) error {
	s.mu.Lock()
	s.createBatches = append(s.createBatches, len(ts))
	n := len(s.createBatches)
	s.mu.Unlock()
	if s.failBatchAt > 0 && n == s.failBatchAt {
		return errors.New("insert failed")
	}
	return s.MemoryStore.CreateTranscripts(ctx, ts)
}

func (s *spyStore) CommitTranscriptAudio(ctx context.Context, id, audioFile string) error {
	if s.failCommit {
		return errors.New("commit failed")
	}
	return s.MemoryStore.CommitTranscriptAudio(ctx, id, audioFile)
}

func (s *spyStore) DeleteTranscript(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deletedTranscript = append(s.deletedTranscript, id)
	s.mu.Unlock()
	return s.MemoryStore.DeleteTranscript(ctx, id)
}

type testEnv struct {
	app     *App
	store   *spyStore
	saveDir string
	owner   domain.User
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	st := newSpyStore()
	cfg := Config{
		Store:           st,
		SaveDir:         t.TempDir(),
		LockDir:         t.TempDir(),
		BatchSize:       2,
		PageSize:        10,
		StatConcurrency: 4,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	// a stepping clock keeps creation order deterministic
	var (
		mu    sync.Mutex
		clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	)
	a.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	owner, err := a.CreateUser(context.Background(), "owner@example.com", testPassword, domain.RoleUser)
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return &testEnv{app: a, store: st, saveDir: cfg.SaveDir, owner: owner}
}

func (e *testEnv) project(t *testing.T, name string) domain.Project {
	t.Helper()
	p, err := e.app.CreateProject(context.Background(), name, 0)
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}

func (e *testEnv) record(t *testing.T, p domain.Project, text string) domain.Transcript {
	t.Helper()
	tr, err := e.app.SaveRecord(context.Background(), e.owner, p.ID, text, strings.NewReader("RIFF-"+text))
	if err != nil {
		t.Fatalf("save record: %v", err)
	}
	return tr
}

func (e *testEnv) export(t *testing.T, projectID string) []Event {
	t.Helper()
	var events []Event
	if err := e.app.ExportProject(context.Background(), projectID, func(ev Event) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("export: %v", err)
	}
	return events
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func eventSummary(events []Event) string {
	var b bytes.Buffer
	for i, ev := range events {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(string(ev.Type))
		switch {
		case ev.Total != nil:
			b.WriteString(":" + strconv.Itoa(*ev.Total))
		case ev.Current != nil:
			b.WriteString(":" + strconv.Itoa(*ev.Current))
		}
	}
	return b.String()
}
