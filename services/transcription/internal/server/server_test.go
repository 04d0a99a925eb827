package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"mozhi/pkg/domain"
	"mozhi/services/transcription/internal/app"
)

const testPassword = "Str0ng#Password!"

type testServer struct {
	*httptest.Server
	app     *app.App
	saveDir string
	token   string
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	saveDir := t.TempDir()
	a, err := app.New(app.Config{SaveDir: saveDir, LockDir: t.TempDir(), BatchSize: 2})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if _, err := a.CreateUser(context.Background(), "owner@example.com", testPassword, domain.RoleUser); err != nil {
		t.Fatalf("create user: %v", err)
	}
	cfg := Config{App: a}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	ts := &testServer{Server: httptest.NewServer(srv.Router()), app: a, saveDir: saveDir}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) login(t *testing.T) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/auth/login", "application/json",
		strings.NewReader(`{"email":"owner@example.com","password":"`+testPassword+`"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	decode(t, resp, &body)
	ts.token = body.Token
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func (ts *testServer) postForm(t *testing.T, path string, values url.Values) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(values.Encode()))
}

func (ts *testServer) upload(t *testing.T, projectID, text, audio string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("project_id", projectID)
	_ = mw.WriteField("transcript", text)
	part, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte(audio))
	_ = mw.Close()
	return ts.do(t, http.MethodPost, "/api/records", mw.FormDataContentType(), &buf)
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func TestHealthzSetsRequestID(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/users/me", "/api/projects", "/api/projects/x", "/api/transcripts/x/audio"} {
		resp := ts.do(t, http.MethodGet, path, "", nil)
		var body errorResponse
		decode(t, resp, &body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized || body.Code != "AUTH_INVALID_TOKEN" || body.RequestID == "" {
			t.Fatalf("%s: status=%d body=%+v", path, resp.StatusCode, body)
		}
	}
}

func TestAnonymousFallsBackToFirstUser(t *testing.T) {
	saveDir := t.TempDir()
	a, err := app.New(app.Config{SaveDir: saveDir, LockDir: t.TempDir(), AllowAnonymous: true})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	user, err := a.CreateUser(context.Background(), "solo@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	srv, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/users/me")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var me domain.User
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.ID != user.ID {
		t.Fatalf("expected fallback user %s, got %+v", user.ID, me)
	}
}

func TestLoginLogout(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.postJSON(t, "/api/auth/login", `{"email":"owner@example.com","password":"nope"}`)
	var failed errorResponse
	decode(t, resp, &failed)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || failed.Code != "AUTH_INVALID_CREDENTIALS" {
		t.Fatalf("bad login: status=%d body=%+v", resp.StatusCode, failed)
	}

	ts.login(t)
	resp = ts.do(t, http.MethodGet, "/api/users/me", "", nil)
	var me map[string]any
	decode(t, resp, &me)
	resp.Body.Close()
	if me["email"] != "owner@example.com" {
		t.Fatalf("unexpected me: %v", me)
	}
	if _, ok := me["passwordHash"]; ok {
		t.Fatalf("password hash leaked")
	}

	resp = ts.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	resp.Body.Close()
	expectStatus(t, resp, http.StatusNoContent)
	resp = ts.do(t, http.MethodGet, "/api/users/me", "", nil)
	resp.Body.Close()
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestLoginRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	ts := newTestServer(t, func(c *Config) {
		c.RedisAddr = redis.Addr()
		c.LoginRateLimitPerMinute = 1
	})
	body := `{"email":"owner@example.com","password":"` + testPassword + `"}`
	first := ts.postJSON(t, "/api/auth/login", body)
	first.Body.Close()
	expectStatus(t, first, http.StatusOK)

	second := ts.postJSON(t, "/api/auth/login", body)
	defer second.Body.Close()
	expectStatus(t, second, http.StatusTooManyRequests)
	if second.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestProjectLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	resp := ts.postJSON(t, "/api/projects", `{"name":"studio","sampleRate":16000}`)
	expectStatus(t, resp, http.StatusCreated)
	var project domain.Project
	decode(t, resp, &project)
	resp.Body.Close()

	resp = ts.postJSON(t, "/api/projects", `{"name":"studio"}`)
	var conflict errorResponse
	decode(t, resp, &conflict)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || conflict.Code != "FOLDER_EXISTS" {
		t.Fatalf("duplicate create: status=%d body=%+v", resp.StatusCode, conflict)
	}

	resp = ts.upload(t, project.ID, "hello there", "RIFF-data")
	expectStatus(t, resp, http.StatusCreated)
	var saved transcriptResponse
	decode(t, resp, &saved)
	resp.Body.Close()
	if saved.Status != "success" || saved.Transcript.AudioFile != saved.Transcript.ID+".wav" {
		t.Fatalf("unexpected upload response: %+v", saved)
	}

	resp = ts.do(t, http.MethodGet, "/api/projects?page=1", "", nil)
	var page app.ProjectPage
	decode(t, resp, &page)
	resp.Body.Close()
	if page.Total != 1 || page.Projects[0].TranscriptCount != 1 {
		t.Fatalf("unexpected project page: %+v", page)
	}

	resp = ts.do(t, http.MethodGet, "/api/projects/"+project.ID, "", nil)
	var detail app.ProjectDetail
	decode(t, resp, &detail)
	resp.Body.Close()
	if len(detail.Transcripts) != 1 || !detail.Transcripts[0].AudioExists {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	id := saved.Transcript.ID
	resp = ts.postForm(t, "/api/transcripts/"+id+"/edit", url.Values{"text": {"  edited  "}})
	var edited transcriptResponse
	decode(t, resp, &edited)
	resp.Body.Close()
	if edited.Transcript.Text != "edited" {
		t.Fatalf("unexpected edit: %+v", edited)
	}

	resp = ts.do(t, http.MethodGet, "/api/transcripts/"+id+"/audio", "", nil)
	audio, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "audio/wav" || string(audio) != "RIFF-data" {
		t.Fatalf("unexpected audio response: %q %q", resp.Header.Get("Content-Type"), audio)
	}

	resp = ts.postForm(t, "/api/transcripts/"+id+"/delete", url.Values{"delete_files": {"true"}})
	var deleted statusResponse
	decode(t, resp, &deleted)
	resp.Body.Close()
	if deleted.Status != "success" {
		t.Fatalf("unexpected transcript delete: %+v", deleted)
	}

	resp = ts.postJSON(t, "/api/projects/"+project.ID+"/delete", `{"delete_files":true}`)
	decode(t, resp, &deleted)
	resp.Body.Close()
	if deleted.Status != "success" {
		t.Fatalf("unexpected project delete: %+v", deleted)
	}
	if _, err := os.Stat(filepath.Join(ts.saveDir, "studio")); !os.IsNotExist(err) {
		t.Fatalf("project folder still present: %v", err)
	}
}

func TestExportStreamsNDJSON(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	project, err := ts.app.CreateProject(context.Background(), "stream", 0)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		resp := ts.upload(t, project.ID, text, "RIFF")
		resp.Body.Close()
		expectStatus(t, resp, http.StatusCreated)
	}

	resp := ts.do(t, http.MethodPost, "/api/projects/"+project.ID+"/export", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, ev)
	}
	want := []string{"init", "progress", "progress", "success"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), lines)
	}
	for i, w := range want {
		if lines[i]["type"] != w {
			t.Fatalf("event %d: expected %s, got %v", i, w, lines[i])
		}
	}
	if lines[0]["total"] != float64(3) || lines[2]["current"] != float64(3) {
		t.Fatalf("unexpected counts: %v", lines)
	}
	if missing, ok := lines[3]["missing_files"].([]any); !ok || len(missing) != 0 {
		t.Fatalf("expected empty missing_files array, got %v", lines[3])
	}

	runs := ts.do(t, http.MethodGet, "/api/projects/"+project.ID+"/exports", "", nil)
	var history struct {
		Count int `json:"count"`
	}
	decode(t, runs, &history)
	runs.Body.Close()
	if history.Count != 1 {
		t.Fatalf("expected one export run, got %d", history.Count)
	}
}

func TestExportUnknownProjectIsPlainError(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	resp := ts.do(t, http.MethodPost, "/api/projects/missing/export", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body errorResponse
	decode(t, resp, &body)
	if body.Code != "PROJECT_NOT_FOUND" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestImportEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	dir := filepath.Join(ts.saveDir, "legacy")
	if err := os.MkdirAll(filepath.Join(dir, "audio"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "audio", "a.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	manifest := `[{"audio_filepath":"audio/a.wav","text":"one"},{"audio_filepath":"audio/b.wav","text":"two"}]`
	if err := os.WriteFile(filepath.Join(dir, "details.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	resp := ts.postJSON(t, "/api/projects/import", `{"folderName":"legacy"}`)
	expectStatus(t, resp, http.StatusCreated)
	var res struct {
		Status       string   `json:"status"`
		Imported     int      `json:"imported"`
		MissingFiles []string `json:"missing_files"`
	}
	decode(t, resp, &res)
	resp.Body.Close()
	if res.Status != "success" || res.Imported != 2 || len(res.MissingFiles) != 1 || res.MissingFiles[0] != "b.wav" {
		t.Fatalf("unexpected import result: %+v", res)
	}

	resp = ts.postJSON(t, "/api/projects/import", `{"folderName":"nowhere"}`)
	var failed statusResponse
	decode(t, resp, &failed)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || failed.Status != "error" || failed.Error != "folder not found on server" {
		t.Fatalf("unexpected failure: status=%d body=%+v", resp.StatusCode, failed)
	}
}

func TestDeleteUnknownProjectReportsError(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	resp := ts.postForm(t, "/api/projects/nope/delete", url.Values{"delete_files": {"1"}})
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)
	var body statusResponse
	decode(t, resp, &body)
	if body.Status != "error" || body.Error != "project not found" {
		t.Fatalf("unexpected body: %+v", body)
	}

	bad := ts.postForm(t, "/api/projects/nope/delete", url.Values{"delete_files": {"maybe"}})
	bad.Body.Close()
	expectStatus(t, bad, http.StatusBadRequest)
}

func TestUploadLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxUploadBytes = 64 })
	ts.login(t)
	project, err := ts.app.CreateProject(context.Background(), "big", 0)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	resp := ts.upload(t, project.ID, "x", strings.Repeat("A", 4096))
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	if n, _ := os.ReadDir(filepath.Join(ts.saveDir, "big", "audio")); len(n) != 0 {
		t.Fatalf("audio written despite limit")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	resp := ts.do(t, http.MethodDelete, "/api/projects", "", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	var body errorResponse
	decode(t, resp, &body)
	if body.Code != "METHOD_NOT_ALLOWED" {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func TestFailedLoginsAreCounted(t *testing.T) {
	redis := miniredis.RunT(t)
	ts := newTestServer(t, func(c *Config) {
		c.RedisAddr = redis.Addr()
		c.LoginRateLimitPerMinute = 100
	})
	for i := 0; i < 3; i++ {
		resp := ts.postJSON(t, "/api/auth/login", `{"email":"owner@example.com","password":"wrong"}`)
		resp.Body.Close()
		expectStatus(t, resp, http.StatusUnauthorized)
	}
	var found bool
	for _, key := range redis.Keys() {
		if strings.HasPrefix(key, "mozhi:alerts:login:fail:") {
			found = true
			if v, _ := redis.Get(key); v != "3" {
				t.Fatalf("counter %s = %s", key, v)
			}
		}
	}
	if !found {
		t.Fatalf("no alert counter in %v", redis.Keys())
	}
}
