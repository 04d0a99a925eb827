package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mozhi/internal/ratelimit"
	"mozhi/internal/security"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/services/transcription/internal/app"
)

const defaultMaxUploadBytes = 50 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	RedisAddr               string
	RedisPassword           string
	LoginRateLimitPerMinute int
	TrustedProxyCIDRs       []string
	MaxUploadBytes          int64
}

// Server exposes HTTP endpoints for the transcription studio.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	loginLimiter   *ratelimit.FixedWindowLimiter
	alerter        *security.Alerter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured. The login limiter and the
// security alerter are only enabled when Redis is configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: cfg.MaxUploadBytes,
		trustedProxies: trusted,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		limit := cfg.LoginRateLimitPerMinute
		if limit <= 0 {
			limit = 10
		}
		s.loginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "mozhi:ratelimit:login", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
		s.alerter = security.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, "mozhi:alerts")
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("transcription", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the Redis connections.
func (s *Server) Close() error {
	return errors.Join(s.loginLimiter.Close(), s.alerter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.withUser(s.handleMe))

	// projects
	s.mux.Handle("/api/projects", s.withUser(s.handleProjects))
	s.mux.Handle("/api/projects/import", s.withUser(s.handleImport))
	s.mux.Handle("/api/projects/", s.withUser(s.handleProjectByID))

	// transcripts
	s.mux.Handle("/api/records", s.withUser(s.handleSaveRecord))
	s.mux.Handle("/api/transcripts/", s.withUser(s.handleTranscriptByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser resolves the caller. Requests without a token fall back to the
// default account when anonymous access is enabled.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		user, err := s.app.ResolveUser(r.Context(), token)
		if err != nil {
			s.audit(r, "authorize", "fail", "reason", err.Error())
			writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, user, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "logout", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// /api/projects
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		page, err := s.app.ListProjects(r.Context(), pageParam(r))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		var req createProjectRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		project, err := s.app.CreateProject(r.Context(), strings.TrimSpace(req.Name), domain.SampleRate(req.SampleRate))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.app.ImportProject(r.Context(), user, app.ImportRequest{
		FolderName: strings.TrimSpace(req.FolderName),
		SampleRate: domain.SampleRate(req.SampleRate),
		Strict:     req.Strict,
	})
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("import failed", "folder", req.FolderName, "err", err)
		writeStatus(w, statusFor(err), messageFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, importResponse{Status: "success", ImportResult: res})
}

// /api/projects/{id}, /api/projects/{id}/{delete,export,exports}
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id, action, ok := splitIDPath(r.URL.Path, "/api/projects/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		detail, err := s.app.ProjectDetail(r.Context(), id, pageParam(r))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case "delete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		deleteFiles, err := deleteFilesParam(r)
		if err != nil {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.app.DeleteProject(r.Context(), id, deleteFiles); err != nil {
			writeStatus(w, statusFor(err), messageFor(err))
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
	case "export":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleExport(w, r, id)
	case "exports":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := s.app.ListExportRuns(r.Context(), id, limit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": runs,
			"count": len(runs),
		})
	default:
		http.NotFound(w, r)
	}
}

// handleExport streams export events as NDJSON. Headers go out with the
// first event so a failure before the stream starts is still a plain JSON
// error.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	rc := http.NewResponseController(w)
	logger := util.LoggerFromContext(r.Context())
	started := false
	enc := json.NewEncoder(w)
	emit := func(ev app.Event) {
		if !started {
			started = true
			// a large project outlives the server write timeout
			_ = rc.SetWriteDeadline(time.Time{})
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		if err := enc.Encode(ev); err != nil {
			logger.Warn("export event write failed", "type", ev.Type, "err", err)
			return
		}
		_ = rc.Flush()
	}
	if err := s.app.ExportProject(r.Context(), id, emit); err != nil {
		if started {
			logger.Error("export failed after stream start", "project_id", id, "err", err)
			return
		}
		writeAppError(w, r, err)
	}
}

// POST /api/records (multipart: project_id, transcript, audio)
func (s *Server) handleSaveRecord(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	projectID := strings.TrimSpace(r.FormValue("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio is required (field: audio)")
		return
	}
	defer file.Close()
	t, err := s.app.SaveRecord(r.Context(), user, projectID, r.FormValue("transcript"), file)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transcriptResponse{Status: "success", Transcript: t})
}

// /api/transcripts/{id}/{edit,delete,audio}
func (s *Server) handleTranscriptByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	id, action, ok := splitIDPath(r.URL.Path, "/api/transcripts/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "edit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		text, err := textParam(r)
		if err != nil {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := s.app.EditTranscript(r.Context(), id, text)
		if err != nil {
			writeStatus(w, statusFor(err), messageFor(err))
			return
		}
		writeJSON(w, http.StatusOK, transcriptResponse{Status: "success", Transcript: t})
	case "delete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		deleteFiles, err := deleteFilesParam(r)
		if err != nil {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.app.DeleteTranscript(r.Context(), id, deleteFiles); err != nil {
			writeStatus(w, statusFor(err), messageFor(err))
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
	case "audio":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w)
			return
		}
		f, info, err := s.app.OpenAudio(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type createProjectRequest struct {
	Name       string `json:"name"`
	SampleRate int    `json:"sampleRate"`
}

type importRequest struct {
	FolderName string `json:"folderName"`
	SampleRate int    `json:"sampleRate"`
	Strict     bool   `json:"strict"`
}

type importResponse struct {
	Status string `json:"status"`
	app.ImportResult
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type transcriptResponse struct {
	Status     string            `json:"status"`
	Transcript domain.Transcript `json:"transcript"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// splitIDPath parses <prefix>{id} and <prefix>{id}/{action}.
func splitIDPath(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return id, "", true
	}
	if parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", false
	}
	return id, parts[1], true
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// deleteFilesParam reads delete_files from a JSON body or a form.
func deleteFilesParam(r *http.Request) (bool, error) {
	if isJSON(r) {
		var req struct {
			DeleteFiles bool `json:"delete_files"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return false, errors.New("invalid JSON body")
		}
		return req.DeleteFiles, nil
	}
	raw := strings.TrimSpace(r.FormValue("delete_files"))
	switch strings.ToLower(raw) {
	case "", "0", "false", "off", "no":
		return false, nil
	case "1", "true", "on", "yes":
		return true, nil
	default:
		return false, fmt.Errorf("invalid delete_files value %q", raw)
	}
}

func textParam(r *http.Request) (string, error) {
	if isJSON(r) {
		var req struct {
			Text *string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return "", errors.New("invalid JSON body")
		}
		if req.Text == nil {
			return "", errors.New("text is required")
		}
		return *req.Text, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("invalid form data")
	}
	if _, ok := r.PostForm["text"]; !ok {
		return "", errors.New("text is required")
	}
	return r.PostForm.Get("text"), nil
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", alert.Count,
			"threshold", alert.Threshold,
			"window", alert.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeStatus answers batch and delete endpoints with {status:"error"}.
func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusResponse{Status: "error", Error: msg})
}
