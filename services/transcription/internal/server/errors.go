package server

import (
	"errors"
	"net/http"
	"strings"

	"mozhi/internal/util"
	"mozhi/services/transcription/internal/app"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps an application error kind to a status and stable code.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}
	writeError(w, status, messageFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// messageFor hides unclassified errors from clients.
func messageFor(err error) string {
	if statusFor(err) == http.StatusInternalServerError && !errors.Is(err, app.ErrIOFailure) {
		return "internal server error"
	}
	return err.Error()
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == app.ErrProjectNotFound.Error():
		return "PROJECT_NOT_FOUND"
	case message == app.ErrTranscriptNotFound.Error():
		return "TRANSCRIPT_NOT_FOUND"
	case message == app.ErrFolderNotFound.Error():
		return "FOLDER_NOT_FOUND"
	case message == app.ErrManifestNotFound.Error():
		return "MANIFEST_NOT_FOUND"
	case message == app.ErrAudioNotFound.Error(), strings.HasPrefix(message, "missing audio file"):
		return "AUDIO_NOT_FOUND"
	case message == app.ErrProjectExists.Error():
		return "PROJECT_EXISTS"
	case message == app.ErrFolderExists.Error():
		return "FOLDER_EXISTS"
	case message == app.ErrInvalidCredentials.Error():
		return "AUTH_INVALID_CREDENTIALS"
	case message == app.ErrNoUserAvailable.Error():
		return "AUTH_NO_USER"
	case message == "file too large":
		return "RECORD_FILE_TOO_LARGE"
	case strings.HasPrefix(message, "too many"):
		return "RATE_LIMITED"
	case strings.HasPrefix(message, "io failure"):
		return "IO_FAILURE"
	}
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusRequestEntityTooLarge:
		return "RECORD_FILE_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
