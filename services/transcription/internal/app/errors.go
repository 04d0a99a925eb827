package app

import "errors"

// Error kinds. Callers test with errors.Is against these.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation error")
	ErrIOFailure    = errors.New("io failure")
	ErrUnauthorized = errors.New("unauthorized")
)

var (
	ErrProjectNotFound    = kindError(ErrNotFound, "project not found")
	ErrTranscriptNotFound = kindError(ErrNotFound, "transcript not found")
	ErrFolderNotFound     = kindError(ErrNotFound, "folder not found on server")
	ErrManifestNotFound   = kindError(ErrNotFound, "details.json not found in folder")
	ErrAudioNotFound      = kindError(ErrNotFound, "audio file not found")
	ErrProjectExists      = kindError(ErrConflict, "project already exists")
	ErrFolderExists       = kindError(ErrConflict, "a folder with this name already exists in the save directory")
	ErrInvalidCredentials = kindError(ErrUnauthorized, "invalid email or password")
	ErrNoUserAvailable    = kindError(ErrUnauthorized, "no user available")
)

type kinded struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &kinded{kind: kind, msg: msg}
}

func (e *kinded) Error() string { return e.msg }

func (e *kinded) Unwrap() error { return e.kind }
