package domain

import "time"

// SampleRate is an audio sample rate in Hz.
type SampleRate int

const (
	SampleRate8k  SampleRate = 8000
	SampleRate16k SampleRate = 16000
	SampleRate22k SampleRate = 22050
	SampleRate44k SampleRate = 44100
	SampleRate48k SampleRate = 48000
)

// DefaultSampleRate is used when a request leaves the rate unset.
const DefaultSampleRate = SampleRate44k

// SampleRates lists the accepted rates in ascending order.
var SampleRates = []SampleRate{SampleRate8k, SampleRate16k, SampleRate22k, SampleRate44k, SampleRate48k}

// Valid reports whether r is one of the accepted rates.
func (r SampleRate) Valid() bool {
	for _, rate := range SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

type AudioState string

const (
	// AudioPending marks a transcript whose audio file is still being written.
	AudioPending   AudioState = "pending"
	AudioCommitted AudioState = "committed"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type Project struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SampleRate SampleRate `json:"sampleRate"`
	FolderPath string     `json:"folderPath"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Transcript struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	UserID     string     `json:"userId"`
	AudioFile  string     `json:"audioFile"`
	Text       string     `json:"text"`
	AudioState AudioState `json:"audioState"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ExportRun records one successful manifest export.
type ExportRun struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	ManifestPath string    `json:"manifestPath"`
	Exported     int       `json:"exported"`
	MissingFiles []string  `json:"missingFiles"`
	CreatedAt    time.Time `json:"createdAt"`
}
