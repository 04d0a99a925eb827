package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type ProjectModel struct {
	ID         string    `gorm:"primaryKey"`
	Name       string    `gorm:"size:50;uniqueIndex;not null"`
	SampleRate int       `gorm:"not null"`
	FolderPath string    `gorm:"size:255;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type TranscriptModel struct {
	ID         string    `gorm:"primaryKey;index:idx_transcripts_order,priority:3"`
	ProjectID  string    `gorm:"not null;index:idx_transcripts_order,priority:1"`
	UserID     string    `gorm:"not null;index"`
	AudioFile  string    `gorm:"not null"`
	Text       string    `gorm:"type:text;not null;default:''"`
	AudioState string    `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null;index:idx_transcripts_order,priority:2"`
}

type ExportRunModel struct {
	ID           string         `gorm:"primaryKey"`
	ProjectID    string         `gorm:"not null;index"`
	ManifestPath string         `gorm:"not null"`
	Exported     int            `gorm:"not null"`
	MissingFiles datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}
