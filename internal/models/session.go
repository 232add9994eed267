package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusStopped  SessionStatus = "stopped"
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusError    SessionStatus = "error"
)

// Session is one tracking run over a video stream.
type Session struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	URL          string        `json:"url" db:"url"`
	SourceKind   string        `json:"source_kind" db:"source_kind"`     // capture, ffmpeg, youtube
	TrackerKind  string        `json:"tracker_kind" db:"tracker_kind"`   // empty uses the worker default
	DetectorKind string        `json:"detector_kind" db:"detector_kind"` // empty uses the worker default
	FPS          int           `json:"fps" db:"fps"`
	Record       bool          `json:"record" db:"record"`
	Status       SessionStatus `json:"status" db:"status"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}
