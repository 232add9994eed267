package dto

import "github.com/google/uuid"

type CreateSessionRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url" binding:"required"`
	Source   string `json:"source" binding:"omitempty,oneof=capture ffmpeg youtube"`
	Tracker  string `json:"tracker"`
	Detector string `json:"detector" binding:"omitempty,oneof=cascade retinaface"`
	FPS      int    `json:"fps" binding:"gte=0"`
	Record   bool   `json:"record"`
}

type SessionResponse struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Source       string    `json:"source"`
	Tracker      string    `json:"tracker,omitempty"`
	Detector     string    `json:"detector,omitempty"`
	FPS          int       `json:"fps"`
	Record       bool      `json:"record"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// AddTrackRequest seeds a track on a region of the next frame.
type AddTrackRequest struct {
	Box   [4]int `json:"box" binding:"required"` // x, y, width, height
	Label string `json:"label"`
}
