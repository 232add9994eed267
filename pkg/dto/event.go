package dto

import "github.com/google/uuid"

type TrackEventResponse struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	TrackID     int64     `json:"track_id"`
	Label       string    `json:"label"`
	Event       string    `json:"event"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Frame       int64     `json:"frame"`
	Box         [4]int    `json:"box"`
	Timestamp   string    `json:"timestamp"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`
	CreatedAt   string    `json:"created_at,omitempty"`
}

type EventListResponse struct {
	Events []TrackEventResponse `json:"events"`
	Total  int                  `json:"total"`
}

// SimilarEventResponse is one result of GET /v1/events/:id/similar.
type SimilarEventResponse struct {
	Event TrackEventResponse `json:"event"`
	Score float32            `json:"score"`
}

type SimilarListResponse struct {
	Matches []SimilarEventResponse `json:"matches"`
}

// WSEvent is a WebSocket message for real-time event delivery.
type WSEvent struct {
	Type      string             `json:"type"` // track_event, session_status
	SessionID uuid.UUID          `json:"session_id"`
	Data      TrackEventResponse `json:"data,omitempty"`
	Status    string             `json:"status,omitempty"`
}
