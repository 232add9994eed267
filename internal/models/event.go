package models

import (
	"time"

	"github.com/google/uuid"
)

// TrackEvent is a stored track state transition.
type TrackEvent struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SessionID   uuid.UUID `json:"session_id" db:"session_id"`
	TrackID     int64     `json:"track_id" db:"track_id"`
	Label       string    `json:"label" db:"label"`
	Event       string    `json:"event" db:"event"`
	FromState   string    `json:"from_state" db:"from_state"`
	ToState     string    `json:"to_state" db:"to_state"`
	Frame       int64     `json:"frame" db:"frame"`
	Box         [4]int    `json:"box" db:"box"` // x, y, width, height
	Signature   []float32 `json:"-" db:"signature"`
	SnapshotKey string    `json:"snapshot_key" db:"snapshot_key"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TrackMessage is the message a tracker worker publishes for each transition.
type TrackMessage struct {
	SessionID   uuid.UUID `json:"session_id"`
	Frame       int64     `json:"frame"`
	TrackID     int64     `json:"track_id"`
	Label       string    `json:"label"`
	Event       string    `json:"event"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Box         [4]int    `json:"box"`
	Signature   []float32 `json:"signature,omitempty"`
	SnapshotKey string    `json:"snapshot_key,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ToEvent converts a published message into its stored form.
func (m TrackMessage) ToEvent() *TrackEvent {
	return &TrackEvent{
		SessionID:   m.SessionID,
		TrackID:     m.TrackID,
		Label:       m.Label,
		Event:       m.Event,
		FromState:   m.From,
		ToState:     m.To,
		Frame:       m.Frame,
		Box:         m.Box,
		Signature:   m.Signature,
		SnapshotKey: m.SnapshotKey,
		Timestamp:   m.Timestamp,
	}
}
