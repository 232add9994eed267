package models

const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionAcquire = "acquire"
)

// Command is published on the control subject by the API and handled by the
// tracker worker owning the session.
type Command struct {
	Action    string  `json:"action"`
	SessionID string  `json:"session_id"`
	URL       string  `json:"url,omitempty"`
	Source    string  `json:"source,omitempty"`
	Tracker   string  `json:"tracker,omitempty"`
	Detector  string  `json:"detector,omitempty"`
	FPS       int     `json:"fps,omitempty"`
	Record    bool    `json:"record,omitempty"`
	Box       *[4]int `json:"box,omitempty"` // x, y, width, height
	Label     string  `json:"label,omitempty"`
	TrackID   int64   `json:"track_id,omitempty"`
}
