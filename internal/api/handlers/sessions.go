package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/storage"
	"github.com/your-org/retrack/pkg/dto"
)

// SessionStore is the part of the Postgres store used by SessionHandler.
type SessionStore interface {
	CreateSession(ctx context.Context, ss *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, errMsg string) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// ControlPublisher sends commands to the tracker workers.
type ControlPublisher interface {
	PublishControl(data any) error
}

type SessionHandler struct {
	db      SessionStore
	control ControlPublisher
}

func NewSessionHandler(db SessionStore, control ControlPublisher) *SessionHandler {
	return &SessionHandler{db: db, control: control}
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = "capture"
	}
	ss := &models.Session{
		Name:         req.Name,
		URL:          req.URL,
		SourceKind:   source,
		TrackerKind:  req.Tracker,
		DetectorKind: req.Detector,
		FPS:          req.FPS,
		Record:       req.Record,
	}

	if err := h.db.CreateSession(c.Request.Context(), ss); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(ss))
}

// load resolves the :id parameter. It writes the error response and returns
// nil when the session cannot be served.
func (h *SessionHandler) load(c *gin.Context) *models.Session {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil
	}

	ss, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	if ss == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil
	}
	return ss
}

func (h *SessionHandler) Get(c *gin.Context) {
	ss := h.load(c)
	if ss == nil {
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(ss))
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.db.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.SessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, sessionToResponse(&sessions[i]))
	}

	c.JSON(http.StatusOK, dto.SessionListResponse{Sessions: resp, Total: len(resp)})
}

func (h *SessionHandler) Start(c *gin.Context) {
	ss := h.load(c)
	if ss == nil {
		return
	}

	if ss.Status == models.SessionStatusRunning || ss.Status == models.SessionStatusStarting {
		c.JSON(http.StatusConflict, gin.H{"error": "session already running"})
		return
	}

	if err := h.db.UpdateSessionStatus(c.Request.Context(), ss.ID, models.SessionStatusStarting, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cmd := models.Command{
		Action:    models.ActionStart,
		SessionID: ss.ID.String(),
		URL:       ss.URL,
		Source:    ss.SourceKind,
		Tracker:   ss.TrackerKind,
		Detector:  ss.DetectorKind,
		FPS:       ss.FPS,
		Record:    ss.Record,
	}
	if err := h.control.PublishControl(cmd); err != nil {
		_ = h.db.UpdateSessionStatus(c.Request.Context(), ss.ID, models.SessionStatusError, "failed to publish start command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send start command"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "starting", "session_id": ss.ID})
}

func (h *SessionHandler) Stop(c *gin.Context) {
	ss := h.load(c)
	if ss == nil {
		return
	}

	// the worker records stopped once the session has wound down
	if err := h.control.PublishControl(models.Command{Action: models.ActionStop, SessionID: ss.ID.String()}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send stop command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "session_id": ss.ID})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	// stop the session first if a worker may be running it
	ss, err := h.db.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ss != nil && ss.Status != models.SessionStatusStopped {
		_ = h.control.PublishControl(models.Command{Action: models.ActionStop, SessionID: id.String()})
	}

	if err := h.db.DeleteSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// AddTrack asks the worker running the session to seed a track on a region.
func (h *SessionHandler) AddTrack(c *gin.Context) {
	ss := h.running(c)
	if ss == nil {
		return
	}

	var req dto.AddTrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Box[2] <= 0 || req.Box[3] <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "box width and height must be positive"})
		return
	}

	box := req.Box
	h.send(c, models.Command{Action: models.ActionAdd, SessionID: ss.ID.String(), Box: &box, Label: req.Label})
}

// RemoveTrack asks the worker to drop a track.
func (h *SessionHandler) RemoveTrack(c *gin.Context) {
	ss := h.running(c)
	if ss == nil {
		return
	}

	trackID, err := strconv.ParseInt(c.Param("trackId"), 10, 64)
	if err != nil || trackID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid track id"})
		return
	}
	h.send(c, models.Command{Action: models.ActionRemove, SessionID: ss.ID.String(), TrackID: trackID})
}

// Acquire asks the worker to seed tracks from a detector pass.
func (h *SessionHandler) Acquire(c *gin.Context) {
	ss := h.running(c)
	if ss == nil {
		return
	}
	h.send(c, models.Command{Action: models.ActionAcquire, SessionID: ss.ID.String()})
}

func (h *SessionHandler) running(c *gin.Context) *models.Session {
	ss := h.load(c)
	if ss == nil {
		return nil
	}
	if ss.Status != models.SessionStatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "session not running"})
		return nil
	}
	return ss
}

func (h *SessionHandler) send(c *gin.Context, cmd models.Command) {
	if err := h.control.PublishControl(cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send command"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "action": cmd.Action, "session_id": cmd.SessionID})
}

func sessionToResponse(ss *models.Session) dto.SessionResponse {
	return dto.SessionResponse{
		ID:           ss.ID,
		Name:         ss.Name,
		URL:          ss.URL,
		Source:       ss.SourceKind,
		Tracker:      ss.TrackerKind,
		Detector:     ss.DetectorKind,
		FPS:          ss.FPS,
		Record:       ss.Record,
		Status:       string(ss.Status),
		ErrorMessage: ss.ErrorMessage,
		CreatedAt:    ss.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    ss.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
