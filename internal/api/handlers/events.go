package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/storage"
	"github.com/your-org/retrack/pkg/dto"
)

// EventStore is the part of the Postgres store used by EventHandler.
type EventStore interface {
	QueryTrackEvents(ctx context.Context, sessionID uuid.UUID, f storage.EventFilter) ([]models.TrackEvent, int, error)
	GetTrackEvent(ctx context.Context, id uuid.UUID) (*models.TrackEvent, error)
	SearchSimilar(ctx context.Context, signature []float32, sessionID *uuid.UUID, exclude uuid.UUID, threshold float64, limit int) ([]storage.SimilarMatch, error)
}

// ObjectStore reads snapshots.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type EventHandler struct {
	db    EventStore
	minio ObjectStore
}

func NewEventHandler(db EventStore, minio ObjectStore) *EventHandler {
	return &EventHandler{db: db, minio: minio}
}

func (h *EventHandler) List(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var f storage.EventFilter
	if fromStr := c.Query("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			f.From = &t
		}
	}
	if toStr := c.Query("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			f.To = &t
		}
	}
	if trackStr := c.Query("track_id"); trackStr != "" {
		id, err := strconv.ParseInt(trackStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid track id"})
			return
		}
		f.TrackID = &id
	}
	f.Event = c.Query("event")
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total, err := h.db.QueryTrackEvents(c.Request.Context(), sessionID, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.TrackEventResponse, 0, len(events))
	for i := range events {
		resp = append(resp, EventToResponse(&events[i]))
	}

	c.JSON(http.StatusOK, dto.EventListResponse{Events: resp, Total: total})
}

// Snapshot proxies the track snapshot image from MinIO.
func (h *EventHandler) Snapshot(c *gin.Context) {
	ev := h.load(c)
	if ev == nil {
		return
	}
	if ev.SnapshotKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "event has no snapshot"})
		return
	}

	data, err := h.minio.GetObject(c.Request.Context(), ev.SnapshotKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", data)
}

// Similar lists events whose snapshot looks like the snapshot of :id, by
// hue signature. scope=session restricts the search to the same session.
func (h *EventHandler) Similar(c *gin.Context) {
	ev := h.load(c)
	if ev == nil {
		return
	}
	if len(ev.Signature) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "event has no appearance signature"})
		return
	}

	threshold, err := strconv.ParseFloat(c.DefaultQuery("threshold", "0.8"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	var scope *uuid.UUID
	if c.Query("scope") == "session" {
		scope = &ev.SessionID
	}

	matches, err := h.db.SearchSimilar(c.Request.Context(), ev.Signature, scope, ev.ID, threshold, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.SimilarListResponse{Matches: make([]dto.SimilarEventResponse, 0, len(matches))}
	for i := range matches {
		resp.Matches = append(resp.Matches, dto.SimilarEventResponse{
			Event: EventToResponse(&matches[i].Event),
			Score: matches[i].Score,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *EventHandler) load(c *gin.Context) *models.TrackEvent {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return nil
	}
	ev, err := h.db.GetTrackEvent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return nil
	}
	return ev
}

// EventToResponse converts a stored event for clients.
func EventToResponse(ev *models.TrackEvent) dto.TrackEventResponse {
	r := dto.TrackEventResponse{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		TrackID:   ev.TrackID,
		Label:     ev.Label,
		Event:     ev.Event,
		From:      ev.FromState,
		To:        ev.ToState,
		Frame:     ev.Frame,
		Box:       ev.Box,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if !ev.CreatedAt.IsZero() {
		r.CreatedAt = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	if ev.SnapshotKey != "" {
		r.SnapshotURL = "/v1/events/" + ev.ID.String() + "/snapshot"
	}
	return r
}
