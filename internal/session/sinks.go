package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/retrack/internal/models"
	"github.com/your-org/retrack/internal/observability"
	"github.com/your-org/retrack/internal/storage"
	"github.com/your-org/retrack/internal/tracking"
	"github.com/your-org/retrack/internal/vision"
)

// Publisher sends track messages to the message bus.
type Publisher interface {
	PublishTrackEvent(ctx context.Context, sessionID string, data any) error
}

// SnapshotStore keeps encoded track crops.
type SnapshotStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// EventSink publishes every transition. Creations and re-acquisitions carry
// a JPEG snapshot of the new box and its hue signature.
type EventSink struct {
	SessionID uuid.UUID
	Publisher Publisher
	Snapshots SnapshotStore // optional
	Quality   int
	Bins      int
	Log       *slog.Logger
}

func (s *EventSink) Consume(ctx context.Context, f *vision.Frame, rep tracking.StepReport) error {
	var errs []error
	for _, tr := range rep.Transitions {
		msg := models.TrackMessage{
			SessionID: s.SessionID,
			Frame:     int64(rep.Frame),
			TrackID:   int64(tr.Track),
			Label:     tr.Label,
			Event:     string(tr.Event),
			From:      tr.From.String(),
			To:        tr.To.String(),
			Box:       [4]int{tr.Box.X, tr.Box.Y, tr.Box.Width, tr.Box.Height},
			Timestamp: f.Time,
		}
		if tr.Event == tracking.EventCreated {
			msg.From = ""
		}
		if tr.Event == tracking.EventCreated || tr.Event == tracking.EventReacquired {
			s.attachSnapshot(ctx, f, &msg)
		}

		if err := s.Publisher.PublishTrackEvent(ctx, s.SessionID.String(), msg); err != nil {
			observability.EventsPublished.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("track %d %s: %w", tr.Track, tr.Event, err))
			continue
		}
		observability.EventsPublished.WithLabelValues("ok").Inc()
	}
	return errors.Join(errs...)
}

func (s *EventSink) attachSnapshot(ctx context.Context, f *vision.Frame, msg *models.TrackMessage) {
	box := tracking.Box(msg.Box[0], msg.Box[1], msg.Box[2], msg.Box[3])
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	if s.Bins > 0 {
		sig, err := vision.HueSignature(f, box, s.Bins)
		if err != nil {
			log.Warn("compute signature", "track", msg.TrackID, "error", err)
		} else {
			msg.Signature = sig
		}
	}

	if s.Snapshots == nil {
		return
	}
	data, err := vision.EncodeJPEG(f, box, s.Quality)
	if err != nil {
		observability.SnapshotsStored.WithLabelValues("error").Inc()
		log.Warn("encode snapshot", "track", msg.TrackID, "error", err)
		return
	}
	key := storage.SnapshotKey(s.SessionID.String(), msg.TrackID, msg.Frame)
	if err := s.Snapshots.PutObject(ctx, key, data, "image/jpeg"); err != nil {
		observability.SnapshotsStored.WithLabelValues("error").Inc()
		log.Warn("store snapshot", "track", msg.TrackID, "key", key, "error", err)
		return
	}
	observability.SnapshotsStored.WithLabelValues("ok").Inc()
	msg.SnapshotKey = key
}

func (s *EventSink) Close() error { return nil }

// AnnotateSink draws the tracks onto each frame and appends it to a video
// file. It draws in place, so it runs after sinks that read pixels.
type AnnotateSink struct {
	annotator *vision.Annotator
}

func NewAnnotateSink(path, codec string, fps float64, title string) *AnnotateSink {
	return &AnnotateSink{annotator: vision.NewAnnotator(path, codec, fps, title)}
}

func (s *AnnotateSink) Consume(_ context.Context, f *vision.Frame, rep tracking.StepReport) error {
	return s.annotator.Render(f, rep.Tracks)
}

func (s *AnnotateSink) Close() error {
	return s.annotator.Close()
}
