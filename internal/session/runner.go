// Package session runs tracking sessions: one frame source feeding one
// controller whose step reports fan out to sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/observability"
	"github.com/your-org/retrack/internal/source"
	"github.com/your-org/retrack/internal/tracking"
	"github.com/your-org/retrack/internal/vision"
)

// Sink receives every step report together with the frame it was computed
// on. Sinks run in order on the session goroutine and must not keep f.
type Sink interface {
	Consume(ctx context.Context, f *vision.Frame, rep tracking.StepReport) error
	Close() error
}

// Runner drives one controller from a frame source.
type Runner struct {
	ID         string
	Controller *tracking.Controller
	Sinks      []Sink
	Log        *slog.Logger

	mu   sync.Mutex
	last []tracking.View
}

// Tracks returns the tracks reported by the last step. Safe for concurrent use.
func (r *Runner) Tracks() []tracking.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracking.View(nil), r.last...)
}

// Run steps the controller once per frame until the source ends, ctx is
// cancelled or the source fails. It returns the number of frames stepped.
// A clean end of stream returns a nil error.
func (r *Runner) Run(ctx context.Context, src source.Source) (int64, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		f, err := src.Next(ctx)
		if errors.Is(err, source.ErrEndOfStream) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read frame: %w", err)
		}

		start := time.Now()
		rep := r.Controller.Step(f)
		r.observe(rep, time.Since(start))
		n++

		r.mu.Lock()
		r.last = rep.Tracks
		r.mu.Unlock()

		for _, rej := range rep.Rejected {
			log.Warn("request rejected", "session_id", r.ID, "kind", rej.Request.Kind, "error", rej.Err)
		}
		for _, tr := range rep.Transitions {
			log.Debug("track transition",
				"session_id", r.ID,
				"frame", rep.Frame,
				"track", tr.Track,
				"event", tr.Event,
				"from", tr.From,
				"to", tr.To,
				"box", tr.Box,
			)
		}

		for _, s := range r.Sinks {
			if err := s.Consume(ctx, f, rep); err != nil {
				log.Warn("sink failed", "session_id", r.ID, "frame", rep.Frame, "error", err)
			}
		}
		_ = f.Close()
	}
}

func (r *Runner) observe(rep tracking.StepReport, took time.Duration) {
	observability.FramesProcessed.WithLabelValues(r.ID).Inc()
	observability.StepDuration.WithLabelValues(strconv.FormatBool(rep.Scanned)).Observe(took.Seconds())

	if rep.Scanned {
		result := "empty"
		switch {
		case rep.ScanErrors > 0:
			result = "error"
		case rep.Candidates > 0:
			result = "hit"
		}
		observability.DetectorScans.WithLabelValues(r.ID, result).Inc()
	}
	if rep.InitErrors > 0 {
		observability.InitErrors.WithLabelValues(r.ID).Add(float64(rep.InitErrors))
	}
	for _, tr := range rep.Transitions {
		observability.TrackTransitions.WithLabelValues(r.ID, string(tr.Event)).Inc()
	}

	counts := map[tracking.State]int{}
	for _, v := range rep.Tracks {
		counts[v.State]++
	}
	for _, st := range []tracking.State{tracking.Active, tracking.Lost, tracking.Recovering} {
		observability.LiveTracks.WithLabelValues(r.ID, st.String()).Set(float64(counts[st]))
	}
}

// controllerOptions maps the tracking configuration onto controller options.
func controllerOptions(cfg config.TrackingConfig, labelPrefix string, log *slog.Logger) (tracking.Options, error) {
	policy, err := tracking.ParseSelectionPolicy(cfg.Selection)
	if err != nil {
		return tracking.Options{}, err
	}
	return tracking.Options{
		Selection:        policy,
		ScanInterval:     cfg.ScanInterval,
		MaxEmptyScans:    cfg.MaxEmptyScans,
		MinCandidateSize: cfg.MinCandidateSize,
		ExclusionIoU:     cfg.ExclusionIoU,
		AutoAcquire:      cfg.AutoAcquire,
		MaxTracks:        cfg.MaxTracks,
		QueueSize:        cfg.QueueSize,
		LabelPrefix:      labelPrefix,
		Logger:           log,
	}, nil
}
