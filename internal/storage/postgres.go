package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/retrack/internal/config"
	"github.com/your-org/retrack/internal/models"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a deleted or updated row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables used by the service if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

const sessionColumns = `id, name, url, source_kind, tracker_kind, detector_kind, fps, record, status, error_message, created_at, updated_at`

func scanSession(row pgx.Row, ss *models.Session) error {
	return row.Scan(&ss.ID, &ss.Name, &ss.URL, &ss.SourceKind, &ss.TrackerKind, &ss.DetectorKind,
		&ss.FPS, &ss.Record, &ss.Status, &ss.ErrorMessage, &ss.CreatedAt, &ss.UpdatedAt)
}

func (s *PostgresStore) CreateSession(ctx context.Context, ss *models.Session) error {
	ss.ID = uuid.New()
	ss.Status = models.SessionStatusStopped
	return s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, name, url, source_kind, tracker_kind, detector_kind, fps, record, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`,
		ss.ID, ss.Name, ss.URL, ss.SourceKind, ss.TrackerKind, ss.DetectorKind, ss.FPS, ss.Record, ss.Status,
	).Scan(&ss.CreatedAt, &ss.UpdatedAt)
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	ss := &models.Session{}
	err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id), ss)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var ss models.Session
		if err := scanSession(rows, &ss); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Track events ---

func (s *PostgresStore) CreateTrackEvent(ctx context.Context, ev *models.TrackEvent) error {
	ev.ID = uuid.New()
	ev.CreatedAt = time.Now()
	var vec *pgvector.Vector
	if len(ev.Signature) > 0 {
		v := pgvector.NewVector(ev.Signature)
		vec = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO track_events (id, session_id, track_id, label, event, from_state, to_state, frame,
		                           box_x, box_y, box_w, box_h, signature, snapshot_key, timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ev.ID, ev.SessionID, ev.TrackID, ev.Label, ev.Event, ev.FromState, ev.ToState, ev.Frame,
		ev.Box[0], ev.Box[1], ev.Box[2], ev.Box[3], vec, ev.SnapshotKey, ev.Timestamp, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create track event: %w", err)
	}
	return nil
}

// EventFilter narrows QueryTrackEvents. Zero fields do not filter.
type EventFilter struct {
	From, To *time.Time
	TrackID  *int64
	Event    string
	Limit    int
	Offset   int
}

const eventColumns = `id, session_id, track_id, label, event, from_state, to_state, frame,
	box_x, box_y, box_w, box_h, snapshot_key, timestamp, created_at`

func scanEvent(row pgx.Row, ev *models.TrackEvent) error {
	return row.Scan(&ev.ID, &ev.SessionID, &ev.TrackID, &ev.Label, &ev.Event, &ev.FromState, &ev.ToState, &ev.Frame,
		&ev.Box[0], &ev.Box[1], &ev.Box[2], &ev.Box[3], &ev.SnapshotKey, &ev.Timestamp, &ev.CreatedAt)
}

func (s *PostgresStore) QueryTrackEvents(ctx context.Context, sessionID uuid.UUID, f EventFilter) ([]models.TrackEvent, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}

	baseWhere := "WHERE session_id = $1"
	args := []any{sessionID}
	argIdx := 2

	if f.From != nil {
		baseWhere += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *f.From)
		argIdx++
	}
	if f.To != nil {
		baseWhere += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *f.To)
		argIdx++
	}
	if f.TrackID != nil {
		baseWhere += fmt.Sprintf(" AND track_id = $%d", argIdx)
		args = append(args, *f.TrackID)
		argIdx++
	}
	if f.Event != "" {
		baseWhere += fmt.Sprintf(" AND event = $%d", argIdx)
		args = append(args, f.Event)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM track_events "+baseWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count track events: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM track_events %s ORDER BY timestamp DESC, frame DESC LIMIT $%d OFFSET $%d`,
		eventColumns, baseWhere, argIdx, argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query track events: %w", err)
	}
	defer rows.Close()

	var events []models.TrackEvent
	for rows.Next() {
		var ev models.TrackEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, 0, fmt.Errorf("scan track event: %w", err)
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// GetTrackEvent returns a single event by ID, or nil when it does not exist.
func (s *PostgresStore) GetTrackEvent(ctx context.Context, id uuid.UUID) (*models.TrackEvent, error) {
	var ev models.TrackEvent
	var sig *pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+`, signature FROM track_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.SessionID, &ev.TrackID, &ev.Label, &ev.Event, &ev.FromState, &ev.ToState, &ev.Frame,
			&ev.Box[0], &ev.Box[1], &ev.Box[2], &ev.Box[3], &ev.SnapshotKey, &ev.Timestamp, &ev.CreatedAt, &sig)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get track event: %w", err)
	}
	if sig != nil {
		ev.Signature = sig.Slice()
	}
	return &ev, nil
}

// SimilarMatch is an event whose appearance signature is close to a query.
type SimilarMatch struct {
	Event models.TrackEvent
	Score float32
}

// SearchSimilar finds events whose snapshot looked like signature, most
// similar first. A nil sessionID searches every session.
func (s *PostgresStore) SearchSimilar(ctx context.Context, signature []float32, sessionID *uuid.UUID, exclude uuid.UUID, threshold float64, limit int) ([]SimilarMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(signature)

	where := `WHERE signature IS NOT NULL AND id <> $2 AND 1 - (signature <=> $1) >= $3`
	args := []any{vec, exclude, threshold}
	if sessionID != nil {
		where += ` AND session_id = $5`
		args = append(args, limit, *sessionID)
	} else {
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`, 1 - (signature <=> $1) AS score
		 FROM track_events `+where+`
		 ORDER BY signature <=> $1
		 LIMIT $4`, args...)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	var matches []SimilarMatch
	for rows.Next() {
		var m SimilarMatch
		ev := &m.Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TrackID, &ev.Label, &ev.Event, &ev.FromState, &ev.ToState, &ev.Frame,
			&ev.Box[0], &ev.Box[1], &ev.Box[2], &ev.Box[3], &ev.SnapshotKey, &ev.Timestamp, &ev.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scan similar match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
