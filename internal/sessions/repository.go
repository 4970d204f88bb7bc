package sessions

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studiocast/backend/internal/models"
)

const sessionColumns = `id, room_name, egress_id, status, started_at, ended_at,
	COALESCE(filepath,''), COALESCE(file_url,''), COALESCE(error,''), created_at, updated_at`

// Repository handles recording session persistence (the ledger).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert inserts or updates the ledger row for rec.EgressID. Exactly one row
// exists per egress id. filepath and started_at are write-once: once set they
// are preserved across later upserts. room_name, status, ended_at, file_url
// and error follow the latest write, falling back to the existing value when
// the update carries an empty one.
func (r *Repository) Upsert(ctx context.Context, rec *models.RecordingSession) error {
	const q = `INSERT INTO recording_sessions (id, room_name, egress_id, status, started_at, ended_at, filepath, file_url, error)
		VALUES (gen_random_uuid(), $1, $2, $3, COALESCE($4, NOW()), $5, $6, $7, $8)
		ON CONFLICT (egress_id) DO UPDATE SET
			room_name  = CASE WHEN EXCLUDED.room_name <> '' THEN EXCLUDED.room_name ELSE recording_sessions.room_name END,
			status     = CASE WHEN EXCLUDED.status <> '' THEN EXCLUDED.status ELSE recording_sessions.status END,
			started_at = recording_sessions.started_at,
			ended_at   = COALESCE(EXCLUDED.ended_at, recording_sessions.ended_at),
			filepath   = CASE WHEN recording_sessions.filepath <> '' THEN recording_sessions.filepath ELSE EXCLUDED.filepath END,
			file_url   = CASE WHEN EXCLUDED.file_url <> '' THEN EXCLUDED.file_url ELSE recording_sessions.file_url END,
			error      = CASE WHEN EXCLUDED.error <> '' THEN EXCLUDED.error ELSE recording_sessions.error END,
			updated_at = NOW()
		RETURNING ` + sessionColumns
	var startedAt interface{}
	if !rec.StartedAt.IsZero() {
		startedAt = rec.StartedAt
	}
	return r.pool.QueryRow(ctx, q, rec.RoomName, rec.EgressID, rec.Status, startedAt, rec.EndedAt, rec.Filepath, rec.FileURL, rec.ErrorMsg).
		Scan(&rec.ID, &rec.RoomName, &rec.EgressID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Filepath, &rec.FileURL, &rec.ErrorMsg, &rec.CreatedAt, &rec.UpdatedAt)
}

// GetByEgressID returns the ledger row for an egress id, or nil when absent.
func (r *Repository) GetByEgressID(ctx context.Context, egressID string) (*models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions WHERE egress_id = $1`
	var rec models.RecordingSession
	err := r.pool.QueryRow(ctx, q, egressID).
		Scan(&rec.ID, &rec.RoomName, &rec.EgressID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Filepath, &rec.FileURL, &rec.ErrorMsg, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListByRoom returns up to limit ledger rows for a room, newest first.
// limit <= 0 returns every row.
func (r *Repository) ListByRoom(ctx context.Context, roomName string, limit int) ([]models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions
		WHERE room_name = $1 ORDER BY started_at DESC LIMIT $2`
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, q, roomName, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecordingSession
	for rows.Next() {
		var rec models.RecordingSession
		if err := rows.Scan(&rec.ID, &rec.RoomName, &rec.EgressID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Filepath, &rec.FileURL, &rec.ErrorMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ListActiveByRoom returns ledger rows in a non-terminal status for a room,
// newest first.
func (r *Repository) ListActiveByRoom(ctx context.Context, roomName string) ([]models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions
		WHERE room_name = $1 AND status = ANY($2) ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, roomName, models.ActiveStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecordingSession
	for rows.Next() {
		var rec models.RecordingSession
		if err := rows.Scan(&rec.ID, &rec.RoomName, &rec.EgressID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Filepath, &rec.FileURL, &rec.ErrorMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// DeleteByRoom removes all ledger rows for a room and returns the count deleted.
func (r *Repository) DeleteByRoom(ctx context.Context, roomName string) (int64, error) {
	const q = `DELETE FROM recording_sessions WHERE room_name = $1`
	tag, err := r.pool.Exec(ctx, q, roomName)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
