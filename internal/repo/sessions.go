package repo

import (
	"context"
	"database/sql"

	"workdeck/internal/domain"
)

func scanSession(row rowScanner) (domain.WorkSession, error) {
	var s domain.WorkSession
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.TaskID, &s.UserID, &s.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, nil
}

func (r Repo) InsertWorkSession(ctx context.Context, tx *sql.Tx, s domain.WorkSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_sessions(id,task_id,user_id,started_at,ended_at) VALUES (?,?,?,?,?)`,
		s.ID, s.TaskID, s.UserID, s.StartedAt, nullableStringPtr(s.EndedAt))
	return err
}

// OpenWorkSessionTx returns the single open session for a task, if any.
func (r Repo) OpenWorkSessionTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.WorkSession, error) {
	return scanSession(tx.QueryRowContext(ctx,
		`SELECT id,task_id,user_id,started_at,ended_at FROM work_sessions WHERE task_id=? AND ended_at IS NULL`, taskID))
}

func (r Repo) OpenWorkSession(ctx context.Context, taskID string) (domain.WorkSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		`SELECT id,task_id,user_id,started_at,ended_at FROM work_sessions WHERE task_id=? AND ended_at IS NULL`, taskID))
}

// CloseOpenWorkSession stamps ended_at on the open session for a task.
// Returns false when no session was open.
func (r Repo) CloseOpenWorkSession(ctx context.Context, tx *sql.Tx, taskID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_sessions SET ended_at=? WHERE task_id=? AND ended_at IS NULL`, now, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListWorkSessions(ctx context.Context, taskID string) ([]domain.WorkSession, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,task_id,user_id,started_at,ended_at FROM work_sessions WHERE task_id=? ORDER BY started_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
