package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zealot/model"

	"github.com/jmoiron/sqlx"
)

type scheduledActionRow struct {
	ID          int64          `db:"id"`
	ActionKind  string         `db:"action_kind"`
	CommunityID string         `db:"community_id"`
	SubjectID   string         `db:"subject_id"`
	ExecuteAt   int64          `db:"execute_at"`
	ClaimToken  sql.NullString `db:"claim_token"`
	ClaimedAt   sql.NullInt64  `db:"claimed_at"`
	Cancelled   bool           `db:"cancelled"`
}

func (row scheduledActionRow) action() model.ScheduledAction {
	return model.ScheduledAction{
		ID:          row.ID,
		Kind:        model.ActionKind(row.ActionKind),
		CommunityID: row.CommunityID,
		SubjectID:   row.SubjectID,
		ExecuteAt:   time.UnixMilli(row.ExecuteAt).UTC(),
	}
}

// ScheduledActionStore persists pending deferred reversals. At most one row
// exists per (action_kind, community_id, subject_id).
type ScheduledActionStore struct {
	db *sqlx.DB
}

func NewScheduledActionStore(db *sqlx.DB) *ScheduledActionStore {
	return &ScheduledActionStore{db: db}
}

// Upsert creates the entry for the action's tuple or replaces the execute time
// of the existing one. Replacing clears any claim held on the old entry.
func (s *ScheduledActionStore) Upsert(ctx context.Context, a model.ScheduledAction) (model.ScheduledAction, error) {
	query := `INSERT INTO scheduled_actions (action_kind, community_id, subject_id, execute_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(action_kind, community_id, subject_id) DO UPDATE SET
			execute_at = excluded.execute_at,
			claim_token = NULL,
			claimed_at = NULL,
			cancelled = 0
		RETURNING id`

	var id int64
	err := s.db.GetContext(ctx, &id, query, string(a.Kind), a.CommunityID, a.SubjectID, a.ExecuteAt.UnixMilli())
	if err != nil {
		return model.ScheduledAction{}, fmt.Errorf("failed to upsert scheduled %s for user %s in community %s: %w", a.Kind, a.SubjectID, a.CommunityID, err)
	}
	a.ID = id
	a.ExecuteAt = time.UnixMilli(a.ExecuteAt.UnixMilli()).UTC()
	return a, nil
}

// Cancel withdraws the tuple's entry. An entry that is pending, or whose
// claim is older than claimedBefore, is deleted. An entry under a live claim
// is marked cancelled: the running attempt finishes, but a failed attempt is
// dropped instead of requeued. It reports whether an entry was withdrawn.
func (s *ScheduledActionStore) Cancel(ctx context.Context, kind model.ActionKind, communityID, subjectID string, claimedBefore time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel of scheduled %s: %w", kind, err)
	}
	defer tx.Rollback()

	deleteQuery := `DELETE FROM scheduled_actions
		WHERE action_kind = ? AND community_id = ? AND subject_id = ?
		AND (claim_token IS NULL OR claimed_at < ?)`
	result, err := tx.ExecContext(ctx, deleteQuery, string(kind), communityID, subjectID, claimedBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to delete scheduled %s for user %s in community %s: %w", kind, subjectID, communityID, err)
	}
	withdrawn, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for scheduled %s: %w", kind, err)
	}

	if withdrawn == 0 {
		markQuery := `UPDATE scheduled_actions SET cancelled = 1
			WHERE action_kind = ? AND community_id = ? AND subject_id = ?
			AND claim_token IS NOT NULL AND cancelled = 0`
		result, err = tx.ExecContext(ctx, markQuery, string(kind), communityID, subjectID)
		if err != nil {
			return false, fmt.Errorf("failed to mark scheduled %s for user %s in community %s cancelled: %w", kind, subjectID, communityID, err)
		}
		if withdrawn, err = result.RowsAffected(); err != nil {
			return false, fmt.Errorf("failed to check rows affected for scheduled %s: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancel of scheduled %s: %w", kind, err)
	}
	return withdrawn > 0, nil
}

// Due returns unclaimed entries whose execute time is at or before now,
// oldest first.
func (s *ScheduledActionStore) Due(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	var rows []scheduledActionRow
	query := "SELECT * FROM scheduled_actions WHERE execute_at <= ? AND claim_token IS NULL AND cancelled = 0 ORDER BY execute_at, id"
	if err := s.db.SelectContext(ctx, &rows, query, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to get due scheduled actions: %w", err)
	}

	actions := make([]model.ScheduledAction, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, row.action())
	}
	return actions, nil
}

// Claim marks the entry as being executed under token. It reports false when
// the entry is gone, already claimed, or was rescheduled past now.
func (s *ScheduledActionStore) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	query := "UPDATE scheduled_actions SET claim_token = ?, claimed_at = ? WHERE id = ? AND claim_token IS NULL AND cancelled = 0 AND execute_at <= ?"
	return s.execAffected(ctx, "claim", id, query, token, now.UnixMilli(), id, now.UnixMilli())
}

// Release clears a claim so the entry is retried on the next tick. An entry
// cancelled while claimed is deleted instead. It reports whether the claim
// was still held.
func (s *ScheduledActionStore) Release(ctx context.Context, id int64, token string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin release of scheduled action %d: %w", id, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "UPDATE scheduled_actions SET claim_token = NULL, claimed_at = NULL WHERE id = ? AND claim_token = ?", id, token)
	if err != nil {
		return false, fmt.Errorf("failed to release scheduled action %d: %w", id, err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for scheduled action %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM scheduled_actions WHERE id = ? AND cancelled = 1 AND claim_token IS NULL", id); err != nil {
		return false, fmt.Errorf("failed to drop cancelled scheduled action %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit release of scheduled action %d: %w", id, err)
	}
	return released > 0, nil
}

// Retire deletes an executed entry. It reports false when the claim was lost,
// for example because the entry was rescheduled while executing.
func (s *ScheduledActionStore) Retire(ctx context.Context, id int64, token string) (bool, error) {
	query := "DELETE FROM scheduled_actions WHERE id = ? AND claim_token = ?"
	return s.execAffected(ctx, "retire", id, query, id, token)
}

// RequeueStale clears claims taken before cutoff and returns how many were
// cleared. Stale entries that were cancelled while claimed are deleted.
func (s *ScheduledActionStore) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin requeue of stale scheduled actions: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, "DELETE FROM scheduled_actions WHERE cancelled = 1 AND claim_token IS NOT NULL AND claimed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to drop cancelled scheduled actions: %w", err)
	}

	query := "UPDATE scheduled_actions SET claim_token = NULL, claimed_at = NULL WHERE claim_token IS NOT NULL AND claimed_at < ?"
	result, err := tx.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale scheduled actions: %w", err)
	}
	requeued, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected for requeue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit requeue of stale scheduled actions: %w", err)
	}
	return requeued, nil
}

// Find returns the entry for the tuple, if any. Cancelled entries are not
// returned.
func (s *ScheduledActionStore) Find(ctx context.Context, kind model.ActionKind, communityID, subjectID string) (model.ScheduledAction, bool, error) {
	var row scheduledActionRow
	query := "SELECT * FROM scheduled_actions WHERE action_kind = ? AND community_id = ? AND subject_id = ? AND cancelled = 0"
	err := s.db.GetContext(ctx, &row, query, string(kind), communityID, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledAction{}, false, nil
	}
	if err != nil {
		return model.ScheduledAction{}, false, fmt.Errorf("failed to find scheduled %s for user %s in community %s: %w", kind, subjectID, communityID, err)
	}
	return row.action(), true, nil
}

func (s *ScheduledActionStore) execAffected(ctx context.Context, op string, id int64, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s scheduled action %d: %w", op, id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for scheduled action %d: %w", id, err)
	}
	return rowsAffected > 0, nil
}
