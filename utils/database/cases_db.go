package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zealot/model"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	maxAppendAttempts = 8
	appendBackoff     = 15 * time.Millisecond
)

// caseRow is the storage shape of a model.CaseRecord.
type caseRow struct {
	ID          int64          `db:"id"`
	CommunityID string         `db:"community_id"`
	CaseNumber  int64          `db:"case_number"`
	SubjectID   sql.NullString `db:"subject_id"`
	ActorID     string         `db:"actor_id"`
	ActionKind  string         `db:"action_kind"`
	Reason      sql.NullString `db:"reason"`
	DurationNS  sql.NullInt64  `db:"duration_ns"`
	CreatedAt   int64          `db:"created_at"`
	ExpiresAt   sql.NullInt64  `db:"expires_at"`
	Evidence    []byte         `db:"evidence"`
}

func toCaseRow(r model.CaseRecord) caseRow {
	row := caseRow{
		CommunityID: r.CommunityID,
		CaseNumber:  r.CaseNumber,
		SubjectID:   nullString(r.SubjectID),
		ActorID:     r.ActorID,
		ActionKind:  string(r.Kind),
		Reason:      nullString(r.Reason),
		CreatedAt:   r.CreatedAt.UnixMilli(),
		Evidence:    r.Evidence,
	}
	if r.Duration > 0 {
		row.DurationNS = sql.NullInt64{Int64: int64(r.Duration), Valid: true}
	}
	if r.ExpiresAt != nil {
		row.ExpiresAt = sql.NullInt64{Int64: r.ExpiresAt.UnixMilli(), Valid: true}
	}
	return row
}

func (row caseRow) record() model.CaseRecord {
	r := model.CaseRecord{
		CommunityID: row.CommunityID,
		CaseNumber:  row.CaseNumber,
		SubjectID:   row.SubjectID.String,
		ActorID:     row.ActorID,
		Kind:        model.ActionKind(row.ActionKind),
		Reason:      row.Reason.String,
		Duration:    time.Duration(row.DurationNS.Int64),
		CreatedAt:   time.UnixMilli(row.CreatedAt).UTC(),
	}
	if row.ExpiresAt.Valid {
		exp := time.UnixMilli(row.ExpiresAt.Int64).UTC()
		r.ExpiresAt = &exp
	}
	if len(row.Evidence) > 0 {
		r.Evidence = row.Evidence
	}
	return r
}

// CaseStore persists the audit ledger.
type CaseStore struct {
	db      *sqlx.DB
	onRetry func()
}

// NewCaseStore returns a store over db. onRetry, if non-nil, is called each
// time an allocation conflict forces a retry.
func NewCaseStore(db *sqlx.DB, onRetry func()) *CaseStore {
	return &CaseStore{db: db, onRetry: onRetry}
}

// Append allocates the next case number for rec.CommunityID and inserts rec
// in the same transaction. Busy and uniqueness conflicts are retried.
func (s *CaseStore) Append(ctx context.Context, rec model.CaseRecord) (model.CaseRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		number, err := s.appendOnce(ctx, rec)
		if err == nil {
			rec.CaseNumber = number
			return rec, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		if s.onRetry != nil {
			s.onRetry()
		}
		select {
		case <-ctx.Done():
			return model.CaseRecord{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * appendBackoff):
		}
	}
	return model.CaseRecord{}, fmt.Errorf("failed to append case for community %s: %w", rec.CommunityID, lastErr)
}

func (s *CaseStore) appendOnce(ctx context.Context, rec model.CaseRecord) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var number int64
	err = tx.GetContext(ctx, &number, `
		INSERT INTO case_counters (community_id, last_case) VALUES (?, 1)
		ON CONFLICT(community_id) DO UPDATE SET last_case = case_counters.last_case + 1
		RETURNING last_case`, rec.CommunityID)
	if err != nil {
		return 0, err
	}

	row := toCaseRow(rec)
	row.CaseNumber = number
	_, err = tx.NamedExecContext(ctx, `INSERT INTO cases
		(community_id, case_number, subject_id, actor_id, action_kind, reason, duration_ns, created_at, expires_at, evidence)
		VALUES (:community_id, :case_number, :subject_id, :actor_id, :action_kind, :reason, :duration_ns, :created_at, :expires_at, :evidence)`, row)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return number, nil
}

func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	case sqlite3.ErrConstraint:
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetByCase returns the record numbered caseNumber in communityID. found is
// false when no such record exists.
func (s *CaseStore) GetByCase(ctx context.Context, communityID string, caseNumber int64) (model.CaseRecord, bool, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM cases WHERE community_id = ? AND case_number = ?", communityID, caseNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CaseRecord{}, false, nil
	}
	if err != nil {
		return model.CaseRecord{}, false, fmt.Errorf("failed to get case %d for community %s: %w", caseNumber, communityID, err)
	}
	return row.record(), true, nil
}

func whereClause(f model.CaseFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.CommunityID != "" {
		conds = append(conds, "community_id = ?")
		args = append(args, f.CommunityID)
	}
	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Kind != "" {
		conds = append(conds, "action_kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.CaseNumber != 0 {
		conds = append(conds, "case_number = ?")
		args = append(args, f.CaseNumber)
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedBefore.UnixMilli())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns up to limit records matching f after skipping offset,
// most recent case number first.
func (s *CaseStore) Query(ctx context.Context, f model.CaseFilter, offset, limit int) ([]model.CaseRecord, error) {
	where, args := whereClause(f)
	query := "SELECT * FROM cases" + where + " ORDER BY case_number DESC, created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []caseRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}

	records := make([]model.CaseRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// Count returns the number of records matching f.
func (s *CaseStore) Count(ctx context.Context, f model.CaseFilter) (int, error) {
	where, args := whereClause(f)
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM cases"+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count cases: %w", err)
	}
	return count, nil
}

// ActorStats returns the number of cases each actor recorded in communityID
// since the given time.
func (s *CaseStore) ActorStats(ctx context.Context, communityID string, since time.Time) (map[string]int, error) {
	query := `SELECT actor_id, COUNT(*) AS count FROM cases WHERE community_id = ? AND created_at >= ? GROUP BY actor_id ORDER BY count DESC`
	rows, err := s.db.QueryContext(ctx, query, communityID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to get actor stats for community %s: %w", communityID, err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var actorID string
		var count int
		if err := rows.Scan(&actorID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan actor stats row: %w", err)
		}
		stats[actorID] = count
	}
	return stats, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
