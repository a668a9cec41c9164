// Package ledger is the per-community audit log of moderation actions.
// Case numbers start at 1 in every community and never skip or repeat.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"zealot/metrics"
	"zealot/model"
	"zealot/utils/database"

	"github.com/jmoiron/sqlx"
)

// RecordInput is one moderation action to append.
type RecordInput struct {
	CommunityID string
	ActorID     string
	SubjectID   string
	Kind        model.ActionKind
	Reason      string
	Duration    time.Duration
	Evidence    []byte
}

// Ledger appends and reads case records.
type Ledger struct {
	store        *database.CaseStore
	gateway      model.PlatformGateway
	destinations model.AuditDestinationResolver
	now          func() time.Time
	log          *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithNotifier sends every new record to the community's audit destination.
func WithNotifier(gateway model.PlatformGateway, destinations model.AuditDestinationResolver) Option {
	return func(l *Ledger) {
		l.gateway = gateway
		l.destinations = destinations
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger }
}

func New(db *sqlx.DB, opts ...Option) *Ledger {
	l := &Ledger{
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("module", "ledger")
	l.store = database.NewCaseStore(db, func() {
		metrics.CaseAllocationRetries.Inc()
	})
	return l
}

func (in RecordInput) validate() error {
	switch {
	case in.CommunityID == "":
		return model.NewValidationError("community id is required")
	case in.ActorID == "":
		return model.NewValidationError("actor id is required")
	case !in.Kind.Valid():
		return model.NewValidationError("unknown action kind: " + string(in.Kind))
	case in.Duration < 0:
		return model.NewValidationError("duration must not be negative")
	case in.Kind.Temporary() && in.Duration == 0:
		return model.NewValidationError(string(in.Kind) + " requires a duration")
	case !in.Kind.Temporary() && in.Duration != 0:
		return model.NewValidationError(string(in.Kind) + " does not take a duration")
	}
	return nil
}

// RecordAction assigns the next case number in the community and stores the
// record. The audit notification is sent after the record is committed; a
// failed notification is logged and does not affect the result.
func (l *Ledger) RecordAction(ctx context.Context, in RecordInput) (model.CaseRecord, error) {
	if err := in.validate(); err != nil {
		return model.CaseRecord{}, err
	}

	created := l.now().UTC().Truncate(time.Millisecond)
	rec := model.CaseRecord{
		CommunityID: in.CommunityID,
		SubjectID:   in.SubjectID,
		ActorID:     in.ActorID,
		Kind:        in.Kind,
		Reason:      in.Reason,
		Duration:    in.Duration,
		CreatedAt:   created,
	}
	if in.Duration > 0 {
		expires := created.Add(in.Duration)
		rec.ExpiresAt = &expires
	}
	if len(in.Evidence) > 0 {
		rec.Evidence = in.Evidence
	}

	rec, err := l.store.Append(ctx, rec)
	if err != nil {
		return model.CaseRecord{}, model.NewPersistenceError("failed to record action", err)
	}
	metrics.CasesRecorded.WithLabelValues(string(rec.Kind)).Inc()
	l.log.Info("case recorded",
		"community_id", rec.CommunityID,
		"case_number", rec.CaseNumber,
		"action_kind", rec.Kind,
		"actor_id", rec.ActorID,
		"subject_id", rec.SubjectID)

	l.notify(ctx, rec)
	return rec, nil
}

func (l *Ledger) notify(ctx context.Context, rec model.CaseRecord) {
	if l.gateway == nil || l.destinations == nil {
		return
	}

	dest, ok, err := l.destinations.AuditDestination(ctx, rec.CommunityID)
	if err != nil {
		l.log.Warn("failed to resolve audit destination", "community_id", rec.CommunityID, "case_number", rec.CaseNumber, "error", err)
		return
	}
	if !ok {
		return
	}

	if err := l.gateway.SendAuditNotification(ctx, dest, rec); err != nil {
		l.log.Warn("failed to send audit notification", "community_id", rec.CommunityID, "case_number", rec.CaseNumber, "destination", dest, "error", err)
	}
}

// GetByCase returns the record numbered caseNumber in communityID. found is
// false when there is no such record.
func (l *Ledger) GetByCase(ctx context.Context, communityID string, caseNumber int64) (model.CaseRecord, bool, error) {
	if communityID == "" {
		return model.CaseRecord{}, false, model.NewValidationError("community id is required")
	}
	if caseNumber < 1 {
		return model.CaseRecord{}, false, nil
	}
	rec, found, err := l.store.GetByCase(ctx, communityID, caseNumber)
	if err != nil {
		return model.CaseRecord{}, false, model.NewPersistenceError("failed to load case", err)
	}
	return rec, found, nil
}

// Query returns page (1-based) of the records matching filter, highest case
// number first.
func (l *Ledger) Query(ctx context.Context, filter model.CaseFilter, page, pageSize int) ([]model.CaseRecord, error) {
	if page < 1 {
		return nil, model.NewValidationError("page must be at least 1")
	}
	if pageSize < 1 {
		return nil, model.NewValidationError("page size must be at least 1")
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, model.NewValidationError("unknown action kind: " + string(filter.Kind))
	}

	records, err := l.store.Query(ctx, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, model.NewPersistenceError("failed to query cases", err)
	}
	return records, nil
}

// Count returns how many records match filter.
func (l *Ledger) Count(ctx context.Context, filter model.CaseFilter) (int, error) {
	n, err := l.store.Count(ctx, filter)
	if err != nil {
		return 0, model.NewPersistenceError("failed to count cases", err)
	}
	return n, nil
}

// ActorStats returns the number of cases each moderator recorded in the
// community since the given time.
func (l *Ledger) ActorStats(ctx context.Context, communityID string, since time.Time) (map[string]int, error) {
	if communityID == "" {
		return nil, model.NewValidationError("community id is required")
	}
	stats, err := l.store.ActorStats(ctx, communityID, since)
	if err != nil {
		return nil, model.NewPersistenceError("failed to load moderator stats", err)
	}
	return stats, nil
}
