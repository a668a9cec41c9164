// Package scheduler runs deferred reversals (unban, unmute) when they come
// due. Pending entries live in the database so they survive restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zealot/ledger"
	"zealot/metrics"
	"zealot/model"
	"zealot/utils/database"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultClaimLease   = 5 * time.Minute
)

// ReversalFunc undoes a moderation action. It must be idempotent: an entry
// whose retirement failed is executed again.
type ReversalFunc func(ctx context.Context, action model.ScheduledAction) error

// Recorder appends ledger entries for executed reversals.
type Recorder interface {
	RecordAction(ctx context.Context, in ledger.RecordInput) (model.CaseRecord, error)
}

// FailureHook is told about every failed reversal attempt.
type FailureHook func(action model.ScheduledAction, err error)

// Scheduler persists and executes deferred reversals.
type Scheduler struct {
	store *database.ScheduledActionStore

	mu       sync.RWMutex
	handlers map[model.ActionKind]ReversalFunc

	interval  time.Duration
	lease     time.Duration
	now       func() time.Time
	newToken  func() string
	recorder  Recorder
	actorID   string
	onFailure FailureHook
	log       *slog.Logger

	wg sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClaimLease sets how long a claim protects an entry. Claims older than
// the lease are treated as abandoned.
func WithClaimLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithReversalRecording records an unban or unmute case, attributed to
// actorID, after each executed reversal.
func WithReversalRecording(r Recorder, actorID string) Option {
	return func(s *Scheduler) {
		s.recorder = r
		s.actorID = actorID
	}
}

// WithFailureHook sets the hook called when a reversal fails.
func WithFailureHook(h FailureHook) Option {
	return func(s *Scheduler) { s.onFailure = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.log = logger }
}

// New returns a Scheduler with the given handlers.
func New(db *sqlx.DB, handlers map[model.ActionKind]ReversalFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    database.NewScheduledActionStore(db),
		handlers: make(map[model.ActionKind]ReversalFunc, len(handlers)),
		interval: DefaultPollInterval,
		lease:    DefaultClaimLease,
		now:      time.Now,
		newToken: uuid.NewString,
		log:      slog.Default(),
	}
	for kind, fn := range handlers {
		s.handlers[kind] = fn
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("module", "scheduler")
	return s
}

// Register adds or replaces the handler for kind.
func (s *Scheduler) Register(kind model.ActionKind, fn ReversalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

func (s *Scheduler) handler(kind model.ActionKind) (ReversalFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[kind]
	return fn, ok
}

// Schedule arranges for kind to run against subject at executeAt. An
// existing entry for the same kind, community and subject is replaced.
func (s *Scheduler) Schedule(ctx context.Context, kind model.ActionKind, communityID, subjectID string, executeAt time.Time) (model.ScheduledAction, error) {
	switch {
	case communityID == "":
		return model.ScheduledAction{}, model.NewValidationError("community id is required")
	case subjectID == "":
		return model.ScheduledAction{}, model.NewValidationError("subject id is required")
	case executeAt.IsZero():
		return model.ScheduledAction{}, model.NewValidationError("execute time is required")
	}
	if _, ok := s.handler(kind); !ok {
		return model.ScheduledAction{}, model.NewValidationError("no reversal registered for " + string(kind))
	}

	action, err := s.store.Upsert(ctx, model.ScheduledAction{
		Kind:        kind,
		CommunityID: communityID,
		SubjectID:   subjectID,
		ExecuteAt:   executeAt.UTC(),
	})
	if err != nil {
		return model.ScheduledAction{}, model.NewPersistenceError("failed to schedule action", err)
	}

	s.log.Info("action scheduled",
		"action_id", action.ID,
		"action_kind", kind,
		"community_id", communityID,
		"subject_id", subjectID,
		"execute_at", action.ExecuteAt)
	return action, nil
}

// Cancel withdraws the pending entry for the tuple. An entry the poller is
// executing right now finishes that attempt but is never retried. Cancelling
// an entry that does not exist is a no-op. removed reports whether an entry
// was withdrawn.
func (s *Scheduler) Cancel(ctx context.Context, kind model.ActionKind, communityID, subjectID string) (removed bool, err error) {
	removed, err = s.store.Cancel(ctx, kind, communityID, subjectID, s.now().Add(-s.lease))
	if err != nil {
		return false, model.NewPersistenceError("failed to cancel scheduled action", err)
	}
	if removed {
		s.log.Info("scheduled action cancelled", "action_kind", kind, "community_id", communityID, "subject_id", subjectID)
	}
	return removed, nil
}

// Find returns the pending entry for the tuple, if any.
func (s *Scheduler) Find(ctx context.Context, kind model.ActionKind, communityID, subjectID string) (model.ScheduledAction, bool, error) {
	action, found, err := s.store.Find(ctx, kind, communityID, subjectID)
	if err != nil {
		return model.ScheduledAction{}, false, model.NewPersistenceError("failed to find scheduled action", err)
	}
	return action, found, nil
}

// Start polls until ctx is cancelled. The first tick runs immediately.
// Tick failures are logged; they never stop the loop.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "interval", s.interval, "claim_lease", s.lease)
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped")
			return
		}

		if err := s.safeRunOnce(ctx); err != nil {
			metrics.SchedulerTickErrors.Inc()
			s.log.Error("scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// StartAsync runs Start in a goroutine. Wait blocks until it returns.
func (s *Scheduler) StartAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Start(ctx)
	}()
}

// Wait blocks until a loop started with StartAsync has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduler tick: %v", r)
		}
	}()
	return s.RunOnce(ctx)
}

// RunOnce executes every entry due now. Abandoned claims are released
// first. The returned error covers store failures that prevented the tick;
// individual reversal failures are retried on a later tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now()

	requeued, err := s.store.RequeueStale(ctx, now.Add(-s.lease))
	if err != nil {
		return err
	}
	if requeued > 0 {
		s.log.Warn("requeued abandoned scheduled actions", "count", requeued)
	}

	due, err := s.store.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, action := range due {
		if ctx.Err() != nil {
			return nil
		}
		s.execute(ctx, action, now)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, action model.ScheduledAction, now time.Time) {
	logger := s.log.With(
		"action_id", action.ID,
		"action_kind", action.Kind,
		"community_id", action.CommunityID,
		"subject_id", action.SubjectID)

	token := s.newToken()
	claimed, err := s.store.Claim(ctx, action.ID, token, now)
	if err != nil {
		logger.Error("failed to claim scheduled action", "error", err)
		return
	}
	if !claimed {
		// Cancelled or rescheduled since it was read.
		return
	}

	fn, ok := s.handler(action.Kind)
	if !ok {
		err = fmt.Errorf("no reversal registered for %s", action.Kind)
	} else {
		err = s.run(ctx, fn, action)
	}

	if err != nil {
		metrics.ReversalsFailed.WithLabelValues(string(action.Kind)).Inc()
		logger.Warn("reversal failed, will retry", "error", err)
		if _, relErr := s.store.Release(ctx, action.ID, token); relErr != nil {
			logger.Error("failed to release scheduled action", "error", relErr)
		}
		if s.onFailure != nil {
			s.onFailure(action, err)
		}
		return
	}

	retired, err := s.store.Retire(ctx, action.ID, token)
	if err != nil {
		// The entry stays and runs again; it is recorded once it retires.
		logger.Error("failed to retire scheduled action", "error", err)
		if _, relErr := s.store.Release(ctx, action.ID, token); relErr != nil {
			logger.Error("failed to release scheduled action", "error", relErr)
		}
		return
	}
	if retired {
		logger.Info("scheduled action executed")
	} else {
		logger.Info("scheduled action was replaced while executing; keeping the new entry")
	}
	metrics.ReversalsExecuted.WithLabelValues(string(action.Kind)).Inc()

	s.recordReversal(ctx, action, logger)
}

func (s *Scheduler) run(ctx context.Context, fn ReversalFunc, action model.ScheduledAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s reversal: %v", action.Kind, r)
		}
	}()
	return fn(ctx, action)
}

func (s *Scheduler) recordReversal(ctx context.Context, action model.ScheduledAction, logger *slog.Logger) {
	if s.recorder == nil || s.actorID == "" {
		return
	}
	rec, err := s.recorder.RecordAction(ctx, ledger.RecordInput{
		CommunityID: action.CommunityID,
		ActorID:     s.actorID,
		SubjectID:   action.SubjectID,
		Kind:        action.Kind,
		Reason:      "Scheduled reversal",
	})
	if err != nil {
		logger.Error("failed to record automatic reversal", "error", err)
		return
	}
	logger.Debug("automatic reversal recorded", "case_number", rec.CaseNumber)
}
