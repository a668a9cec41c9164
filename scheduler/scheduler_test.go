package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zealot/ledger"
	"zealot/model"
	"zealot/utils/database"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "zealot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu        sync.Mutex
	lifted    []string
	revoked   []string
	liftErr   error
	liftCalls int
}

func (g *fakeGateway) LiftBan(_ context.Context, communityID, subjectID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liftCalls++
	if g.liftErr != nil {
		return g.liftErr
	}
	g.lifted = append(g.lifted, communityID+"/"+subjectID)
	return nil
}

func (g *fakeGateway) RevokeRole(_ context.Context, communityID, subjectID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked = append(g.revoked, communityID+"/"+subjectID+"/"+roleID)
	return nil
}

func (g *fakeGateway) SendAuditNotification(context.Context, string, model.CaseRecord) error {
	return nil
}

func (g *fakeGateway) setLiftErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liftErr = err
}

func (g *fakeGateway) liftCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lifted)
}

type fakeRoles map[string]string

func (f fakeRoles) ResolveRestrictedRole(_ context.Context, communityID string) (string, bool, error) {
	r, ok := f[communityID]
	return r, ok, nil
}

func newTestScheduler(t *testing.T, gw *fakeGateway, c *clock, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return New(openTestDB(t), DefaultHandlers(gw, fakeRoles{"100": "muted"}), opts...)
}

func TestSchedule_CancelBeforeDueNeverExecutes(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	s := newTestScheduler(t, gw, c)
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now().Add(time.Hour))
	require.NoError(t, err)

	removed, err := s.Cancel(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.True(t, removed)

	c.Advance(2 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	assert.Zero(t, gw.liftCount())

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSchedule_ExecutesOnceWhenDue(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	s := newTestScheduler(t, gw, c)
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	assert.Zero(t, gw.liftCount(), "not due yet")

	c.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, []string{"100/7"}, gw.lifted)

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSchedule_ReplacesExistingEntry(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	s := newTestScheduler(t, gw, c)
	ctx := context.Background()

	first, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now().Add(time.Minute))
	require.NoError(t, err)
	second, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	c.Advance(2 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Zero(t, gw.liftCount(), "the later time replaced the earlier one")

	found, ok, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.Now().Add(-2*time.Minute).Add(time.Hour), found.ExecuteAt)
}

func TestSchedule_Validation(t *testing.T) {
	s := newTestScheduler(t, &fakeGateway{}, newClock())
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, model.ActionKick, "100", "7", at)
	assert.True(t, model.IsValidation(err), "kinds without a handler are rejected")

	_, err = s.Schedule(ctx, model.ActionUnban, "", "7", at)
	assert.True(t, model.IsValidation(err))

	_, err = s.Schedule(ctx, model.ActionUnban, "100", "", at)
	assert.True(t, model.IsValidation(err))

	_, err = s.Schedule(ctx, model.ActionUnban, "100", "7", time.Time{})
	assert.True(t, model.IsValidation(err))
}

func TestCancel_MissingEntryIsNoop(t *testing.T) {
	s := newTestScheduler(t, &fakeGateway{}, newClock())

	removed, err := s.Cancel(context.Background(), model.ActionUnmute, "100", "7")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRunOnce_FailureIsRetriedAndDoesNotBlockOthers(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	var failures []model.ScheduledAction
	s := newTestScheduler(t, gw, c, WithFailureHook(func(a model.ScheduledAction, err error) {
		failures = append(failures, a)
	}))
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)
	_, err = s.Schedule(ctx, model.ActionUnmute, "100", "8", c.Now())
	require.NoError(t, err)

	gw.setLiftErr(errors.New("503 service unavailable"))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, []string{"100/8/muted"}, gw.revoked, "other entries still run")
	require.Len(t, failures, 1)
	assert.Equal(t, model.ActionUnban, failures[0].Kind)

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.True(t, found, "failed entry stays for retry")

	gw.setLiftErr(nil)
	c.Advance(DefaultPollInterval)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, []string{"100/7"}, gw.lifted)

	_, found, err = s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnce_UnmuteWithoutRoleIsRetired(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	s := newTestScheduler(t, gw, c)
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnmute, "200", "7", c.Now())
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	assert.Empty(t, gw.revoked)

	_, found, err := s.Find(ctx, model.ActionUnmute, "200", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnce_PanickingHandlerIsContained(t *testing.T) {
	c := newClock()
	s := New(openTestDB(t), nil, WithClock(c.Now))
	ran := false
	s.Register(model.ActionUnban, func(context.Context, model.ScheduledAction) error {
		panic("boom")
	})
	s.Register(model.ActionUnmute, func(context.Context, model.ScheduledAction) error {
		ran = true
		return nil
	})
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)
	_, err = s.Schedule(ctx, model.ActionUnmute, "100", "7", c.Now())
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	assert.True(t, ran)

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunOnce_CancelDuringSuccessfulExecution(t *testing.T) {
	c := newClock()
	s := New(openTestDB(t), nil, WithClock(c.Now))
	ctx := context.Background()

	var cancelRemoved bool
	calls := 0
	s.Register(model.ActionUnban, func(ctx context.Context, a model.ScheduledAction) error {
		calls++
		removed, err := s.Cancel(ctx, a.Kind, a.CommunityID, a.SubjectID)
		require.NoError(t, err)
		cancelRemoved = removed
		return nil
	})

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, calls)
	assert.True(t, cancelRemoved)

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnce_CancelDuringFailedExecutionIsNotRetried(t *testing.T) {
	c := newClock()
	db := openTestDB(t)
	s := New(db, nil, WithClock(c.Now))
	ctx := context.Background()

	calls := 0
	s.Register(model.ActionUnban, func(ctx context.Context, a model.ScheduledAction) error {
		calls++
		removed, err := s.Cancel(ctx, a.Kind, a.CommunityID, a.SubjectID)
		require.NoError(t, err)
		assert.True(t, removed)
		return errors.New("gateway down")
	})

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	c.Advance(DefaultPollInterval)
	require.NoError(t, s.RunOnce(ctx))
	c.Advance(DefaultClaimLease + time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, calls)

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM scheduled_actions"))
	assert.Zero(t, count)
}

func TestRunOnce_RetireFailureRecordsReversalOnce(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	db := openTestDB(t)
	rec := &fakeRecorder{}
	s := New(db, DefaultHandlers(gw, fakeRoles{}), WithClock(c.Now), WithReversalRecording(rec, "bot"))
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TRIGGER fail_retire BEFORE DELETE ON scheduled_actions
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, gw.liftCount())
	assert.Empty(t, rec.inputs, "not recorded until the entry retires")

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	require.True(t, found)

	_, err = db.Exec("DROP TRIGGER fail_retire")
	require.NoError(t, err)

	c.Advance(DefaultClaimLease + time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 2, gw.liftCount())
	assert.Len(t, rec.inputs, 1)

	_, found, err = s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnce_RequeuesAbandonedClaims(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	db := openTestDB(t)
	s := New(db, DefaultHandlers(gw, fakeRoles{}), WithClock(c.Now), WithClaimLease(time.Minute))
	ctx := context.Background()

	a, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)

	store := database.NewScheduledActionStore(db)
	ok, err := store.Claim(ctx, a.ID, "crashed-process", c.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RunOnce(ctx))
	assert.Zero(t, gw.liftCount(), "live claim is respected")

	c.Advance(2 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, gw.liftCount())
}

type fakeRecorder struct {
	inputs []ledger.RecordInput
	err    error
}

func (f *fakeRecorder) RecordAction(_ context.Context, in ledger.RecordInput) (model.CaseRecord, error) {
	f.inputs = append(f.inputs, in)
	return model.CaseRecord{CaseNumber: int64(len(f.inputs))}, f.err
}

func TestRunOnce_RecordsReversal(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	rec := &fakeRecorder{}
	s := newTestScheduler(t, gw, c, WithReversalRecording(rec, "bot"))
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnmute, "100", "7", c.Now())
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(ctx))

	require.Len(t, rec.inputs, 1)
	assert.Equal(t, ledger.RecordInput{
		CommunityID: "100",
		ActorID:     "bot",
		SubjectID:   "7",
		Kind:        model.ActionUnmute,
		Reason:      "Scheduled reversal",
	}, rec.inputs[0])
}

func TestRunOnce_RecordingFailureStillRetires(t *testing.T) {
	gw := &fakeGateway{}
	c := newClock()
	rec := &fakeRecorder{err: errors.New("database is locked")}
	s := newTestScheduler(t, gw, c, WithReversalRecording(rec, "bot"))
	ctx := context.Background()

	_, err := s.Schedule(ctx, model.ActionUnban, "100", "7", c.Now())
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(ctx))

	_, found, err := s.Find(ctx, model.ActionUnban, "100", "7")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStart_SurvivesStoreFailureAndStopsOnCancel(t *testing.T) {
	gw := &fakeGateway{}
	db := openTestDB(t)
	s := New(db, DefaultHandlers(gw, fakeRoles{}), WithInterval(10*time.Millisecond))

	_, err := db.Exec("DROP TABLE scheduled_actions")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.StartAsync(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, database.Migrate(db))
	_, err = s.Schedule(context.Background(), model.ActionUnban, "100", "7", time.Now())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return gw.liftCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
