package bot

import (
	"context"
	"fmt"

	"zealot/model"
	"zealot/scheduler"
	"zealot/utils"
)

// startScheduler builds the deferred action scheduler and runs it until ctx
// is cancelled. botUserID attributes automatic reversals when no actor is
// configured.
func (b *Bot) startScheduler(ctx context.Context, botUserID string) {
	cfg := b.GetConfig()

	opts := []scheduler.Option{
		scheduler.WithInterval(cfg.SchedulerPollInterval),
		scheduler.WithClaimLease(cfg.SchedulerClaimLease),
		scheduler.WithLogger(b.log),
		scheduler.WithFailureHook(b.reportReversalFailure),
	}
	if cfg.RecordAutoReversals {
		actor := cfg.AutoReversalActorID
		if actor == "" {
			actor = botUserID
		}
		opts = append(opts, scheduler.WithReversalRecording(b.Ledger, actor))
	}

	b.Scheduler = scheduler.New(b.DB, scheduler.DefaultHandlers(b.Gateway, b.Settings), opts...)
	b.Scheduler.StartAsync(ctx)
}

func (b *Bot) reportReversalFailure(action model.ScheduledAction, err error) {
	info := fmt.Sprintf("%s of user %s in community %s failed, retrying next tick: %v",
		action.Kind, action.SubjectID, action.CommunityID, err)
	b.opsLog(utils.Error, "Scheduler", "Reversal", info)
}
