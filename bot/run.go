package bot

import (
	"context"
	"fmt"

	"zealot/metrics"
	"zealot/utils"
)

// Run opens the Discord connection, starts the scheduler and the metrics
// server, and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	var botUserID string
	if b.Session.State != nil && b.Session.State.User != nil {
		botUserID = b.Session.State.User.ID
	}

	b.startScheduler(ctx, botUserID)

	if addr := b.GetConfig().MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				b.log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	status := utils.CollectStatus(b.GetConfig().StartedAt, b.GetConfig().DatabasePath)
	b.log.Info("bot is now running", "status", status.String())
	b.opsLog(utils.Info, "System", "Startup", status.String())

	<-ctx.Done()
	return nil
}
