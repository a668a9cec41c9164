package bot

import (
	"context"
	"fmt"
	"log/slog"

	"zealot/evidence"
	"zealot/gateway"
	"zealot/ledger"
	"zealot/model"
	"zealot/permission"
	"zealot/scheduler"
	"zealot/settings"
	"zealot/utils"
	"zealot/utils/database"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Bot owns the Discord session, the database and the moderation services
// built on them.
type Bot struct {
	Session *discordgo.Session
	DB      *sqlx.DB
	Redis   *redis.Client

	Settings  *settings.Store
	Gate      *permission.Gate
	Evidence  *evidence.Ingestor
	Gateway   *gateway.Discord
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler

	config *model.Config
	log    *slog.Logger
}

func (b *Bot) GetConfig() *model.Config {
	return b.config
}

// New connects the database and cache and wires the services. The Discord
// connection is opened by Run.
func New(ctx context.Context, cfg *model.Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = settings.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("continuing without settings cache", "error", err)
			cache = nil
		}
	}

	b := &Bot{
		Session: dg,
		DB:      db,
		Redis:   cache,
		config:  cfg,
		log:     logger.With("module", "bot"),
	}

	b.Settings = settings.New(db, cfg.DefaultPrefix, cache, cfg.SettingsCacheTTL, logger)
	b.Gate = permission.NewGate(cfg.DeveloperUserIDs, b.Settings, logger)
	b.Evidence = evidence.NewIngestor(cfg.Evidence, nil, logger)
	b.Gateway = gateway.New(dg, logger)
	b.Ledger = ledger.New(db,
		ledger.WithNotifier(b.Gateway, b.Settings),
		ledger.WithLogger(logger))
	return b, nil
}

// opsLog posts to the operator channel; failures only reach the local log.
func (b *Bot) opsLog(level utils.LogLevel, module, operation, info string) {
	var err error
	switch level {
	case utils.Error:
		err = utils.LogError(b.Session, b.config.LogChannelID, module, operation, info)
	case utils.Warn:
		err = utils.LogWarn(b.Session, b.config.LogChannelID, module, operation, info)
	default:
		err = utils.LogInfo(b.Session, b.config.LogChannelID, module, operation, info)
	}
	if err != nil {
		b.log.Warn("failed to post operator log", "error", err)
	}
}

// Close releases the session, cache and database.
func (b *Bot) Close() {
	b.log.Info("gracefully shutting down")
	if b.Scheduler != nil {
		b.Scheduler.Wait()
	}
	if err := b.Session.Close(); err != nil {
		b.log.Warn("failed to close discord session", "error", err)
	}
	if b.Redis != nil {
		b.Redis.Close()
	}
	if err := b.DB.Close(); err != nil {
		b.log.Warn("failed to close database", "error", err)
	}
}
