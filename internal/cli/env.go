package cli

import (
	"context"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/command"
	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/links"
	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/store"
)

// loadConfig reads the configuration named by --config.
// An invalid configuration is a command error.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug.
func (o *RootOptions) newLogger(w io.Writer, cfg config.Config) (zerolog.Logger, error) {
	level := cfg.Log.Level
	if o.Verbose {
		level = zerolog.LevelDebugValue
	}
	logger, err := logging.New(w, level, cfg.Log.Format)
	if err != nil {
		return zerolog.Nop(), WrapExitError(ExitCommandError, "invalid log settings", err)
	}
	return logger, nil
}

// setup loads the configuration, builds the logger and opens the store.
// The caller closes the store.
func (o *RootOptions) setup(cmd *cobra.Command) (config.Config, zerolog.Logger, *store.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}
	logger, err := o.newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug().Str("database", cfg.Database).Msg("database_opened")
	return cfg, logger, st, nil
}

// platformServices are the action checker and link unshortener for a
// long-running service. With redis.url set both are backed by Redis;
// otherwise actions are kept in memory and links are not cached.
type platformServices struct {
	Actions     contracts.ActionChecker
	Unshortener command.Unshortener
	redis       *redis.Client
}

// Close releases the Redis connection, if any.
func (p platformServices) Close() error {
	if p.redis == nil {
		return nil
	}
	return p.redis.Close()
}

func newPlatformServices(ctx context.Context, cfg config.Config, logger zerolog.Logger) (platformServices, error) {
	resolver := links.NewHTTPUnshortener(cfg.Links.MaxHops, cfg.Links.Timeout)
	if cfg.Redis.URL == "" {
		return platformServices{Actions: platform.NewMemoryActions(), Unshortener: resolver}, nil
	}

	client, err := platform.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return platformServices{}, WrapExitError(ExitCommandError, "failed to connect to redis", err)
	}
	logger.Info().Msg("redis_connected")
	return platformServices{
		Actions:     platform.NewRedisActions(client),
		Unshortener: links.NewCachedUnshortener(resolver, links.NewRedisCache(client), cfg.Links.CacheTTL, logger),
		redis:       client,
	}, nil
}
