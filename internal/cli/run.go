package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/covenant/internal/api"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/service"
)

// shutdownTimeout bounds how long the API server drains on exit.
const shutdownTimeout = 10 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Feed string
	Addr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduled ingestion and the read-only API",
		Long: `Run ingestion cycles on the configured cron schedule and serve the
read-only HTTP API until interrupted.

Mentions are read from a feed file; replies are recorded against it, or only
logged when replies.enabled is false. With redis.url set, performed actions
and unshortened links are kept in Redis.

Example:
  covenant run --feed ./mentions.yaml
  covenant run --feed ./mentions.yaml --addr :9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Feed, "feed", "", "path to a YAML feed of mentions (required)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "API listen address (overrides http.addr)")
	_ = cmd.MarkFlagRequired("feed")

	return cmd
}

func runService(cmd *cobra.Command, opts *RunOptions) error {
	cfg, logger, st, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("database_close_failed")
		}
	}()
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}

	feed, err := platform.LoadFeed(opts.Feed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load feed", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := newPlatformServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ps.Close()

	svc, err := service.New(ctx, cfg, st, service.Collaborators{
		Source:      feed,
		Poster:      feed,
		Actions:     ps.Actions,
		Unshortener: ps.Unshortener,
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start service", err)
	}
	sched, err := svc.Scheduler()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(st, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("api_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "covenant running: schedule %q, api on %s. Press Ctrl-C to stop.\n",
		cfg.Ingest.Schedule, cfg.HTTP.Addr)

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "service stopped", err)
	}
	logger.Info().Msg("service_stopped")
	return nil
}
