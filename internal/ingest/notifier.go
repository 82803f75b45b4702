package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/metrics"
)

// Poster posts a reply to a platform message.
type Poster interface {
	PostReply(ctx context.Context, parentID int64, text string) error
}

// NotifierConfig controls reply delivery.
type NotifierConfig struct {
	// Enabled posts replies. When false replies are only logged.
	Enabled bool

	// RatePerSecond and Burst bound posting through a token bucket.
	// RatePerSecond <= 0 disables the limit.
	RatePerSecond float64
	Burst         int

	// Timeout bounds a single post. Zero means no per-post timeout.
	Timeout time.Duration
}

// Notifier delivers replies. Failures are logged and counted, never returned.
type Notifier struct {
	poster  Poster
	cfg     NotifierConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewNotifier creates a Notifier posting through poster.
func NewNotifier(poster Poster, cfg NotifierConfig, logger zerolog.Logger) *Notifier {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		poster:  poster,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.Component(logger, "notifier"),
	}
}

// Flush delivers replies in order and returns how many were posted and how
// many failed. A cancelled context stops delivery; undelivered replies count
// as failed.
func (n *Notifier) Flush(ctx context.Context, replies []Reply) (sent, failed int) {
	for i, r := range replies {
		if !n.cfg.Enabled || n.poster == nil {
			n.logger.Info().Int64("parent_id", r.ParentID).Str("text", r.Text).Msg("reply_dry_run")
			metrics.Replies.WithLabelValues("dry_run").Inc()
			continue
		}
		if err := n.limiter.Wait(ctx); err != nil {
			rest := len(replies) - i
			n.logger.Warn().Err(err).Int("dropped", rest).Msg("reply_flush_interrupted")
			metrics.Replies.WithLabelValues("failed").Add(float64(rest))
			return sent, failed + rest
		}
		if err := n.post(ctx, r); err != nil {
			failed++
			n.logger.Warn().Err(err).Int64("parent_id", r.ParentID).Msg("reply_failed")
			metrics.Replies.WithLabelValues("failed").Inc()
			continue
		}
		sent++
		metrics.Replies.WithLabelValues("sent").Inc()
	}
	return sent, failed
}

func (n *Notifier) post(ctx context.Context, r Reply) error {
	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}
	return n.poster.PostReply(ctx, r.ParentID, r.Text)
}
