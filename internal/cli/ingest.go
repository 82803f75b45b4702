package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/service"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Feed string
}

// IngestResult is the output of one ingest run.
type IngestResult struct {
	Report  ingest.CycleReport     `json:"report"`
	Replies []platform.PostedReply `json:"replies"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion cycle against a feed file",
		Long: `Run a single ingestion cycle: fetch mentions newer than the stored cursor
from a feed file, apply every command they carry and print the cycle report.

Running it again with the same feed is a no-op; the cursor remembers what was
already ingested.

Example:
  covenant ingest --feed ./mentions.yaml
  covenant ingest --feed ./mentions.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Feed, "feed", "", "path to a YAML feed of mentions (required)")
	_ = cmd.MarkFlagRequired("feed")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions) error {
	cfg, logger, st, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	feed, err := platform.LoadFeed(opts.Feed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load feed", err)
	}
	out := opts.formatter(cmd)
	out.VerboseLog("loaded %d messages from %s", feed.Len(), opts.Feed)

	ctx := cmd.Context()
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

	report, err := svc.RunCycle(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "ingestion cycle failed", err)
	}

	result := IngestResult{Report: report, Replies: feed.Replies()}
	return out.Emit(result, func(w io.Writer) {
		writeReport(w, result)
	})
}

func writeReport(w io.Writer, r IngestResult) {
	rep := r.Report
	fmt.Fprintf(w, "cycle %s\n", rep.CycleID)
	fmt.Fprintf(w, "  fetched   %s\n", humanize.Comma(int64(rep.Fetched)))
	fmt.Fprintf(w, "  stored    %s\n", humanize.Comma(int64(rep.Stored)))
	fmt.Fprintf(w, "  parsed    %s (applied %s, rejected %s, ignored %s)\n",
		humanize.Comma(int64(rep.Parsed)), humanize.Comma(int64(rep.Applied)),
		humanize.Comma(int64(rep.Rejected)), humanize.Comma(int64(rep.Ignored)))
	fmt.Fprintf(w, "  replies   %s sent, %s failed\n", humanize.Comma(int64(rep.Sent)), humanize.Comma(int64(rep.Failed)))
	fmt.Fprintf(w, "  cursor    %d\n", rep.Cursor)
	for _, reply := range r.Replies {
		fmt.Fprintf(w, "  -> %d: %s\n", reply.ParentID, reply.Text)
	}
}
