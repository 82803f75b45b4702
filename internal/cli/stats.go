package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/ingest"
	"github.com/roach88/covenant/internal/model"
)

// StatsResult is the output of the stats command.
type StatsResult struct {
	model.Counters
	Cursor       int64 `json:"cursor"`
	TotalBalance int64 `json:"total_balance"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger counters",
		Long: `Show the aggregate counters, the ingestion cursor and the ledger total.

The ledger total is the sum of every balance including the engine account's
and is always zero for a consistent ledger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, err := rootOpts.setup(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			counters, err := st.Counters(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read counters", err)
			}
			cursor, err := st.Cursor(ctx, ingest.CursorMentions)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read cursor", err)
			}
			total, err := st.TotalBalance(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read balances", err)
			}

			result := StatsResult{Counters: counters, Cursor: cursor, TotalBalance: total}
			return rootOpts.formatter(cmd).Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "messages    %s\n", humanize.Comma(counters.Messages))
				fmt.Fprintf(w, "agreements  %s\n", humanize.Comma(counters.Agreements))
				fmt.Fprintf(w, "contracts   %s\n", humanize.Comma(counters.Contracts))
				fmt.Fprintf(w, "accounts    %s\n", humanize.Comma(counters.Accounts))
				fmt.Fprintf(w, "cursor      %d\n", cursor)
				fmt.Fprintf(w, "ledger sum  %s\n", humanize.Comma(total))
			})
		},
	}
}
