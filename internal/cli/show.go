package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/store"
)

// AccountView is an account together with its journal.
type AccountView struct {
	model.Account
	Transfers []model.Transfer `json:"transfers"`
}

// ContractView is a contract together with its redemptions.
type ContractView struct {
	model.Contract
	Redemptions []model.Redemption `json:"redemptions"`
}

// NewShowCommand creates the show command and its per-entity subcommands.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one ledger entry",
		Long: `Show an account, agreement, contract or message by id.

Examples:
  covenant show account 1
  covenant show agreement 10 --format json`,
	}

	cmd.AddCommand(newShowEntityCommand(rootOpts, "account", "an account and its transfers", showAccount))
	cmd.AddCommand(newShowEntityCommand(rootOpts, "agreement", "an agreement", showAgreement))
	cmd.AddCommand(newShowEntityCommand(rootOpts, "contract", "a contract and its redemptions", showContract))
	cmd.AddCommand(newShowEntityCommand(rootOpts, "message", "an ingested message", showMessage))
	return cmd
}

type showFunc func(ctx context.Context, st *store.Store, id int64, out *OutputFormatter) error

func newShowEntityCommand(opts *RootOptions, name, what string, show showFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: "Show " + what,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid %s id %q", name, args[0]))
			}
			_, _, st, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := show(cmd.Context(), st, id, opts.formatter(cmd)); err != nil {
				if model.IsNotFound(err) {
					return WrapExitError(ExitCommandError, fmt.Sprintf("%s %d not found", name, id), err)
				}
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to load %s %d", name, id), err)
			}
			return nil
		},
	}
}

func showAccount(ctx context.Context, st *store.Store, id int64, out *OutputFormatter) error {
	acct, err := st.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	transfers, err := st.Transfers(ctx, id)
	if err != nil {
		return err
	}
	view := AccountView{Account: acct, Transfers: transfers}
	return out.Emit(view, func(w io.Writer) {
		fmt.Fprintf(w, "account %d @%s\n", acct.ID, acct.Handle)
		fmt.Fprintf(w, "  balance          %s\n", humanize.Comma(acct.Balance))
		fmt.Fprintf(w, "  issued likes     %s\n", humanize.Comma(acct.IssuedLikes))
		fmt.Fprintf(w, "  issued retweets  %s\n", humanize.Comma(acct.IssuedRetweets))
		fmt.Fprintf(w, "  opened           %s\n", humanize.Time(acct.CreatedAt))
		for _, t := range transfers {
			sign := "+"
			if t.FromID == id {
				sign = "-"
			}
			fmt.Fprintf(w, "  #%d %s%s %s\n", t.Seq, sign, humanize.Comma(t.Amount), t.Reason)
		}
	})
}

func showAgreement(ctx context.Context, st *store.Store, id int64, out *OutputFormatter) error {
	a, err := st.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	return out.Emit(a, func(w io.Writer) {
		fmt.Fprintf(w, "agreement %d (%s)\n", a.ID, a.State)
		fmt.Fprintf(w, "  creator     @%s ruling %s\n", a.CreatorHandle, rulingText(a.CreatorRuling))
		fmt.Fprintf(w, "  member      @%s ruling %s\n", a.MemberHandle, rulingText(a.MemberRuling))
		switch a.CollateralType {
		case model.CollateralCurrency:
			fmt.Fprintf(w, "  collateral  %s escrowed\n", humanize.Comma(a.CollateralAmount))
		default:
			fmt.Fprintf(w, "  collateral  %s %s (contract %d)\n", humanize.Comma(a.CollateralAmount), a.CollateralType, a.ContractID)
		}
		fmt.Fprintf(w, "  resolution  %s\n", a.Resolve())
		if a.Dead {
			fmt.Fprintln(w, "  dead        a principal left")
		}
		if a.Text != "" {
			fmt.Fprintf(w, "  text        %s\n", a.Text)
		}
		for _, l := range a.Links {
			fmt.Fprintf(w, "  link        %s\n", l)
		}
	})
}

func rulingText(r model.Ruling) string {
	if r == model.RulingNone {
		return "pending"
	}
	return string(r)
}

func showContract(ctx context.Context, st *store.Store, id int64, out *OutputFormatter) error {
	c, err := st.GetContract(ctx, id)
	if err != nil {
		return err
	}
	redemptions, err := st.Redemptions(ctx, id)
	if err != nil {
		return err
	}
	view := ContractView{Contract: c, Redemptions: redemptions}
	return out.Emit(view, func(w io.Writer) {
		fmt.Fprintf(w, "contract %d (%s)\n", c.ID, c.State)
		fmt.Fprintf(w, "  issuer     @%s\n", c.IssuerHandle)
		fmt.Fprintf(w, "  units      %s of %s %ss at %s\n",
			humanize.Comma(c.RemainingCount), humanize.Comma(c.IssuedCount), c.Type, humanize.Comma(c.UnitPrice))
		fmt.Fprintf(w, "  value      %s\n", humanize.Comma(c.GrossValue()))
		if c.AgreementID != 0 {
			fmt.Fprintf(w, "  agreement  %d\n", c.AgreementID)
		}
		for _, r := range redemptions {
			fmt.Fprintf(w, "  redeemed on %d by %d for %s\n", r.TargetID, r.RedeemerID, humanize.Comma(r.Price))
		}
	})
}

func showMessage(ctx context.Context, st *store.Store, id int64, out *OutputFormatter) error {
	m, err := st.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	return out.Emit(m, func(w io.Writer) {
		fmt.Fprintf(w, "message %d by @%s\n", m.ID, m.AuthorHandle)
		if !m.IsRoot() {
			fmt.Fprintf(w, "  reply to  %d\n", m.ParentID)
		}
		if m.ThreadID != 0 {
			fmt.Fprintf(w, "  thread    %d\n", m.ThreadID)
		}
		if len(m.ChildIDs) > 0 {
			ids := make([]string, len(m.ChildIDs))
			for i, c := range m.ChildIDs {
				ids[i] = strconv.FormatInt(c, 10)
			}
			fmt.Fprintf(w, "  replies   %s\n", strings.Join(ids, ", "))
		}
		fmt.Fprintf(w, "  parsed    %t\n", m.Parsed)
		fmt.Fprintf(w, "  text      %s\n", m.Text)
	})
}
