package ingest

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/roach88/covenant/internal/agreement"
	"github.com/roach88/covenant/internal/contracts"
	"github.com/roach88/covenant/internal/model"
)

func mention(handle string) string {
	return "@" + strings.TrimPrefix(handle, "@")
}

func units(n int64, action model.ActionType) string {
	return humanize.Comma(n) + " " + string(action) + plural(n)
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func replyCreated(author string, a model.Agreement) string {
	var stake string
	switch a.CollateralType {
	case model.CollateralCurrency:
		stake = humanize.Comma(a.CollateralAmount) + " escrowed"
	default:
		stake = "backed by " + units(a.CollateralAmount, a.CollateralType.Action())
		if a.ContractLimited {
			stake += " (limited by your remaining quota)"
		}
	}
	return fmt.Sprintf("%s agreement %d with %s is open, %s. Reply +upheld or +broken to rule.",
		mention(author), a.ID, mention(a.MemberHandle), stake)
}

func replyRejected(author string, err error) string {
	var reason string
	switch model.CodeOf(err) {
	case model.CodeMalformedCommand:
		reason = "I couldn't read that command"
	case model.CodeInsufficientMembers:
		reason = "an agreement needs someone else mentioned at the start"
	case model.CodeInsufficientBalance:
		reason = "your balance doesn't cover that"
	case model.CodeContractLimitReached:
		reason = "you have no contract quota left for that type"
	default:
		reason = "that didn't work"
	}
	return fmt.Sprintf("%s %s.", mention(author), reason)
}

func replyGenerated(author string, out contracts.Issued) string {
	c := out.Contract
	text := fmt.Sprintf("%s contract %d issued: %s at %s each.",
		mention(author), c.ID, units(c.IssuedCount, c.Type), humanize.Comma(c.UnitPrice))
	if out.Limited {
		text += " Size limited by your remaining quota."
	}
	return text
}

func replyRedeemed(author string, out contracts.Execution) string {
	if len(out.Executed) == 0 {
		return fmt.Sprintf("%s no contracts were available for that budget.", mention(author))
	}
	n := int64(len(out.Executed))
	return fmt.Sprintf("%s redeemed %s contract%s for %s.",
		mention(author), humanize.Comma(n), plural(n), humanize.Comma(out.Spent))
}

func replyVote(a model.Agreement, eff agreement.Effect) string {
	switch eff.Resolution {
	case model.ResolutionDisputed:
		return fmt.Sprintf("agreement %d is disputed: %s and %s disagree. Either of you may vote again.",
			a.ID, mention(a.CreatorHandle), mention(a.MemberHandle))
	case model.ResolutionUpheld, model.ResolutionBroken:
		text := fmt.Sprintf("agreement %d settled as %s.", a.ID, eff.Resolution)
		if eff.Payout > 0 {
			text += fmt.Sprintf(" %s paid out", humanize.Comma(eff.Payout))
			if eff.Tax > 0 {
				text += fmt.Sprintf(" after %s tax", humanize.Comma(eff.Tax))
			}
			text += "."
		}
		return text
	default:
		return ""
	}
}
