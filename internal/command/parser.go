// Package command turns raw message text into a structured Command.
//
// Grammar (tokens are whitespace separated, markers case-insensitive):
//
//	@a @b ...               leading mentions become agreement members
//	+agr N | NL | NR        create an agreement (root messages only)
//	+agreement ...          same as +agr
//	+gen NL | NR            issue a like/retweet contract of size N
//	+redeem NL | NR         spend N currency on like/retweet contracts
//	+upheld | +broken       rule on the thread's agreement
//	+leave | +unsign        exit intent; any other "sign" is a sign intent
//	enforced by @handle     enforcer override for a new agreement
//
// Every http(s) link in the text is resolved through an Unshortener. A link
// that cannot be resolved is kept as written.
package command

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/covenant/internal/logging"
	"github.com/roach88/covenant/internal/model"
)

// Kind is the primary command carried by a message.
type Kind string

const (
	KindNone     Kind = ""
	KindCreate   Kind = "create"
	KindGenerate Kind = "generate"
	KindRedeem   Kind = "redeem"
	KindVote     Kind = "vote"
)

// Command is the parsed form of one message.
type Command struct {
	Kind Kind

	// Members are the handles mentioned before the first non-mention token,
	// without the bot's own handle, in order of first mention.
	Members []string

	// Collateral and Amount describe a create command's stake.
	// For generate and redeem, Amount is the contract size or currency budget.
	Collateral model.CollateralType
	Amount     int64

	// Action is the contract type of generate and redeem commands.
	Action model.ActionType

	Ruling model.Ruling

	Sign  bool
	Leave bool

	// Enforcer is the "enforced by" handle, empty when absent.
	Enforcer string

	Links []string
}

// Input is a message as seen by the parser.
type Input struct {
	Text         string
	AuthorHandle string
	IsRoot       bool
}

// Unshortener expands a shortened link.
type Unshortener interface {
	Unshorten(ctx context.Context, url string) (string, error)
}

var (
	mentionPattern  = regexp.MustCompile(`^@(\w{1,15})[:,]?$`)
	enforcerPattern = regexp.MustCompile(`(?i)enforced\s+by\s+@(\w{1,15})`)
	linkPattern     = regexp.MustCompile(`https?://[^\s]+`)
)

// DefaultLinkTimeout bounds one unshortening call.
const DefaultLinkTimeout = 5 * time.Second

// Parser parses message text. It is safe for concurrent use.
type Parser struct {
	botHandle   string
	unshortener Unshortener
	linkTimeout time.Duration
	logger      zerolog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithUnshortener sets the link resolver. Without one links are kept as written.
func WithUnshortener(u Unshortener) Option {
	return func(p *Parser) {
		p.unshortener = u
	}
}

// WithLinkTimeout bounds each unshortening call.
func WithLinkTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.linkTimeout = d
		}
	}
}

// NewParser creates a Parser that ignores mentions of botHandle.
func NewParser(botHandle string, logger zerolog.Logger, opts ...Option) *Parser {
	p := &Parser{
		botHandle:   botHandle,
		linkTimeout: DefaultLinkTimeout,
		logger:      logging.Component(logger, "command"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts the command carried by in.
//
// A malformed argument to +agr, +gen or +redeem yields MalformedCommand.
// Creation markers on replies are ignored. Link resolution failures never
// fail the parse.
func (p *Parser) Parse(ctx context.Context, in Input) (Command, error) {
	tokens := strings.Fields(in.Text)
	cmd := Command{Members: p.mentions(tokens)}

	lower := strings.ToLower(in.Text)
	cmd.Leave = strings.Contains(lower, "+leave") || strings.Contains(lower, "+unsign")
	cmd.Sign = !cmd.Leave && strings.Contains(lower, "sign")

	if m := enforcerPattern.FindStringSubmatch(in.Text); m != nil {
		cmd.Enforcer = m[1]
	}

	if err := p.primary(tokens, in.IsRoot, &cmd); err != nil {
		return Command{}, err
	}

	cmd.Links = p.links(ctx, in.Text)
	return cmd, nil
}

// mentions collects the leading @handle tokens.
func (p *Parser) mentions(tokens []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range tokens {
		m := mentionPattern.FindStringSubmatch(tok)
		if m == nil {
			break
		}
		handle := m[1]
		if model.SameHandle(handle, p.botHandle) {
			continue
		}
		key := model.NormalizeHandle(handle)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, handle)
	}
	return out
}

// primary finds the first command marker and fills the matching fields.
func (p *Parser) primary(tokens []string, isRoot bool, cmd *Command) error {
	for i, tok := range tokens {
		arg := ""
		if i+1 < len(tokens) {
			arg = tokens[i+1]
		}
		switch strings.TrimRight(strings.ToLower(tok), ".,!?:;") {
		case "+agr", "+agreement":
			if !isRoot {
				continue
			}
			collateral, n, err := parseCollateral(arg)
			if err != nil {
				return err
			}
			cmd.Kind = KindCreate
			cmd.Collateral = collateral
			cmd.Amount = n
			return nil
		case "+gen":
			action, n, err := parseSized("+gen", arg)
			if err != nil {
				return err
			}
			cmd.Kind = KindGenerate
			cmd.Action = action
			cmd.Amount = n
			return nil
		case "+redeem":
			action, n, err := parseSized("+redeem", arg)
			if err != nil {
				return err
			}
			cmd.Kind = KindRedeem
			cmd.Action = action
			cmd.Amount = n
			return nil
		case "+upheld":
			cmd.Kind = KindVote
			cmd.Ruling = model.RulingUpheld
			return nil
		case "+broken":
			cmd.Kind = KindVote
			cmd.Ruling = model.RulingBroken
			return nil
		}
	}
	return nil
}

// parseCollateral reads NL, NR or N.
func parseCollateral(arg string) (model.CollateralType, int64, error) {
	if arg == "" {
		return "", 0, model.NewMalformedCommandError("agreement needs a collateral argument")
	}
	collateral := model.CollateralCurrency
	digits := arg
	switch arg[len(arg)-1] {
	case 'L', 'l':
		collateral, digits = model.CollateralLike, arg[:len(arg)-1]
	case 'R', 'r':
		collateral, digits = model.CollateralRetweet, arg[:len(arg)-1]
	}
	n, err := parsePositive(digits)
	if err != nil {
		return "", 0, model.NewMalformedCommandError("bad collateral %q: %v", arg, err)
	}
	return collateral, n, nil
}

// parseSized reads NL or NR.
func parseSized(marker, arg string) (model.ActionType, int64, error) {
	if len(arg) < 2 {
		return "", 0, model.NewMalformedCommandError("%s needs an argument like 5L or 5R", marker)
	}
	var action model.ActionType
	switch arg[len(arg)-1] {
	case 'L', 'l':
		action = model.ActionLike
	case 'R', 'r':
		action = model.ActionRetweet
	default:
		return "", 0, model.NewMalformedCommandError("%s argument %q must end in L or R", marker, arg)
	}
	n, err := parsePositive(arg[:len(arg)-1])
	if err != nil {
		return "", 0, model.NewMalformedCommandError("bad %s argument %q: %v", marker, arg, err)
	}
	return action, n, nil
}

func parsePositive(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// links extracts and resolves every link in text, in order of appearance.
func (p *Parser) links(ctx context.Context, text string) []string {
	found := linkPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	out := make([]string, 0, len(found))
	for _, link := range found {
		out = append(out, p.resolve(ctx, link))
	}
	return out
}

func (p *Parser) resolve(ctx context.Context, link string) string {
	if p.unshortener == nil {
		return link
	}
	ctx, cancel := context.WithTimeout(ctx, p.linkTimeout)
	defer cancel()

	full, err := p.unshortener.Unshorten(ctx, link)
	if err != nil || full == "" {
		p.logger.Warn().Err(err).Str("link", link).Msg("unshorten_failed")
		return link
	}
	return full
}
