package model

import (
	"fmt"
	"slices"
	"time"
)

// CollateralType identifies what an agreement puts at stake.
type CollateralType string

const (
	CollateralCurrency CollateralType = "currency"
	CollateralLike     CollateralType = "like"
	CollateralRetweet  CollateralType = "retweet"
)

// Action returns the platform action backing a contract collateral.
// Returns "" for currency collateral.
func (c CollateralType) Action() ActionType {
	switch c {
	case CollateralLike:
		return ActionLike
	case CollateralRetweet:
		return ActionRetweet
	default:
		return ""
	}
}

// ActionType is the platform action a contract pays for.
type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionRetweet ActionType = "retweet"
)

// ActionTypes lists every contract type in a stable order.
var ActionTypes = []ActionType{ActionLike, ActionRetweet}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	return a == ActionLike || a == ActionRetweet
}

// Ruling is one principal's assertion about an agreement.
type Ruling string

const (
	RulingNone   Ruling = ""
	RulingUpheld Ruling = "upheld"
	RulingBroken Ruling = "broken"
)

// Resolution is the combined outcome of both principals' rulings.
type Resolution string

const (
	ResolutionWaiting  Resolution = "waiting"
	ResolutionDisputed Resolution = "disputed"
	ResolutionUpheld   Resolution = "upheld"
	ResolutionBroken   Resolution = "broken"
)

// Final reports whether r settles an agreement.
func (r Resolution) Final() bool {
	return r == ResolutionUpheld || r == ResolutionBroken
}

// AgreementState is the lifecycle state of an agreement. Settled is terminal.
type AgreementState string

const (
	AgreementOpen    AgreementState = "open"
	AgreementSettled AgreementState = "settled"
)

// ContractState tells whether a contract can be redeemed.
type ContractState string

const (
	ContractAlive ContractState = "alive"
	ContractDead  ContractState = "dead"
)

// Message is a social-platform post as ingested.
// ParentID 0 marks a root message. ThreadID 0 means the message belongs to no agreement.
type Message struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	AuthorID     int64     `json:"author_id"`
	AuthorHandle string    `json:"author_handle"`
	CreatedAt    time.Time `json:"created_at"`
	ParentID     int64     `json:"parent_id,omitempty"`
	ChildIDs     []int64   `json:"child_ids"`
	Parsed       bool      `json:"parsed"`
	ThreadID     int64     `json:"thread_id"`
}

// IsRoot reports whether the message starts a reply thread.
func (m Message) IsRoot() bool {
	return m.ParentID == 0
}

// WithChild returns a copy of m with childID appended to ChildIDs.
// ChildIDs is an ordered set: adding an existing child is a no-op.
func (m Message) WithChild(childID int64) Message {
	if slices.Contains(m.ChildIDs, childID) {
		return m
	}
	m.ChildIDs = append(slices.Clone(m.ChildIDs), childID)
	return m
}

// MarkParsed returns a copy of m flagged as parsed and attached to threadID.
// A zero threadID keeps any thread already recorded.
func (m Message) MarkParsed(threadID int64) Message {
	m.Parsed = true
	if threadID != 0 {
		m.ThreadID = threadID
	}
	return m
}

// Party identifies which principal of an agreement acts.
type Party int

const (
	PartyNone Party = iota
	PartyCreator
	PartyMember
)

// Agreement is a collateralised promise created from a root message.
// It is keyed by the id of that root message.
type Agreement struct {
	ID               int64            `json:"id"`
	CreatorID        int64            `json:"creator_id"`
	CreatorHandle    string           `json:"creator_handle"`
	CreatorRuling    Ruling           `json:"creator_ruling"`
	MemberID         int64            `json:"member_id"`
	MemberHandle     string           `json:"member_handle"`
	MemberRuling     Ruling           `json:"member_ruling"`
	CollateralType   CollateralType   `json:"collateral_type"`
	CollateralAmount int64            `json:"collateral_amount"`
	ContractID       int64            `json:"contract_id,omitempty"`
	ContractLimited  bool             `json:"contract_limited"`
	CreatedAt        time.Time        `json:"created_at"`
	Text             string           `json:"text"`
	EnforcerHandle   string           `json:"enforcer_handle"`
	Members          []string         `json:"members"`
	Signatures       map[string]int64 `json:"signatures"`
	Links            []string         `json:"links"`
	Dead             bool             `json:"dead"`
	State            AgreementState   `json:"state"`
}

// PartyOf returns which principal the account is.
// A member whose account id is not yet known is matched by handle.
func (a Agreement) PartyOf(accountID int64, handle string) Party {
	if accountID == a.CreatorID {
		return PartyCreator
	}
	if a.MemberID != 0 {
		if accountID == a.MemberID {
			return PartyMember
		}
		return PartyNone
	}
	if SameHandle(handle, a.MemberHandle) {
		return PartyMember
	}
	return PartyNone
}

// IsMember reports whether handle was mentioned when the agreement was created.
func (a Agreement) IsMember(handle string) bool {
	for _, m := range a.Members {
		if SameHandle(m, handle) {
			return true
		}
	}
	return false
}

// AddSignature returns a copy of a with handle's signature recorded against messageID.
// An existing signature for the same handle is kept.
func (a Agreement) AddSignature(handle string, messageID int64) Agreement {
	key := NormalizeHandle(handle)
	if _, ok := a.Signatures[key]; ok {
		return a
	}
	sigs := make(map[string]int64, len(a.Signatures)+1)
	for k, v := range a.Signatures {
		sigs[k] = v
	}
	sigs[key] = messageID
	a.Signatures = sigs
	return a
}

// RemoveSignature returns a copy of a without handle's signature, marked dead.
func (a Agreement) RemoveSignature(handle string) Agreement {
	key := NormalizeHandle(handle)
	sigs := make(map[string]int64, len(a.Signatures))
	for k, v := range a.Signatures {
		if k != key {
			sigs[k] = v
		}
	}
	a.Signatures = sigs
	a.Dead = true
	return a
}

// AddLinks returns a copy of a with links appended in order, skipping duplicates.
func (a Agreement) AddLinks(links ...string) Agreement {
	out := slices.Clone(a.Links)
	for _, l := range links {
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	a.Links = out
	return a
}

// WithMemberID returns a copy of a with the member's account id bound.
func (a Agreement) WithMemberID(id int64) Agreement {
	if a.MemberID == 0 {
		a.MemberID = id
	}
	return a
}

// WithRuling returns a copy of a with party's ruling replaced.
func (a Agreement) WithRuling(party Party, r Ruling) Agreement {
	switch party {
	case PartyCreator:
		a.CreatorRuling = r
	case PartyMember:
		a.MemberRuling = r
	}
	return a
}

// Resolve combines the two rulings.
// Both present and equal settle the agreement; both present and different is a dispute.
func (a Agreement) Resolve() Resolution {
	if a.CreatorRuling == RulingNone || a.MemberRuling == RulingNone {
		return ResolutionWaiting
	}
	if a.CreatorRuling != a.MemberRuling {
		return ResolutionDisputed
	}
	if a.CreatorRuling == RulingUpheld {
		return ResolutionUpheld
	}
	return ResolutionBroken
}

// Settle returns a copy of a in the terminal settled state.
func (a Agreement) Settle() Agreement {
	a.State = AgreementSettled
	return a
}

// Contract is a standing commitment by its issuer to perform Count platform
// actions, each redeemed at UnitPrice. It is keyed by its originating message id.
type Contract struct {
	ID             int64         `json:"id"`
	IssuerID       int64         `json:"issuer_id"`
	IssuerHandle   string        `json:"issuer_handle"`
	Type           ActionType    `json:"type"`
	IssuedCount    int64         `json:"issued_count"`
	RemainingCount int64         `json:"remaining_count"`
	UnitPrice      int64         `json:"unit_price"`
	CreatedAt      time.Time     `json:"created_at"`
	ExecutedOn     []int64       `json:"executed_on"`
	State          ContractState `json:"state"`
	AgreementID    int64         `json:"agreement_id,omitempty"`
}

// GrossValue is the remaining count priced at the unit price.
func (c Contract) GrossValue() int64 {
	return c.RemainingCount * c.UnitPrice
}

// Redeemable reports whether the contract can still be executed.
func (c Contract) Redeemable() bool {
	return c.State == ContractAlive && c.RemainingCount > 0
}

// RecordExecution returns a copy of c with one unit consumed against messageID.
func (c Contract) RecordExecution(messageID int64) (Contract, error) {
	if c.RemainingCount <= 0 {
		return c, fmt.Errorf("contract %d: no remaining count", c.ID)
	}
	c.RemainingCount--
	c.ExecutedOn = append(slices.Clone(c.ExecutedOn), messageID)
	return c, nil
}

// WithState returns a copy of c in state s.
func (c Contract) WithState(s ContractState) Contract {
	c.State = s
	return c
}

// Account holds a platform user's balance and lifetime issuance counters.
type Account struct {
	ID             int64     `json:"id"`
	Handle         string    `json:"handle"`
	Balance        int64     `json:"balance"`
	IssuedLikes    int64     `json:"issued_likes"`
	IssuedRetweets int64     `json:"issued_retweets"`
	CreatedAt      time.Time `json:"created_at"`
}

// Issued returns the lifetime number of contract units issued of type t.
func (a Account) Issued(t ActionType) int64 {
	switch t {
	case ActionLike:
		return a.IssuedLikes
	case ActionRetweet:
		return a.IssuedRetweets
	default:
		return 0
	}
}

// Transfer is one journal entry of the account ledger.
// Key is the idempotency key; a transfer with a known key is never applied twice.
type Transfer struct {
	Seq       int64     `json:"seq"`
	Key       string    `json:"key"`
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Redemption records one contract execution against a target message.
type Redemption struct {
	ContractID int64      `json:"contract_id"`
	TargetID   int64      `json:"target_id"`
	Action     ActionType `json:"action"`
	RedeemerID int64      `json:"redeemer_id"`
	Price      int64      `json:"price"`

	// MessageID is the redeem command that spent the budget. Zero when the
	// redemption was not driven by a message.
	MessageID int64 `json:"message_id,omitempty"`
}

// Counters are the aggregate counters exposed to the presentation layer.
type Counters struct {
	Messages   int64 `json:"num_messages"`
	Agreements int64 `json:"num_agreements"`
	Contracts  int64 `json:"num_contracts"`
	Accounts   int64 `json:"num_accounts"`
}
