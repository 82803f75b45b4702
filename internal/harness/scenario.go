package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/platform"
)

// Scenario is one end-to-end ledger test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Settings override the scenario defaults.
	Settings Settings `yaml:"settings,omitempty"`

	// Links maps short links to the targets the unshortener resolves them to.
	Links map[string]string `yaml:"links,omitempty"`

	// Cycles are run in order, one ingestion cycle each.
	Cycles []Cycle `yaml:"cycles"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`

	// CycleID is the fixed id stamped on every cycle. Defaults to "test-cycle".
	CycleID string `yaml:"cycle_id,omitempty"`
}

// Settings are the ledger parameters a scenario may override.
// Nil fields keep the scenario defaults.
type Settings struct {
	BotHandle       string            `yaml:"bot_handle,omitempty"`
	StartingBalance *int64            `yaml:"starting_balance,omitempty"`
	TaxRate         *float64          `yaml:"tax_rate,omitempty"`
	UnitValue       *config.PerAction `yaml:"unit_value,omitempty"`
	Quota           *config.PerAction `yaml:"quota,omitempty"`
	PostReplies     *bool             `yaml:"post_replies,omitempty"`
	FetchLimit      *int              `yaml:"fetch_limit,omitempty"`
}

// Cycle is the platform activity visible to one ingestion cycle.
type Cycle struct {
	// Performed records platform actions taken before the cycle runs.
	Performed []Performed `yaml:"performed,omitempty"`

	// Messages are added to the feed before the cycle runs.
	Messages []platform.FeedMessage `yaml:"messages,omitempty"`
}

// Performed is a platform action an account has already taken.
type Performed struct {
	AccountID int64            `yaml:"account_id"`
	Action    model.ActionType `yaml:"action"`
	Message   int64            `yaml:"message"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Account is the handle checked by account assertions.
	Account string `yaml:"account,omitempty"`

	// ID is the row checked by agreement, contract and message assertions.
	ID int64 `yaml:"id,omitempty"`

	// Expect holds expected field values, matched as a subset against the
	// row's JSON form.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Parent and Contains select a reply for reply assertions.
	Parent   int64  `yaml:"parent,omitempty"`
	Contains string `yaml:"contains,omitempty"`

	// Count is the expected number of replies for reply_count.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertAccount    = "account"
	AssertAgreement  = "agreement"
	AssertContract   = "contract"
	AssertMessage    = "message"
	AssertCounters   = "counters"
	AssertReply      = "reply"
	AssertReplyCount = "reply_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		sc, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Cycles) == 0 {
		return fmt.Errorf("cycles list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[int64]bool)
	for i, c := range s.Cycles {
		if _, err := (platform.Feed{Messages: c.Messages}).Decode(); err != nil {
			return fmt.Errorf("cycles[%d]: %w", i, err)
		}
		for _, m := range c.Messages {
			if seen[m.ID] {
				return fmt.Errorf("cycles[%d]: message %d already appeared in an earlier cycle", i, m.ID)
			}
			seen[m.ID] = true
		}
		for j, p := range c.Performed {
			if !p.Action.Valid() {
				return fmt.Errorf("cycles[%d].performed[%d]: unknown action %q", i, j, p.Action)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertAccount:
		if a.Account == "" {
			return fmt.Errorf("assertions[%d]: account is required for account", index)
		}
	case AssertAgreement, AssertContract, AssertMessage:
		if a.ID == 0 {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertCounters:
	case AssertReply:
		if a.Parent == 0 {
			return fmt.Errorf("assertions[%d]: parent is required for reply", index)
		}
		return nil
	case AssertReplyCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for reply_count", index)
		}
		return nil
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if len(a.Expect) == 0 {
		return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
	}
	return nil
}
