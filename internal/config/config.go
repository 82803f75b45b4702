// Package config loads covenant's configuration.
//
// Values come from a YAML file, then from COVENANT_* environment variables
// (a .env file in the working directory is loaded first when present). The
// merged result is checked against an embedded CUE schema before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when none is named.
const DefaultPath = "covenant.yaml"

//go:embed config.cue
var schemaSource string

// Config is the complete runtime configuration.
type Config struct {
	Database   string           `yaml:"database" json:"database"`
	Bot        BotConfig        `yaml:"bot" json:"bot"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Accounts   AccountsConfig   `yaml:"accounts" json:"accounts"`
	Contracts  ContractsConfig  `yaml:"contracts" json:"contracts"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Replies    RepliesConfig    `yaml:"replies" json:"replies"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Thread     ThreadConfig     `yaml:"thread" json:"thread"`
	Links      LinksConfig      `yaml:"links" json:"links"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// BotConfig identifies the bot account whose mentions are ingested.
type BotConfig struct {
	Handle string `yaml:"handle" json:"handle"`
}

// EngineConfig names the account that holds escrow and collects tax.
type EngineConfig struct {
	AccountID int64  `yaml:"account_id" json:"account_id"`
	Handle    string `yaml:"handle" json:"handle"`
}

// AccountsConfig sets the balance granted to newly opened accounts.
type AccountsConfig struct {
	StartingBalance int64 `yaml:"starting_balance" json:"starting_balance"`
}

// PerAction holds one value per contract type.
type PerAction struct {
	Like    int64 `yaml:"like" json:"like"`
	Retweet int64 `yaml:"retweet" json:"retweet"`
}

// ContractsConfig prices contract units and caps lifetime issuance.
type ContractsConfig struct {
	UnitValue PerAction `yaml:"unit_value" json:"unit_value"`
	Quota     PerAction `yaml:"quota" json:"quota"`
}

// SettlementConfig holds the tax charged on broken contract collateral.
// TaxRate is required, so a missing value stays nil and fails validation.
type SettlementConfig struct {
	TaxRate *float64 `yaml:"tax_rate" json:"tax_rate"`
}

// RepliesConfig controls posting replies back to the platform.
// With Enabled false replies are only logged. RatePerSecond <= 0 disables the limit.
type RepliesConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int           `yaml:"burst" json:"burst"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// IngestConfig holds the cron schedule and fetch size of ingestion cycles.
type IngestConfig struct {
	Schedule   string `yaml:"schedule" json:"schedule"`
	FetchLimit int    `yaml:"fetch_limit" json:"fetch_limit"`
}

// ThreadConfig bounds reply-chain walks.
type ThreadConfig struct {
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
}

// LinksConfig bounds link unshortening and the lifetime of cached results.
type LinksConfig struct {
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	MaxHops  int           `yaml:"max_hops" json:"max_hops"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// RedisConfig points at the optional Redis server. An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url" json:"url"`
}

// HTTPConfig is the listen address of the read-only API.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LogConfig selects the log level and the console or json format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used for every key the file omits.
// Required keys have no default.
func Default() Config {
	return Config{
		Database: "covenant.db",
		Engine:   EngineConfig{AccountID: -1, Handle: "covenant-engine"},
		Replies: RepliesConfig{
			RatePerSecond: 1,
			Burst:         5,
			Timeout:       10 * time.Second,
		},
		Ingest: IngestConfig{Schedule: "* * * * *", FetchLimit: 200},
		Thread: ThreadConfig{MaxDepth: 500},
		Links:  LinksConfig{Timeout: 5 * time.Second, MaxHops: 5, CacheTTL: 24 * time.Hour},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path, applies environment overrides and validates the result.
// A missing DefaultPath is not an error; any other missing file is.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from COVENANT_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("COVENANT_DB", &c.Database)
	str("COVENANT_BOT_HANDLE", &c.Bot.Handle)
	str("COVENANT_REDIS_URL", &c.Redis.URL)
	str("COVENANT_HTTP_ADDR", &c.HTTP.Addr)
	str("COVENANT_LOG_LEVEL", &c.Log.Level)
	str("COVENANT_SCHEDULE", &c.Ingest.Schedule)

	if v, ok := lookup("COVENANT_TAX_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("COVENANT_TAX_RATE: %w", err)
		}
		c.Settlement.TaxRate = &rate
	}
	if v, ok := lookup("COVENANT_POST_REPLIES"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COVENANT_POST_REPLIES: %w", err)
		}
		c.Replies.Enabled = enabled
	}
	return nil
}

// ValidationError reports a configuration that cannot be used.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// Validate checks c against the embedded schema and the rules the schema
// cannot express.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("config.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}

	if !gronx.New().IsValid(c.Ingest.Schedule) {
		return &ValidationError{Field: "ingest.schedule", Message: fmt.Sprintf("invalid cron expression %q", c.Ingest.Schedule)}
	}
	return nil
}

// schemaError reports the first schema violation with the path it occurred at.
func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	var path []string
	for _, p := range first.Path() {
		if p != "#Config" {
			path = append(path, p)
		}
	}
	return &ValidationError{Field: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
}

// TaxBasisPoints returns the settlement tax rate in basis points.
func (c Config) TaxBasisPoints() int64 {
	if c.Settlement.TaxRate == nil {
		return 0
	}
	return int64(math.Round(*c.Settlement.TaxRate * 10000))
}
