package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_Text(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()

	out, _, err := execute(t, ctx, "ingest", "--config", env.config, "--feed", env.feed)
	require.NoError(t, err)
	assert.Contains(t, out, "fetched   2")
	assert.Contains(t, out, "parsed    2")
	assert.Contains(t, out, "cursor    11")
	assert.Contains(t, out, "-> 10: @alice agreement 10 with @bob is open, 40 escrowed.")

	out, _, err = execute(t, ctx, "ingest", "--config", env.config, "--feed", env.feed)
	require.NoError(t, err)
	assert.Contains(t, out, "fetched   0", "the cursor remembers the first run")
}

func TestIngest_JSON(t *testing.T) {
	env := createTestEnv(t)

	out, _, err := execute(t, context.Background(), "ingest", "--config", env.config, "--feed", env.feed, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   IngestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(11), resp.Data.Report.Cursor)
	assert.Equal(t, 2, resp.Data.Report.Parsed)
	require.Len(t, resp.Data.Replies, 1)
	assert.Equal(t, int64(10), resp.Data.Replies[0].ParentID)
}

func TestIngest_Errors(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()

	_, _, err := execute(t, ctx, "ingest", "--config", env.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, _, err = execute(t, ctx, "ingest", "--config", env.config, "--feed", filepath.Join(env.dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load feed")

	_, _, err = execute(t, ctx, "ingest", "--config", filepath.Join(env.dir, "nope.yaml"), "--feed", env.feed)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestShow(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()
	_, _, err := execute(t, ctx, "ingest", "--config", env.config, "--feed", env.feed)
	require.NoError(t, err)

	out, _, err := execute(t, ctx, "show", "account", "1", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "account 1 @alice")
	assert.Contains(t, out, "balance          60")
	assert.Contains(t, out, "-40 escrow")

	out, _, err = execute(t, ctx, "show", "agreement", "10", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "agreement 10 (open)")
	assert.Contains(t, out, "collateral  40 escrowed")
	assert.Contains(t, out, "member      @bob ruling pending")

	out, _, err = execute(t, ctx, "show", "message", "10", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "message 10 by @alice")
	assert.Contains(t, out, "replies   11")

	out, _, err = execute(t, ctx, "show", "agreement", "10", "--config", env.config, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data struct {
			ID               int64 `json:"id"`
			CollateralAmount int64 `json:"collateral_amount"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(10), resp.Data.ID)
	assert.Equal(t, int64(40), resp.Data.CollateralAmount)
}

func TestShow_Errors(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()

	_, _, err := execute(t, ctx, "show", "contract", "99", "--config", env.config)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "contract 99 not found")

	_, _, err = execute(t, ctx, "show", "account", "abc", "--config", env.config)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid account id")
}

func TestStats(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()
	_, _, err := execute(t, ctx, "ingest", "--config", env.config, "--feed", env.feed)
	require.NoError(t, err)

	out, _, err := execute(t, ctx, "stats", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "messages    2")
	assert.Contains(t, out, "agreements  1")
	assert.Contains(t, out, "accounts    3")
	assert.Contains(t, out, "cursor      11")
	assert.Contains(t, out, "ledger sum  0")

	out, _, err = execute(t, ctx, "stats", "--config", env.config, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data StatsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(1), resp.Data.Agreements)
	assert.Equal(t, int64(11), resp.Data.Cursor)
}

func TestConfigValidate(t *testing.T) {
	env := createTestEnv(t)
	ctx := context.Background()

	out, _, err := execute(t, ctx, "config", "validate", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "bot @covenant")

	bad := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("database: x.db\nbot:\n  handle: covenant\n"), 0o644))
	out, _, err = execute(t, ctx, "config", "validate", "--config", bad)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_CONFIG]")
}

func TestConfigShow(t *testing.T) {
	env := createTestEnv(t)

	out, _, err := execute(t, context.Background(), "config", "show", "--config", env.config)
	require.NoError(t, err)
	assert.Contains(t, out, "handle: covenant")
	assert.Contains(t, out, "tax_rate: 0.05")
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := createTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, _, err := execute(t, ctx, "run", "--config", env.config, "--feed", env.feed, "--addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, out, "covenant running")
}

func TestRun_RequiresFeed(t *testing.T) {
	env := createTestEnv(t)
	_, _, err := execute(t, context.Background(), "run", "--config", env.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTestCommand(t *testing.T) {
	ctx := context.Background()
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")

	out, _, err := execute(t, ctx, "test", scenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ currency_broken")
	assert.Contains(t, out, "All scenarios passed")

	out, _, err = execute(t, ctx, "test", scenarios, "--filter", "currency_*", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)
}

func TestTestCommand_Golden(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "scenarios", "disputed.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disputed.yaml"), src, 0o644))

	out, _, err := execute(t, ctx, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")
	golden := filepath.Join(dir, "golden", "disputed.golden")
	require.FileExists(t, golden)

	_, _, err = execute(t, ctx, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}"), 0o644))
	out, _, err = execute(t, ctx, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_Errors(t *testing.T) {
	ctx := context.Background()

	_, _, err := execute(t, ctx, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0o644))
	out, _, err := execute(t, ctx, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed to load scenario")

	out, _, err = execute(t, ctx, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
