package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/config"
	"github.com/roach88/covenant/internal/model"
	"github.com/roach88/covenant/internal/platform"
	"github.com/roach88/covenant/internal/service"
	"github.com/roach88/covenant/internal/store"
)

func seededServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	rate := 0.05
	cfg.Bot.Handle = "covenant"
	cfg.Accounts.StartingBalance = 100
	cfg.Contracts = config.ContractsConfig{
		UnitValue: config.PerAction{Like: 2, Retweet: 5},
		Quota:     config.PerAction{Like: 10, Retweet: 4},
	}
	cfg.Settlement.TaxRate = &rate

	feed := platform.NewFeedPlatform(
		model.Message{ID: 10, AuthorID: 1, AuthorHandle: "alice", Text: "@bob +agr 30"},
		model.Message{ID: 11, AuthorID: 2, AuthorHandle: "bob", ParentID: 10, Text: "sign"},
		model.Message{ID: 20, AuthorID: 3, AuthorHandle: "carol", Text: "+gen 2R"},
	)
	svc, err := service.New(context.Background(), cfg, s, service.Collaborators{Source: feed}, zerolog.Nop())
	require.NoError(t, err)
	_, err = svc.RunCycle(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(s, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := seededServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, srv, "/health", &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStats(t *testing.T) {
	srv := seededServer(t)
	var stats StatsResponse
	require.Equal(t, http.StatusOK, get(t, srv, "/stats", &stats))
	assert.Equal(t, int64(3), stats.Messages)
	assert.Equal(t, int64(1), stats.Agreements)
	assert.Equal(t, int64(1), stats.Contracts)
	assert.Equal(t, int64(4), stats.Accounts, "three authors plus the engine")
	assert.Equal(t, int64(20), stats.Cursor)
	assert.Zero(t, stats.TotalBalance)
}

func TestCountersOnlyOnStats(t *testing.T) {
	srv := seededServer(t)
	for _, path := range []string{"/messages/0", "/agreements/0", "/contracts/0", "/accounts/0"} {
		assert.Equal(t, http.StatusNotFound, get(t, srv, path, nil), path)
	}

	var raw map[string]any
	require.Equal(t, http.StatusOK, get(t, srv, "/stats", &raw))
	for _, key := range []string{"num_messages", "num_agreements", "num_contracts", "num_accounts"} {
		assert.Contains(t, raw, key)
	}
}

func TestAgreements(t *testing.T) {
	srv := seededServer(t)

	var a model.Agreement
	require.Equal(t, http.StatusOK, get(t, srv, "/agreements/10", &a))
	assert.Equal(t, "bob", a.MemberHandle)
	assert.Equal(t, map[string]int64{"alice": 10, "bob": 11}, a.Signatures)

	var open []model.Agreement
	require.Equal(t, http.StatusOK, get(t, srv, "/agreements?state=open", &open))
	assert.Len(t, open, 1)

	var settled []model.Agreement
	require.Equal(t, http.StatusOK, get(t, srv, "/agreements?state=settled", &settled))
	assert.Empty(t, settled)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/agreements?state=maybe", nil))
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/agreements/99", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/agreements/abc", nil))
}

func TestThreadAndMessages(t *testing.T) {
	srv := seededServer(t)

	var thread []model.Message
	require.Equal(t, http.StatusOK, get(t, srv, "/threads/10", &thread))
	require.Len(t, thread, 2)
	assert.Equal(t, int64(11), thread[1].ID)

	var m model.Message
	require.Equal(t, http.StatusOK, get(t, srv, "/messages/10", &m))
	assert.Equal(t, []int64{11}, m.ChildIDs)
}

func TestContracts(t *testing.T) {
	srv := seededServer(t)

	var c model.Contract
	require.Equal(t, http.StatusOK, get(t, srv, "/contracts/20", &c))
	assert.Equal(t, model.ActionRetweet, c.Type)
	assert.Equal(t, int64(2), c.IssuedCount)

	var list []model.Contract
	require.Equal(t, http.StatusOK, get(t, srv, "/contracts?type=retweet&issuer=3", &list))
	assert.Len(t, list, 1)
	require.Equal(t, http.StatusOK, get(t, srv, "/contracts?type=like", &list))
	assert.Empty(t, list)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/contracts?type=share", nil))

	var redemptions []model.Redemption
	require.Equal(t, http.StatusOK, get(t, srv, "/contracts/20/redemptions", &redemptions))
	assert.Empty(t, redemptions)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/contracts/21/redemptions", nil))
}

func TestAccounts(t *testing.T) {
	srv := seededServer(t)

	var alice model.Account
	require.Equal(t, http.StatusOK, get(t, srv, "/accounts/1", &alice))
	assert.Equal(t, int64(70), alice.Balance)

	var transfers []model.Transfer
	require.Equal(t, http.StatusOK, get(t, srv, "/accounts/1/transfers", &transfers))
	require.Len(t, transfers, 2)
	assert.Equal(t, "grant", transfers[0].Reason)
	assert.Equal(t, "escrow", transfers[1].Reason)

	var all []model.Account
	require.Equal(t, http.StatusOK, get(t, srv, "/accounts", &all))
	assert.Len(t, all, 4)
}

func TestReadOnly(t *testing.T) {
	srv := seededServer(t)
	resp, err := http.Post(srv.URL+"/agreements", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := seededServer(t)
	get(t, srv, "/health", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `covenant_http_requests_total{method="GET",path="/health",status="200"}`)
	assert.Contains(t, string(body), "covenant_ingest_cycles_total")
}

type brokenStore struct {
	Store
}

func (brokenStore) Ping(context.Context) error { return errors.New("down") }

func (brokenStore) GetAccount(context.Context, int64) (model.Account, error) {
	return model.Account{}, errors.New("disk I/O error")
}

func TestFailures(t *testing.T) {
	srv := httptest.NewServer(NewRouter(brokenStore{}, zerolog.Nop()))
	defer srv.Close()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, get(t, srv, "/accounts/1", nil))
}
