package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/cache/memory"
	"github.com/alanyoungcy/strikekeeper/internal/chain/chaintest"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
	"github.com/alanyoungcy/strikekeeper/internal/reconcile"
	"github.com/alanyoungcy/strikekeeper/internal/server"
	"github.com/alanyoungcy/strikekeeper/internal/server/handler"
	"github.com/alanyoungcy/strikekeeper/internal/server/ws"
	"github.com/alanyoungcy/strikekeeper/internal/settlement"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSettlements struct {
	mu       sync.Mutex
	plan     reconcile.Plan
	report   domain.Report
	err      error
	previews []int64
	settles  []int64
}

func (f *fakeSettlements) Preview(_ context.Context, id int64) (reconcile.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, id)
	return f.plan, f.err
}

func (f *fakeSettlements) Settle(_ context.Context, id int64, _ settlement.ProgressFunc) (domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles = append(f.settles, id)
	return f.report, f.err
}

type fakeHistory struct {
	pages []int
}

func (f *fakeHistory) History(_ context.Context, id int64, page int) (reconcile.HistoryPage, error) {
	f.pages = append(f.pages, page)
	return reconcile.HistoryPage{Page: page, TotalPages: 3, PageSize: 5}, nil
}

type fakeAudit struct {
	opts    domain.ListOpts
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	settlements *fakeSettlements
	history     *fakeHistory
	audit       *fakeAudit
	bus         *memory.Bus
	handler     http.Handler
}

func newFixture(t *testing.T, cfg server.Config, checks map[string]handler.Pinger) *fixture {
	t.Helper()
	f := &fixture{
		settlements: &fakeSettlements{},
		history:     &fakeHistory{},
		audit:       &fakeAudit{},
		bus:         memory.NewBus(),
	}
	f.handler = server.NewHandler(cfg, server.Handlers{
		Health:  handler.NewHealthHandler(checks, discard()),
		Users:   handler.NewUserHandler(f.settlements, f.history, discard()),
		Reports: handler.NewReportHandler(f.bus, f.audit, discard()),
	}, nil, discard())
	return f
}

func (f *fixture) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, server.Config{APIKey: "secret"}, map[string]handler.Pinger{"ledger": pinger{}})
	rec := f.do(http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"ledger": "ok"}, body["components"])
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = f.do(http.MethodGet, "/api/health", http.Header{"X-Request-Id": {"bot-123"}})
	assert.Equal(t, "bot-123", rec.Header().Get("X-Request-ID"))

	f = newFixture(t, server.Config{}, map[string]handler.Pinger{"redis": pinger{err: errors.New("down")}})
	rec = f.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, server.Config{APIKey: "secret"}, nil)

	rec := f.do(http.MethodGet, "/api/users/7/positions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/users/7/positions", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/users/7/positions", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/users/7/positions", http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPositions(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	market := chaintest.Addr(1)
	f.settlements.plan = reconcile.Plan{
		User:  domain.User{ID: 7, Wallet: chaintest.Addr(99)},
		Items: []domain.PlanItem{{Market: market, FeedLabel: "BTC/USD", Action: domain.ActionClaim}},
	}

	rec := f.do(http.MethodGet, "/api/users/7/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	items := body["plan"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "claim", items[0].(map[string]any)["action"])
	assert.Equal(t, []int64{7}, f.settlements.previews)

	rec = f.do(http.MethodGet, "/api/users/abc/positions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.settlements.err = fmt.Errorf("settlement: get user 8: %w", domain.ErrNotFound)
	rec = f.do(http.MethodGet, "/api/users/8/positions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryPageParam(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)

	for _, q := range []string{"?page=2", "?page=abc", "", "?page=0"} {
		rec := f.do(http.MethodGet, "/api/users/7/history"+q, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, []int{2, 1, 1, 1}, f.history.pages)
}

func TestSettle(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	f.settlements.report = domain.Report{RunID: "run-1", UserID: 7}

	rec := f.do(http.MethodPost, "/api/users/7/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"Nothing to claim or refund."}, body["lines"])
	assert.Equal(t, "run-1", body["report"].(map[string]any)["run_id"])

	f.settlements.err = domain.ErrSettlementInProgress
	rec = f.do(http.MethodPost, "/api/users/7/settle", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.settlements.err = fmt.Errorf("settlement: %w", domain.ErrNoSigner)
	rec = f.do(http.MethodPost, "/api/users/7/settle", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(http.MethodGet, "/api/users/7/settle", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecentReports(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		payload, err := json.Marshal(domain.Report{RunID: id, Attempted: 1})
		require.NoError(t, err)
		require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamSettlements, payload))
	}
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamSettlements, []byte("not json")))

	rec := f.do(http.MethodGet, "/api/reports/recent?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Reports []domain.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Reports, 2)
	assert.Equal(t, "b", body.Reports[0].RunID)
	assert.Equal(t, "c", body.Reports[1].RunID)
}

func TestAudit(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	f.audit.entries = []domain.AuditEntry{{ID: 2, Event: domain.AuditSweepCompleted}}

	rec := f.do(http.MethodGet, "/api/audit?event=sweep_completed&limit=900&since=2026-03-01T00:00:00Z&until=bad", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "sweep_completed", entries[0].(map[string]any)["event"])

	assert.Equal(t, "sweep_completed", f.audit.opts.Event)
	assert.Equal(t, 500, f.audit.opts.Limit)
	require.NotNil(t, f.audit.opts.Since)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.audit.opts.Since.UTC())
	assert.Nil(t, f.audit.opts.Until)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, server.Config{RateLimitRPS: 0.01, RateBurst: 1}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/api/health", nil).Code)

	other := f.do(http.MethodGet, "/api/health", http.Header{"X-Forwarded-For": {"198.51.100.9"}})
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, server.Config{CORSOrigins: []string{"https://ops.example"}, APIKey: "secret"}, nil)

	rec := f.do(http.MethodOptions, "/api/users/7/settle", http.Header{"Origin": {"https://ops.example"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodOptions, "/api/users/7/settle", http.Header{"Origin": {"https://evil.example"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRelay(t *testing.T) {
	bus := memory.NewBus()
	hub := ws.NewHub(bus, discard(), ws.Config{Mode: "full"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	f := newFixture(t, server.Config{}, nil)
	h := server.NewHandler(server.Config{APIKey: "secret"}, server.Handlers{
		Health: handler.NewHealthHandler(nil, discard()),
		Users:  handler.NewUserHandler(f.settlements, f.history, discard()),
	}, hub, discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status ws.Envelope
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "hub", status.Channel)

	require.NoError(t, bus.Publish(ctx, domain.ChannelKeeper, []byte(`{"type":"market_created"}`)))

	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelKeeper, env.Channel)
	assert.JSONEq(t, `{"type":"market_created"}`, string(env.Event))

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err, "upgrade without token must be rejected")
}

func TestWebSocketSubscriptionAck(t *testing.T) {
	bus := memory.NewBus()
	hub := ws.NewHub(bus, discard(), ws.Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(server.NewHandler(server.Config{}, server.Handlers{
		Health: handler.NewHealthHandler(nil, discard()),
	}, hub, discard()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status ws.Envelope
	require.NoError(t, conn.ReadJSON(&status))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "unsubscribe",
		"channels": []string{domain.ChannelKeeper, "bogus"},
	}))

	var ack ws.Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "hub", ack.Channel)

	var ev struct {
		Type string `json:"type"`
		Data struct {
			Channels []string `json:"channels"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ack.Event, &ev))
	assert.Equal(t, "subscriptions", ev.Type)
	assert.Equal(t, []string{domain.ChannelSettlement}, ev.Data.Channels)
}

func TestWebSocketShutdownClosesClients(t *testing.T) {
	hub := ws.NewHub(memory.NewBus(), discard(), ws.Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(server.NewHandler(server.Config{}, server.Handlers{
		Health: handler.NewHealthHandler(nil, discard()),
	}, hub, discard()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status ws.Envelope
	require.NoError(t, conn.ReadJSON(&status))

	cancel()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
