package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/breaker"
	"github.com/trendmill/trendmill/broker"
	"github.com/trendmill/trendmill/db"
	qtest "github.com/trendmill/trendmill/internal/testing"
	"github.com/trendmill/trendmill/trends"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	broker  *broker.Broker
	breaker *breaker.CircuitBreaker
	store   *trends.TrendStore
}

func newTestEnv(t *testing.T, stub *trends.StubExtractor) *testEnv {
	t.Helper()
	database := qtest.CreateTestDB(t)
	require.NoError(t, db.Migrate(database, nil))

	log := zap.NewNop().Sugar()
	b := broker.New(database, broker.Config{Block: 20 * time.Millisecond}, log)
	cb := breaker.New(breaker.Config{}, log)
	store := trends.NewTrendStore(database)

	registry := trends.NewRegistry(
		trends.SourceConfig{Name: "tiktok", URL: "https://example.com/tiktok"},
		trends.SourceConfig{Name: "etsy", URL: "https://example.com/etsy"},
	)
	coordinator := trends.NewCoordinator(registry, stub, cb, store, b,
		trends.CoordinatorConfig{TopK: 5}, log)

	s := New(Config{Port: 0}, coordinator, store, b, log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.hub.Close)

	return &testEnv{server: s, http: srv, broker: b, breaker: cb, store: store}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLiveTrendsEndpoint(t *testing.T) {
	env := newTestEnv(t, &trends.StubExtractor{})
	require.NoError(t, env.store.Append(context.Background(), []trends.RawSignal{
		{Source: "tiktok", Keyword: "funny cat", Category: "animals", EngagementScore: 1500},
		{Source: "twitter", Keyword: "soccer game", Category: "sports", EngagementScore: 900},
	}))

	var body struct {
		Trends map[string][]trends.SignalRecord `json:"trends"`
	}
	status := getJSON(t, env.http.URL+"/api/trends/live", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Trends, 2)
	require.Len(t, body.Trends["animals"], 1)
	assert.Equal(t, "funny cat", body.Trends["animals"][0].Keyword)

	body.Trends = nil
	status = getJSON(t, env.http.URL+"/api/trends/live?category=sports", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Trends, 1)
}

func TestRefreshEndpoint(t *testing.T) {
	stub := &trends.StubExtractor{
		Items: map[string][]trends.RawItem{
			"tiktok": {{Title: "funny cat", Likes: "1.2K"}},
		},
	}
	env := newTestEnv(t, stub)

	resp, err := http.Post(env.http.URL+"/api/trends/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Signals int    `json:"signals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Signals)

	// Signals landed in the store.
	grouped, err := env.store.Live(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, grouped["animals"], 1)
}

func TestRefreshRequiresPost(t *testing.T) {
	env := newTestEnv(t, &trends.StubExtractor{})

	status := getJSON(t, env.http.URL+"/api/trends/refresh", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestScraperStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, &trends.StubExtractor{})
	for i := 0; i < 3; i++ {
		env.breaker.RecordFailure("etsy")
	}

	var body struct {
		Platforms map[string]string `json:"platforms"`
	}
	status := getJSON(t, env.http.URL+"/api/trends/scraper-status", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", body.Platforms["tiktok"])
	assert.Equal(t, "open", body.Platforms["etsy"])
}

func TestPipelinePendingEndpoint(t *testing.T) {
	env := newTestEnv(t, &trends.StubExtractor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.broker.Publish(ctx, broker.StreamTrendSignals, map[string]string{"kw": "dog"})
	require.NoError(t, err)

	// A consumer that never acks leaves the entry pending.
	handled := make(chan struct{}, 1)
	go env.broker.Consume(ctx, broker.StreamTrendSignals, "trend", "c1", func(context.Context, *broker.Message) error {
		select {
		case handled <- struct{}{}:
		default:
		}
		return assert.AnError
	})
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never ran")
	}
	cancel()

	var body struct {
		Pending map[string]int `json:"pending"`
	}
	status := getJSON(t, env.http.URL+"/api/pipeline/pending", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, body.Pending[broker.StreamTrendSignals+"/trend"])
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	env := newTestEnv(t, &trends.StubExtractor{})

	var health map[string]string
	status := getJSON(t, env.http.URL+"/api/health", &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health["status"])

	var info struct {
		Version string `json:"version"`
	}
	status = getJSON(t, env.http.URL+"/api/version", &info)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, info.Version)
}

func TestWebSocketReceivesRefreshedSignals(t *testing.T) {
	stub := &trends.StubExtractor{
		Items: map[string][]trends.RawItem{
			"tiktok": {{Title: "funny cat", Likes: "1.2K"}},
		},
	}
	env := newTestEnv(t, stub)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/signals"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscriber to register before refreshing.
	require.Eventually(t, func() bool {
		return env.server.Hub().Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(env.http.URL+"/api/trends/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg SignalsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "signals", msg.Type)
	require.Len(t, msg.Signals, 1)
	assert.Equal(t, "funny cat", msg.Signals[0].Keyword)
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewSignalHub(nil, zap.NewNop().Sugar())

	sent := hub.Broadcast([]trends.RawSignal{{Keyword: "dog"}})
	assert.Zero(t, sent)
	assert.Zero(t, hub.Broadcast(nil))
}
