package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/session"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

type fakeSnapshotStore struct {
	blobs map[string][]byte
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, userID string, blob []byte) error {
	f.blobs[userID] = blob
	return nil
}
func (f *fakeSnapshotStore) LoadSnapshot(ctx context.Context, userID string) ([]byte, error) {
	return f.blobs[userID], nil
}
func (f *fakeSnapshotStore) DeleteSnapshot(ctx context.Context, userID string) error {
	delete(f.blobs, userID)
	return nil
}
func (f *fakeSnapshotStore) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	loc := time.UTC
	clock := clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 915, EndMinute: 930})
	registry := session.NewRegistry(
		session.Config{TTLWarm: time.Minute, TTLCold: time.Minute, CommandQueueSize: 16},
		clock,
		&fakeSnapshotStore{blobs: make(map[string][]byte)},
		nil,
		trading.NewEngine(trading.Config{PerTradeCap: 1, AllowAveraging: true}),
		zerolog.Nop(),
	)
	srv := NewServer(registry, zerolog.Nop())
	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, registry
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := ts.Client().Post(ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPAPI_HealthReturnsOK(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPAPI_AddToWatchlistThenRejectsDuplicate(t *testing.T) {
	ts, _ := newTestServer(t)
	body := map[string]interface{}{"user_id": "u1", "exchange": "NSE", "token": 256265, "symbol": "NIFTY"}

	resp := postJSON(t, ts, "/api/watchlist", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2 := postJSON(t, ts, "/api/watchlist", body)
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestHTTPAPI_MissingUserIDIsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts, "/api/watchlist", map[string]interface{}{"exchange": "NSE", "token": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPAPI_CreateAlertReturnsCreated(t *testing.T) {
	ts, _ := newTestServer(t)
	body := map[string]interface{}{
		"user_id": "u1", "exchange": "NSE", "token": 256265, "symbol": "NIFTY",
		"condition": "ABOVE", "price": 100,
	}
	resp := postJSON(t, ts, "/api/alerts", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHTTPAPI_DeleteSessionRequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/session", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPAPI_DeleteSessionForgetsTheRegistryEntry(t *testing.T) {
	ts, registry := newTestServer(t)
	postJSON(t, ts, "/api/watchlist", map[string]interface{}{"user_id": "u1", "exchange": "NSE", "token": 1})

	sess, err := registry.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)
	sessionID := sess.SessionID()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/session?user_id=u1", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := registry.ByID(sessionID)
	assert.False(t, ok)
}

func TestHTTPAPI_VerifySessionReturnsTheResolvedSessionID(t *testing.T) {
	ts, registry := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/session/verify?user_id=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got verifySessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "u1", got.UserID)
	assert.NotEmpty(t, got.SessionID)

	sess, err := registry.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID(), got.SessionID)
}

func TestHTTPAPI_VerifySessionRequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/api/session/verify")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
