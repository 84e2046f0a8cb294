package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	clk "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/clock"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/session"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/trading"
)

type noopSnapshotStore struct{}

func (noopSnapshotStore) SaveSnapshot(ctx context.Context, userID string, blob []byte) error {
	return nil
}
func (noopSnapshotStore) LoadSnapshot(ctx context.Context, userID string) ([]byte, error) {
	return nil, nil
}
func (noopSnapshotStore) DeleteSnapshot(ctx context.Context, userID string) error { return nil }
func (noopSnapshotStore) Close() error                                            { return nil }

func newTestManager(t *testing.T) (*httptest.Server, *session.Registry) {
	loc := time.UTC
	clock := clk.NewFakeClock(time.Date(2026, 8, 6, 10, 0, 0, 0, loc), loc, clk.Window{StartMinute: 915, EndMinute: 930})
	registry := session.NewRegistry(
		session.Config{TTLWarm: time.Minute, TTLCold: time.Minute, CommandQueueSize: 16},
		clock, noopSnapshotStore{}, nil,
		trading.NewEngine(trading.Config{PerTradeCap: 1, AllowAveraging: true}),
		zerolog.Nop(),
	)
	mgr := NewManager(registry, DefaultChannelConfig(), zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{session_id}", mgr.ServeHTTP)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, registry
}

func TestManager_ServeHTTPRejectsUnknownSessionIDWithoutUserID(t *testing.T) {
	ts, _ := newTestManager(t)
	resp, err := http.Get(ts.URL + "/stream/new")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManager_ServeHTTPUpgradesAndSendsConnectedFrame(t *testing.T) {
	ts, registry := newTestManager(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/new?user_id=u1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "connected")

	sess, err := registry.GetOrCreate(context.Background(), "u1", broker.Credentials{})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID())
}

func TestManager_ServeHTTPRebindsByExistingSessionID(t *testing.T) {
	ts, registry := newTestManager(t)

	first := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/new?user_id=u2"
	conn1, _, err := websocket.DefaultDialer.Dial(first, nil)
	require.NoError(t, err)
	conn1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn1.ReadMessage()
	require.NoError(t, err)

	sess, err := registry.GetOrCreate(context.Background(), "u2", broker.Credentials{})
	require.NoError(t, err)
	sessionID := sess.SessionID()
	conn1.Close()

	second := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/" + sessionID
	conn2, _, err := websocket.DefaultDialer.Dial(second, nil)
	require.NoError(t, err)
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn2.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), sessionID)
}
