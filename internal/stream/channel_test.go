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
	"github.com/stretchr/testify/require"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// newServerChannel spins up a real websocket connection (httptest
// server + gorilla/websocket client dial) and returns the server-side
// Channel plus the client conn, so Send/teardown can be exercised
// against an actual connection rather than a mock.
func newServerChannel(t *testing.T, cfg ChannelConfig) (*Channel, *websocket.Conn) {
	var serverConn *websocket.Conn
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- c
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the upgrade")
	}

	ch := NewChannel(serverConn, cfg, zerolog.Nop(), nil)
	return ch, clientConn
}

func TestChannel_SendDeliversFrameToClient(t *testing.T) {
	ch, client := newServerChannel(t, DefaultChannelConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx, nil)

	ch.Send(models.NewServerMessage(models.MsgHeartbeat, models.HeartbeatPayload{TS: 1}))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), string(models.MsgHeartbeat))
}

func TestChannel_SendClosesSlowConsumerWhenQueueFull(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.SendQueue = 1
	ch, client := newServerChannel(t, cfg)
	_ = client

	// Never run Run(), so nothing drains c.outbound: the queue fills
	// and the next Send must trip the slow-consumer close path.
	ch.Send(models.NewServerMessage(models.MsgHeartbeat, models.HeartbeatPayload{TS: 1}))
	ch.Send(models.NewServerMessage(models.MsgHeartbeat, models.HeartbeatPayload{TS: 2}))

	select {
	case <-ch.closed:
	case <-time.After(time.Second):
		t.Fatal("expected channel to close itself on a full send queue")
	}
}

func TestChannel_HeartbeatFiresOnSchedule(t *testing.T) {
	cfg := DefaultChannelConfig()
	cfg.HeartbeatEvery = 20 * time.Millisecond
	ch, client := newServerChannel(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx, nil)

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), string(models.MsgHeartbeat))
}
