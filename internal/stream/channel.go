// Package stream implements the Downstream Channel Manager: the
// per-connection websocket duplex that fans a Session's server
// messages out to its browser client and relays client pings back,
// generalizing a broadcast-hub fan-out from a single shared topic to
// one bounded queue per connection.
package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
)

// ChannelConfig holds the Downstream Channel Manager's tunables: the
// outbound send queue depth, send deadline, heartbeat cadence, and
// inbound read deadline.
type ChannelConfig struct {
	SendQueue      int
	SendDeadline   time.Duration
	HeartbeatEvery time.Duration
	ReadDeadline   time.Duration
}

// DefaultChannelConfig returns the default Downstream Channel Manager timings.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		SendQueue:      256,
		SendDeadline:   10 * time.Second,
		HeartbeatEvery: 10 * time.Second,
		ReadDeadline:   60 * time.Second,
	}
}

// Channel is one bound websocket connection. It satisfies
// session.ChannelSink, so a Session can push frames without knowing
// anything about gorilla/websocket. A full send queue means a slow
// consumer: the channel closes itself with a policy-violation code
// rather than let the queue grow without bound.
type Channel struct {
	conn   *websocket.Conn
	cfg    ChannelConfig
	logger zerolog.Logger

	outbound chan models.ServerMessage
	closed   chan struct{}

	onClose func()
}

// NewChannel wraps an upgraded websocket connection.
func NewChannel(conn *websocket.Conn, cfg ChannelConfig, logger zerolog.Logger, onClose func()) *Channel {
	return &Channel{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		outbound: make(chan models.ServerMessage, cfg.SendQueue),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
}

// Send enqueues msg for delivery. A full queue is a slow-consumer
// event: the channel tears itself down rather than block the
// Session's command loop, which would stall every other subscriber.
func (c *Channel) Send(msg models.ServerMessage) {
	select {
	case c.outbound <- msg:
	case <-c.closed:
	default:
		c.logger.Warn().Msg("downstream send queue full, closing slow consumer")
		c.closeWithCode(websocket.ClosePolicyViolation, "slow consumer")
	}
}

// Run drives the connection's reader and writer loops until the
// connection closes or ctx is cancelled. It blocks, so callers run it
// in its own goroutine per connection.
func (c *Channel) Run(ctx context.Context, onPing func()) {
	readerDone := make(chan struct{})
	go c.readLoop(onPing, readerDone)

	heartbeat := time.NewTicker(c.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-readerDone:
			return
		case <-heartbeat.C:
			c.writeFrame(models.NewServerMessage(models.MsgHeartbeat, models.HeartbeatPayload{TS: time.Now().UnixMilli()}))
		case msg := <-c.outbound:
			c.writeFrame(msg)
		}
	}
}

func (c *Channel) readLoop(onPing func(), done chan struct{}) {
	defer close(done)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))

		msg, err := models.DecodeClientMessage(raw)
		if err != nil {
			continue
		}
		if msg.Type == models.ClientPing {
			if onPing != nil {
				onPing()
			}
			c.Send(models.NewServerMessage(models.MsgPong, models.PongPayload{TS: time.Now().UnixMilli()}))
		}
	}
}

func (c *Channel) writeFrame(msg models.ServerMessage) {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendDeadline))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Msg("downstream write failed")
		c.closeWithCode(websocket.CloseInternalServerErr, "write failed")
	}
}

func (c *Channel) closeWithCode(code int, reason string) {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (c *Channel) teardown() {
	_ = c.conn.Close()
	if c.onClose != nil {
		c.onClose()
	}
}
