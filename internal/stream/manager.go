package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/session"
)

// Manager upgrades incoming HTTP requests to websocket connections and
// binds each one to its Session, rebinding on reconnect by the
// session_id path segment.
type Manager struct {
	registry *session.Registry
	cfg      ChannelConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewManager builds a Downstream Channel Manager over a Session Registry.
func NewManager(registry *session.Registry, cfg ChannelConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /stream/{session_id}: it upgrades the
// connection, resolves the Session either by an existing session_id
// path segment (warm reconnect) or by a user_id query parameter
// (first connect / cold rehydrate), binds the channel, and blocks for
// the connection's lifetime.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.PathValue("session_id")

	var sess *session.Session
	if sessionID != "" {
		if found, ok := m.registry.ByID(sessionID); ok {
			sess = found
		}
	}
	if sess == nil {
		if userID == "" {
			http.Error(w, "user_id or session_id required", http.StatusBadRequest)
			return
		}
		creds := broker.Credentials{
			APIKey:      r.URL.Query().Get("api_key"),
			AccessToken: r.URL.Query().Get("access_token"),
		}
		got, err := m.registry.GetOrCreate(r.Context(), userID, creds)
		if err != nil {
			http.Error(w, "could not establish session", http.StatusInternalServerError)
			return
		}
		sess = got
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := NewChannel(conn, m.cfg, m.logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, bindErr := sess.Submit(ctx, &session.BindChannelCmd{Channel: ch})
	cancel()
	if bindErr != nil {
		m.logger.Warn().Err(bindErr).Str("session_id", sess.SessionID()).Msg("channel bind rejected")
		_ = conn.Close()
		return
	}

	ch.Run(r.Context(), nil)

	unbindCtx, unbindCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, _ = sess.Submit(unbindCtx, &session.UnbindChannelCmd{Channel: ch})
	unbindCancel()
}
