// Package httpapi implements the thin CRUD surface around the
// Session Registry: watchlist, alert, and paper-trade management
// endpoints, plus session verify/logout, using a plain
// net/http.ServeMux handler style with no router dependency.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/broker"
	apperrors "github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/errors"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/logging"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/models"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/session"
)

// Server wires the Session Registry to a plain *http.ServeMux.
type Server struct {
	registry *session.Registry
	logger   zerolog.Logger
}

// NewServer builds the HTTP CRUD surface over a Session Registry.
func NewServer(registry *session.Registry, logger zerolog.Logger) *Server {
	return &Server{registry: registry, logger: logger}
}

// Routes registers every endpoint on mux, each wrapped with a
// request-scoped logger so handler error paths can log without
// threading the logger through every function signature.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/watchlist", s.withLogger(s.addToWatchlist))
	mux.HandleFunc("DELETE /api/watchlist", s.withLogger(s.removeFromWatchlist))
	mux.HandleFunc("POST /api/watchlist/reference-date", s.withLogger(s.setReferenceDate))

	mux.HandleFunc("POST /api/alerts", s.withLogger(s.createAlert))
	mux.HandleFunc("POST /api/alerts/auto", s.withLogger(s.generateAutoAlerts))
	mux.HandleFunc("DELETE /api/alerts/{id}", s.withLogger(s.deleteAlert))
	mux.HandleFunc("DELETE /api/alerts", s.withLogger(s.deleteAlerts))
	mux.HandleFunc("POST /api/alerts/clear", s.withLogger(s.clearAlerts))
	mux.HandleFunc("POST /api/alerts/pause", s.withLogger(s.pauseAlerts))

	mux.HandleFunc("POST /api/paper/enabled", s.withLogger(s.setPaperEnabled))
	mux.HandleFunc("POST /api/paper/balance", s.withLogger(s.setVirtualBalance))
	mux.HandleFunc("POST /api/paper/trades/{id}/stop-loss", s.withLogger(s.setStopLoss))
	mux.HandleFunc("POST /api/paper/trades/{id}/target", s.withLogger(s.setTarget))
	mux.HandleFunc("POST /api/paper/trades/{id}/close", s.withLogger(s.closeTrade))

	mux.HandleFunc("GET /api/session/verify", s.withLogger(s.verifySession))
	mux.HandleFunc("DELETE /api/session", s.withLogger(s.deleteSession))
	mux.HandleFunc("GET /api/health", s.health)
}

// withLogger attaches the server's logger to the request context so
// writeError can log the failure with the request already scoped.
func (s *Server) withLogger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(logging.WithLogger(r.Context(), s.logger)))
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type watchlistRequest struct {
	UserID   string          `json:"user_id"`
	Exchange models.Exchange `json:"exchange"`
	Token    uint32          `json:"token"`
	Symbol   string          `json:"symbol"`
}

func (s *Server) addToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	instrument := models.Instrument{Exchange: req.Exchange, Token: req.Token, Symbol: req.Symbol}
	result, err := sess.Submit(r.Context(), &session.AddToWatchlistCmd{Instrument: instrument})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) removeFromWatchlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string          `json:"user_id"`
		Exchange models.Exchange `json:"exchange"`
		Token    uint32          `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	key := models.InstrumentKey{Exchange: req.Exchange, Token: req.Token}
	if _, err := sess.Submit(r.Context(), &session.RemoveFromWatchlistCmd{Key: key}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) setReferenceDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string    `json:"user_id"`
		Date   time.Time `json:"date"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := sess.Submit(r.Context(), &session.SetReferenceDateCmd{Date: req.Date}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type alertRequest struct {
	UserID    string                `json:"user_id"`
	Exchange  models.Exchange       `json:"exchange"`
	Token     uint32                `json:"token"`
	Symbol    string                `json:"symbol"`
	Condition models.AlertCondition `json:"condition"`
	Price     float64               `json:"price"`
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	instrument := models.Instrument{Exchange: req.Exchange, Token: req.Token, Symbol: req.Symbol}
	result, err := sess.Submit(r.Context(), &session.CreateAlertCmd{
		Instrument: instrument,
		Condition:  req.Condition,
		Price:      req.Price,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) generateAutoAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string          `json:"user_id"`
		Exchange models.Exchange `json:"exchange"`
		Token    uint32          `json:"token"`
		Symbol   string          `json:"symbol"`
		PDO      float64         `json:"pdo"`
		PDH      float64         `json:"pdh"`
		PDL      float64         `json:"pdl"`
		PDC      float64         `json:"pdc"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	instrument := models.Instrument{
		Exchange: req.Exchange, Token: req.Token, Symbol: req.Symbol,
		PDO: req.PDO, PDH: req.PDH, PDL: req.PDL, PDC: req.PDC,
	}
	result, err := sess.Submit(r.Context(), &session.GenerateAutoAlertsCmd{Instrument: instrument})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteAlert(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	id := r.PathValue("id")
	sess, err := s.sessionFor(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := sess.Submit(r.Context(), &session.DeleteAlertCmd{AlertID: id}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) deleteAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string   `json:"user_id"`
		AlertIDs []string `json:"alert_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	result, err := sess.Submit(r.Context(), &session.DeleteAlertsCmd{AlertIDs: req.AlertIDs})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": result})
}

func (s *Server) clearAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string          `json:"user_id"`
		Exchange   models.Exchange `json:"exchange"`
		Token      uint32          `json:"token"`
		ScopeToKey bool            `json:"scope_to_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	cmd := &session.ClearAlertsCmd{ScopeToKey: req.ScopeToKey}
	if req.ScopeToKey {
		cmd.Key = models.InstrumentKey{Exchange: req.Exchange, Token: req.Token}
	}
	if _, err := sess.Submit(r.Context(), cmd); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) pauseAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Paused bool   `json:"paused"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := sess.Submit(r.Context(), &session.PauseAlertsCmd{Paused: req.Paused}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) setPaperEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Enabled bool   `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := sess.Submit(r.Context(), &session.SetPaperEnabledCmd{Enabled: req.Enabled}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) setVirtualBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string  `json:"user_id"`
		Balance float64 `json:"balance"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if _, err := sess.Submit(r.Context(), &session.SetVirtualBalanceCmd{Balance: req.Balance}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) setStopLoss(w http.ResponseWriter, r *http.Request) {
	s.setLevel(w, r, func(tradeID string, level *float64) session.Command {
		return &session.SetStopLossCmd{TradeID: tradeID, StopLoss: level}
	})
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	s.setLevel(w, r, func(tradeID string, level *float64) session.Command {
		return &session.SetTargetCmd{TradeID: tradeID, Target: level}
	})
}

func (s *Server) setLevel(w http.ResponseWriter, r *http.Request, build func(tradeID string, level *float64) session.Command) {
	var req struct {
		UserID string   `json:"user_id"`
		Level  *float64 `json:"level"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	tradeID := r.PathValue("id")
	if _, err := sess.Submit(r.Context(), build(tradeID, req.Level)); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) closeTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string   `json:"user_id"`
		ClosePrice *float64 `json:"close_price"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessionFor(r.Context(), req.UserID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	tradeID := r.PathValue("id")
	if _, err := sess.Submit(r.Context(), &session.CloseTradeCmd{TradeID: tradeID, ClosePrice: req.ClosePrice}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type verifySessionResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// verifySession resolves (rehydrating if needed, same as the websocket
// upgrade path) the live Session for a user_id and echoes back its
// session_id, so a caller holding only a user_id can recover the
// session_id it needs for a warm /stream/{session_id} reconnect.
func (s *Server) verifySession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sess, err := s.sessionFor(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifySessionResponse{SessionID: sess.SessionID(), UserID: sess.UserID()})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(r.Context(), w, apperrors.ErrUserNotFound)
		return
	}
	if err := s.registry.Forget(r.Context(), userID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) sessionFor(ctx context.Context, userID string) (*session.Session, error) {
	if userID == "" {
		return nil, apperrors.ErrUserNotFound
	}
	return s.registry.GetOrCreate(ctx, userID, broker.Credentials{})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrUserNotFound), apperrors.Is(err, apperrors.ErrSessionNotFound), apperrors.Is(err, apperrors.ErrAlertNotFound), apperrors.Is(err, apperrors.ErrTradeNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrDuplicateWatchlist), apperrors.Is(err, apperrors.ErrDuplicateOpenTrade), apperrors.Is(err, apperrors.ErrInsufficientBalance):
		status = http.StatusConflict
	case apperrors.Is(err, apperrors.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		l := logging.FromContext(ctx)
		l.Warn().Err(err).Msg("request failed")
	}
	writeJSON(w, status, models.NewServerMessage(models.MsgError, models.ErrorPayload{Code: strconv.Itoa(status), Detail: err.Error()}))
}
