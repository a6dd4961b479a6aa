package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/checkout"
	"github.com/noah-isme/park-checkout/internal/common"
	"github.com/noah-isme/park-checkout/internal/dispatch"
	"github.com/noah-isme/park-checkout/internal/navigation"
)

const streamReadLimit = 64 << 10

// Server implements the bridge endpoints.
type Server struct {
	Checkout     *checkout.Service
	Store        *Store
	Hub          *Hub
	ReplyTimeout time.Duration
	Upgrader     websocket.Upgrader
	Logger       zerolog.Logger
}

type codeRequest struct {
	Phone string `json:"phone"`
}

type verifyRequest struct {
	SignatureID string `json:"signatureId"`
	Code        string `json:"code"`
}

type sessionRequest struct {
	Platform    string `json:"platform"`
	SignatureID string `json:"signatureId"`
	TicketData  string `json:"ticketData"`
}

type topUpRequest struct {
	Platform string          `json:"platform"`
	Amount   decimal.Decimal `json:"amount"`
}

type sessionResponse struct {
	SessionID   string `json:"sessionId"`
	URL         string `json:"url"`
	Script      string `json:"script"`
	HostChannel string `json:"hostChannel"`
	StreamPath  string `json:"streamPath"`
}

// RequestCode handles POST /v1/checkout/code.
func (s *Server) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.Checkout.RequestCode(r.Context(), req.Phone)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"signatureId": id})
}

// VerifyCode handles POST /v1/checkout/code/verify.
func (s *Server) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := s.Checkout.VerifyCode(r.Context(), req.SignatureID, req.Code)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

// CreateSession handles POST /v1/checkout/sessions: preorder the tickets and
// open a payment session on the returned link.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	platform, err := dispatch.ParsePlatform(req.Platform)
	if err != nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "platform must be android or ios", nil)
		return
	}
	order := checkout.DecodeTicketData(req.TicketData, s.Logger)
	if order == nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "ticketData is empty or malformed", nil)
		return
	}
	if order.SignatureID == "" {
		order.SignatureID = strings.TrimSpace(req.SignatureID)
	}
	link, err := s.Checkout.Preorder(r.Context(), *order, r.Header.Get(common.IdempotencyHeader))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	params := navigation.Params{SignatureID: order.SignatureID, TicketData: req.TicketData}
	entry := s.open(r.Context(), checkout.KindTicket, platform, link, params)
	common.JSON(w, http.StatusCreated, s.sessionResponse(entry, link))
}

// TopUp handles POST /v1/cards/topup.
func (s *Server) TopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if !decode(w, r, &req) {
		return
	}
	platform, err := dispatch.ParsePlatform(req.Platform)
	if err != nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "platform must be android or ios", nil)
		return
	}
	link, err := s.Checkout.TopUp(r.Context(), req.Amount, r.Header.Get(common.IdempotencyHeader))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	entry := s.open(r.Context(), checkout.KindTopUp, platform, link, navigation.Params{})
	common.JSON(w, http.StatusCreated, s.sessionResponse(entry, link))
}

func (s *Server) open(ctx context.Context, kind checkout.Kind, platform dispatch.Platform, link string, params navigation.Params) *Entry {
	id := uuid.NewString()
	logger := s.Logger.With().Str("session_id", id).Str("platform", string(platform)).Logger()
	remote := NewRemote(id, s.Hub, s.ReplyTimeout, logger)
	dispatcher := &dispatch.Dispatcher{
		Registry: s.Checkout.Registry,
		Platform: platform,
		Launcher: remote,
		Opener:   remote,
		Alerter:  remote,
		Logger:   logger,
	}
	sess := s.Checkout.NewSession(ctx, kind, link, params, checkout.SessionDeps{
		ID:        id,
		Opener:    dispatcher,
		View:      remote,
		Navigator: remote,
	})
	entry := &Entry{Session: sess, Remote: remote}
	s.Store.Put(entry)
	return entry
}

func (s *Server) sessionResponse(e *Entry, link string) sessionResponse {
	return sessionResponse{
		SessionID:   e.Session.ID,
		URL:         link,
		Script:      e.Session.Script,
		HostChannel: browser.HostChannel,
		StreamPath:  "/v1/sessions/" + e.Session.ID + "/stream",
	}
}

// GetSession handles GET /v1/sessions/{sessionID}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, e.Session.Snapshot())
}

// Event handles POST /v1/sessions/{sessionID}/events.
func (s *Server) Event(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var ev browser.Event
	if !decode(w, r, &ev) {
		return
	}
	if !validEvent(ev.Kind) {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "unknown event kind", nil)
		return
	}
	decision := e.Session.Handle(r.Context(), ev)
	common.JSON(w, http.StatusOK, map[string]any{"decision": decision, "done": e.Session.Snapshot().Done})
}

// Reply handles POST /v1/sessions/{sessionID}/replies/{requestID}.
func (s *Server) Reply(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var reply Reply
	if !decode(w, r, &reply) {
		return
	}
	if err := e.Remote.Resolve(chi.URLParam(r, "requestID"), reply); err != nil {
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_REQUEST", "no directive is waiting for this reply", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles DELETE /v1/sessions/{sessionID}: the user left the payment.
func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	e, err := s.Store.Delete(id)
	if err != nil {
		writeError(w, err)
		return
	}
	e.Remote.CancelPending()
	cancelled := e.Session.Cancel(r.Context())
	s.Hub.Close(id)
	s.Logger.Info().Str("session_id", id).Bool("cancelled", cancelled).Msg("session_cancelled")
	common.JSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// Stream handles GET /v1/sessions/{sessionID}/stream. Directives flow to the
// shell; replies and browser events flow back. Events are handled on their
// own goroutine, in order, so a directive awaiting a reply on this same
// connection cannot block the reader.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn().Err(err).Str("session_id", id).Msg("stream_upgrade_failed")
		return
	}
	defer func() { _ = conn.Close() }()

	c, err := s.Hub.attach(id, conn)
	defer s.Hub.detach(id, c)
	if err != nil {
		s.Logger.Warn().Err(err).Str("session_id", id).Msg("stream_backlog_flush_failed")
		return
	}
	conn.SetReadLimit(streamReadLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	events := make(chan inbound, 16)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range events {
			decision := e.Session.Handle(ctx, msg.Event)
			if err := c.write(Directive{Type: DirectiveDecision, RequestID: msg.RequestID, Decision: decision, Time: time.Now().UTC()}, s.Hub.writeTimeout()); err != nil {
				s.Logger.Debug().Err(err).Str("session_id", id).Msg("stream_decision_write_failed")
			}
		}
	}()
	defer func() {
		close(events)
		cancel()
		<-workerDone
	}()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Logger.Debug().Err(err).Str("session_id", id).Msg("stream_read_failed")
			}
			return
		}
		switch msg.Type {
		case "reply":
			if err := e.Remote.Resolve(msg.RequestID, msg.Reply); err != nil {
				s.Logger.Debug().Str("request_id", msg.RequestID).Msg("stream_reply_unmatched")
			}
		case "event":
			if !validEvent(msg.Event.Kind) {
				continue
			}
			events <- msg
		case "ping":
			_ = c.write(Directive{Type: DirectivePong, Time: time.Now().UTC()}, s.Hub.writeTimeout())
		default:
			s.Logger.Debug().Str("type", msg.Type).Msg("stream_message_ignored")
		}
	}
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*Entry, bool) {
	e, err := s.Store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return e, true
}

func validEvent(kind browser.EventKind) bool {
	switch kind {
	case browser.EventNavigation, browser.EventScriptMessage, browser.EventLoadError, browser.EventReload, browser.EventCancel:
		return true
	}
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return
	}
	common.WriteError(w, err)
}
