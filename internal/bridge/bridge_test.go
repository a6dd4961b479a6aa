package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/bridge"
	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/checkout"
	"github.com/noah-isme/park-checkout/internal/dispatch"
	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/poller"
)

type harness struct {
	srv    *httptest.Server
	store  *bridge.Store
	polled atomic.Int32
	auth   atomic.Value
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}

	park := chi.NewRouter()
	park.Post("/api/ticket/preorder", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"link":"https://pay.example/session/42"}`)
	})
	park.Post("/api/card/pay", func(w http.ResponseWriter, r *http.Request) {
		h.auth.Store(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"link":"https://pay.example/topup/1"}`)
	})
	park.Get("/api/ticket/payment/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		status := "pending"
		if h.polled.Add(1) >= 2 {
			status = "success"
		}
		_, _ = io.WriteString(w, `{"status":"`+status+`"}`)
	})
	parkSrv := httptest.NewServer(park)
	t.Cleanup(parkSrv.Close)

	logger := zerolog.Nop()
	svc := &checkout.Service{
		API:      parkapi.NewClient(parkapi.Options{BaseURL: parkSrv.URL, MaxAttempts: 1, Logger: logger}),
		Registry: bank.DefaultRegistry(),
		Poll:     poller.Config{Interval: 10 * time.Millisecond, MaxAttempts: 20},
		Logger:   logger,
	}
	h.store = bridge.NewStore(time.Minute, logger)
	server := &bridge.Server{
		Checkout:     svc,
		Store:        h.store,
		Hub:          bridge.NewHub(logger),
		ReplyTimeout: 2 * time.Second,
		Logger:       logger,
	}
	h.srv = httptest.NewServer(bridge.NewRouter(server, bridge.RouterOptions{Logger: logger}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) createSession(t *testing.T, platform string) map[string]string {
	t.Helper()
	ticketData, err := checkout.EncodeTicketData(parkapi.TicketOrder{
		Phone:     "79001234567",
		VisitDate: "2026-11-01",
		Tickets:   []parkapi.TicketLine{{TariffID: "adult", Quantity: 1, Price: decimal.NewFromInt(900)}},
	})
	require.NoError(t, err)
	resp := h.post(t, "/v1/checkout/sessions", map[string]string{
		"platform":    platform,
		"signatureId": "1842",
		"ticketData":  ticketData,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *harness) dial(t *testing.T, streamPath string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + streamPath
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) bridge.Directive {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var d bridge.Directive
	require.NoError(t, conn.ReadJSON(&d))
	return d
}

func TestAndroidBankHandOffThroughBridge(t *testing.T) {
	h := newHarness(t)
	created := h.createSession(t, "android")
	require.Equal(t, "https://pay.example/session/42", created["url"])
	require.Contains(t, created["script"], browser.HostChannel)

	conn := h.dial(t, created["streamPath"])
	first := read(t, conn)
	require.Equal(t, bridge.DirectiveNavigate, first.Type)
	require.Equal(t, navigation.ScreenPaymentWeb, first.Screen)
	require.Equal(t, "https://pay.example/session/42", first.Params.URL)
	require.Equal(t, "1842", first.Params.SignatureID)

	decisions := make(chan map[string]any, 1)
	go func() {
		raw, _ := json.Marshal(browser.Event{Kind: browser.EventNavigation, URL: "tinkoff://pay?transaction_id=99"})
		resp, err := http.Post(h.srv.URL+"/v1/sessions/"+created["sessionId"]+"/events", "application/json", bytes.NewReader(raw))
		if err != nil {
			decisions <- nil
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		decisions <- out
	}()

	launch := read(t, conn)
	require.Equal(t, bridge.DirectiveLaunchIntent, launch.Type)
	require.Equal(t, "com.idamob.tinkoff.android", launch.Intent.Package)
	require.Equal(t, bank.IntentActionView, launch.Intent.Action)
	resp := h.post(t, "/v1/sessions/"+created["sessionId"]+"/replies/"+launch.RequestID, bridge.Reply{OK: true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case out := <-decisions:
		require.Equal(t, "block", out["decision"])
	case <-time.After(3 * time.Second):
		t.Fatal("event request did not complete")
	}

	processing := read(t, conn)
	require.Equal(t, navigation.ScreenProcessing, processing.Screen)
	require.Equal(t, navigation.Params{BankName: "Tinkoff", PaymentID: "99"}, *processing.Params)

	success := read(t, conn)
	require.Equal(t, navigation.ScreenSuccess, success.Screen)
	require.Equal(t, "99", success.Params.PaymentID)
	require.EqualValues(t, 2, h.polled.Load())
}

func TestIOSMissingAppOverWebsocket(t *testing.T) {
	h := newHarness(t)
	created := h.createSession(t, "ios")
	conn := h.dial(t, created["streamPath"])
	require.Equal(t, navigation.ScreenPaymentWeb, read(t, conn).Screen)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "event",
		"requestId": "ev-1",
		"event":     browser.Event{Kind: browser.EventNavigation, URL: "vtb://pay?transaction_id=5"},
	}))

	canOpen := read(t, conn)
	require.Equal(t, bridge.DirectiveCanOpenURL, canOpen.Type)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "reply", "requestId": canOpen.RequestID, "reply": bridge.Reply{OK: false}}))

	alert := read(t, conn)
	require.Equal(t, bridge.DirectiveAlert, alert.Type)
	require.Equal(t, []dispatch.Choice{dispatch.ChoiceOpenBrowser, dispatch.ChoiceCancel}, alert.Alert.Choices)
	require.Contains(t, alert.Alert.Message, "Vtb")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "reply", "requestId": alert.RequestID, "reply": bridge.Reply{Choice: dispatch.ChoiceCancel}}))

	decision := read(t, conn)
	require.Equal(t, bridge.DirectiveDecision, decision.Type)
	require.Equal(t, "ev-1", decision.RequestID)
	require.Equal(t, browser.Block, decision.Decision)

	resp, err := http.Get(h.srv.URL + "/v1/sessions/" + created["sessionId"])
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap checkout.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.False(t, snap.Done)
	require.Equal(t, navigation.ScreenPaymentWeb, snap.Screen)
}

func TestCancelSession(t *testing.T) {
	h := newHarness(t)
	created := h.createSession(t, "android")
	require.Equal(t, 1, h.store.Len())

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/v1/sessions/"+created["sessionId"], nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out["cancelled"])
	require.Zero(t, h.store.Len())

	resp2 := h.post(t, "/v1/sessions/"+created["sessionId"]+"/events", browser.Event{Kind: browser.EventReload})
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestCancelReleasesPendingShellPrompt(t *testing.T) {
	h := newHarness(t)
	created := h.createSession(t, "ios")
	conn := h.dial(t, created["streamPath"])
	require.Equal(t, navigation.ScreenPaymentWeb, read(t, conn).Screen)

	decisions := make(chan map[string]any, 1)
	go func() {
		raw, _ := json.Marshal(browser.Event{Kind: browser.EventNavigation, URL: "tinkoff://pay?transaction_id=99"})
		resp, err := http.Post(h.srv.URL+"/v1/sessions/"+created["sessionId"]+"/events", "application/json", bytes.NewReader(raw))
		if err != nil {
			decisions <- nil
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		decisions <- out
	}()

	// the shell never answers
	require.Equal(t, bridge.DirectiveCanOpenURL, read(t, conn).Type)

	start := time.Now()
	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/v1/sessions/"+created["sessionId"], nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Less(t, time.Since(start), time.Second, "cancel must not wait for the reply timeout")

	select {
	case out := <-decisions:
		require.Equal(t, "block", out["decision"])
	case <-time.After(time.Second):
		t.Fatal("pending event was not released")
	}

	var seen []bridge.Directive
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		var d bridge.Directive
		if err := conn.ReadJSON(&d); err != nil {
			break
		}
		seen = append(seen, d)
	}
	require.Len(t, seen, 1)
	require.Equal(t, bridge.DirectiveNavigate, seen[0].Type)
	require.Equal(t, navigation.ScreenTicketPurchase, seen[0].Screen)
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/v1/checkout/sessions", map[string]string{"platform": "symbian", "ticketData": "{}"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = h.post(t, "/v1/checkout/sessions", map[string]string{"platform": "android", "ticketData": "{broken"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = h.post(t, "/v1/checkout/sessions", map[string]string{"platform": "android", "ticketData": `{"tickets":[]}`})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "VALIDATION_FAILED", body.Error.Code)
}

func TestTopUpOpensSession(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/v1/cards/topup", map[string]any{"platform": "android", "amount": "1500"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "https://pay.example/topup/1", out["url"])
	require.NotEmpty(t, out["sessionId"])
}

func TestBearerTokenReachesParkAPI(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/cards/topup", strings.NewReader(`{"platform":"ios","amount":"250.50"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer user-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "Bearer user-token", h.auth.Load())
}

func TestEventValidation(t *testing.T) {
	h := newHarness(t)
	created := h.createSession(t, "android")

	resp := h.post(t, "/v1/sessions/"+created["sessionId"]+"/events", map[string]string{"kind": "teleport"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = h.post(t, "/v1/sessions/"+created["sessionId"]+"/replies/nope", bridge.Reply{OK: true})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.post(t, "/v1/sessions/unknown/events", browser.Event{Kind: browser.EventReload})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoteReplyTimeout(t *testing.T) {
	hub := bridge.NewHub(zerolog.Nop())
	remote := bridge.NewRemote("s1", hub, 20*time.Millisecond, zerolog.Nop())

	err := remote.StartActivity(context.Background(), dispatch.Intent{Package: "ru.vtb24.mobilebanking.android"})
	require.ErrorIs(t, err, bridge.ErrReplyTimeout)
	require.Zero(t, remote.Pending())
	require.ErrorIs(t, remote.Resolve("missing", bridge.Reply{}), bridge.ErrUnknownRequest)
}

func TestRemoteCancelPending(t *testing.T) {
	hub := bridge.NewHub(zerolog.Nop())
	remote := bridge.NewRemote("s-closed", hub, time.Minute, zerolog.Nop())

	errs := make(chan error, 1)
	go func() {
		_, err := remote.CanOpenURL(context.Background(), "vtb://pay")
		errs <- err
	}()
	require.Eventually(t, func() bool { return remote.Pending() == 1 }, time.Second, time.Millisecond)

	remote.CancelPending()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, bridge.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not released")
	}

	_, err := remote.Alert(context.Background(), dispatch.Alert{Title: "x"})
	require.ErrorIs(t, err, bridge.ErrSessionClosed)
	remote.CancelPending()
}

func TestRemoteHonoursContext(t *testing.T) {
	hub := bridge.NewHub(zerolog.Nop())
	remote := bridge.NewRemote("s1", hub, time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := remote.CanOpenURL(ctx, "vtb://pay")
	require.ErrorIs(t, err, context.Canceled)
}
