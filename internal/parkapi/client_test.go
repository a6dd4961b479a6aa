package parkapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/resilience"
)

func newServer(t *testing.T, routes func(r chi.Router)) *parkapi.Client {
	t.Helper()
	r := chi.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return parkapi.NewClient(parkapi.Options{
		BaseURL:     srv.URL + "/",
		Tokens:      parkapi.StaticToken("tok"),
		Timeout:     time.Second,
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
		Logger:      zerolog.Nop(),
	})
}

func TestRequestSignatureAcceptsNumericID(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/api/ticket/signature", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "79001234567", body["phone"])
			_, _ = io.WriteString(w, `{"signature":{"id":1842}}`)
		})
	})

	id, err := client.RequestSignature(context.Background(), " 79001234567 ")
	require.NoError(t, err)
	require.Equal(t, "1842", id)
}

func TestCheckSignature(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/api/ticket/signatureCheck", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, _ = io.WriteString(w, `{"signature":`+boolJSON(body["code"] == "1234")+`}`)
		})
	})

	ok, err := client.CheckSignature(context.Background(), "1842", "1234")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.CheckSignature(context.Background(), "1842", "0000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPreorderReturnsLink(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/api/ticket/preorder", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))
			var order parkapi.TicketOrder
			require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
			require.Equal(t, "1500", order.Total().String())
			_, _ = io.WriteString(w, `{"link":"https://pay.example/session/42"}`)
		})
	})

	link, err := client.Preorder(context.Background(), parkapi.TicketOrder{
		SignatureID: "1842",
		Phone:       "79001234567",
		VisitDate:   "2026-11-01",
		Tickets: []parkapi.TicketLine{
			{TariffID: "child", Quantity: 2, Price: decimal.RequireFromString("500")},
			{TariffID: "adult", Quantity: 1, Price: decimal.RequireFromString("500.00")},
		},
	}, "order-1")
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/session/42", link)
}

func TestPreorderMissingLink(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/api/ticket/preorder", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"link":""}`)
		})
	})

	_, err := client.Preorder(context.Background(), parkapi.TicketOrder{}, "")
	require.True(t, errors.Is(err, parkapi.ErrMalformedResponse))
}

func TestPaymentStatus(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Get("/api/ticket/payment/status/{id}", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "abc", chi.URLParam(r, "id"))
			_, _ = io.WriteString(w, `{"status":"pending"}`)
		})
	})

	status, err := client.PaymentStatus(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "pending", status)
}

func TestAPIErrorMapping(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Get("/api/card", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"card not found"}`)
		})
		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	})

	_, err := client.GetCard(context.Background())
	require.True(t, errors.Is(err, parkapi.ErrNotFound))
	require.True(t, errors.Is(err, parkapi.ErrUnexpectedStatus))
	var apiErr *parkapi.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "card not found", apiErr.Message)

	_, err = client.Version(context.Background())
	require.True(t, errors.Is(err, parkapi.ErrUnauthorized))
}

func TestTopUpCardSendsDecimalAmount(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Post("/api/card/pay", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Amount decimal.Decimal `json:"amount"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.True(t, body.Amount.Equal(decimal.RequireFromString("1000.50")))
			_, _ = io.WriteString(w, `{"link":"https://pay.example/topup/9"}`)
		})
	})

	link, err := client.TopUpCard(context.Background(), decimal.RequireFromString("1000.50"), "")
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/topup/9", link)
}

func TestContentAcceptsWrappedLists(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `[{"id":1,"title":"Halloween","description":"party","image":"/i.png"}]`)
		})
		r.Get("/api/articles", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"data":[{"id":"a1","title":"New slide","text":"open"}]}`)
		})
	})

	events, err := client.Events(context.Background())
	require.NoError(t, err)
	require.Equal(t, []parkapi.ContentItem{{ID: "1", Title: "Halloween", Text: "party", ImageURL: "/i.png"}}, events)

	articles, err := client.Articles(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a1", articles[0].ID)
}

func TestPerRequestTokenOverridesSource(t *testing.T) {
	client := newServer(t, func(r chi.Router) {
		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, `{"version":"2.4.0","minVersion":"2.0.0"}`)
		})
	})

	v, err := client.Version(parkapi.WithToken(context.Background(), "user-token"))
	require.NoError(t, err)
	require.Equal(t, "2.4.0", v.Current)
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestPaymentStatusIsSentOnce(t *testing.T) {
	var requests atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/ticket/payment/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	shared := resilience.NewBreakerWithSettings(resilience.BreakerSettings{Target: "park_api", MinRequests: 1})
	client := parkapi.NewClient(parkapi.Options{
		BaseURL:     srv.URL,
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		Breaker:     shared,
		Logger:      zerolog.Nop(),
	})

	for i := 0; i < 3; i++ {
		_, err := client.PaymentStatus(context.Background(), "99")
		require.ErrorIs(t, err, parkapi.ErrUnexpectedStatus)
	}
	require.Equal(t, int32(3), requests.Load())
	require.Equal(t, resilience.Closed, shared.State(), "status polls must not trip the shared breaker")
}
