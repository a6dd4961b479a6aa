// Package checkout orchestrates ticket and card payments: SMS signature,
// preorder and the in-app payment session that follows the provider link.
package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/browser"
	"github.com/noah-isme/park-checkout/internal/common"
	"github.com/noah-isme/park-checkout/internal/navigation"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/poller"
	"github.com/noah-isme/park-checkout/internal/ratelimit"
	"github.com/noah-isme/park-checkout/internal/urlclass"
)

// Backend is the subset of the park API used by checkout; *parkapi.Client implements it.
type Backend interface {
	RequestSignature(ctx context.Context, phone string) (string, error)
	CheckSignature(ctx context.Context, signatureID, code string) (bool, error)
	Preorder(ctx context.Context, order parkapi.TicketOrder, idempotencyKey string) (string, error)
	TopUpCard(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error)
	PaymentStatus(ctx context.Context, paymentID string) (string, error)
}

// Throttle limits SMS code requests; ratelimit.Limiter implements it.
type Throttle interface {
	Check(ctx context.Context, key string, window time.Duration, max int) error
}

// Kind tells what a payment session pays for.
type Kind string

const (
	KindTicket Kind = "ticket"
	KindTopUp  Kind = "topup"
)

// MaxTopUp caps a single card top-up.
var MaxTopUp = decimal.NewFromInt(100000)

// Service runs checkout operations against the park backend.
type Service struct {
	API             Backend
	Throttle        Throttle
	SignatureWindow time.Duration
	SignatureMax    int
	Validator       *validator.Validate
	Registry        *bank.Registry
	MatchMode       urlclass.Mode
	Poll            poller.Config
	Guard           poller.Guard
	Logger          zerolog.Logger
}

func (s *Service) tracer() trace.Tracer {
	return otel.Tracer(obs.TracerName)
}

func (s *Service) validate() *validator.Validate {
	if s.Validator == nil {
		s.Validator = NewValidator()
	}
	return s.Validator
}

// RequestCode asks the backend to text a confirmation code to phone and
// returns the signature id to verify it against.
func (s *Service) RequestCode(ctx context.Context, phone string) (string, error) {
	ctx, span := s.tracer().Start(ctx, "checkout.RequestCode")
	defer span.End()

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", common.NewAppError("VALIDATION_FAILED", "phone is required", http.StatusUnprocessableEntity, nil)
	}
	if s.Throttle != nil {
		if err := s.Throttle.Check(ctx, ratelimit.PhoneKey(phone), s.SignatureWindow, s.SignatureMax); err != nil {
			span.SetStatus(codes.Error, "throttled")
			s.Logger.Info().Msg("signature_request_throttled")
			return "", common.NewAppError("RATE_LIMITED", "too many code requests, try again later", http.StatusTooManyRequests, err)
		}
	}
	id, err := s.API.RequestSignature(ctx, phone)
	if err != nil {
		return "", s.upstream(span, "signature_request_failed", err)
	}
	return id, nil
}

// VerifyCode checks the SMS code for signatureID.
func (s *Service) VerifyCode(ctx context.Context, signatureID, code string) (bool, error) {
	ctx, span := s.tracer().Start(ctx, "checkout.VerifyCode")
	defer span.End()

	if strings.TrimSpace(signatureID) == "" || strings.TrimSpace(code) == "" {
		return false, common.NewAppError("VALIDATION_FAILED", "signatureId and code are required", http.StatusUnprocessableEntity, nil)
	}
	ok, err := s.API.CheckSignature(ctx, signatureID, code)
	if err != nil {
		return false, s.upstream(span, "signature_check_failed", err)
	}
	return ok, nil
}

// Preorder validates order and returns the payment provider link.
func (s *Service) Preorder(ctx context.Context, order parkapi.TicketOrder, idempotencyKey string) (string, error) {
	ctx, span := s.tracer().Start(ctx, "checkout.Preorder")
	defer span.End()

	if err := s.validate().Struct(order); err != nil {
		span.SetStatus(codes.Error, "invalid order")
		return "", validationError(err)
	}
	span.SetAttributes(attribute.Int("checkout.tickets", len(order.Tickets)), attribute.String("checkout.total", order.Total().String()))
	link, err := s.API.Preorder(ctx, order, idempotencyKey)
	if err != nil {
		return "", s.upstream(span, "preorder_failed", err)
	}
	return link, nil
}

// TopUp starts a card top-up for amount and returns the provider link.
func (s *Service) TopUp(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	ctx, span := s.tracer().Start(ctx, "checkout.TopUp")
	defer span.End()

	if !amount.IsPositive() || amount.GreaterThan(MaxTopUp) || !amount.Equal(amount.Round(2)) {
		return "", common.NewAppError("VALIDATION_FAILED", "amount must be between 0.01 and "+MaxTopUp.String(), http.StatusUnprocessableEntity, nil)
	}
	link, err := s.API.TopUpCard(ctx, amount, idempotencyKey)
	if err != nil {
		return "", s.upstream(span, "topup_failed", err)
	}
	return link, nil
}

// SessionDeps are the native surfaces a payment session drives. ID is
// generated when empty.
type SessionDeps struct {
	ID        string
	Opener    browser.Opener
	View      browser.View
	Navigator navigation.Navigator
}

// NewSession opens the in-app payment page for link. The returned session owns
// the browser controller and the flow that starts polling once a bank app is launched.
func (s *Service) NewSession(ctx context.Context, kind Kind, link string, params navigation.Params, deps SessionDeps) *Session {
	id := deps.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := s.Logger.With().Str("session_id", id).Logger()

	flow := NewFlow(deps.Navigator, s.API, s.Poll, s.Guard, logger)
	classifier := urlclass.Classifier{Registry: s.Registry, Mode: s.MatchMode}
	ctrl := browser.NewController(link, classifier, deps.Opener, flow, deps.View, logger)

	sessCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sess := &Session{
		ID:         id,
		Kind:       kind,
		Script:     browser.InterceptorScript(s.Registry),
		CreatedAt:  time.Now(),
		Controller: ctrl,
		Flow:       flow,
		ctx:        sessCtx,
		stop:       stop,
	}
	params.URL = link
	flow.Navigate(ctx, navigation.ScreenPaymentWeb, params)
	logger.Info().Str("kind", string(kind)).Msg("payment_session_started")
	return sess
}

func (s *Service) upstream(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.Logger.Warn().Err(err).Msg(msg)
	switch {
	case errors.Is(err, parkapi.ErrUnauthorized):
		return common.NewAppError("UNAUTHORIZED", "park session expired", http.StatusUnauthorized, err)
	case errors.Is(err, parkapi.ErrNotFound):
		return common.NewAppError("NOT_FOUND", "resource not found", http.StatusNotFound, err)
	}
	var apiErr *parkapi.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		msg := apiErr.Message
		if msg == "" {
			msg = "request rejected by park backend"
		}
		return common.NewAppError("UPSTREAM_REJECTED", msg, http.StatusUnprocessableEntity, err)
	}
	return common.NewAppError("UPSTREAM_UNAVAILABLE", "park backend unavailable", http.StatusBadGateway, err)
}
