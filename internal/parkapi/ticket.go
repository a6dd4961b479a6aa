package parkapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// TicketLine is one tariff in an order.
type TicketLine struct {
	TariffID string          `json:"tariffId" validate:"required"`
	Name     string          `json:"name,omitempty"`
	Quantity int             `json:"quantity" validate:"gte=1,lte=20"`
	Price    decimal.Decimal `json:"price"`
}

// TicketOrder is the preorder request body; it also travels between screens
// as the ticketData parameter.
type TicketOrder struct {
	SignatureID string       `json:"signatureId" validate:"required"`
	Phone       string       `json:"phone" validate:"required,e164|numeric"`
	Email       string       `json:"email,omitempty" validate:"omitempty,email"`
	VisitDate   string       `json:"visitDate" validate:"required,datetime=2006-01-02"`
	Tickets     []TicketLine `json:"tickets" validate:"required,min=1,dive"`
	ChildIDs    []string     `json:"childIds,omitempty"`
}

// Total sums line prices times quantities.
func (o TicketOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Tickets {
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// RequestSignature asks the backend to send an SMS code to phone and returns
// the signature id the code must be checked against.
func (c *Client) RequestSignature(ctx context.Context, phone string) (string, error) {
	const path = "/api/ticket/signature"
	raw, err := c.do(ctx, http.MethodPost, path, map[string]string{"phone": strings.TrimSpace(phone)}, nil)
	if err != nil {
		return "", err
	}
	// ids arrive as numbers or strings depending on the backend version
	id := gjson.GetBytes(raw, "signature.id")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("%w: %s: missing signature.id", ErrMalformedResponse, path)
	}
	return id.String(), nil
}

// CheckSignature verifies the SMS code for signatureID.
func (c *Client) CheckSignature(ctx context.Context, signatureID, code string) (bool, error) {
	const path = "/api/ticket/signatureCheck"
	raw, err := c.do(ctx, http.MethodPost, path, map[string]string{
		"id":   strings.TrimSpace(signatureID),
		"code": strings.TrimSpace(code),
	}, nil)
	if err != nil {
		return false, err
	}
	var out struct {
		Signature bool `json:"signature"`
	}
	if err := decode(raw, &out, path); err != nil {
		return false, err
	}
	return out.Signature, nil
}

// Preorder submits an order and returns the payment provider checkout link.
func (c *Client) Preorder(ctx context.Context, order TicketOrder, idempotencyKey string) (string, error) {
	const path = "/api/ticket/preorder"
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	raw, err := c.do(ctx, http.MethodPost, path, order, header)
	if err != nil {
		return "", err
	}
	return linkFrom(raw, path)
}

// PaymentStatus returns the raw status string for paymentID. The request is
// sent once without backoff.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (string, error) {
	path := "/api/ticket/payment/status/" + escape(paymentID)
	raw, err := c.doWith(ctx, c.Status, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	status := gjson.GetBytes(raw, "status")
	if status.Type != gjson.String {
		return "", fmt.Errorf("%w: %s: missing status", ErrMalformedResponse, path)
	}
	return status.String(), nil
}

func linkFrom(raw []byte, path string) (string, error) {
	var out struct {
		Link string `json:"link"`
	}
	if err := decode(raw, &out, path); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Link) == "" {
		return "", fmt.Errorf("%w: %s: missing link", ErrMalformedResponse, path)
	}
	return strings.TrimSpace(out.Link), nil
}
