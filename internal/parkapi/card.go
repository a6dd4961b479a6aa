package parkapi

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

// Card is the park loyalty card.
type Card struct {
	Number  string          `json:"number"`
	Balance decimal.Decimal `json:"balance"`
	Bonus   decimal.Decimal `json:"bonus"`
}

// GetCard returns the user's card, or ErrNotFound when none was issued.
func (c *Client) GetCard(ctx context.Context) (Card, error) {
	const path = "/api/card"
	raw, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return Card{}, err
	}
	var card Card
	err = decode(raw, &card, path)
	return card, err
}

// CreateCard issues a new card for the user.
func (c *Client) CreateCard(ctx context.Context) (Card, error) {
	const path = "/api/card"
	raw, err := c.do(ctx, http.MethodPost, path, struct{}{}, nil)
	if err != nil {
		return Card{}, err
	}
	var card Card
	err = decode(raw, &card, path)
	return card, err
}

// TopUpCard starts a card top-up and returns the payment provider link.
func (c *Client) TopUpCard(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	const path = "/api/card/pay"
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	raw, err := c.do(ctx, http.MethodPost, path, map[string]decimal.Decimal{"amount": amount}, header)
	if err != nil {
		return "", err
	}
	return linkFrom(raw, path)
}
