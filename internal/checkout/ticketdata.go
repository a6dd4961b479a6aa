package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/park-checkout/internal/common"
	"github.com/noah-isme/park-checkout/internal/parkapi"
)

// NewValidator returns the validator used for orders and top-ups.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// EncodeTicketData serialises an order into the ticketData screen parameter.
func EncodeTicketData(order parkapi.TicketOrder) (string, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeTicketData parses the ticketData screen parameter. Malformed input is
// logged and yields nil, which callers render as "nothing to show".
func DecodeTicketData(raw string, logger zerolog.Logger) *parkapi.TicketOrder {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var order parkapi.TicketOrder
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		logger.Warn().Err(err).Int("length", len(raw)).Msg("ticket_data_malformed")
		return nil
	}
	return &order
}

// validationError converts validator output into a 422 AppError listing the
// failing fields.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return common.NewAppError("VALIDATION_FAILED", "invalid payload", http.StatusUnprocessableEntity, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	appErr := common.NewAppError("VALIDATION_FAILED", "invalid payload", http.StatusUnprocessableEntity, err)
	appErr.Details = fields
	return appErr
}
