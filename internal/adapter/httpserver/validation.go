package httpserver

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/flowtrade/order-engine/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// executeOrderRequest is the POST /orders/execute body. Amount and slippage
// stay strings on the wire; decimal parsing and range checks happen in the
// admission pipeline.
type executeOrderRequest struct {
	Type     string `json:"type" validate:"required"`
	TokenIn  string `json:"tokenIn" validate:"required"`
	TokenOut string `json:"tokenOut" validate:"required,nefield=TokenIn"`
	Amount   string `json:"amount" validate:"required"`
	Slippage string `json:"slippage" validate:"required"`
}

const maxIdempotencyKeyLen = 128

// validateRequest runs structural validation and returns per-field errors.
func validateRequest(req executeOrderRequest) (fieldErrors []string, err error) {
	if vErr := validate.Struct(req); vErr != nil {
		var ve validator.ValidationErrors
		if errors.As(vErr, &ve) {
			for _, fe := range ve {
				fieldErrors = append(fieldErrors, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
		}
		return fieldErrors, fmt.Errorf("op=validate: %w", domain.ErrInvalidArgument)
	}
	return nil, nil
}

func validIdempotencyKey(key string) bool {
	return len(key) <= maxIdempotencyKeyLen
}
