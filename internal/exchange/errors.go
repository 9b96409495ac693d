package exchange

import (
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// MEXC API error codes the client cares about.
const (
	codeRateLimit           = -1003
	codeInvalidSymbol       = -1121
	codeInsufficientBalance = -2010
	codeAuthFailure         = -2015
)

// APIError is an error response from the exchange.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// classify maps an exchange failure onto the trade error taxonomy.
// 5xx, timeouts and -1003 are transient; -2015, -1121 and -2010 are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.WrapError(types.ErrKindTransient, types.CodeServiceUnavailable, err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeRateLimit:
			return types.WrapError(types.ErrKindTransient, types.CodeRateLimited, err)
		case codeAuthFailure:
			return types.WrapError(types.ErrKindPermanent, types.CodeAuthFailed, err)
		case codeInvalidSymbol:
			return types.WrapError(types.ErrKindPermanent, types.CodeInvalidSymbol, err)
		case codeInsufficientBalance:
			return types.WrapError(types.ErrKindPermanent, types.CodeInsufficientBalance, err)
		}
		if apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == 429 {
			return types.WrapError(types.ErrKindTransient, types.CodeServiceUnavailable, err)
		}
		return types.WrapError(types.ErrKindPermanent, types.CodeServiceUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.WrapError(types.ErrKindTransient, types.CodeServiceUnavailable, err)
	}

	// Connection resets, DNS failures and other transport errors retry.
	return types.WrapError(types.ErrKindTransient, types.CodeServiceUnavailable, err)
}
