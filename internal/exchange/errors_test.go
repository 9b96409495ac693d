package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

func TestClassifyAPIErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
		code      string
	}{
		{"rateLimit", &APIError{HTTPStatus: 429, Code: codeRateLimit, Message: "too many requests"},
			true, types.CodeRateLimited},
		{"authFailure", &APIError{HTTPStatus: 401, Code: codeAuthFailure, Message: "invalid api key"},
			false, types.CodeAuthFailed},
		{"invalidSymbol", &APIError{HTTPStatus: 400, Code: codeInvalidSymbol, Message: "invalid symbol"},
			false, types.CodeInvalidSymbol},
		{"insufficientBalance", &APIError{HTTPStatus: 400, Code: codeInsufficientBalance, Message: "insufficient balance"},
			false, types.CodeInsufficientBalance},
		{"serverError", &APIError{HTTPStatus: 502, Code: -1000, Message: "bad gateway"},
			true, types.CodeServiceUnavailable},
		{"clientError", &APIError{HTTPStatus: 400, Code: -1100, Message: "illegal parameter"},
			false, types.CodeServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			require.Equal(t, tc.transient, types.IsTransient(got))
			require.Equal(t, tc.code, types.ErrCodeOf(got))
			require.ErrorAs(t, got, new(*APIError))
		})
	}
}

func TestClassifyBreakerOpenIsTransient(t *testing.T) {
	got := classify(gobreaker.ErrOpenState)
	require.True(t, types.IsTransient(got))
	require.Equal(t, types.CodeServiceUnavailable, types.ErrCodeOf(got))
}

func TestClassifyTransportErrorsAreTransient(t *testing.T) {
	got := classify(fmt.Errorf("dial tcp: %w", errors.New("connection refused")))
	require.True(t, types.IsTransient(got))
}

func TestClassifyNil(t *testing.T) {
	require.NoError(t, classify(nil))
}
