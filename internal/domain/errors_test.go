package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindPropagation(t *testing.T) {
	base := E(KindPacingViolation, "historical data request pacing violation")
	wrapped := fmt.Errorf("fetch EQ:SPY: %w", base)

	assert.Equal(t, KindPacingViolation, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindPacingViolation}))
}

func TestUntypedErrorIsInvariant(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInvariant, KindOf(err))
	assert.False(t, Retryable(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal error", MessageOf(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindParseError, http.StatusBadRequest},
		{KindMalformedToken, http.StatusBadRequest},
		{KindUnknownRoot, http.StatusBadRequest},
		{KindEmptyResult, http.StatusBadRequest},
		{KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{KindNoDataFarm, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInvariant, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(E(tt.kind, "x")))
		})
	}
}
