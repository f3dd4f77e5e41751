package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("missing_parameter", "q is required"), http.StatusBadRequest},
		{"policy", PolicyDenied("no_grant"), http.StatusForbidden},
		{"quota", QuotaExhausted("day", 2, 2), http.StatusTooManyRequests},
		{"dispatch", DispatchFailure(errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"wrapped not found", fmt.Errorf("load: %w", NotFound("request")), http.StatusNotFound},
		{"sentinel transition", fmt.Errorf("retry: %w", ErrInvalidTransition), http.StatusConflict},
		{"export running", ErrExportRunning, http.StatusConflict},
		{"builtin", ErrBuiltinImmutable, http.StatusUnprocessableEntity},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestQuotaExhaustedDetails(t *testing.T) {
	err := QuotaExhausted("day", 2, 2)
	assert.Equal(t, "quota_exhausted", Code(err))
	assert.Equal(t, "day", err.Details["scope"])
	assert.EqualValues(t, 2, err.Details["limit"])
	assert.EqualValues(t, 2, err.Details["current"])
	assert.True(t, IsKind(fmt.Errorf("submit: %w", err), KindQuotaExhausted))
}

func TestCodeFallbacks(t *testing.T) {
	assert.Equal(t, "type_inactive", Code(PolicyDenied("type_inactive")))
	assert.Equal(t, "invalid_transition", Code(ErrInvalidTransition))
	assert.Equal(t, "internal_error", Code(errors.New("x")))
	assert.True(t, errors.Is(NotFound("request"), ErrNotFound))
}
