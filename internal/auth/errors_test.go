package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		kind   string
		status int
	}{
		{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
		{ErrHeaderCollision, "header_collision", http.StatusUnauthorized},
		{fmt.Errorf("resolve alice: %w", ErrNotAuthorized), "not_authorized", http.StatusForbidden},
		{fmt.Errorf("open: %w", ErrDirectoryTimeout), "directory_timeout", http.StatusServiceUnavailable},
		{ErrAmbiguousDirectoryEntry, "ambiguous_entry", http.StatusForbidden},
		{errors.New("boom"), "internal", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, Kind(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
	assert.Equal(t, "none", Kind(nil))
}

func TestRetryableAndDefinitive(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrDirectoryUnreachable)))
	assert.True(t, IsRetryable(ErrDirectoryTimeout))
	assert.False(t, IsRetryable(ErrDirectorySearchFailed))
	assert.False(t, IsRetryable(ErrNotAuthorized))

	assert.True(t, IsDefinitive(ErrNotAuthorized))
	assert.True(t, IsDefinitive(ErrUserNotFoundInDirectory))
	assert.True(t, IsDefinitive(ErrAmbiguousDirectoryEntry))
	assert.False(t, IsDefinitive(ErrDirectoryTimeout))
}
