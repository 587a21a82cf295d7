package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"sendqueue/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateEntryID(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		expectError bool
	}{
		{"uuid", "0b6a3c1e-4f4e-4a8e-9d7e-0f5a1b2c3d4e", false},
		{"short", "msg-1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 200), true},
		{"newline", "msg\n1", true},
		{"nul byte", "msg\x001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntryID(tt.id)
			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTTPRequestSize(t *testing.T) {
	small := httptest.NewRequest("POST", "/", strings.NewReader("hello"))
	assert.NoError(t, ValidateHTTPRequestSize(small, 10))

	large := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 11)))
	err := ValidateHTTPRequestSize(large, 10)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "request too large")

	chunked := httptest.NewRequest("POST", "/", nil)
	chunked.ContentLength = -1
	assert.NoError(t, ValidateHTTPRequestSize(chunked, 10))
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("abc", "chatid", 1, 5))
	assert.ErrorContains(t, ValidateStringLength("", "chatid", 1, 5), "chatid too short")
	assert.ErrorContains(t, ValidateStringLength("abcdef", "chatid", 1, 5), "chatid too long")
}

func TestValidateNumericRange(t *testing.T) {
	assert.NoError(t, ValidateNumericRange(8080, "server.port", 1, 65535))
	assert.ErrorContains(t, ValidateNumericRange(0, "server.port", 1, 65535), "too small")
	assert.ErrorContains(t, ValidateNumericRange(70000, "server.port", 1, 65535), "too large")
}

func TestValidateTimeout(t *testing.T) {
	assert.NoError(t, ValidateTimeout(30, "backend.timeout_sec"))
	assert.ErrorContains(t, ValidateTimeout(0, "backend.timeout_sec"), "at least 1 second")
	assert.ErrorContains(t, ValidateTimeout(7200, "backend.timeout_sec"), "max 3600")
}
