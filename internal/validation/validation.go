package validation

import (
	"fmt"
	"net/http"
	"unicode"

	"sendqueue/internal/constants"
	"sendqueue/internal/errors"
)

// ValidateEntryID checks a queue entry id taken from a request path or the
// command line.
func ValidateEntryID(id string) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidInput, "entry ID cannot be empty")
	}

	if len(id) > constants.MaxEntryIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("entry ID too long (max %d characters)", constants.MaxEntryIDLength))
	}

	for _, char := range id {
		if unicode.IsControl(char) {
			return errors.New(errors.ErrCodeInvalidInput, "entry ID contains invalid characters")
		}
	}

	return nil
}

// ValidateHTTPRequestSize rejects requests that announce a body larger
// than maxSizeBytes. Chunked bodies are capped by the handler instead.
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}
