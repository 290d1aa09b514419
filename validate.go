package tokenvault

import (
	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

const maxIdentifierLength = 255

// Validator checks token and payload shape before writes. Stateless beyond
// its configured limits.
type Validator struct {
	maxTokenLength int
}

// NewValidator creates a [Validator] with the given token length cap.
func NewValidator(maxTokenLength int) *Validator {
	return &Validator{maxTokenLength: maxTokenLength}
}

// Token checks structural token validity: non-empty, within the length cap.
func (v *Validator) Token(token string) error {
	if token == "" {
		return tokenerr.NewValidation("token", "must not be empty")
	}
	if len(token) > v.maxTokenLength {
		return tokenerr.NewValidation("token", "exceeds max length")
	}
	return nil
}

// Payload checks the record shape: owner and device identifiers present and
// within 1-255 characters.
func (v *Validator) Payload(rec *store.TokenRecord) error {
	if rec == nil {
		return tokenerr.NewValidation("record", "must not be nil")
	}
	if err := identifier("userId", rec.UserID); err != nil {
		return err
	}
	return identifier("deviceId", rec.DeviceID)
}

func identifier(field, value string) error {
	if value == "" {
		return tokenerr.NewValidation(field, "must not be empty")
	}
	if len(value) > maxIdentifierLength {
		return tokenerr.NewValidation(field, "exceeds 255 characters")
	}
	return nil
}
