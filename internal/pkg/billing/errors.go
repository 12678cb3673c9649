package billing

import (
	"errors"
	"fmt"
)

// Signature verification failures. All are terminal for the delivery: no
// idempotency check, no transaction. The raw signature value is never
// included in error text or logs.
var (
	ErrMissingSignature = errors.New("signature header is required")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrTimestampExpired = errors.New("signature timestamp outside allowed tolerance")
)

// ErrUnknownProvider is returned when no adapter is registered for the
// requested provider name.
var ErrUnknownProvider = errors.New("unknown billing provider")

// ConfigError fails adapter construction before any request is accepted.
type ConfigError struct {
	Provider string
	Key      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("billing: provider %s is missing required config %s", e.Provider, e.Key)
}

// MalformedPayloadError marks a structurally broken payload: a required
// field is absent or a value cannot be interpreted. Such deliveries are
// still marked processed so the provider does not retry them forever.
type MalformedPayloadError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("billing: malformed %s payload: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("billing: malformed %s payload: %s", e.Provider, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// IsSignatureError reports whether err is any of the verification failures.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrTimestampExpired)
}

// IsMalformedPayload reports whether err wraps a MalformedPayloadError.
func IsMalformedPayload(err error) bool {
	var mpe *MalformedPayloadError
	return errors.As(err, &mpe)
}
