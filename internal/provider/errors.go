package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrNotSupported is returned by facades for capabilities the
// underlying protocol does not offer.
var ErrNotSupported = errors.New("operation not supported by provider")

// CredentialError means authentication failed or the grant was revoked.
// The owning connection must be flagged for reconnection.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential rejected during %s: %v", e.Op, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err wraps a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// PermissionError means the credential is valid but lacks access to the
// requested resource. The batch aborts with an actionable message.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied during %s: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// TransientError covers timeouts, rate limits and provider 5xx. Work
// units that hit one stay retryable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Classify wraps a raw provider error into the taxonomy. Cursor
// invalidation (404 on history, 410 on sync token) is not classified
// here; adapters convert those into Page.Invalidated.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return &CredentialError{Op: op, Err: err}
		case gerr.Code == http.StatusForbidden:
			return &PermissionError{Op: op, Err: err}
		case gerr.Code == http.StatusRequestTimeout,
			gerr.Code == http.StatusTooManyRequests,
			gerr.Code >= 500:
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		// invalid_grant and friends mean the refresh token is dead.
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return &TransientError{Op: op, Err: err}
		}
		return &CredentialError{Op: op, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &TransientError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
