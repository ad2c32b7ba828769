// Package classify maps ad platform and messaging provider failures to the
// action a caller must take. Every call site shares this one table.
package classify

import (
	"errors"
	"fmt"
	"net/http"
)

// Action is what a caller should do about a provider failure.
type Action int

const (
	Unknown          Action = iota // unrecognized, penalized at a reduced weight
	Retryable                      // rate limited or provider outage; back off and retry
	NeedsReauth                    // token expired or invalid
	PermissionDenied               // object missing or not accessible; not self-healing
)

func (a Action) String() string {
	switch a {
	case Retryable:
		return "retryable"
	case NeedsReauth:
		return "needs_reauth"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Graph API error codes the classifier recognizes.
const (
	CodeRateLimited      = 4
	CodeInvalidParameter = 100
	CodeInvalidToken     = 190

	SubcodeObjectNotFound = 33
)

// ProviderError is a failure reported by a remote provider.
type ProviderError struct {
	HTTPStatus int    `json:"http_status"`
	Code       int    `json:"code"`
	Subcode    int    `json:"subcode"`
	Message    string `json:"message,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error: status %d code %d subcode %d", e.HTTPStatus, e.Code, e.Subcode)
	}
	return fmt.Sprintf("provider error: status %d code %d subcode %d: %s", e.HTTPStatus, e.Code, e.Subcode, e.Message)
}

// Classify maps a provider error descriptor to an Action. It has no side effects.
func Classify(e ProviderError) Action {
	switch {
	case e.Code == CodeRateLimited:
		return Retryable
	case e.HTTPStatus >= http.StatusInternalServerError && e.HTTPStatus <= 599:
		return Retryable
	case e.Code == CodeInvalidToken:
		return NeedsReauth
	case e.Code == CodeInvalidParameter && e.Subcode == SubcodeObjectNotFound:
		return PermissionDenied
	default:
		return Unknown
	}
}

// Taxonomy sentinels. Use errors.Is against the result of Kind.
var (
	ErrTransient     = errors.New("transient provider error")
	ErrCredential    = errors.New("credential error")
	ErrPermission    = errors.New("permission error")
	ErrConfiguration = errors.New("configuration error")
	ErrNetwork       = errors.New("network error")
	ErrUnclassified  = errors.New("unclassified provider error")
)

// ActionOf classifies any error. A failure that is not a *ProviderError never
// reached the provider and is treated as Retryable.
func ActionOf(err error) Action {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return Classify(*pe)
	}
	return Retryable
}

// Kind maps err onto the taxonomy sentinels.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrTransient, ErrCredential, ErrPermission, ErrConfiguration, ErrNetwork, ErrUnclassified} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return ErrNetwork
	}
	switch Classify(*pe) {
	case Retryable:
		return ErrTransient
	case NeedsReauth:
		return ErrCredential
	case PermissionDenied:
		return ErrPermission
	default:
		return ErrUnclassified
	}
}

// Configuration wraps a configuration problem so Kind reports ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
