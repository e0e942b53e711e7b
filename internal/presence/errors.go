package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"github.com/MarcoPoloResearchLab/labpresence/internal/labs"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/preferences"
)

var (
	// ErrNoSession indicates that no usable remote credential is stored for the user.
	ErrNoSession = errors.New("presence: no usable session")
	// ErrNetworkFailure marks transient transport failures. It is the only retryable error.
	ErrNetworkFailure = errors.New("presence: network failure")
	// ErrAuthExpired indicates that the stored session was rejected and must be refreshed externally.
	ErrAuthExpired = errors.New("presence: session expired")
	// ErrLabsClosed indicates that the remote platform does not accept punches at this time.
	ErrLabsClosed = errors.New("presence: laboratories are closed")
	// ErrGatewayRejected indicates an application-level refusal by the remote platform.
	ErrGatewayRejected = errors.New("presence: remote platform rejected the operation")
	// ErrGatewayTimeout is a network failure raised when one gateway attempt exceeds its deadline.
	ErrGatewayTimeout = fmt.Errorf("%w: gateway call timed out", ErrNetworkFailure)

	ErrInvalidLab      = labs.ErrInvalidLab
	ErrNoLabConfigured = preferences.ErrNoLabConfigured
	ErrStorageFault    = ledger.ErrStorageFault
)

// Reason codes recorded on failed StatusEvents.
const (
	ReasonNoSession       = "no_session"
	ReasonAuthExpired     = "auth_expired"
	ReasonNetworkFailure  = "network_failure"
	ReasonTimeout         = "timeout"
	ReasonLabsClosed      = "labs_closed"
	ReasonInvalidLab      = "invalid_lab"
	ReasonNoLabConfigured = "no_lab_configured"
	ReasonGatewayRejected = "gateway_rejected"
	ReasonStorageFault    = "storage_fault"
	ReasonInvalidUser     = "invalid_user"
	ReasonCanceled        = "canceled"
	ReasonInternal        = "internal"
)

// ReasonFor maps an error onto its machine-readable reason code. nil maps to "".
func ReasonFor(err error) string {
	var storeErr *preferences.StoreError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrNetworkFailure):
		return ReasonNetworkFailure
	case errors.Is(err, ErrAuthExpired):
		return ReasonAuthExpired
	case errors.Is(err, ErrNoSession):
		return ReasonNoSession
	case errors.Is(err, ErrLabsClosed):
		return ReasonLabsClosed
	case errors.Is(err, ErrInvalidLab):
		return ReasonInvalidLab
	case errors.Is(err, ErrNoLabConfigured):
		return ReasonNoLabConfigured
	case errors.Is(err, ErrGatewayRejected):
		return ReasonGatewayRejected
	case errors.Is(err, ErrStorageFault), errors.As(err, &storeErr):
		return ReasonStorageFault
	case errors.Is(err, identity.ErrInvalidUserID):
		return ReasonInvalidUser
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonInternal
	}
}

// IsRetryable reports whether the controller may retry a gateway call that failed with err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
