package presence

import (
	"context"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
)

// Gateway performs presence operations against the remote lab platform using the user's stored session.
type Gateway interface {
	// ReadState returns the remote presence of the user, either inside or outside.
	ReadState(ctx context.Context, userID, lab string) (ledger.State, error)
	Enter(ctx context.Context, userID, lab string) error
	Leave(ctx context.Context, userID, lab string) error
}

// SessionChecker reports whether a usable session is stored for a user.
type SessionChecker interface {
	HasSession(ctx context.Context, userID string) (bool, error)
}

// Observer receives every CurrentStatus written by the controller.
type Observer interface {
	StatusChanged(status ledger.CurrentStatus)
}
