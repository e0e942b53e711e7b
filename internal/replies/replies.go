// Package replies renders controller results as user-facing chat text.
package replies

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
)

const timeLayout = "15:04"

// Render turns a controller result, or the error returned with it, into the reply sent to the user.
func Render(result presence.Result, err error) string {
	if err != nil {
		return renderError(err)
	}
	switch result.Outcome {
	case ledger.OutcomeAlreadyInState:
		if result.State == ledger.StateInside {
			return "You are already inside " + labOrDefault(result.LabName) + ". Nothing to do."
		}
		return "You are already outside. Nothing to do."
	case ledger.OutcomeFailure:
		return renderError(reasonError(result.Reason))
	}

	switch result.Kind {
	case ledger.EventKindPunch:
		return "Presence logged successfully for lab:\n" + result.LabName + enteredSuffix(result.EnteredAt)
	case ledger.EventKindExit:
		return "You have left the lab."
	case ledger.EventKindReset:
		return "Your status has been reset to " + string(result.State) + "."
	default:
		return renderState(result)
	}
}

// RenderSetLab confirms a default-lab change or explains why it was refused.
func RenderSetLab(lab string, err error) string {
	if err != nil {
		return renderError(err)
	}
	return "Default lab for your account has been set to:\n" + lab
}

// RenderReminder is the morning nudge for users who have not punched in.
func RenderReminder(username string) string {
	greeting := "Good morning"
	if username != "" {
		greeting += " " + username
	}
	return greeting + "! You are not inside any lab yet. Send /punch when you arrive."
}

func renderState(result presence.Result) string {
	switch result.State {
	case ledger.StateInside:
		return "You are inside " + labOrDefault(result.LabName) + enteredSuffix(result.EnteredAt) + "."
	case ledger.StateOutside:
		return "You are not in any lab."
	default:
		return "Your status is unknown. Use /status to check it."
	}
}

func renderError(err error) string {
	switch {
	case errors.Is(err, presence.ErrNoSession):
		return "No DeiLabs session is connected to your account. Upload a session file with /login first."
	case errors.Is(err, presence.ErrAuthExpired):
		return "Your DeiLabs session has expired. Please log in again and upload a fresh session."
	case errors.Is(err, presence.ErrNoLabConfigured):
		return "No lab selected. Choose your default lab with /setlab."
	case errors.Is(err, presence.ErrInvalidLab):
		return "That lab is not in the list. Use /setlab to pick one of the available labs."
	case errors.Is(err, presence.ErrLabsClosed):
		return "Laboratories are currently closed. Presence cannot be logged at this time."
	case errors.Is(err, presence.ErrGatewayTimeout):
		return "DeiLabs did not answer in time. Please try again in a moment."
	case errors.Is(err, presence.ErrNetworkFailure):
		return "Could not reach DeiLabs right now. Please try again in a moment."
	case errors.Is(err, presence.ErrGatewayRejected):
		return "DeiLabs did not confirm the operation. Please check the website."
	default:
		return "Something went wrong on our side. Please try again later."
	}
}

// reasonError recovers the sentinel behind a recorded reason code.
func reasonError(reason string) error {
	switch reason {
	case presence.ReasonNoSession:
		return presence.ErrNoSession
	case presence.ReasonAuthExpired:
		return presence.ErrAuthExpired
	case presence.ReasonNoLabConfigured:
		return presence.ErrNoLabConfigured
	case presence.ReasonInvalidLab:
		return presence.ErrInvalidLab
	case presence.ReasonLabsClosed:
		return presence.ErrLabsClosed
	case presence.ReasonTimeout:
		return presence.ErrGatewayTimeout
	case presence.ReasonNetworkFailure:
		return presence.ErrNetworkFailure
	case presence.ReasonGatewayRejected:
		return presence.ErrGatewayRejected
	}
	return fmt.Errorf("unrecognised reason %q", reason)
}

func labOrDefault(lab string) string {
	if strings.TrimSpace(lab) == "" {
		return "the lab"
	}
	return lab
}

func enteredSuffix(enteredAt *time.Time) string {
	if enteredAt == nil {
		return ""
	}
	return " since " + enteredAt.Format(timeLayout)
}
