package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSession indicates a payload that is not a usable browser storage state.
var ErrInvalidSession = errors.New("sessions: invalid storage state")

// Cookie mirrors one entry of a Playwright storage-state cookie list.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// StorageState is the persisted browser session of one user.
type StorageState struct {
	Cookies []Cookie          `json:"cookies"`
	Origins []json.RawMessage `json:"origins,omitempty"`
}

// ExpiresAt reports the cookie expiry. Session cookies (expires <= 0) report false.
func (c Cookie) ExpiresAt() (time.Time, bool) {
	if c.Expires <= 0 {
		return time.Time{}, false
	}
	seconds := int64(c.Expires)
	nanos := int64((c.Expires - float64(seconds)) * float64(time.Second))
	return time.Unix(seconds, nanos).UTC(), true
}

// HostOnly reports whether the cookie is bound to exactly its domain, without subdomains.
func (c Cookie) HostOnly() bool {
	return !strings.HasPrefix(c.Domain, ".")
}

// Matches reports whether the cookie would be sent to domain or one of its subdomains.
func (c Cookie) Matches(domain string) bool {
	cookieDomain := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Domain), "."))
	target := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if cookieDomain == "" || target == "" {
		return false
	}
	return cookieDomain == target || strings.HasSuffix(cookieDomain, "."+target)
}

// Parse decodes and validates a storage-state payload for the given platform domain.
func Parse(payload []byte, domain string) (StorageState, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return StorageState{}, fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidSession, err)
	}
	var state StorageState
	if err := json.Unmarshal(payload, &state); err != nil {
		return StorageState{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if len(state.Cookies) == 0 {
		return StorageState{}, fmt.Errorf("%w: cookie list is empty", ErrInvalidSession)
	}
	for _, cookie := range state.Cookies {
		if strings.TrimSpace(cookie.Name) == "" {
			return StorageState{}, fmt.Errorf("%w: cookie without name", ErrInvalidSession)
		}
	}
	if domain != "" && !state.hasCookieFor(domain) {
		return StorageState{}, fmt.Errorf("%w: no cookie for %s", ErrInvalidSession, domain)
	}
	return state, nil
}

func (s StorageState) hasCookieFor(domain string) bool {
	for _, cookie := range s.Cookies {
		if cookie.Matches(domain) {
			return true
		}
	}
	return false
}
