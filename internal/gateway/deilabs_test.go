package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/sessions"
)

const (
	sessionCookie = "laravel_session"
	validSession  = "valid-session"
	csrfToken     = "csrf-123"
)

type fakePortal struct {
	mu          sync.Mutex
	inside      bool
	closed      bool
	failing     bool
	postedLab   string
	enterPosts  int
	exitPosts   int
	lastTokenOK bool
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body><h1>Single Sign-On</h1></body></html>")
	})
	mux.HandleFunc("/laboratory_in_outs", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorised(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			p.enterPosts++
			p.postedLab = r.PostForm.Get("lab_id")
			p.lastTokenOK = r.PostForm.Get("_token") == csrfToken
			if p.lastTokenOK && p.postedLab != "" {
				p.inside = true
			}
			http.Redirect(w, r, "/laboratory_in_outs", http.StatusFound)
			return
		}
		fmt.Fprint(w, p.render())
	})
	mux.HandleFunc("/laboratory_in_outs/exit", func(w http.ResponseWriter, r *http.Request) {
		if !p.authorised(r) || r.Method != http.MethodPost {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		p.mu.Lock()
		p.exitPosts++
		p.inside = false
		p.mu.Unlock()
		http.Redirect(w, r, "/laboratory_in_outs", http.StatusFound)
	})
	return mux
}

func (p *fakePortal) authorised(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	return err == nil && cookie.Value == validSession
}

func (p *fakePortal) render() string {
	if p.inside {
		return `<html><body>
<div class="alert">You have entered the lab DEI/A at 08:30</div>
<form method="POST" action="/laboratory_in_outs/exit">
  <input type="hidden" name="_token" value="` + csrfToken + `">
  <button type="submit" class="btn btn-danger">Exit from lab</button>
</form>
</body></html>`
	}
	banner := ""
	if p.closed {
		banner = `<div class="alert alert-warning">Laboratories are closed at this time</div>`
	}
	return `<html><body>` + banner + `
<form method="POST" action="/laboratory_in_outs">
  <input type="hidden" name="_token" value="` + csrfToken + `">
  <select id="lab" name="lab_id">
    <option value="">-- choose --</option>
    <option value="1">LabA</option>
    <option value="2">  LabB
    </option>
  </select>
  <button type="submit" class="btn btn-primary">Enter</button>
</form>
</body></html>`
}

type staticSessions struct {
	states map[string]sessions.StorageState
}

func (s staticSessions) Load(_ context.Context, userID string) (sessions.StorageState, error) {
	state, ok := s.states[userID]
	if !ok {
		return sessions.StorageState{}, sessions.ErrSessionNotFound
	}
	return state, nil
}

func sessionFor(value string, expires float64) sessions.StorageState {
	return sessions.StorageState{Cookies: []sessions.Cookie{{
		Name:    sessionCookie,
		Value:   value,
		Domain:  "127.0.0.1",
		Path:    "/",
		Expires: expires,
	}}}
}

func newTestGateway(t *testing.T, portal *fakePortal) *DeiLabs {
	t.Helper()
	server := httptest.NewServer(portal.handler())
	t.Cleanup(server.Close)

	gateway, err := New(Config{
		BaseURL: server.URL,
		Sessions: staticSessions{states: map[string]sessions.StorageState{
			"u1":      sessionFor(validSession, -1),
			"stale":   sessionFor("revoked", -1),
			"expired": sessionFor(validSession, float64(time.Now().Add(-time.Hour).Unix())),
		}},
	})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return gateway
}

func TestNewRequiresSessions(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without session loader")
	}
	if _, err := New(Config{Sessions: staticSessions{}, BaseURL: "::not a url"}); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

func TestReadStateFollowsPortal(t *testing.T) {
	portal := &fakePortal{}
	gateway := newTestGateway(t, portal)
	ctx := context.Background()

	state, err := gateway.ReadState(ctx, "u1", "LabA")
	if err != nil || state != ledger.StateOutside {
		t.Fatalf("expected outside, got %s err=%v", state, err)
	}

	portal.mu.Lock()
	portal.inside = true
	portal.mu.Unlock()
	state, err = gateway.ReadState(ctx, "u1", "LabA")
	if err != nil || state != ledger.StateInside {
		t.Fatalf("expected inside, got %s err=%v", state, err)
	}
}

func TestEnterSelectsLabByLabel(t *testing.T) {
	portal := &fakePortal{}
	gateway := newTestGateway(t, portal)

	if err := gateway.Enter(context.Background(), "u1", "LabB"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	portal.mu.Lock()
	defer portal.mu.Unlock()
	if !portal.inside || portal.postedLab != "2" || !portal.lastTokenOK {
		t.Fatalf("unexpected portal state inside=%v lab=%q token=%v", portal.inside, portal.postedLab, portal.lastTokenOK)
	}
}

func TestEnterWhenAlreadyInsideDoesNotSubmit(t *testing.T) {
	portal := &fakePortal{inside: true}
	gateway := newTestGateway(t, portal)

	if err := gateway.Enter(context.Background(), "u1", "LabA"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	portal.mu.Lock()
	defer portal.mu.Unlock()
	if portal.enterPosts != 0 {
		t.Fatalf("expected no form submission, got %d", portal.enterPosts)
	}
}

func TestEnterWhileInsideAnotherLabIsSuccess(t *testing.T) {
	portal := &fakePortal{inside: true}
	gateway := newTestGateway(t, portal)

	if err := gateway.Enter(context.Background(), "u1", "LabB"); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	portal.mu.Lock()
	defer portal.mu.Unlock()
	if portal.enterPosts != 0 || portal.postedLab != "" {
		t.Fatalf("expected no lab switch on the portal, got posts=%d lab=%q", portal.enterPosts, portal.postedLab)
	}
}

func TestEnterUnknownLabIsInvalid(t *testing.T) {
	gateway := newTestGateway(t, &fakePortal{})

	if err := gateway.Enter(context.Background(), "u1", "LabZ"); !errors.Is(err, presence.ErrInvalidLab) {
		t.Fatalf("expected invalid lab, got %v", err)
	}
}

func TestEnterWhileLabsClosed(t *testing.T) {
	portal := &fakePortal{closed: true}
	gateway := newTestGateway(t, portal)
	ctx := context.Background()

	if err := gateway.Enter(ctx, "u1", "LabA"); !errors.Is(err, presence.ErrLabsClosed) {
		t.Fatalf("expected labs closed, got %v", err)
	}
	state, err := gateway.ReadState(ctx, "u1", "LabA")
	if err != nil || state != ledger.StateOutside {
		t.Fatalf("expected outside while closed, got %s err=%v", state, err)
	}
}

func TestLeaveSubmitsExitForm(t *testing.T) {
	portal := &fakePortal{inside: true}
	gateway := newTestGateway(t, portal)
	ctx := context.Background()

	if err := gateway.Leave(ctx, "u1", "LabA"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := gateway.Leave(ctx, "u1", "LabA"); err != nil {
		t.Fatalf("second leave failed: %v", err)
	}
	portal.mu.Lock()
	defer portal.mu.Unlock()
	if portal.inside || portal.exitPosts != 1 {
		t.Fatalf("expected a single exit submission, inside=%v posts=%d", portal.inside, portal.exitPosts)
	}
}

func TestSessionProblemsAreClassified(t *testing.T) {
	gateway := newTestGateway(t, &fakePortal{})
	ctx := context.Background()

	if _, err := gateway.ReadState(ctx, "nobody", "LabA"); !errors.Is(err, presence.ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if _, err := gateway.ReadState(ctx, "stale", "LabA"); !errors.Is(err, presence.ErrAuthExpired) {
		t.Fatalf("expected auth expired for revoked cookie, got %v", err)
	}
	if _, err := gateway.ReadState(ctx, "expired", "LabA"); !errors.Is(err, presence.ErrAuthExpired) {
		t.Fatalf("expected auth expired for expired cookie, got %v", err)
	}
}

func TestTransportFailuresAreNetworkFailures(t *testing.T) {
	portal := &fakePortal{failing: true}
	gateway := newTestGateway(t, portal)
	ctx := context.Background()

	if _, err := gateway.ReadState(ctx, "u1", "LabA"); !errors.Is(err, presence.ErrNetworkFailure) {
		t.Fatalf("expected network failure for 503, got %v", err)
	}

	offline, err := New(Config{
		BaseURL:  "http://127.0.0.1:1",
		Sessions: staticSessions{states: map[string]sessions.StorageState{"u1": sessionFor(validSession, -1)}},
	})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	if err := offline.Enter(ctx, "u1", "LabA"); !errors.Is(err, presence.ErrNetworkFailure) {
		t.Fatalf("expected network failure for refused connection, got %v", err)
	}
}
