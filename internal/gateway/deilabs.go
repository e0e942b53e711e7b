package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/sessions"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// DefaultBaseURL is the production DeiLabs origin.
const DefaultBaseURL = "https://deilabs.dei.unipd.it"

const (
	inOutPath      = "/laboratory_in_outs"
	maxBodyBytes   = 4 << 20
	enteredMarker  = "You have entered the lab"
	exitMarker     = "Exit from lab"
	defaultAgent   = "labpresence/1.0"
	operationRead  = "gateway.read_state"
	operationEnter = "gateway.enter"
	operationLeave = "gateway.leave"
	operationFetch = "gateway.fetch"

	// statusPageExpired is Laravel's response to a stale CSRF token.
	statusPageExpired = 419
)

var (
	closedMarkers  = []string{"Laboratories close", "Laboratories are closed at this time"}
	expiredMarkers = []string{"session seems to have expired", "Your session has expired"}
	loginURLHints  = []string{"login", "shibboleth"}

	errMissingSessions = errors.New("session loader is required")
)

// SessionLoader returns the stored browser session of a user.
type SessionLoader interface {
	Load(ctx context.Context, userID string) (sessions.StorageState, error)
}

// Config describes the DeiLabs gateway.
type Config struct {
	BaseURL   string
	Sessions  SessionLoader
	Transport http.RoundTripper
	UserAgent string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// DeiLabs drives the laboratory_in_outs page of the DeiLabs portal over plain HTTP.
// Every call runs in its own cookie jar built from the caller's stored session.
type DeiLabs struct {
	baseURL   *url.URL
	sessions  SessionLoader
	transport http.RoundTripper
	userAgent string
	clock     func() time.Time
	logger    *zap.Logger
}

var _ presence.Gateway = (*DeiLabs)(nil)

// New constructs a DeiLabs gateway.
func New(cfg Config) (*DeiLabs, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url %q", rawBase)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultAgent
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeiLabs{
		baseURL:   baseURL,
		sessions:  cfg.Sessions,
		transport: transport,
		userAgent: userAgent,
		clock:     clock,
		logger:    logger,
	}, nil
}

// page is one fetched and parsed HTML document.
type page struct {
	url  *url.URL
	body string
	doc  *html.Node
}

func (p page) contains(markers ...string) bool {
	for _, marker := range markers {
		if strings.Contains(p.body, marker) {
			return true
		}
	}
	return false
}

func (p page) inside() bool {
	return p.contains(enteredMarker, exitMarker)
}

func (p page) labsClosed() bool {
	return p.contains(closedMarkers...)
}

func (p page) sessionExpired() bool {
	location := strings.ToLower(p.url.String())
	for _, hint := range loginURLHints {
		if strings.Contains(location, hint) {
			return true
		}
	}
	return p.contains(expiredMarkers...)
}

// ReadState reports whether the portal shows the user inside a lab.
func (g *DeiLabs) ReadState(ctx context.Context, userID, lab string) (ledger.State, error) {
	client, err := g.client(ctx, userID)
	if err != nil {
		return "", err
	}
	current, err := g.openInOut(ctx, client, userID)
	if err != nil {
		return "", err
	}
	state := ledger.StateOutside
	if current.inside() {
		state = ledger.StateInside
	}
	g.logger.Info("remote presence read",
		zap.String("operation", operationRead),
		zap.String("user_id", userID),
		zap.String("lab_name", lab),
		zap.String("state", string(state)),
		zap.Bool("labs_closed", current.labsClosed()),
	)
	return state, nil
}

// Enter selects lab by its visible label and submits the entry form.
// Being inside already is success whatever lab the portal holds, since the page does not name it reliably.
func (g *DeiLabs) Enter(ctx context.Context, userID, lab string) error {
	client, err := g.client(ctx, userID)
	if err != nil {
		return err
	}
	current, err := g.openInOut(ctx, client, userID)
	if err != nil {
		return err
	}
	if current.inside() {
		g.logger.Info("already inside on the portal", zap.String("operation", operationEnter), zap.String("user_id", userID))
		return nil
	}
	if current.labsClosed() {
		return presence.ErrLabsClosed
	}

	selectNode := labSelect(current.doc)
	if selectNode == nil {
		return fmt.Errorf("%w: lab selector not found", presence.ErrGatewayRejected)
	}
	option := optionByLabel(selectNode, lab)
	if option == nil {
		return fmt.Errorf("%w: %q is not offered by the portal", presence.ErrInvalidLab, lab)
	}
	form := enclosingForm(selectNode)
	if form == nil {
		return fmt.Errorf("%w: lab selector outside a form", presence.ErrGatewayRejected)
	}
	submit, err := newSubmission(current.url, form, enterButton(form))
	if err != nil {
		return err
	}
	if name := attr(selectNode, "name"); name != "" {
		submit.values.Set(name, optionValue(option))
	}

	result, err := g.submit(ctx, client, submit)
	if err != nil {
		return err
	}
	switch {
	case result.sessionExpired():
		return presence.ErrAuthExpired
	case result.inside():
		g.logger.Info("presence logged", zap.String("operation", operationEnter), zap.String("user_id", userID), zap.String("lab_name", lab))
		return nil
	case result.labsClosed():
		return presence.ErrLabsClosed
	default:
		return fmt.Errorf("%w: entry not confirmed by the portal", presence.ErrGatewayRejected)
	}
}

// Leave submits the "Exit from lab" form. Being outside already is success.
func (g *DeiLabs) Leave(ctx context.Context, userID, lab string) error {
	client, err := g.client(ctx, userID)
	if err != nil {
		return err
	}
	current, err := g.openInOut(ctx, client, userID)
	if err != nil {
		return err
	}
	if !current.inside() {
		g.logger.Info("already outside on the portal", zap.String("operation", operationLeave), zap.String("user_id", userID))
		return nil
	}

	button := exitButton(current.doc)
	if button == nil {
		return fmt.Errorf("%w: exit control not found", presence.ErrGatewayRejected)
	}
	form := enclosingForm(button)
	if form == nil {
		return fmt.Errorf("%w: exit control outside a form", presence.ErrGatewayRejected)
	}
	submit, err := newSubmission(current.url, form, button)
	if err != nil {
		return err
	}
	result, err := g.submit(ctx, client, submit)
	if err != nil {
		return err
	}
	if result.sessionExpired() {
		return presence.ErrAuthExpired
	}
	if result.inside() {
		return fmt.Errorf("%w: exit not confirmed by the portal", presence.ErrGatewayRejected)
	}
	g.logger.Info("exit logged", zap.String("operation", operationLeave), zap.String("user_id", userID), zap.String("lab_name", lab))
	return nil
}

func (g *DeiLabs) openInOut(ctx context.Context, client *http.Client, userID string) (page, error) {
	target := g.baseURL.JoinPath(inOutPath)
	current, err := g.fetch(ctx, client, http.MethodGet, target, nil)
	if err != nil {
		return page{}, err
	}
	if current.sessionExpired() {
		g.logger.Warn("session expired",
			zap.String("operation", operationFetch),
			zap.String("user_id", userID),
			zap.String("url", current.url.String()),
		)
		return page{}, presence.ErrAuthExpired
	}
	return current, nil
}

func (g *DeiLabs) submit(ctx context.Context, client *http.Client, form submission) (page, error) {
	if form.method == http.MethodGet {
		target := *form.action
		target.RawQuery = form.values.Encode()
		return g.fetch(ctx, client, http.MethodGet, &target, nil)
	}
	return g.fetch(ctx, client, http.MethodPost, form.action, []byte(form.values.Encode()))
}

func (g *DeiLabs) fetch(ctx context.Context, client *http.Client, method string, target *url.URL, body []byte) (page, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return page{}, fmt.Errorf("%s: build request: %w", operationFetch, err)
	}
	request.Header.Set("User-Agent", g.userAgent)
	request.Header.Set("Accept", "text/html,application/xhtml+xml")
	if body != nil {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set("Referer", g.baseURL.JoinPath(inOutPath).String())
	}

	response, err := client.Do(request)
	if err != nil {
		return page{}, fmt.Errorf("%w: %s %s: %v", presence.ErrNetworkFailure, method, target.Path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return page{}, fmt.Errorf("%w: read %s: %v", presence.ErrNetworkFailure, target.Path, err)
	}
	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return page{}, fmt.Errorf("%w: %s %s returned %d", presence.ErrNetworkFailure, method, target.Path, response.StatusCode)
	case response.StatusCode == http.StatusUnauthorized, response.StatusCode == http.StatusForbidden,
		response.StatusCode == statusPageExpired:
		return page{}, fmt.Errorf("%w: %s %s returned %d", presence.ErrAuthExpired, method, target.Path, response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		return page{}, fmt.Errorf("%w: %s %s returned %d", presence.ErrGatewayRejected, method, target.Path, response.StatusCode)
	}

	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return page{}, fmt.Errorf("%w: parse %s: %v", presence.ErrGatewayRejected, target.Path, err)
	}
	return page{url: response.Request.URL, body: string(payload), doc: doc}, nil
}

// client builds an http.Client whose cookie jar holds only this user's session.
func (g *DeiLabs) client(ctx context.Context, userID string) (*http.Client, error) {
	state, err := g.sessions.Load(ctx, userID)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, sessions.ErrInvalidSession):
		return nil, fmt.Errorf("%w: %v", presence.ErrNoSession, err)
	case err != nil:
		return nil, err
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("%s: cookie jar: %w", operationFetch, err)
	}
	now := g.clock()
	for _, cookie := range state.Cookies {
		if expiry, ok := cookie.ExpiresAt(); ok && expiry.Before(now) {
			continue
		}
		host := strings.TrimPrefix(cookie.Domain, ".")
		if host == "" {
			host = g.baseURL.Hostname()
		}
		origin := &url.URL{Scheme: g.baseURL.Scheme, Host: host, Path: "/"}
		jar.SetCookies(origin, []*http.Cookie{toHTTPCookie(cookie)})
	}
	return &http.Client{Transport: g.transport, Jar: jar}, nil
}

func toHTTPCookie(cookie sessions.Cookie) *http.Cookie {
	converted := &http.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Path:     cookie.Path,
		Secure:   cookie.Secure,
		HttpOnly: cookie.HTTPOnly,
	}
	if converted.Path == "" {
		converted.Path = "/"
	}
	if !cookie.HostOnly() {
		converted.Domain = cookie.Domain
	}
	if expiry, ok := cookie.ExpiresAt(); ok {
		converted.Expires = expiry
	}
	switch strings.ToLower(cookie.SameSite) {
	case "strict":
		converted.SameSite = http.SameSiteStrictMode
	case "lax":
		converted.SameSite = http.SameSiteLaxMode
	case "none":
		converted.SameSite = http.SameSiteNoneMode
	}
	return converted
}
