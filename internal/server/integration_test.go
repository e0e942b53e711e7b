package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/auth"
	"github.com/MarcoPoloResearchLab/labpresence/internal/database"
	"github.com/MarcoPoloResearchLab/labpresence/internal/labs"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/preferences"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/scheduler"
	"github.com/MarcoPoloResearchLab/labpresence/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const integrationSigningSecret = "integration-secret"

type portalStub struct {
	mu     sync.Mutex
	inside map[string]bool
}

func (p *portalStub) ReadState(_ context.Context, userID, _ string) (ledger.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inside[userID] {
		return ledger.StateInside, nil
	}
	return ledger.StateOutside, nil
}

func (p *portalStub) Enter(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inside[userID] = true
	return nil
}

func (p *portalStub) Leave(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inside[userID] = false
	return nil
}

func TestPunchResetAndAdminAPIFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "integration.db"),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() {
		_ = database.Close(db)
	})

	catalog, err := labs.New("Lab Te", []string{"Lab Te", "Lab Ue"})
	if err != nil {
		testContext.Fatalf("failed to build catalog: %v", err)
	}
	statusLedger, err := ledger.New(ledger.Config{Database: db, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		testContext.Fatalf("failed to build ledger: %v", err)
	}
	prefs, err := preferences.NewStore(preferences.StoreConfig{Database: db, Catalog: catalog})
	if err != nil {
		testContext.Fatalf("failed to build preference store: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()
	controller, err := presence.NewController(presence.ControllerConfig{
		Ledger:      statusLedger,
		Preferences: prefs,
		Gateway:     &portalStub{inside: map[string]bool{}},
		Observer:    dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build controller: %v", err)
	}
	jobs, err := scheduler.New(scheduler.Config{
		Presence:    controller,
		Statuses:    statusLedger,
		Preferences: prefs,
		Notifier:    dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(integrationSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Statuses: statusLedger,
		Jobs:     jobs,
		Presence: controller,
		Tokens:   tokens,
		Realtime: dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	token, _, err := tokens.IssueAdminToken(ctx, "operator")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	if err := controller.SetLab(ctx, "u1", "Lab Ue"); err != nil {
		testContext.Fatalf("setlab: %v", err)
	}
	for _, userID := range []string{"u1", "u2"} {
		if _, err := controller.Punch(ctx, presence.Request{UserID: userID}); err != nil {
			testContext.Fatalf("punch %s: %v", userID, err)
		}
	}

	call := func(method, target string, into any) {
		testContext.Helper()
		request := httptest.NewRequest(method, target, http.NoBody)
		request.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("%s %s: unexpected status %d: %s", method, target, recorder.Code, recorder.Body.String())
		}
		if err := json.Unmarshal(recorder.Body.Bytes(), into); err != nil {
			testContext.Fatalf("%s %s: decode: %v", method, target, err)
		}
	}

	var listing struct {
		Items []struct {
			UserID  string `json:"user_id"`
			State   string `json:"state"`
			LabName string `json:"lab_name"`
		} `json:"items"`
	}
	call(http.MethodGet, "/api/status?state=inside", &listing)
	if len(listing.Items) != 2 {
		testContext.Fatalf("expected two users inside, got %+v", listing.Items)
	}
	if listing.Items[0].UserID != "u1" || listing.Items[0].LabName != "Lab Ue" {
		testContext.Fatalf("expected u1 in the preferred lab, got %+v", listing.Items[0])
	}
	if listing.Items[1].LabName != "Lab Te" {
		testContext.Fatalf("expected u2 in the default lab, got %+v", listing.Items[1])
	}

	var report struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
	}
	call(http.MethodPost, "/api/jobs/reset", &report)
	if report.Total != 2 || report.Succeeded != 2 {
		testContext.Fatalf("unexpected reset report: %+v", report)
	}

	var summary struct {
		OnlineCount  int `json:"online_count"`
		OfflineCount int `json:"offline_count"`
	}
	call(http.MethodGet, "/api/status/summary", &summary)
	if summary.OnlineCount != 0 || summary.OfflineCount != 2 {
		testContext.Fatalf("expected everyone offline after reset, got %+v", summary)
	}

	var history struct {
		Events []struct {
			Kind   string `json:"event_kind"`
			Source string `json:"source"`
		} `json:"events"`
	}
	call(http.MethodGet, "/api/users/u1/events", &history)
	if len(history.Events) != 2 {
		testContext.Fatalf("expected punch and reset events, got %+v", history.Events)
	}
	if history.Events[0].Kind != string(ledger.EventKindReset) || history.Events[0].Source != string(ledger.SourceScheduledJob) {
		testContext.Fatalf("expected newest event to be the scheduled reset, got %+v", history.Events[0])
	}

	status, err := statusLedger.ReadCurrentStatus(ctx, "u1")
	if err != nil {
		testContext.Fatalf("read status: %v", err)
	}
	if status.State != ledger.StateOutside || status.EnteredAt != nil || status.LabName != nil {
		testContext.Fatalf("expected cleared outside status, got %+v", status)
	}
	if time.Since(status.UpdatedAt) > time.Minute {
		testContext.Fatalf("expected a fresh updated_at, got %v", status.UpdatedAt)
	}
}
