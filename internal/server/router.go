package server

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/auth"
	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"github.com/MarcoPoloResearchLab/labpresence/internal/scheduler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "labpresence_admin_subject"
	summaryPageSize        = 200
	defaultHeartbeat       = 30 * time.Second
)

var (
	errMissingStatusReader   = errors.New("status reader dependency required")
	errMissingJobRunner      = errors.New("job runner dependency required")
	errMissingStatusResetter = errors.New("status resetter dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
)

// StatusReader exposes the read side of the status ledger.
type StatusReader interface {
	ListCurrentStatus(ctx context.Context, filter ledger.Filter, page ledger.Page) (ledger.StatusPage, error)
	AllCurrentStatus(ctx context.Context, filter ledger.Filter, pageSize int) iter.Seq2[ledger.CurrentStatus, error]
	ListEvents(ctx context.Context, userID string, limit int) ([]ledger.StatusEvent, error)
}

// JobRunner triggers scheduled jobs on demand.
type JobRunner interface {
	TriggerJob(ctx context.Context, name string) (scheduler.JobReport, error)
}

// StatusResetter forces a user back to a baseline state.
type StatusResetter interface {
	Reset(ctx context.Context, request presence.Request, baseline ledger.State) (presence.Result, error)
}

// TokenValidator authenticates administrative requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

type Dependencies struct {
	Statuses          StatusReader
	Jobs              JobRunner
	Presence          StatusResetter
	Tokens            TokenValidator
	Realtime          *RealtimeDispatcher
	ResetBaseline     ledger.State
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Statuses == nil {
		return nil, errMissingStatusReader
	}
	if deps.Jobs == nil {
		return nil, errMissingJobRunner
	}
	if deps.Presence == nil {
		return nil, errMissingStatusResetter
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseline := deps.ResetBaseline
	if baseline == "" {
		baseline = ledger.StateOutside
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		statuses:  deps.Statuses,
		jobs:      deps.Jobs,
		presence:  deps.Presence,
		tokens:    deps.Tokens,
		realtime:  deps.Realtime,
		baseline:  baseline,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleListStatus)
	protected.GET("/status/summary", handler.handleStatusSummary)
	protected.GET("/users/:user_id/events", handler.handleListEvents)
	protected.POST("/users/:user_id/reset", handler.handleReset)
	protected.POST("/jobs/:job", handler.handleTriggerJob)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	statuses  StatusReader
	jobs      JobRunner
	presence  StatusResetter
	tokens    TokenValidator
	realtime  *RealtimeDispatcher
	baseline  ledger.State
	heartbeat time.Duration
	logger    *zap.Logger
}

type statusPayload struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username,omitempty"`
	State     string     `json:"state"`
	LabName   string     `json:"lab_name,omitempty"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type statusListPayload struct {
	Items      []statusPayload `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type summaryPayload struct {
	Online       []statusPayload `json:"online"`
	Offline      []statusPayload `json:"offline"`
	OnlineCount  int             `json:"online_count"`
	OfflineCount int             `json:"offline_count"`
}

type eventPayload struct {
	ID             int64     `json:"id"`
	EventUID       string    `json:"event_uid"`
	Kind           string    `json:"event_kind"`
	LabName        string    `json:"lab_name,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	ObservedState  string    `json:"observed_state,omitempty"`
	ResultingState string    `json:"resulting_state,omitempty"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

type jobReportPayload struct {
	Job        string           `json:"job"`
	Total      int              `json:"total"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Failures   []failurePayload `json:"failures,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

type failurePayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type resetRequestPayload struct {
	Username string `json:"username"`
	Baseline string `json:"baseline"`
}

type resultPayload struct {
	UserID    string     `json:"user_id"`
	Kind      string     `json:"event_kind"`
	Success   bool       `json:"success"`
	Outcome   string     `json:"outcome"`
	Reason    string     `json:"reason,omitempty"`
	State     string     `json:"state"`
	LabName   string     `json:"lab_name,omitempty"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
	EventID   int64      `json:"event_id"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListStatus(c *gin.Context) {
	filter, ok := h.bindFilter(c)
	if !ok {
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	page, err := h.statuses.ListCurrentStatus(c.Request.Context(), filter, ledger.Page{
		After: strings.TrimSpace(c.Query("after")),
		Limit: limit,
	})
	if err != nil {
		h.writeLedgerError(c, "failed to list current status", err)
		return
	}
	response := statusListPayload{Items: make([]statusPayload, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, status := range page.Items {
		response.Items = append(response.Items, newStatusPayload(status))
	}
	c.JSON(http.StatusOK, response)
}

// handleStatusSummary splits every known user into online (inside a lab) and offline.
func (h *httpHandler) handleStatusSummary(c *gin.Context) {
	filter, ok := h.bindFilter(c)
	if !ok {
		return
	}
	response := summaryPayload{Online: []statusPayload{}, Offline: []statusPayload{}}
	for status, err := range h.statuses.AllCurrentStatus(c.Request.Context(), ledger.Filter{Lab: filter.Lab}, summaryPageSize) {
		if err != nil {
			h.writeLedgerError(c, "failed to summarise current status", err)
			return
		}
		if status.State == ledger.StateInside {
			response.Online = append(response.Online, newStatusPayload(status))
		} else {
			response.Offline = append(response.Offline, newStatusPayload(status))
		}
	}
	response.OnlineCount = len(response.Online)
	response.OfflineCount = len(response.Offline)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	events, err := h.statuses.ListEvents(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.writeLedgerError(c, "failed to list status events", err)
		return
	}
	response := make([]eventPayload, 0, len(events))
	for _, event := range events {
		response = append(response, eventPayload{
			ID:             event.ID,
			EventUID:       event.EventUID,
			Kind:           string(event.Kind),
			LabName:        event.LabName,
			Outcome:        string(event.Outcome),
			Reason:         event.Reason,
			ObservedState:  string(event.ObservedState),
			ResultingState: string(event.ResultingState),
			Source:         string(event.Source),
			CreatedAt:      event.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"user_id": strings.TrimSpace(c.Param("user_id")), "events": response})
}

func (h *httpHandler) handleReset(c *gin.Context) {
	var request resetRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	baseline := h.baseline
	if strings.TrimSpace(request.Baseline) != "" {
		parsed, err := ledger.ParseState(request.Baseline)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		baseline = parsed
	}

	result, err := h.presence.Reset(c.Request.Context(), presence.Request{
		UserID:   c.Param("user_id"),
		Username: request.Username,
		Source:   ledger.SourceAdminAction,
	}, baseline)
	if err != nil {
		h.writeLedgerError(c, "admin reset failed", err)
		return
	}
	h.logger.Info("admin reset applied",
		zap.String("user_id", result.UserID),
		zap.String("state", string(result.State)),
		zap.String("admin", c.GetString(adminSubjectContextKey)),
	)
	c.JSON(http.StatusOK, resultPayload{
		UserID:    result.UserID,
		Kind:      string(result.Kind),
		Success:   result.Success,
		Outcome:   string(result.Outcome),
		Reason:    result.Reason,
		State:     string(result.State),
		LabName:   result.LabName,
		EnteredAt: result.EnteredAt,
		EventID:   result.EventID,
	})
}

func (h *httpHandler) handleTriggerJob(c *gin.Context) {
	report, err := h.jobs.TriggerJob(c.Request.Context(), c.Param("job"))
	if errors.Is(err, scheduler.ErrUnknownJob) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_job"})
		return
	}
	if err != nil {
		h.writeLedgerError(c, "job trigger failed", err)
		return
	}
	response := jobReportPayload{
		Job:        string(report.Job),
		Total:      report.Total,
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		Skipped:    report.Skipped,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	for _, failure := range report.Failures {
		response.Failures = append(response.Failures, failurePayload{UserID: failure.UserID, Reason: failure.Reason})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		if errors.Is(err, auth.ErrForbidden) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) bindFilter(c *gin.Context) (ledger.Filter, bool) {
	filter := ledger.Filter{Lab: strings.TrimSpace(c.Query("lab"))}
	if raw := strings.TrimSpace(c.Query("state")); raw != "" {
		state, err := ledger.ParseState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return ledger.Filter{}, false
		}
		filter.State = state
	}
	return filter, true
}

func (h *httpHandler) writeLedgerError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
	case errors.Is(err, ledger.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "canceled"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": presence.ReasonFor(err)})
	}
}

func newStatusPayload(status ledger.CurrentStatus) statusPayload {
	return statusPayload{
		UserID:    status.UserID,
		Username:  status.Username,
		State:     string(status.State),
		LabName:   status.Lab(),
		EnteredAt: status.EnteredAt,
		UpdatedAt: status.UpdatedAt,
	}
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}
