package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"call-scheduler/internal/audit"
	"call-scheduler/internal/auth"
	"call-scheduler/internal/calls"
	"call-scheduler/internal/dispatch"
	"call-scheduler/internal/reconcile"
	"call-scheduler/internal/reporting"
	"call-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Store      calls.Store
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Audit      *audit.Service
	Reports    *reporting.Service
	Auth       *auth.Manager

	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// Health is the service banner the UI polls.
func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "call-scheduler-backend"})
}

// --- Records ---

// recordView is the JSON shape of a record. Unset fields are null, not omitted.
type recordView struct {
	ID             string     `json:"id"`
	PhoneNumber    string     `json:"phone_number"`
	ScheduleTime   *time.Time `json:"schedule_time"`
	CreatedAt      time.Time  `json:"created_at"`
	Started        bool       `json:"started"`
	ExternalCallID *string    `json:"external_call_id"`
	LastStatus     *string    `json:"last_status"`
	Notes          *string    `json:"notes"`

	State         calls.State `json:"state"`
	StartAttempts int         `json:"start_attempts"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
}

func viewOf(r calls.Record, now time.Time) recordView {
	return recordView{
		ID:             r.ID,
		PhoneNumber:    r.PhoneNumber,
		ScheduleTime:   r.ScheduleTime,
		CreatedAt:      r.CreatedAt,
		Started:        r.Started,
		ExternalCallID: nullable(r.ExternalCallID),
		LastStatus:     nullable(string(r.LastStatus)),
		Notes:          nullable(r.LastError),
		State:          calls.DeriveState(r, now),
		StartAttempts:  r.StartAttempts,
		NextAttemptAt:  r.NextAttemptAt,
	}
}

// statusView is a record plus the outcome of the on-demand refresh.
type statusView struct {
	recordView
	ExternalError string `json:"external_error,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type scheduleRequest struct {
	PhoneNumber  string `json:"phone_number"`
	ScheduleTime string `json:"schedule_time"`
}

// ScheduleCall persists a new record. Without a schedule_time, or with one in
// the past, the record is due on the next dispatcher tick.
func (h Handlers) ScheduleCall(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := calls.ValidatePhoneNumber(req.PhoneNumber); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number is required and must be >=10 chars"})
		return
	}
	var at *time.Time
	if strings.TrimSpace(req.ScheduleTime) != "" {
		t, err := ParseScheduleTime(req.ScheduleTime)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid schedule_time. Use ISO format."})
			return
		}
		at = &t
	}

	ctx := c.Request.Context()
	rec, err := h.Store.Create(ctx, req.PhoneNumber, at)
	if err != nil {
		if errors.Is(err, calls.ErrValidation) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("create schedule failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not save schedule"})
		return
	}

	view := viewOf(rec, h.now())
	_ = h.Audit.Log(ctx, rec.ID, audit.EventSubmitted, string(view.State), "")
	logger.FromGin(c).Info("call scheduled", "record_id", rec.ID, "state", view.State)
	c.JSON(http.StatusCreated, gin.H{"success": true, "schedule_id": rec.ID, "schedule": view})
}

// ListSchedules returns every record, oldest first.
func (h Handlers) ListSchedules(c *gin.Context) {
	rows, err := h.Store.ListAll(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("list schedules failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not list schedules"})
		return
	}
	now := h.now()
	out := make([]recordView, 0, len(rows))
	for _, r := range rows {
		out = append(out, viewOf(r, now))
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

// StartNow force-starts a record through the dispatcher's claim.
func (h Handlers) StartNow(c *gin.Context) {
	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatcher not configured"})
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()

	rec, err := h.Dispatcher.ForceStart(ctx, id)
	if !errors.Is(err, calls.ErrNotFound) {
		userID, _ := auth.UserID(ctx)
		role, _ := auth.Role(ctx)
		msg := "started"
		if err != nil {
			msg = err.Error()
		}
		_ = h.Audit.LogOperatorAction(ctx, id, audit.EventForceStart, userID, role, c.ClientIP(), msg)
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "schedule": viewOf(rec, h.now())})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrAlreadyStarted):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already started", "schedule": viewOf(rec, h.now())})
	case errors.Is(err, calls.ErrClaimConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "start already in progress"})
	case errors.Is(err, dispatch.ErrThrottled):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many calls starting, retry shortly"})
	case errors.Is(err, calls.ErrExternalService):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "schedule": viewOf(rec, h.now())})
	default:
		logger.FromGin(c).Error("force start failed", "record_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "force start failed"})
	}
}

// GetStatus returns the record after asking the call service for its latest
// status. A failed lookup is reported alongside the stored record.
func (h Handlers) GetStatus(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var (
		rec calls.Record
		err error
	)
	if h.Reconciler != nil {
		rec, err = h.Reconciler.RefreshByID(ctx, id)
	} else {
		rec, err = h.Store.Get(ctx, id)
	}
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil && rec.ID == "" {
		logger.FromGin(c).Error("status lookup failed", "record_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
		return
	}

	resp := statusView{recordView: viewOf(rec, h.now())}
	if err != nil {
		resp.ExternalError = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents returns the lifecycle log of one record.
func (h Handlers) ListEvents(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.Store.Get(ctx, id); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	events, err := h.Audit.ListByRecord(ctx, id)
	if err != nil {
		logger.FromGin(c).Error("list events failed", "record_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not list events"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Reports ---

// Summary counts records per visible state. Optional from/to are RFC 3339.
func (h Handlers) Summary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	var req reporting.SummaryRequest
	for key, dst := range map[string]*time.Time{"from": &req.Range.From, "to": &req.Range.To} {
		v := strings.TrimSpace(c.Query(key))
		if v == "" {
			continue
		}
		t, err := ParseScheduleTime(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
			return
		}
		*dst = t
	}
	sum, err := h.Reports.Summary(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken exchanges a refresh token for a new pair with the same identity.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	now := time.Now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	pair, err := h.Auth.IssuePair(now, claims.UserID, claims.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}
