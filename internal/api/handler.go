package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"FollowUp/internal/apperr"
	"FollowUp/internal/csvparser"
	"FollowUp/internal/db"
	"FollowUp/internal/models"
	"FollowUp/internal/scheduler"
	"FollowUp/internal/timeutil"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	GetStatus() scheduler.Status
	ProcessFollowUps(ctx context.Context) (scheduler.CycleReport, error)
}

// Defaults fill in policy fields a request leaves out.
type Defaults struct {
	Timezone      string
	IntervalDays  int
	MaxAttempts   int
	ImportMaxRows int
}

type Handler struct {
	Store       db.Store
	Scheduler   Scheduler
	Defaults    Defaults
	Log         *zap.Logger
	PingTimeout time.Duration
	Now         func() time.Time
}

const maxImportBytes = 10 << 20

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps coded errors to a status and writes them as JSON.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var coded *apperr.Error
	if !errors.As(err, &coded) {
		h.Log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    "INTERNAL",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusInternalServerError
	switch coded.Code {
	case apperr.CodeValidationFailed, apperr.CodeInvalidDate, apperr.CodeInvalidTimestamp,
		apperr.CodeInvalidInterval, apperr.CodeInvalidTimezone:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeCycleInProgress, apperr.CodeConcurrentModification:
		status = http.StatusConflict
	case apperr.CodeSchedulerStartup:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, coded)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ----------------------------
// Scheduler
// ----------------------------

type statusResponse struct {
	scheduler.Status
	Store string `json:"store"`
}

// SchedulerStatus always answers 200; a store outage shows up as
// store=unreachable.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.Scheduler.GetStatus(), Store: "unknown"}

	if h.Store != nil {
		timeout := h.PingTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := h.Store.Ping(ctx); err != nil {
			h.Log.Warn("store ping failed", zap.Error(err))
			resp.Store = "unreachable"
		} else {
			resp.Store = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Stop(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

func (h *Handler) RestartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Restart(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

// RunCycle runs one poll cycle inline and returns its report.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.Scheduler.ProcessFollowUps(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ----------------------------
// Applications
// ----------------------------

type policyRequest struct {
	CadenceType  models.CadenceType `json:"cadenceType"`
	IntervalDays int                `json:"intervalDays"`
	MaxAttempts  int                `json:"maxAttempts"`
	Timezone     string             `json:"timezone"`
}

type createApplicationRequest struct {
	UserID         string         `json:"userId"`
	RecipientEmail string         `json:"recipientEmail"`
	Company        string         `json:"company"`
	Position       string         `json:"position"`
	Subject        string         `json:"subject"`
	SentAt         any            `json:"sentAt"`
	Policy         *policyRequest `json:"followUpPolicy"`
}

type applicationResponse struct {
	*models.Application
	PolicySummary string `json:"policySummary"`
}

// newApplication applies defaults, builds the policy from sentAt (or now)
// and validates the result.
func (h *Handler) newApplication(userID, recipient, company, position, subject string, sentAt *int64, p policyRequest) (*models.Application, error) {
	nowMs := h.now().UnixMilli()

	if p.IntervalDays == 0 {
		p.IntervalDays = h.Defaults.IntervalDays
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = h.Defaults.MaxAttempts
	}
	if p.Timezone == "" {
		p.Timezone = h.Defaults.Timezone
	}

	from := nowMs
	if sentAt != nil {
		from = *sentAt
	}
	policy, err := models.NewPolicy(p.CadenceType, p.IntervalDays, p.MaxAttempts, p.Timezone, from)
	if err != nil {
		return nil, err
	}

	app := models.NewApplication(userID, recipient, company, position, subject, sentAt, policy, nowMs)
	if err := app.Validate(nowMs); err != nil {
		return nil, err
	}
	return app, nil
}

func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid JSON: "+err.Error()))
		return
	}

	var p policyRequest
	if req.Policy != nil {
		p = *req.Policy
	}

	var sentAt *int64
	if req.SentAt != nil {
		tz := p.Timezone
		if tz == "" {
			tz = h.Defaults.Timezone
		}
		ms, err := timeutil.ToEpochMillisIn(req.SentAt, tz)
		if err != nil {
			h.writeError(w, err)
			return
		}
		sentAt = &ms
	}

	app, err := h.newApplication(req.UserID, req.RecipientEmail, req.Company, req.Position, req.Subject, sentAt, p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Store.InsertApplication(r.Context(), app); err != nil {
		h.writeError(w, err)
		return
	}

	h.Log.Info("application created",
		zap.String("application_id", app.ID),
		zap.Int64("next_due_at", app.Policy.NextDueAt),
	)
	writeJSON(w, http.StatusCreated, applicationResponse{Application: app, PolicySummary: app.Policy.Describe()})
}

type importResponse struct {
	Imported int                  `json:"imported"`
	IDs      []string             `json:"ids"`
	Errors   []csvparser.RowError `json:"errors"`
}

// ImportApplications reads a CSV request body. Rows that fail validation are
// reported individually; the rest are stored.
func (h *Handler) ImportApplications(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)

	rows, rowErrs, err := csvparser.ParseApplicationRows(body, h.Defaults.ImportMaxRows, h.Defaults.Timezone)
	if err != nil {
		h.writeError(w, apperr.Validation("csv: "+err.Error()))
		return
	}

	resp := importResponse{IDs: []string{}, Errors: rowErrs}
	if resp.Errors == nil {
		resp.Errors = []csvparser.RowError{}
	}

	for _, row := range rows {
		app, err := h.newApplication("", row.Email, row.Company, row.Position, row.Subject, row.SentAt, policyRequest{
			CadenceType:  row.Cadence,
			IntervalDays: row.IntervalDays,
			MaxAttempts:  row.MaxAttempts,
			Timezone:     row.Timezone,
		})
		if err == nil {
			err = h.Store.InsertApplication(r.Context(), app)
		}
		if err != nil {
			resp.Errors = append(resp.Errors, csvparser.RowError{Line: row.Line, Err: err.Error()})
			continue
		}
		resp.IDs = append(resp.IDs, app.ID)
	}
	resp.Imported = len(resp.IDs)

	h.Log.Info("applications imported",
		zap.Int("imported", resp.Imported),
		zap.Int("rejected", len(resp.Errors)),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.Store.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationResponse{Application: app, PolicySummary: app.Policy.Describe()})
}

func (h *Handler) ListFollowUps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetApplication(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	recs, err := h.Store.ListFollowUpRecords(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.FollowUpRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateApplicationStatus moves an application out of (or back into) the
// sent state, e.g. when the recipient responded.
func (h *Handler) UpdateApplicationStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid JSON: "+err.Error()))
		return
	}
	status := models.ApplicationStatus(req.Status)
	if !status.Valid() {
		h.writeError(w, apperr.Validation("unknown status "+req.Status))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Store.UpdateApplicationStatus(r.Context(), id, status, h.now().UnixMilli()); err != nil {
		h.writeError(w, err)
		return
	}

	app, err := h.Store.GetApplication(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Log.Info("application status updated", zap.String("application_id", id), zap.String("status", req.Status))
	writeJSON(w, http.StatusOK, applicationResponse{Application: app, PolicySummary: app.Policy.Describe()})
}

// UpdateFollowUpStatus lets an operator mark a record failed after the fact.
func (h *Handler) UpdateFollowUpStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid JSON: "+err.Error()))
		return
	}
	status := models.FollowUpStatus(req.Status)
	if !status.Valid() {
		h.writeError(w, apperr.Validation("unknown status "+req.Status))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.Store.UpdateFollowUpRecordStatus(r.Context(), id, status); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}
