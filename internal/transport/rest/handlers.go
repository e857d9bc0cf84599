package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	appCtx "github.com/hirehub/view-service/internal/pkg/context"
	"github.com/hirehub/view-service/internal/transport/rest/response"
)

const (
	maxBulkIDs          = 100
	defaultPendingLimit = 100
	maxPendingLimit     = 10000
	userIDHeader        = "X-User-ID"
	// longer gateway user ids are ignored
	maxUserIDLen        = 128
)

type ViewReader interface {
	GetViewCount(ctx context.Context, subjectID uuid.UUID) (domain.ViewCount, error)
	GetViewCounts(ctx context.Context, subjectIDs []uuid.UUID) ([]domain.ViewCount, error)
	PendingSubjects(ctx context.Context, limit int) ([]domain.PendingSubject, error)
}

type ViewRecorder interface {
	Record(ctx context.Context, subjectID uuid.UUID, hint domain.VisitorHint) bool
}

type FlushRunner interface {
	RunCycle(ctx context.Context) (domain.FlushReport, error)
}

type SweepRunner interface {
	RunCycle(ctx context.Context) (domain.SweepReport, error)
}

// Checker is a named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	reader   ViewReader
	recorder ViewRecorder
	flusher  FlushRunner
	sweeper  SweepRunner
	checks   []Checker
}

func NewHandler(reader ViewReader, recorder ViewRecorder, flusher FlushRunner, sweeper SweepRunner, checks ...Checker) *Handler {
	return &Handler{
		reader:   reader,
		recorder: recorder,
		flusher:  flusher,
		sweeper:  sweeper,
		checks:   checks,
	}
}

// RecordView answers 202 before the view is processed.
func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	accepted := h.recorder.Record(r.Context(), jobID, visitorHint(r))
	response.Data(w, r, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"accepted": accepted,
	})
}

func (h *Handler) GetViewCount(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	vc, err := h.reader.GetViewCount(r.Context(), jobID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, r, http.StatusOK, vc)
}

// GetViewCounts serves ?ids=a,b,c. Unknown ids are omitted from the result.
func (h *Handler) GetViewCounts(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "ids is required", nil)
		return
	}

	parts := strings.Split(raw, ",")
	if len(parts) > maxBulkIDs {
		fail(w, r, http.StatusBadRequest, "request.invalid", "too many ids", map[string]string{
			"ids": "at most " + strconv.Itoa(maxBulkIDs),
		})
		return
	}

	ids := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil || id == uuid.Nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid id", map[string]string{
				"ids": strings.TrimSpace(p) + " is not a valid uuid",
			})
			return
		}
		ids = append(ids, id)
	}

	counts, err := h.reader.GetViewCounts(r.Context(), ids)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, r, http.StatusOK, map[string]any{"items": counts})
}

func (h *Handler) PendingSubjects(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid limit", nil)
			return
		}
		limit = min(n, maxPendingLimit)
	}

	items, err := h.reader.PendingSubjects(r.Context(), limit)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, r, http.StatusOK, map[string]any{"items": items})
}

// Flush runs a cycle now. The cycle outlives a disconnected client.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	report, err := h.flusher.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, r, http.StatusOK, report)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, r, http.StatusOK, report)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.Data(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		fail(w, r, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable", failed)
		return
	}
	response.Data(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil || id == uuid.Nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid jobID", map[string]string{
			"job_id": "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

// visitorHint prefers a verified token, then the gateway's user header, then ip and user agent.
func visitorHint(r *http.Request) domain.VisitorHint {
	hint := domain.VisitorHint{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	}
	if id, ok := GetIdentity(r.Context()); ok {
		hint.UserID = id.UserID
	} else {
		if uid := strings.TrimSpace(r.Header.Get(userIDHeader)); len(uid) <= maxUserIDLen {
			hint.UserID = uid
		}
	}
	return hint
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSubject):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrSubjectNotFound):
		fail(w, r, http.StatusNotFound, "job.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrCycleInProgress):
		fail(w, r, http.StatusConflict, "cycle.in_progress", err.Error(), nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		fail(w, r, http.StatusServiceUnavailable, "store.unavailable", "temporarily unavailable", nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, r, status, code, message, meta, reqID)
}
