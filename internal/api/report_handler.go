package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/api/shared"
	"github.com/issuewatch/issuewatch-api/internal/service"
)

// ReportHandler serves the report lifecycle endpoints.
type ReportHandler struct {
	service service.ReportService
	logger  *slog.Logger
}

// NewReportHandler creates a handler over the report service.
func NewReportHandler(svc service.ReportService, logger *slog.Logger) *ReportHandler {
	if svc == nil {
		panic("report service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportHandler{
		service: svc,
		logger:  logger.With(slog.String("component", "report_handler")),
	}
}

// RegisterRoutes mounts the report endpoints on the router. The
// identity middleware must already have run.
func (h *ReportHandler) RegisterRoutes(r chi.Router) {
	r.Post("/reports", h.SubmitReport)
	r.Get("/reports", h.ListReports)
	r.Get("/reports/{id}", h.GetReport)
	r.Post("/reports/{id}/cancel", h.CancelReport)
	r.Post("/reports/{id}/requeue", h.RequeueErrorTasks)
	r.Post("/reports/{id}/finalize", h.FinalizeReport)
	r.Delete("/reports/{id}", h.DeleteReport)
	r.Get("/workload", h.GetWorkload)
}

func (h *ReportHandler) identity(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	userID, ok := shared.GetUserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Missing user identity")
		return uuid.Nil, "", false
	}
	return userID, shared.GetUserEmail(r.Context()), true
}

func (h *ReportHandler) reportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid report ID")
		return uuid.Nil, false
	}
	return id, true
}

// SubmitReport handles POST /api/reports.
func (h *ReportHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	userID, userEmail, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req SubmitReportRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request data")
		return
	}

	result, err := h.service.SubmitReport(r.Context(), userID, userEmail, req.RepoURL, req.Keyword)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	status := http.StatusCreated
	if result.Cached || result.Resumed {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, SubmitReportResponse{
		Report:  ToReportResponse(result.Report),
		Cached:  result.Cached,
		Resumed: result.Resumed,
	})
}

// ListReports handles GET /api/reports.
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	reports, err := h.service.ListUserReports(r.Context(), userID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	out := make([]ReportSummaryResponse, 0, len(reports))
	for _, report := range reports {
		out = append(out, ToReportSummaryResponse(report))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// GetReport handles GET /api/reports/{id}.
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	reportID, ok := h.reportID(w, r)
	if !ok {
		return
	}

	report, err := h.service.GetReport(r.Context(), userID, reportID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ToReportResponse(report))
}

// CancelReport handles POST /api/reports/{id}/cancel.
func (h *ReportHandler) CancelReport(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	reportID, ok := h.reportID(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelReport(r.Context(), userID, reportID); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequeueErrorTasks handles POST /api/reports/{id}/requeue.
func (h *ReportHandler) RequeueErrorTasks(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	reportID, ok := h.reportID(w, r)
	if !ok {
		return
	}

	n, err := h.service.RequeueErrorTasks(r.Context(), userID, reportID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, RequeueResponse{Requeued: n})
}

// FinalizeReport handles POST /api/reports/{id}/finalize.
func (h *ReportHandler) FinalizeReport(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	reportID, ok := h.reportID(w, r)
	if !ok {
		return
	}

	n, err := h.service.FinalizeReport(r.Context(), userID, reportID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, FinalizeResponse{Substituted: n})
}

// DeleteReport handles DELETE /api/reports/{id}.
func (h *ReportHandler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	reportID, ok := h.reportID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteReport(r.Context(), userID, reportID); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetWorkload handles GET /api/workload.
func (h *ReportHandler) GetWorkload(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	status, err := h.service.GetWorkloadStatus(r.Context(), userID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}
