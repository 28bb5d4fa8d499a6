// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/identity"
	"github.com/drfirst/go-rxfill/internal/notification"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

// Paging defaults
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Sweeper runs the incomplete-prescription notification sweep
type Sweeper interface {
	Run(ctx context.Context) (*notification.Report, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	engine  *prescription.Engine
	sweeper Sweeper
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler. m may be nil.
func NewPrescriptionHandler(engine *prescription.Engine, sweeper Sweeper, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		engine:  engine,
		sweeper: sweeper,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes. Everything except the not-completed
// listing requires a verified assertion.
func (h *PrescriptionHandler) Routes(v *identity.Verifier) chi.Router {
	r := chi.NewRouter()
	r.Get("/not-completed", h.NotCompleted)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(v))

		r.With(middleware.RequireRole(identity.RoleDoctor)).Post("/", h.Create)
		r.With(middleware.RequireRole(identity.RolePharmacy)).Post("/submit", h.Submit)
		r.With(middleware.RequireRole(identity.RoleDoctor, identity.RolePharmacy, identity.RolePatient)).Get("/", h.List)
		r.Get("/by-patient", h.ListByPatient)
		r.Post("/send-incomplete-notifications", h.SendIncompleteNotifications)
		r.Get("/{id}", h.Get)
	})
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	PatientIdentifier string                   `json:"patientIdentifier"`
	Items             []prescription.ItemInput `json:"items"`
}

// SubmitRequest is the request body for a pharmacy submission
type SubmitRequest struct {
	PrescriptionID int64    `json:"prescriptionId"`
	Barcodes       []string `json:"barcodes"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Fields []string `json:"fields,omitempty"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := identity.FromContext(ctx)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	p, err := h.engine.Create(ctx, caller.SubjectID, req.PatientIdentifier, req.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("prescription created",
		zap.Int64("id", p.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusOK, p)
}

// Submit handles POST /prescriptions/submit
func (h *PrescriptionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := identity.FromContext(ctx)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.PrescriptionID <= 0 {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation failed",
			Code:   "validation",
			Fields: []string{"prescriptionId: is required"},
		})
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("prescription_id", req.PrescriptionID))

	p, err := h.engine.Submit(ctx, caller.SubjectID, req.PrescriptionID, req.Barcodes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(w, "invalid prescription id")
		return
	}

	p, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// List handles GET /prescriptions. Doctors see their own prescriptions and
// pharmacies see the ones they have submitted against.
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())

	pageNumber, pageSize, ok := h.paging(w, r)
	if !ok {
		return
	}

	var f prescription.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := prescription.ParseStatus(s)
		if err != nil {
			h.badRequest(w, err.Error())
			return
		}
		f.Status = &status
	}

	subject := caller.SubjectID
	switch caller.Role {
	case identity.RoleDoctor:
		f.DoctorID = &subject
	case identity.RolePharmacy:
		f.PharmacyID = &subject
	}

	page, err := h.engine.ListPage(r.Context(), f, pageNumber, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// NotCompleted handles GET /prescriptions/not-completed
func (h *PrescriptionHandler) NotCompleted(w http.ResponseWriter, r *http.Request) {
	pageNumber, pageSize, ok := h.paging(w, r)
	if !ok {
		return
	}

	status := prescription.StatusPartiallySubmitted
	page, err := h.engine.ListPage(r.Context(), prescription.Filter{Status: &status}, pageNumber, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// ListByPatient handles GET /prescriptions/by-patient
func (h *PrescriptionHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListByPatient(r.Context(), r.URL.Query().Get("patientIdentifier"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// SendIncompleteNotifications handles POST /prescriptions/send-incomplete-notifications
func (h *PrescriptionHandler) SendIncompleteNotifications(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.logger.Error("notification sweep failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Error sending notifications"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"message": "Notifications sent successfully",
		"report":  report,
	})
}

func (h *PrescriptionHandler) paging(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	pageNumber, pageSize := 1, DefaultPageSize

	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.badRequest(w, "page must be a positive integer")
			return 0, 0, false
		}
		pageNumber = n
	}
	if s := q.Get("pageSize"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.badRequest(w, "pageSize must be a positive integer")
			return 0, 0, false
		}
		pageSize = min(n, MaxPageSize)
	}
	return pageNumber, pageSize, true
}

// fail maps engine errors to responses. Unexpected errors are logged in full
// and reported generically.
func (h *PrescriptionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *prescription.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "validation", Fields: verr.Fields})
		return
	case errors.Is(err, prescription.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
		return
	case errors.Is(err, prescription.ErrConflict):
		h.metrics.Conflict()
	}

	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
	h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
}

func (h *PrescriptionHandler) badRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "bad_request"})
}

func (h *PrescriptionHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
