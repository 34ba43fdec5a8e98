// ==============================================================================
// KYC WORKFLOW HTTP HANDLER - internal/handler/kyc.go
// ==============================================================================
// Exposes document registration, transitions, SLA views, metrics and the
// live event feed over HTTP
// ==============================================================================

package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kycflow/internal/domain"
	"kycflow/internal/kyc"
	"kycflow/internal/middleware"
	"kycflow/internal/notification"
	"kycflow/pkg/logger"
	"kycflow/pkg/validator"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultStaffRoles may act on documents they do not own.
var DefaultStaffRoles = []string{"reviewer", "admin", "compliance"}

// AdminRole may trigger a sweep by hand.
const AdminRole = "admin"

// SweepRunner runs one locked sweep. *scheduler.Scheduler satisfies it.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*kyc.SweepReport, error)
}

// ==============================================================================
// REQUEST TYPES
// ==============================================================================

type registerDocumentRequest struct {
	DocumentType string          `json:"document_type" validate:"required,max=64"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	Metadata     domain.Metadata `json:"metadata,omitempty"`
}

type transitionRequest struct {
	TargetState     domain.DocumentState `json:"target_state" validate:"required,document_state"`
	Reason          string               `json:"reason,omitempty" validate:"max=2000"`
	ReasonLocalized string               `json:"reason_localized,omitempty" validate:"max=2000"`
	Metadata        domain.Metadata      `json:"metadata,omitempty"`
}

type bulkTransitionRequest struct {
	DocumentIDs     []uuid.UUID          `json:"document_ids" validate:"required,min=1"`
	TargetState     domain.DocumentState `json:"target_state" validate:"required,document_state"`
	Reason          string               `json:"reason,omitempty" validate:"max=2000"`
	ReasonLocalized string               `json:"reason_localized,omitempty" validate:"max=2000"`
	Metadata        domain.Metadata      `json:"metadata,omitempty"`
}

// ==============================================================================
// HANDLER
// ==============================================================================

// WorkflowHandler serves the KYC workflow API.
type WorkflowHandler struct {
	service    *kyc.WorkflowService
	sweeper    SweepRunner
	hub        *notification.Hub
	validator  *validator.Validator
	logger     logger.Logger
	staffRoles []string
	now        func() time.Time

	// baseCtx outlives requests; websocket streams end with it.
	baseCtx context.Context
}

// NewWorkflowHandler wires the handler. sweeper and hub may be nil, which
// disables the manual sweep and the event feed.
func NewWorkflowHandler(
	baseCtx context.Context,
	service *kyc.WorkflowService,
	sweeper SweepRunner,
	hub *notification.Hub,
	val *validator.Validator,
	log logger.Logger,
) *WorkflowHandler {
	if log == nil {
		log = logger.NewNop()
	}
	states := []string{
		string(domain.StateDraft), string(domain.StateSubmitted), string(domain.StateUnderReview),
		string(domain.StateRequiresClarification), string(domain.StateApproved), string(domain.StateRejected),
		string(domain.StateExpired), string(domain.StateSuspended),
	}
	_ = val.RegisterEnum("document_state", states...)

	return &WorkflowHandler{
		service:    service,
		sweeper:    sweeper,
		hub:        hub,
		validator:  val,
		logger:     log.With(map[string]interface{}{"handler": "kyc_workflow"}),
		staffRoles: DefaultStaffRoles,
		now:        time.Now,
		baseCtx:    baseCtx,
	}
}

// Register mounts the workflow routes on an authenticated router.
// writes wraps state-changing routes, typically with idempotency and rate
// limiting; it may be nil.
func (h *WorkflowHandler) Register(api *mux.Router, writes func(http.Handler) http.Handler) {
	if writes == nil {
		writes = func(next http.Handler) http.Handler { return next }
	}
	post := func(path string, fn http.HandlerFunc) *mux.Route {
		return api.Handle(path, writes(fn)).Methods(http.MethodPost)
	}
	staff := middleware.RequireRole(h.staffRoles...)

	post("/kyc/documents", h.RegisterDocument)
	api.HandleFunc("/kyc/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	post("/kyc/documents/{id}/workflow/initialize", h.InitializeWorkflow)
	post("/kyc/documents/{id}/workflow/transition", h.TransitionStatus)
	api.HandleFunc("/kyc/documents/{id}/workflow/history", h.GetStatusHistory).Methods(http.MethodGet)
	api.HandleFunc("/kyc/documents/{id}/workflow/transitions", h.GetAvailableTransitions).Methods(http.MethodGet)
	api.HandleFunc("/kyc/documents/{id}/workflow/sla", h.GetSLA).Methods(http.MethodGet)

	api.Handle("/kyc/workflow/bulk-transition", staff(writes(http.HandlerFunc(h.BulkTransition)))).Methods(http.MethodPost)
	api.Handle("/kyc/workflow/overdue", staff(http.HandlerFunc(h.GetOverdueDocuments))).Methods(http.MethodGet)
	api.Handle("/kyc/workflow/metrics", staff(http.HandlerFunc(h.GetWorkflowMetrics))).Methods(http.MethodGet)
	api.HandleFunc("/kyc/workflow/rules", h.GetRules).Methods(http.MethodGet)
	api.Handle("/kyc/workflow/sweep", middleware.RequireRole(AdminRole)(http.HandlerFunc(h.RunSweep))).Methods(http.MethodPost)
	api.Handle("/kyc/workflow/events", staff(http.HandlerFunc(h.Events))).Methods(http.MethodGet)
}

// ==============================================================================
// DOCUMENT ENDPOINTS
// ==============================================================================

// RegisterDocument creates a draft document owned by the caller.
// POST /kyc/documents
func (h *WorkflowHandler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req registerDocumentRequest
	if !decodeAndValidate(h.logger, h.validator, w, r, &req) {
		return
	}

	doc, err := h.service.RegisterDocument(r.Context(), kyc.NewDocumentRequest{
		UserID:       userID,
		DocumentType: strings.TrimSpace(req.DocumentType),
		ExpiryDate:   req.ExpiryDate,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	h.logger.Info("KYC document registered", map[string]interface{}{
		"document_id":   doc.ID.String(),
		"user_id":       userID.String(),
		"document_type": doc.DocumentType,
	})
	respondJSON(h.logger, w, http.StatusCreated, doc)
}

// GetDocument returns one document.
// GET /kyc/documents/{id}
func (h *WorkflowHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	respondJSON(h.logger, w, http.StatusOK, doc)
}

// InitializeWorkflow makes sure the document has its initial log entry.
// POST /kyc/documents/{id}/workflow/initialize
func (h *WorkflowHandler) InitializeWorkflow(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	doc, err := h.service.InitializeWorkflow(r.Context(), doc.ID)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, doc)
}

// TransitionStatus moves a document on behalf of the caller.
// POST /kyc/documents/{id}/workflow/transition
func (h *WorkflowHandler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeAndValidate(h.logger, h.validator, w, r, &req) {
		return
	}
	userID, _ := middleware.UserIDFromContext(r.Context())

	updated, err := h.service.TransitionStatus(r.Context(), kyc.TransitionRequest{
		DocumentID:      doc.ID,
		TargetState:     req.TargetState,
		Actor:           domain.HumanActor(userID),
		Reason:          req.Reason,
		ReasonLocalized: req.ReasonLocalized,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, updated)
}

// GetStatusHistory returns the document's log, oldest first.
// GET /kyc/documents/{id}/workflow/history
func (h *WorkflowHandler) GetStatusHistory(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	history, err := h.service.GetStatusHistory(r.Context(), doc.ID)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"entries":     history,
	})
}

// GetAvailableTransitions lists the manual moves out of the current state.
// GET /kyc/documents/{id}/workflow/transitions
func (h *WorkflowHandler) GetAvailableTransitions(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	available, err := h.service.GetAvailableTransitions(r.Context(), doc.ID)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"document_id":   doc.ID,
		"current_state": doc.State,
		"transitions":   available,
	})
}

// GetSLA evaluates the document against its current state's SLA.
// GET /kyc/documents/{id}/workflow/sla
func (h *WorkflowHandler) GetSLA(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.visibleDocument(w, r)
	if !ok {
		return
	}
	tracking := h.service.CheckSLACompliance(doc, h.now().UTC())
	respondJSON(h.logger, w, http.StatusOK, domain.SLAMonitoringRecord{
		DocumentID:   doc.ID,
		UserID:       doc.UserID,
		DocumentType: doc.DocumentType,
		State:        doc.State,
		SLATracking:  tracking,
		CheckedAt:    *tracking.LastCheckedAt,
	})
}

// ==============================================================================
// STAFF ENDPOINTS
// ==============================================================================

// BulkTransition applies one transition to many documents.
// POST /kyc/workflow/bulk-transition
func (h *WorkflowHandler) BulkTransition(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req bulkTransitionRequest
	if !decodeAndValidate(h.logger, h.validator, w, r, &req) {
		return
	}
	if limit := h.service.BulkLimit(); len(req.DocumentIDs) > limit {
		respondValidation(h.logger, w, r, "Too many documents", map[string]string{
			"document_ids": fmt.Sprintf("at most %d documents per request", limit),
		})
		return
	}

	result, err := h.service.BulkTransition(r.Context(), kyc.BulkTransitionRequest{
		DocumentIDs:     req.DocumentIDs,
		TargetState:     req.TargetState,
		Actor:           domain.HumanActor(userID),
		Reason:          req.Reason,
		ReasonLocalized: req.ReasonLocalized,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	h.logger.Info("KYC bulk transition", map[string]interface{}{
		"user_id":      userID.String(),
		"target_state": string(req.TargetState),
		"requested":    len(req.DocumentIDs),
		"succeeded":    len(result.Succeeded),
		"failed":       len(result.Failed),
	})
	respondJSON(h.logger, w, http.StatusOK, result)
}

// GetOverdueDocuments lists active documents past their SLA.
// GET /kyc/workflow/overdue
func (h *WorkflowHandler) GetOverdueDocuments(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.GetOverdueDocuments(r.Context())
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"total":     len(records),
		"documents": records,
	})
}

// GetWorkflowMetrics reports on documents created in [start_date, end_date).
// GET /kyc/workflow/metrics?start_date=&end_date=&document_type=
func (h *WorkflowHandler) GetWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}

	parse := func(name string) time.Time {
		raw := q.Get(name)
		if raw == "" {
			fields[name] = "This field is required"
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			if t, err = time.Parse("2006-01-02", raw); err != nil {
				fields[name] = "Must be an RFC 3339 timestamp or a date"
				return time.Time{}
			}
		}
		return t.UTC()
	}
	query := domain.MetricsQuery{
		StartDate:    parse("start_date"),
		EndDate:      parse("end_date"),
		DocumentType: strings.TrimSpace(q.Get("document_type")),
	}
	if len(fields) > 0 {
		respondValidation(h.logger, w, r, "Invalid metrics query", fields)
		return
	}

	metrics, err := h.service.GetWorkflowMetrics(r.Context(), query)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, metrics)
}

// GetRules returns the loaded transition rule table.
// GET /kyc/workflow/rules
func (h *WorkflowHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"rules": h.service.Rules().Rules(),
	})
}

// RunSweep runs the scheduled sweep now.
// POST /kyc/workflow/sweep
func (h *WorkflowHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		respondJSON(h.logger, w, http.StatusServiceUnavailable, map[string]string{"error": "sweep runner not configured"})
		return
	}
	userID, _ := middleware.UserIDFromContext(r.Context())
	h.logger.Info("Manual KYC sweep requested", map[string]interface{}{"user_id": userID.String()})

	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, report)
}

// Events streams transitions and escalations over a websocket.
// GET /kyc/workflow/events
func (h *WorkflowHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondJSON(h.logger, w, http.StatusServiceUnavailable, map[string]string{"error": "event feed not configured"})
		return
	}
	h.hub.ServeWS(h.baseCtx, w, r)
}

// ==============================================================================
// HELPERS
// ==============================================================================

func (h *WorkflowHandler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondJSON(h.logger, w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized: missing user context"})
		return uuid.Nil, false
	}
	return userID, true
}

// visibleDocument loads the {id} document if the caller owns it or holds a
// staff role. Other callers get 404 so document ids cannot be probed.
func (h *WorkflowHandler) visibleDocument(w http.ResponseWriter, r *http.Request) (*domain.KYCDocument, bool) {
	userID, ok := h.caller(w, r)
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondValidation(h.logger, w, r, "Invalid document id", map[string]string{"id": "Must be a UUID"})
		return nil, false
	}

	doc, err := h.service.GetDocument(r.Context(), id)
	if err != nil {
		respondError(h.logger, w, r, err)
		return nil, false
	}
	if doc.UserID != userID && !middleware.HasAnyRole(r.Context(), h.staffRoles...) {
		h.logger.Warn("KYC document access denied", map[string]interface{}{
			"document_id": id.String(),
			"user_id":     userID.String(),
		})
		respondError(h.logger, w, r, notFound(id))
		return nil, false
	}
	return doc, true
}
