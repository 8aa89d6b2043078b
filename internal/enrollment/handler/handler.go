package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/identity"
	"enrolld/internal/enrollment/metrics"
	"enrolld/internal/enrollment/models"
	"enrolld/internal/enrollment/service"
	"enrolld/internal/platform/middleware"
	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/httputil"
	"enrolld/pkg/requestcontext"
)

// Service defines the enrollment operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, in service.Input) (*models.Enrollment, error)
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	GetByIdentity(ctx context.Context, raw string) (*models.Enrollment, error)
	Update(ctx context.Context, id string, in service.Input) (*models.Enrollment, error)
	Cancel(ctx context.Context, id string) (*models.Enrollment, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, q service.ListQuery) (*service.Page, error)
	RequestAsync(ctx context.Context, in service.Input) (string, error)
	AgeGroups() []agegroup.Group
}

// Check is a named dependency probe for /healthz.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handler serves the enrollment API.
type Handler struct {
	service Service
	logger  *slog.Logger
	metrics *metrics.Metrics
	checks  []Check
}

func New(svc Service, logger *slog.Logger, m *metrics.Metrics, checks ...Check) *Handler {
	return &Handler{
		service: svc,
		logger:  logger,
		metrics: m,
		checks:  checks,
	}
}

// Register mounts the routes and their middleware on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.RequestID)
		r.Use(middleware.RequestTime)
		r.Use(middleware.Observe(h.logger, h.metrics))

		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", h.handleCreate)
			r.Get("/", h.handleList)
			r.Post("/requests", h.handleRequest)
			r.Get("/by-identity/{identity}", h.handleGetByIdentity)
			r.Get("/{id}", h.handleGet)
			r.Put("/{id}", h.handleUpdate)
			r.Delete("/{id}", h.handleDelete)
			r.Post("/{id}/cancel", h.handleCancel)
		})
		r.Get("/age-groups", h.handleAgeGroups)
		r.Get("/healthz", h.handleHealth)
	})
}

type enrollmentRequest struct {
	IdentityNumber string `json:"identity_number"`
	FullName       string `json:"full_name"`
	BirthDate      string `json:"birth_date"`
	Status         string `json:"status,omitempty"`
}

func (req enrollmentRequest) input() (service.Input, error) {
	in := service.Input{
		IdentityNumber: req.IdentityNumber,
		FullName:       req.FullName,
		Status:         models.Status(req.Status),
	}
	if req.BirthDate != "" {
		birth, err := time.Parse(time.DateOnly, req.BirthDate)
		if err != nil {
			return in, dErrors.New(dErrors.CodeBadRequest, "birth_date must be YYYY-MM-DD")
		}
		in.BirthDate = birth
	}
	return in, nil
}

type enrollmentResponse struct {
	ID             string     `json:"id"`
	IdentityNumber string     `json:"identity_number"`
	FormattedID    string     `json:"identity_number_formatted"`
	FullName       string     `json:"full_name"`
	BirthDate      string     `json:"birth_date"`
	AgeGroup       string     `json:"age_group"`
	Status         string     `json:"status"`
	RequestedAt    *time.Time `json:"requested_at,omitempty"`
	LastMessageID  string     `json:"last_message_id,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toResponse(rec *models.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		ID:             rec.ID,
		IdentityNumber: rec.IdentityNumber,
		FormattedID:    identity.Format(rec.IdentityNumber),
		FullName:       rec.FullName,
		BirthDate:      rec.BirthDate.Format(time.DateOnly),
		AgeGroup:       rec.AgeGroup,
		Status:         rec.Status.String(),
		RequestedAt:    rec.RequestedAt,
		LastMessageID:  rec.LastMessageID,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

type listMeta struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

type listResponse struct {
	Items []enrollmentResponse `json:"items"`
	Meta  listMeta             `json:"meta"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (service.Input, bool) {
	var req enrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid enrollment request body",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return service.Input{}, false
	}
	in, err := req.input()
	if err != nil {
		httputil.WriteError(w, err)
		return service.Input{}, false
	}
	return in, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal || dErrors.CodeOf(err) == dErrors.CodeUnavailable {
		h.logger.ErrorContext(r.Context(), op+" failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "create enrollment", err)
		return
	}
	w.Header().Set("Location", "/enrollments/"+rec.ID)
	httputil.WriteJSON(w, http.StatusCreated, toResponse(rec))
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	messageID, err := h.service.RequestAsync(r.Context(), in)
	if err != nil {
		h.fail(w, r, "queue enrollment request", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get enrollment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) handleGetByIdentity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetByIdentity(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.fail(w, r, "get enrollment by identity", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, "update enrollment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "cancel enrollment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete enrollment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "page must be a positive integer"))
		return
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "page_size must be a positive integer"))
		return
	}

	result, err := h.service.List(r.Context(), service.ListQuery{
		Status:   models.Status(q.Get("status")),
		AgeGroup: q.Get("age_group"),
		Name:     q.Get("name"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.fail(w, r, "list enrollments", err)
		return
	}

	resp := listResponse{
		Items: make([]enrollmentResponse, 0, len(result.Items)),
		Meta: listMeta{
			Page:       result.Page,
			PageSize:   result.PageSize,
			TotalItems: result.TotalItems,
			TotalPages: result.TotalPages,
		},
	}
	for _, rec := range result.Items {
		resp.Items = append(resp.Items, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAgeGroups(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.AgeGroups())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
