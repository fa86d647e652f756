// internal/booking/handler.go
package booking

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"rentalnexus/internal/rental"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminTokenHeader carries the operator token required for status overrides.
const AdminTokenHeader = "X-Admin-Token"

// OverrideAuthorizer decides whether a token may force a status transition.
type OverrideAuthorizer interface {
	Authorize(token string) bool
}

type Handler struct {
	service Service
	admin   OverrideAuthorizer
	logger  *zap.Logger
}

func NewHandler(service Service, admin OverrideAuthorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, admin: admin, logger: logger}
}

// NewRouter mounts the engine API behind the standard middleware chain.
func NewRouter(h *Handler, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/", h.Routes())
	return r
}

// Routes returns the engine API without middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/equipment", h.handleRegisterEquipment)
	r.Route("/equipment/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetEquipment)
		r.Put("/status", h.handleSetStatus)
		r.Put("/quantity", h.handleSetTotalQuantity)
		r.Get("/availability", h.handleAvailability)
		r.Get("/bookings", h.handleBookings)
	})

	r.Post("/bookings", h.handleRequestBooking)
	r.Route("/bookings/{id}", func(r chi.Router) {
		r.Patch("/", h.handleAmendBooking)
		r.Delete("/", h.handleCancelBooking)
		r.Post("/confirm", h.handleConfirmBooking)
		r.Get("/history", h.handleHistory)
	})

	r.Post("/maintenance-blocks", h.handleBlockMaintenance)
	r.Post("/holds/expire", h.handleExpireHolds)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Windows   []rental.Window   `json:"windows,omitempty"`
	Intervals []rental.Interval `json:"intervals,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reason := rental.Reason(err)
	body := errorBody{Error: reason, Message: err.Error()}

	var (
		short     *rental.InsufficientAvailabilityError
		committed *rental.HasActiveCommitmentsError
	)
	if errors.As(err, &short) {
		body.Windows = short.Windows
	}
	if errors.As(err, &committed) {
		body.Intervals = committed.Intervals
	}

	status := http.StatusConflict
	switch reason {
	case "invalid_request":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "":
		status = http.StatusInternalServerError
		body = errorBody{Error: "internal", Message: "internal error"}
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestID", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func (h *Handler) badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: message})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.badRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// timeRange reads RFC 3339 start and end query parameters. Missing values
// fall back to the given defaults; a zero default makes the parameter
// required.
func (h *Handler) timeRange(w http.ResponseWriter, r *http.Request, defStart, defEnd time.Time) (time.Time, time.Time, bool) {
	parse := func(name string, def time.Time) (time.Time, bool) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			if def.IsZero() {
				h.badRequest(w, name+" is required")
				return time.Time{}, false
			}
			return def, true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.badRequest(w, name+" must be an RFC 3339 time")
			return time.Time{}, false
		}
		return t, true
	}
	start, ok := parse("start", defStart)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	end, ok := parse("end", defEnd)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *Handler) handleRegisterEquipment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		TotalQuantity int    `json:"total_quantity"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	unit, err := h.service.RegisterEquipment(r.Context(), req.Name, req.TotalQuantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

func (h *Handler) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	unit, err := h.service.GetEquipment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// StatusChange is the response of PUT /equipment/{id}/status.
type StatusChange struct {
	Equipment rental.Equipment  `json:"equipment"`
	Previous  rental.Status     `json:"previous"`
	Changed   bool              `json:"changed"`
	Cancelled []rental.Interval `json:"cancelled"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status   rental.Status `json:"status"`
		Override bool          `json:"override"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Override && (h.admin == nil || !h.admin.Authorize(r.Header.Get(AdminTokenHeader))) {
		h.logger.Warn("status override refused", zap.String("equipmentID", id.String()), zap.String("ip", clientIP(r)))
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "override requires a valid " + AdminTokenHeader})
		return
	}

	result, err := h.service.SetStatus(r.Context(), id, req.Status, req.Override)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cancelled := result.Cancelled
	if cancelled == nil {
		cancelled = []rental.Interval{}
	}
	writeJSON(w, http.StatusOK, StatusChange{
		Equipment: result.Equipment,
		Previous:  result.Previous,
		Changed:   result.Changed,
		Cancelled: cancelled,
	})
}

func (h *Handler) handleSetTotalQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		TotalQuantity int `json:"total_quantity"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.service.SetTotalQuantity(r.Context(), id, req.TotalQuantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	start, end, ok := h.timeRange(w, r, time.Time{}, time.Time{})
	if !ok {
		return
	}
	windows, err := h.service.Availability(r.Context(), id, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (h *Handler) handleBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	start, end, ok := h.timeRange(w, r, time.Unix(0, 0).UTC(), rental.EndOfTime)
	if !ok {
		return
	}
	intervals, err := h.service.Bookings(r.Context(), id, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intervals)
}

func (h *Handler) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	iv, err := h.service.RequestBooking(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

func (h *Handler) handleBlockMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	iv, err := h.service.BlockMaintenance(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

// handleAmendBooking applies exactly one change per request so a partial
// amendment can never be committed.
func (h *Handler) handleAmendBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req Amendment
	if !h.decode(w, r, &req) {
		return
	}

	var (
		iv  rental.Interval
		err error
	)
	switch {
	case req.Quantity != nil && req.End != nil:
		h.badRequest(w, "amend either quantity or end, not both")
		return
	case req.Quantity != nil:
		iv, err = h.service.ModifyQuantity(r.Context(), id, *req.Quantity)
	case req.End != nil:
		iv, err = h.service.ExtendBooking(r.Context(), id, *req.End)
	default:
		h.badRequest(w, "quantity or end is required")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (h *Handler) handleConfirmBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	iv, err := h.service.ConfirmBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (h *Handler) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	iv, err := h.service.CancelBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleExpireHolds(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.ExpireHolds(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expired)
}
