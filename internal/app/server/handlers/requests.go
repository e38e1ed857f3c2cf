package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/PascalSeth/tripsync/internal/core/domain"
	"github.com/PascalSeth/tripsync/internal/core/services"
	"github.com/PascalSeth/tripsync/pkg/logging"
	"github.com/PascalSeth/tripsync/pkg/middleware"
)

type RequestHandler struct {
	lifecycle *services.LifecycleService
	matcher   *services.Matcher
}

func NewRequestHandler(lifecycle *services.LifecycleService, matcher *services.Matcher) *RequestHandler {
	return &RequestHandler{lifecycle: lifecycle, matcher: matcher}
}

// Available lists the open requests the calling provider may claim.
func (h *RequestHandler) Available(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	providerID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, domain.ErrAuth)
		return
	}
	found, err := h.matcher.AvailableRequests(r.Context(), providerID)
	if err != nil {
		log.ErrorContext(r.Context(), "request handler - available - matcher failed", logging.Provider(providerID), logging.Err(err))
		writeError(w, err)
		return
	}
	views := make([]domain.RequestView, 0, len(found))
	for i := range found {
		views = append(views, domain.NewRequestView(&found[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// UpdateStatus applies a status transition on behalf of the caller.
func (h *RequestHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, domain.ErrAuth)
		return
	}
	var req struct {
		Status domain.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		log.InfoContext(r.Context(), "request handler - update status - bad request")
		writeError(w, domain.ErrBadRequest)
		return
	}
	id := r.PathValue("id")
	updated, err := h.lifecycle.Transition(r.Context(), id, userID, req.Status)
	if err != nil {
		log.InfoContext(r.Context(), "request handler - update status - rejected", logging.Request(id), logging.User(userID), logging.Err(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewRequestView(updated))
}

func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case domain.CodeAuth:
		return http.StatusUnauthorized
	case domain.CodeNotAuthorized:
		return http.StatusForbidden
	case domain.CodeInvalidTransition, domain.CodeGroupFull:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	msg := domain.NewErrorMessage("", err)
	if errors.Is(err, domain.ErrDependency) {
		msg.Message = "dependency unavailable"
	}
	writeJSON(w, statusFor(err), msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("handlers - write json - encode failed", logging.Err(err))
	}
}
