package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eddisonso.com/edd-events/internal/db"
)

// handleUserEvents lists a user's events. The ongoing filter selects events
// the user created; every other filter selects events the user attends.
func (h *Handler) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status := db.EventStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, "invalid status", http.StatusBadRequest)
		return
	}

	var (
		evs []*db.Event
		err error
	)
	if status == db.StatusOngoing {
		evs, err = h.db.ListEventsByCreator(r.Context(), userID, status)
	} else {
		evs, err = h.db.ListEventsByAttendee(r.Context(), userID, status)
	}
	if err != nil {
		h.logger.Error("failed to list user events", "error", err, "user_id", userID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// The projection can lag behind registrations, so a user is unknown
	// only when there is neither a projection nor a matching event.
	if len(evs) == 0 {
		if _, err := h.db.GetProjection(r.Context(), userID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "User not found", http.StatusNotFound)
				return
			}
			h.logger.Error("failed to load user projection", "error", err, "user_id", userID)
			writeError(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	users, err := h.resolveUsers(r.Context(), evs)
	if err != nil {
		h.logger.Error("failed to resolve users", "error", err)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := make([]eventResponse, 0, len(evs))
	for _, e := range evs {
		resp = append(resp, toEventResponse(e, users))
	}
	writeJSON(w, resp)
}
