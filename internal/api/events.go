package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"eddisonso.com/edd-events/internal/db"
	"eddisonso.com/edd-events/internal/events"
)

// userRef is a reference to a user rendered from the local projection.
// Only ExternalID is set when the projection has not arrived yet.
type userRef struct {
	ExternalID  string `json:"externalId"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

type eventResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Time        string    `json:"time"`
	Images      []string  `json:"images"`
	Categories  []string  `json:"categories"`
	Status      string    `json:"status"`
	CreatedBy   userRef   `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type eventDetail struct {
	eventResponse
	Attendees []userRef `json:"attendees"`
}

// flexDate accepts RFC 3339 timestamps or plain dates.
type flexDate time.Time

func (d *flexDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = flexDate(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}

// eventRequest is used for create and partial update. Nil fields are left
// unchanged on update.
type eventRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Location    *string   `json:"location"`
	StartDate   *flexDate `json:"startDate"`
	EndDate     *flexDate `json:"endDate"`
	Time        *string   `json:"time"`
	Images      []string  `json:"images"`
	Categories  []string  `json:"categories"`
	Status      *string   `json:"status"`
}

func (req *eventRequest) apply(e *db.Event) {
	if req.Name != nil {
		e.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		e.Description = *req.Description
	}
	if req.Location != nil {
		e.Location = *req.Location
	}
	if req.StartDate != nil {
		e.StartDate = time.Time(*req.StartDate)
	}
	if req.EndDate != nil {
		e.EndDate = time.Time(*req.EndDate)
	}
	if req.Time != nil {
		e.Time = *req.Time
	}
	if req.Images != nil {
		e.Images = req.Images
	}
	if req.Categories != nil {
		e.Categories = req.Categories
	}
	if req.Status != nil {
		e.Status = db.EventStatus(*req.Status)
	}
}

func validateEvent(e *db.Event) error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	if e.StartDate.IsZero() || e.EndDate.IsZero() {
		return errors.New("startDate and endDate are required")
	}
	if e.EndDate.Before(e.StartDate) {
		return errors.New("endDate must not be before startDate")
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}

func decodeEventRequest(r *http.Request) (*eventRequest, error) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// resolveUsers loads projections for every id referenced by evs.
func (h *Handler) resolveUsers(ctx context.Context, evs []*db.Event) (map[string]*db.UserProjection, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, e := range evs {
		add(e.CreatedBy)
		for _, a := range e.Attendees {
			add(a)
		}
	}
	return h.db.GetProjections(ctx, ids)
}

func toUserRef(id string, users map[string]*db.UserProjection) userRef {
	u, ok := users[id]
	if !ok {
		return userRef{ExternalID: id}
	}
	return userRef{
		ExternalID:  u.ExternalID,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}
}

func toEventResponse(e *db.Event, users map[string]*db.UserProjection) eventResponse {
	images := e.Images
	if images == nil {
		images = []string{}
	}
	categories := e.Categories
	if categories == nil {
		categories = []string{}
	}
	return eventResponse{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Location:    e.Location,
		StartDate:   e.StartDate,
		EndDate:     e.EndDate,
		Time:        e.Time,
		Images:      images,
		Categories:  categories,
		Status:      string(e.Status),
		CreatedBy:   toUserRef(e.CreatedBy, users),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toEventDetail(e *db.Event, users map[string]*db.UserProjection) eventDetail {
	attendees := make([]userRef, 0, len(e.Attendees))
	for _, id := range e.Attendees {
		attendees = append(attendees, toUserRef(id, users))
	}
	return eventDetail{eventResponse: toEventResponse(e, users), Attendees: attendees}
}

// loadEvent writes the error response itself and returns nil when the
// event cannot be loaded.
func (h *Handler) loadEvent(w http.ResponseWriter, r *http.Request) *db.Event {
	e, err := h.db.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, "Event not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		h.logger.Error("failed to load event", "error", err, "event_id", chi.URLParam(r, "eventID"))
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return nil
	}
	return e
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.db.ListEvents(r.Context())
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	users, err := h.resolveUsers(r.Context(), evs)
	if err != nil {
		h.logger.Error("failed to resolve users", "error", err)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := make([]eventDetail, 0, len(evs))
	for _, e := range evs {
		resp = append(resp, toEventDetail(e, users))
	}
	writeJSON(w, resp)
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	req, err := decodeEventRequest(r)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	e := &db.Event{CreatedBy: id.UserID}
	req.apply(e)
	if err := validateEvent(e); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.db.CreateEvent(r.Context(), e); err != nil {
		h.logger.Error("failed to create event", "error", err, "user_id", id.UserID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("event created", "event_id", e.ID, "user_id", id.UserID)

	users, err := h.resolveUsers(r.Context(), []*db.Event{e})
	if err != nil {
		users = nil
	}
	writeJSONStatus(w, http.StatusCreated, toEventDetail(e, users))
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e := h.loadEvent(w, r)
	if e == nil {
		return
	}
	users, err := h.resolveUsers(r.Context(), []*db.Event{e})
	if err != nil {
		h.logger.Error("failed to resolve users", "error", err, "event_id", e.ID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, toEventDetail(e, users))
}

func (h *Handler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	e := h.loadEvent(w, r)
	if e == nil {
		return
	}
	if e.CreatedBy != id.UserID {
		writeError(w, "Not authorized to update this event", http.StatusForbidden)
		return
	}

	req, err := decodeEventRequest(r)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.apply(e)
	if err := validateEvent(e); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.db.UpdateEvent(r.Context(), e); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "Event not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update event", "error", err, "event_id", e.ID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	users, err := h.resolveUsers(r.Context(), []*db.Event{e})
	if err != nil {
		users = nil
	}
	writeJSON(w, toEventDetail(e, users))
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	e := h.loadEvent(w, r)
	if e == nil {
		return
	}
	if e.CreatedBy != id.UserID {
		writeError(w, "Not authorized to delete this event", http.StatusForbidden)
		return
	}

	if err := h.db.DeleteEvent(r.Context(), e.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		h.logger.Error("failed to delete event", "error", err, "event_id", e.ID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("event deleted", "event_id", e.ID, "user_id", id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListAttendees(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	e := h.loadEvent(w, r)
	if e == nil {
		return
	}
	if e.CreatedBy != id.UserID {
		writeError(w, "Not authorized to view attendees of this event", http.StatusForbidden)
		return
	}

	users, err := h.db.GetProjections(r.Context(), e.Attendees)
	if err != nil {
		h.logger.Error("failed to resolve attendees", "error", err, "event_id", e.ID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, toEventDetail(e, users).Attendees)
}

// handleAttend registers the caller. The response depends only on the
// storage commit; notifications are published afterwards and their
// failures are not reported to the caller.
func (h *Handler) handleAttend(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	eventID := chi.URLParam(r, "eventID")

	e, err := h.db.RegisterAttendee(r.Context(), eventID, id.UserID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, "Event not found", http.StatusNotFound)
		return
	case errors.Is(err, db.ErrAlreadyRegistered):
		writeError(w, "User already registered for the event", http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("failed to register attendee", "error", err, "event_id", eventID, "user_id", id.UserID)
		writeError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("attendee registered", "event_id", eventID, "user_id", id.UserID)

	if h.notifier != nil {
		h.notifier.RegistrationCommitted(r.Context(), events.Registration{
			Event:     e,
			UserID:    id.UserID,
			UserEmail: id.Email,
		})
	}

	writeJSON(w, map[string]string{"message": "Successfully registered for the event"})
}
