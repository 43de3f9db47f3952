package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	StatusUpcoming  EventStatus = "upcoming"
	StatusOngoing   EventStatus = "ongoing"
	StatusCompleted EventStatus = "completed"
	StatusCancelled EventStatus = "cancelled"
)

func (s EventStatus) Valid() bool {
	switch s {
	case StatusUpcoming, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Event is a scheduled gathering. CreatedBy and Attendees hold external
// user ids; Attendees is in registration order.
type Event struct {
	ID          string
	Name        string
	Description string
	Location    string
	StartDate   time.Time
	EndDate     time.Time
	Time        string
	Images      []string
	Categories  []string
	Status      EventStatus
	CreatedBy   string
	Attendees   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const eventColumns = `id, name, description, location, start_date, end_date, start_time, images, categories, status, created_by, created_at, updated_at`

const joinedEventColumns = `e.id, e.name, e.description, e.location, e.start_date, e.end_date, e.start_time, e.images, e.categories, e.status, e.created_by, e.created_at, e.updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	e := &Event{}
	var start, end, created, updated int64
	var images, categories, status string
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Location, &start, &end, &e.Time,
		&images, &categories, &status, &e.CreatedBy, &created, &updated); err != nil {
		return nil, err
	}
	e.StartDate = time.Unix(start, 0).UTC()
	e.EndDate = time.Unix(end, 0).UTC()
	e.CreatedAt = time.Unix(created, 0).UTC()
	e.UpdatedAt = time.Unix(updated, 0).UTC()
	e.Status = EventStatus(status)
	if err := json.Unmarshal([]byte(images), &e.Images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &e.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return e, nil
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// CreateEvent stores e, assigning its id and timestamps.
func (db *DB) CreateEvent(ctx context.Context, e *Event) error {
	if e.Status == "" {
		e.Status = StatusUpcoming
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid event status %q", e.Status)
	}
	images, err := encodeList(e.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	categories, err := encodeList(e.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	e.ID = uuid.NewString()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = db.exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.Name, e.Description, e.Location, e.StartDate.Unix(), e.EndDate.Unix(), e.Time,
		images, categories, string(e.Status), e.CreatedBy, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent returns the event with its attendees, or ErrNotFound.
func (db *DB) GetEvent(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(db.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	if e.Attendees, err = db.ListAttendees(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateEvent overwrites the mutable fields of e.
func (db *DB) UpdateEvent(ctx context.Context, e *Event) error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid event status %q", e.Status)
	}
	images, err := encodeList(e.Images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}
	categories, err := encodeList(e.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}

	e.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := db.exec(ctx, `
		UPDATE events SET
			name = $2, description = $3, location = $4, start_date = $5, end_date = $6,
			start_time = $7, images = $8, categories = $9, status = $10, updated_at = $11
		WHERE id = $1
	`, e.ID, e.Name, e.Description, e.Location, e.StartDate.Unix(), e.EndDate.Unix(),
		e.Time, images, categories, string(e.Status), e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes the event and its attendee set.
func (db *DB) DeleteEvent(ctx context.Context, id string) error {
	t, err := db.begin(ctx)
	if err != nil {
		return err
	}
	defer t.rollback()

	if _, err := t.exec(ctx, `DELETE FROM event_attendees WHERE event_id = $1`, id); err != nil {
		return fmt.Errorf("delete attendees: %w", err)
	}
	res, err := t.exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Commit()
}

// RegisterAttendee adds userID to the event's attendee set and returns the
// committed event. The user does not need a local projection.
func (db *DB) RegisterAttendee(ctx context.Context, eventID, userID string) (*Event, error) {
	t, err := db.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer t.rollback()

	e, err := scanEvent(t.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}

	_, err = t.exec(ctx, `
		INSERT INTO event_attendees (event_id, user_id, registered_at)
		VALUES ($1, $2, $3)
	`, eventID, userID, time.Now().UnixNano())
	if isUniqueViolation(err) {
		return nil, ErrAlreadyRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("insert attendee: %w", err)
	}

	// Read before commit so a committed registration always returns its event.
	rows, err := t.query(ctx, attendeesQuery, eventID)
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	e.Attendees, err = scanAttendees(rows)
	if err != nil {
		return nil, err
	}

	if err := t.Commit(); err != nil {
		return nil, fmt.Errorf("commit registration: %w", err)
	}
	return e, nil
}

const attendeesQuery = `
		SELECT user_id FROM event_attendees
		WHERE event_id = $1
		ORDER BY registered_at, user_id
	`

// ListAttendees returns external user ids in registration order.
func (db *DB) ListAttendees(ctx context.Context, eventID string) ([]string, error) {
	rows, err := db.query(ctx, attendeesQuery, eventID)
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	return scanAttendees(rows)
}

// scanAttendees consumes and closes rows.
func scanAttendees(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListEvents returns every event, newest first, with attendees.
func (db *DB) ListEvents(ctx context.Context) ([]*Event, error) {
	return db.listEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id`, true)
}

// ListEventsByAttendee returns the events userID registered for. An empty
// status matches every status. Attendees are not loaded.
func (db *DB) ListEventsByAttendee(ctx context.Context, userID string, status EventStatus) ([]*Event, error) {
	q := `SELECT ` + joinedEventColumns + `
		FROM events e JOIN event_attendees a ON a.event_id = e.id
		WHERE a.user_id = $1`
	args := []any{userID}
	if status != "" {
		q += ` AND e.status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY e.start_date, e.id`
	return db.listEvents(ctx, q, false, args...)
}

// ListEventsByCreator returns the events userID created. An empty status
// matches every status. Attendees are not loaded.
func (db *DB) ListEventsByCreator(ctx context.Context, userID string, status EventStatus) ([]*Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE created_by = $1`
	args := []any{userID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY start_date, id`
	return db.listEvents(ctx, q, false, args...)
}

func (db *DB) listEvents(ctx context.Context, q string, withAttendees bool, args ...any) ([]*Event, error) {
	rows, err := db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := []*Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	if withAttendees {
		for _, e := range events {
			if e.Attendees, err = db.ListAttendees(ctx, e.ID); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}
