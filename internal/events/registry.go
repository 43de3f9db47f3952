package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"eddisonso.com/edd-events/internal/bus"
)

var (
	ErrAlreadyBound      = errors.New("registry already bound")
	errMissingExternalID = errors.New("missing externalId")
)

// UserEventHandler handles user lifecycle events from the User service.
type UserEventHandler interface {
	OnUserCreated(ctx context.Context, event UserCreated) error
	OnUserUpdated(ctx context.Context, event UserUpdated) error
	OnUserDeleted(ctx context.Context, event UserDeleted) error
}

// Subscriber is implemented by *bus.Transport.
type Subscriber interface {
	Subscribe(subject string, handler bus.Handler) error
}

// Deduper reports whether a message key was already processed recently.
type Deduper interface {
	Seen(ctx context.Context, key string) bool
}

// Binding pairs a subject with the handler that consumes it.
type Binding struct {
	Subject string
	Handler bus.Handler
}

// Registry declares the fixed set of subscriptions for the process.
type Registry struct {
	handler UserEventHandler
	dedupe  Deduper
	logger  *slog.Logger

	mu    sync.Mutex
	bound bool
}

type RegistryOption func(*Registry)

// WithDeduper skips messages whose metadata.eventId was already seen.
func WithDeduper(d Deduper) RegistryOption {
	return func(r *Registry) { r.dedupe = d }
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(handler UserEventHandler, opts ...RegistryOption) *Registry {
	r := &Registry{handler: handler, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bindings returns the subject to handler table. Subjects are disjoint.
func (r *Registry) Bindings() []Binding {
	return []Binding{
		{
			Subject: SubjectUserCreated,
			Handler: typed(r, SubjectUserCreated,
				func(e UserCreated) (ExternalID, *EventMetadata) { return e.ExternalID, e.Metadata },
				r.handler.OnUserCreated),
		},
		{
			Subject: SubjectUserUpdated,
			Handler: typed(r, SubjectUserUpdated,
				func(e UserUpdated) (ExternalID, *EventMetadata) { return e.ExternalID, e.Metadata },
				r.handler.OnUserUpdated),
		},
		{
			Subject: SubjectUserDeleted,
			Handler: typed(r, SubjectUserDeleted,
				func(e UserDeleted) (ExternalID, *EventMetadata) { return e.ExternalID, e.Metadata },
				r.handler.OnUserDeleted),
		},
	}
}

// Bind subscribes every binding on s. It may be called once.
func (r *Registry) Bind(s Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return ErrAlreadyBound
	}
	for _, b := range r.Bindings() {
		if err := s.Subscribe(b.Subject, b.Handler); err != nil {
			return fmt.Errorf("bind %s: %w", b.Subject, err)
		}
	}
	r.bound = true
	r.logger.Info("user event subscriptions bound", "subjects", []string{SubjectUserCreated, SubjectUserUpdated, SubjectUserDeleted})
	return nil
}

// typed decodes the message body into T and hands it to apply. Stale
// writes reported as *SyncConflict are logged and absorbed here.
func typed[T any](r *Registry, subject string, key func(T) (ExternalID, *EventMetadata), apply func(context.Context, T) error) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		var event T
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return &bus.DecodeError{Subject: subject, Err: err}
		}
		id, meta := key(event)
		if id == "" {
			return &bus.DecodeError{Subject: subject, Err: errMissingExternalID}
		}

		if r.dedupe != nil {
			if eventID := meta.id(); eventID != "" && r.dedupe.Seen(ctx, subject+":"+eventID) {
				r.logger.Debug("skipping duplicate message", "subject", subject, "event_id", eventID, "external_id", id)
				return nil
			}
		}

		err := apply(ctx, event)
		var conflict *SyncConflict
		if errors.As(err, &conflict) {
			r.logger.Info("skipping stale user event", "subject", subject, "external_id", id,
				"version", conflict.Version, "timestamp", conflict.Timestamp)
			return nil
		}
		return err
	}
}
