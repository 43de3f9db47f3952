package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"eddisonso.com/edd-events/internal/db"
)

const eventDateLayout = "2006-01-02"

// Publisher is implemented by *bus.Transport. Publish never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any)
}

// ProjectionReader looks up the local copy of a user.
type ProjectionReader interface {
	GetProjection(ctx context.Context, externalID string) (*db.UserProjection, error)
}

// Registration describes a committed attendee registration.
type Registration struct {
	Event     *db.Event
	UserID    string
	UserEmail string
}

// Notifier emits the messages that follow a registration.
type Notifier struct {
	pub    Publisher
	users  ProjectionReader
	logger *slog.Logger
}

func NewNotifier(pub Publisher, users ProjectionReader, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, users: users, logger: logger}
}

// RegistrationCommitted publishes email.send then event.registered. It must
// only be called once the attendee row is committed. Delivery is best effort.
func (n *Notifier) RegistrationCommitted(ctx context.Context, reg Registration) {
	if reg.Event == nil {
		n.logger.Error("registration notification without event", "user_id", reg.UserID)
		return
	}

	name := n.recipientName(ctx, reg)
	date := reg.Event.StartDate.Format(eventDateLayout)

	n.pub.Publish(ctx, SubjectEmailSend, EmailSend{
		EmailType:  EmailTypeEventRegistration,
		Recipients: []string{reg.UserEmail},
		Subject:    fmt.Sprintf("Registration confirmed: %s", reg.Event.Name),
		Data: EmailData{
			EventName:     reg.Event.Name,
			RecipientName: name,
			EventDate:     date,
		},
	})

	n.pub.Publish(ctx, SubjectEventRegistered, EventRegistered{
		User:  RegisteredUser{Email: reg.UserEmail, Name: name},
		Event: RegisteredEvent{Name: reg.Event.Name, Date: date},
	})

	n.logger.Info("published registration notifications", "event_id", reg.Event.ID, "user_id", reg.UserID)
}

// recipientName prefers the projection. The projection may not have
// arrived yet, in which case the identity's email is used.
func (n *Notifier) recipientName(ctx context.Context, reg Registration) string {
	if n.users != nil {
		u, err := n.users.GetProjection(ctx, reg.UserID)
		switch {
		case err == nil:
			if name := strings.TrimSpace(u.Name()); name != "" {
				return name
			}
		case errors.Is(err, db.ErrNotFound):
			n.logger.Debug("no local projection for registrant", "user_id", reg.UserID)
		default:
			n.logger.Warn("failed to load registrant projection", "error", err, "user_id", reg.UserID)
		}
	}
	return reg.UserEmail
}
