package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Subjects consumed from the User service.
const (
	SubjectUserCreated = "user.created"
	SubjectUserUpdated = "user.updated"
	SubjectUserDeleted = "user.deleted"
)

// Subjects published after a registration commits.
const (
	SubjectEmailSend       = "email.send"
	SubjectEventRegistered = "event.registered"
)

// EmailTypeEventRegistration selects the registration template in the email service.
const EmailTypeEventRegistration = "event_registration"

// ExternalID is the identity assigned by the User service. It is accepted on
// the wire as either a JSON string or a JSON number.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("externalId: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("externalId: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string { return string(id) }

// EventMetadata is optional envelope information set by the producer.
type EventMetadata struct {
	EventID   string `json:"eventId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
	Version   int64  `json:"version,omitempty"`
}

// version and timestamp are nil-safe accessors. The store orders writes
// by version when both sides carry one, otherwise by timestamp.
func (m *EventMetadata) version() int64 {
	if m == nil {
		return 0
	}
	return m.Version
}

func (m *EventMetadata) timestamp() int64 {
	if m == nil {
		return 0
	}
	return m.Timestamp
}

func (m *EventMetadata) id() string {
	if m == nil {
		return ""
	}
	return m.EventID
}

// UserAttributes are the mutable fields carried by user.created and user.updated.
type UserAttributes struct {
	ExternalID  ExternalID     `json:"externalId"`
	FirstName   string         `json:"firstName"`
	LastName    string         `json:"lastName"`
	DisplayName string         `json:"displayName"`
	Email       string         `json:"email"`
	Metadata    *EventMetadata `json:"metadata,omitempty"`
}

// UserCreated is published by the User service when a user registers.
type UserCreated struct {
	UserAttributes
}

// UserUpdated is published by the User service when a profile changes.
type UserUpdated struct {
	UserAttributes
}

// UserDeleted is published by the User service when a user is removed.
type UserDeleted struct {
	ExternalID ExternalID     `json:"externalId"`
	Metadata   *EventMetadata `json:"metadata,omitempty"`
}

type EmailData struct {
	EventName     string `json:"eventName"`
	RecipientName string `json:"recipientName"`
	EventDate     string `json:"eventDate"`
}

// EmailSend asks the email service to deliver a templated message.
type EmailSend struct {
	EmailType  string    `json:"emailType"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Data       EmailData `json:"data"`
}

type RegisteredUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type RegisteredEvent struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

// EventRegistered feeds the activity stream after a registration.
type EventRegistered struct {
	User  RegisteredUser  `json:"user"`
	Event RegisteredEvent `json:"event"`
}
