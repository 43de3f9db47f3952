package events

import (
	"context"
	"fmt"
	"log/slog"

	"eddisonso.com/edd-events/internal/db"
	"eddisonso.com/edd-events/internal/metrics"
)

// ProjectionStore is the write side of the user projection. Each method
// reports whether a row was changed.
type ProjectionStore interface {
	CreateProjection(ctx context.Context, u db.UserProjection) (bool, error)
	UpsertProjection(ctx context.Context, u db.UserProjection) (bool, error)
	DeleteProjection(ctx context.Context, externalID string) (bool, error)
}

// SyncConflict means the stored projection is already at or past the
// version carried by the message, so the message was not applied.
type SyncConflict struct {
	Op         string
	ExternalID string
	Version    int64
	Timestamp  int64
}

func (e *SyncConflict) Error() string {
	return fmt.Sprintf("%s %s: stored projection is newer than version %d timestamp %d",
		e.Op, e.ExternalID, e.Version, e.Timestamp)
}

// Synchronizer applies user lifecycle events to the local projection.
//
// Ordering: writes for one user are ordered by metadata.version when both
// the stored row and the message carry one, otherwise by
// metadata.timestamp. A create only overwrites an existing row when it
// orders strictly after it, so duplicates are no-ops. An update upserts,
// so an update that arrives before its create still produces the row,
// and it wins ties. Updates may be partial: an empty field keeps the
// stored value. Deletes are unconditional. Storage errors are logged and
// never returned, so a bad write cannot stop the subscription.
type Synchronizer struct {
	store   ProjectionStore
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSynchronizer(store ProjectionStore, logger *slog.Logger, m *metrics.Metrics) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, logger: logger, metrics: m}
}

func projectionFrom(a UserAttributes) db.UserProjection {
	return db.UserProjection{
		ExternalID:  a.ExternalID.String(),
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		DisplayName: a.DisplayName,
		Email:       a.Email,
		Version:     a.Metadata.version(),
		Timestamp:   a.Metadata.timestamp(),
	}
}

func (s *Synchronizer) OnUserCreated(ctx context.Context, event UserCreated) error {
	u := projectionFrom(event.UserAttributes)
	applied, err := s.store.CreateProjection(ctx, u)
	return s.result("create", u, applied, err)
}

func (s *Synchronizer) OnUserUpdated(ctx context.Context, event UserUpdated) error {
	u := projectionFrom(event.UserAttributes)
	applied, err := s.store.UpsertProjection(ctx, u)
	return s.result("update", u, applied, err)
}

func (s *Synchronizer) OnUserDeleted(ctx context.Context, event UserDeleted) error {
	id := event.ExternalID.String()
	removed, err := s.store.DeleteProjection(ctx, id)
	if err != nil {
		s.logger.Error("failed to delete user projection", "error", err, "external_id", id)
		s.metrics.ProjectionWrite("delete", "error")
		return nil
	}
	if !removed {
		s.logger.Debug("user projection already absent", "external_id", id)
		s.metrics.ProjectionWrite("delete", "noop")
		return nil
	}
	s.logger.Info("user projection deleted", "external_id", id)
	s.metrics.ProjectionWrite("delete", "applied")
	return nil
}

func (s *Synchronizer) result(op string, u db.UserProjection, applied bool, err error) error {
	if err != nil {
		s.logger.Error("failed to write user projection", "error", err, "op", op, "external_id", u.ExternalID)
		s.metrics.ProjectionWrite(op, "error")
		return nil
	}
	if !applied {
		s.metrics.ProjectionWrite(op, "stale")
		return &SyncConflict{Op: op, ExternalID: u.ExternalID, Version: u.Version, Timestamp: u.Timestamp}
	}
	s.logger.Info("user projection synced", "op", op, "external_id", u.ExternalID, "version", u.Version, "timestamp", u.Timestamp)
	s.metrics.ProjectionWrite(op, "applied")
	return nil
}
