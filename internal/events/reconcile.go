package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"eddisonso.com/edd-events/internal/db"
)

// SnapshotStore applies a full user snapshot to the projection.
type SnapshotStore interface {
	ReplaceProjection(ctx context.Context, u db.UserProjection, cutoff time.Time) (bool, error)
	PruneProjections(ctx context.Context, keep []string, cutoff time.Time) (int, error)
}

// Reconciler pulls the full user list from the User service and treats it
// as authoritative for every projection not written since the fetch began.
// It repairs projections that missed messages, since the bus does not
// redeliver, and removes users recreated by a message that arrived after
// their delete.
type Reconciler struct {
	store   SnapshotStore
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithHTTPClient(c *http.Client) ReconcilerOption {
	return func(r *Reconciler) { r.client = c }
}

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func NewReconciler(store SnapshotStore, baseURL, apiKey string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileResult counts what a run did. Stale entries were left alone
// because a message wrote their projection after the fetch began.
type ReconcileResult struct {
	Fetched int
	Applied int
	Stale   int
	Skipped int
	Removed int
}

// Run fetches /api/users, overwrites every projection last written before
// the fetch began, and deletes such projections that are absent from the
// snapshot. An empty snapshot removes nothing.
func (r *Reconciler) Run(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if r.baseURL == "" {
		return res, errors.New("user service URL not configured")
	}

	cutoff := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/users", nil)
	if err != nil {
		return res, err
	}
	if r.apiKey != "" {
		req.Header.Set("X-Service-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("fetch users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("fetch users: unexpected status %d", resp.StatusCode)
	}

	var users []UserAttributes
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return res, fmt.Errorf("decode users: %w", err)
	}
	res.Fetched = len(users)

	keep := make([]string, 0, len(users))
	for _, u := range users {
		if u.ExternalID == "" {
			res.Skipped++
			continue
		}
		keep = append(keep, u.ExternalID.String())

		applied, err := r.store.ReplaceProjection(ctx, projectionFrom(u), cutoff)
		switch {
		case err != nil:
			r.logger.Error("failed to reconcile user", "error", err, "external_id", u.ExternalID)
			res.Skipped++
		case applied:
			res.Applied++
		default:
			res.Stale++
		}
	}

	if len(keep) == 0 {
		r.logger.Warn("user snapshot is empty, not pruning projections")
	} else {
		removed, err := r.store.PruneProjections(ctx, keep, cutoff)
		res.Removed = removed
		if err != nil {
			return res, fmt.Errorf("prune projections: %w", err)
		}
	}

	r.logger.Info("user reconciliation complete",
		"fetched", res.Fetched, "applied", res.Applied, "stale", res.Stale,
		"skipped", res.Skipped, "removed", res.Removed)
	return res, nil
}

// Schedule runs the reconciler every interval until the returned
// scheduler is shut down. Overlapping runs are skipped.
func (r *Reconciler) Schedule(interval time.Duration) (gocron.Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid reconcile interval %s", interval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if _, err := r.Run(ctx); err != nil {
				r.logger.Warn("user reconciliation failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("scheduling reconciliation: %w", err)
	}

	s.Start()
	r.logger.Info("user reconciliation scheduled", "interval", interval, "url", r.baseURL)
	return s, nil
}
