package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserProjection is the local copy of a user owned by the User service.
// ExternalID is the natural key. Version is the producer's explicit version
// and Timestamp its event time; either may be 0 when the producer omits it.
type UserProjection struct {
	ID          string
	ExternalID  string
	FirstName   string
	LastName    string
	DisplayName string
	Email       string
	Version     int64
	Timestamp   int64
	SyncedAt    time.Time
}

// Name is the best human-readable name available for the user.
func (u *UserProjection) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if n := strings.TrimSpace(u.FirstName + " " + u.LastName); n != "" {
		return n
	}
	return u.Email
}

const projectionColumns = `id, external_id, first_name, last_name, display_name, email, version, event_ts, synced_at`

func scanProjection(row interface{ Scan(...any) error }) (*UserProjection, error) {
	u := &UserProjection{}
	var synced int64
	if err := row.Scan(&u.ID, &u.ExternalID, &u.FirstName, &u.LastName, &u.DisplayName, &u.Email, &u.Version, &u.Timestamp, &synced); err != nil {
		return nil, err
	}
	u.SyncedAt = time.Unix(0, synced)
	return u, nil
}

// orderedAfter compares the incoming row with the stored one using op.
// Explicit versions are compared when both rows carry one; otherwise the
// producer timestamps are, so the two scales are never mixed.
func orderedAfter(op string) string {
	return `CASE
			WHEN EXCLUDED.version > 0 AND user_projections.version > 0
				THEN EXCLUDED.version ` + op + ` user_projections.version
			ELSE EXCLUDED.event_ts ` + op + ` user_projections.event_ts
		END`
}

// CreateProjection inserts u, or overwrites the existing row for the same
// external id only when u orders strictly after it. It reports whether a
// row was written.
func (db *DB) CreateProjection(ctx context.Context, u UserProjection) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO user_projections (id, external_id, first_name, last_name, display_name, email, version, event_ts, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			version = EXCLUDED.version,
			event_ts = EXCLUDED.event_ts,
			synced_at = EXCLUDED.synced_at
		WHERE `+orderedAfter(">")+`
	`, uuid.NewString(), u.ExternalID, u.FirstName, u.LastName, u.DisplayName, u.Email, u.Version, u.Timestamp, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("create projection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertProjection writes u unless the stored row orders after it. Ties
// overwrite, so unversioned updates apply in arrival order. Empty fields in
// u keep the stored value.
func (db *DB) UpsertProjection(ctx context.Context, u UserProjection) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO user_projections (id, external_id, first_name, last_name, display_name, email, version, event_ts, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), user_projections.first_name),
			last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), user_projections.last_name),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), user_projections.display_name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), user_projections.email),
			version = EXCLUDED.version,
			event_ts = EXCLUDED.event_ts,
			synced_at = EXCLUDED.synced_at
		WHERE `+orderedAfter(">=")+`
	`, uuid.NewString(), u.ExternalID, u.FirstName, u.LastName, u.DisplayName, u.Email, u.Version, u.Timestamp, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("upsert projection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceProjection overwrites every field of the row for u.ExternalID when
// that row was last written before cutoff, whatever its version. The stored
// version and timestamp are kept so later messages still order against them.
func (db *DB) ReplaceProjection(ctx context.Context, u UserProjection, cutoff time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO user_projections (id, external_id, first_name, last_name, display_name, email, version, event_ts, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			synced_at = EXCLUDED.synced_at
		WHERE user_projections.synced_at < $10
	`, uuid.NewString(), u.ExternalID, u.FirstName, u.LastName, u.DisplayName, u.Email, u.Version, u.Timestamp,
		time.Now().UnixNano(), cutoff.UnixNano())
	if err != nil {
		return false, fmt.Errorf("replace projection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneProjections deletes projections last written before cutoff whose
// external id is not in keep, and returns how many were removed. Rows
// written at or after cutoff are never touched.
func (db *DB) PruneProjections(ctx context.Context, keep []string, cutoff time.Time) (int, error) {
	rows, err := db.query(ctx, `SELECT external_id FROM user_projections WHERE synced_at < $1`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("query stale projections: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan projection id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("query stale projections: %w", err)
	}

	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}

	removed := 0
	for _, id := range candidates {
		if _, ok := kept[id]; ok {
			continue
		}
		res, err := db.exec(ctx, `DELETE FROM user_projections WHERE external_id = $1 AND synced_at < $2`, id, cutoff.UnixNano())
		if err != nil {
			return removed, fmt.Errorf("prune projection %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
		}
	}
	return removed, nil
}

// DeleteProjection removes the projection for externalID. A missing row is
// not an error; the result reports whether anything was removed.
func (db *DB) DeleteProjection(ctx context.Context, externalID string) (bool, error) {
	res, err := db.exec(ctx, `DELETE FROM user_projections WHERE external_id = $1`, externalID)
	if err != nil {
		return false, fmt.Errorf("delete projection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetProjection returns ErrNotFound when no projection exists for externalID.
func (db *DB) GetProjection(ctx context.Context, externalID string) (*UserProjection, error) {
	u, err := scanProjection(db.queryRow(ctx, `
		SELECT `+projectionColumns+`
		FROM user_projections WHERE external_id = $1
	`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	return u, nil
}

// GetProjections returns the projections that exist for ids, keyed by
// external id. Ids without a local projection are absent from the map.
func (db *DB) GetProjections(ctx context.Context, ids []string) (map[string]*UserProjection, error) {
	out := make(map[string]*UserProjection, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := db.query(ctx, `
		SELECT `+projectionColumns+`
		FROM user_projections WHERE external_id IN (`+strings.Join(marks, ", ")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query projections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		out[u.ExternalID] = u
	}
	return out, rows.Err()
}

func (db *DB) ListProjections(ctx context.Context) ([]*UserProjection, error) {
	rows, err := db.query(ctx, `SELECT `+projectionColumns+` FROM user_projections ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("query projections: %w", err)
	}
	defer rows.Close()

	var users []*UserProjection
	for rows.Next() {
		u, err := scanProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
