package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// newTestDB returns a migrated in-memory SQLite store closed at test cleanup.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	require.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	lite := &DB{driver: DriverSQLite}
	q := `SELECT * FROM t WHERE a = $1 AND b = $12`

	assert.Equal(t, q, pg.rebind(q))
	assert.Equal(t, `SELECT * FROM t WHERE a = ?1 AND b = ?12`, lite.rebind(q))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("disk full")))
	assert.True(t, isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: event_attendees.event_id (2067)")))
}

type ProjectionSuite struct {
	suite.Suite
	db  *DB
	ctx context.Context
}

func TestProjectionSuite(t *testing.T) {
	suite.Run(t, new(ProjectionSuite))
}

func (s *ProjectionSuite) SetupTest() {
	s.db = newTestDB(s.T())
	s.ctx = context.Background()
}

func (s *ProjectionSuite) count() int {
	var n int
	s.Require().NoError(s.db.queryRow(s.ctx, `SELECT COUNT(*) FROM user_projections`).Scan(&n))
	return n
}

func (s *ProjectionSuite) TestCreateTwiceKeepsOneRow() {
	u := UserProjection{ExternalID: "u1", FirstName: "Ada", Email: "a@x.com"}

	applied, err := s.db.CreateProjection(s.ctx, u)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.db.CreateProjection(s.ctx, u)
	s.Require().NoError(err)
	s.False(applied)

	s.Equal(1, s.count())
	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("a@x.com", got.Email)
	s.Equal("Ada", got.FirstName)
}

func (s *ProjectionSuite) TestCreateWithNewerVersionOverwrites() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "old@x.com", Version: 1})
	s.Require().NoError(err)

	applied, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "new@x.com", Version: 2})
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("new@x.com", got.Email)
	s.EqualValues(2, got.Version)
}

func (s *ProjectionSuite) TestCreateAfterUpdateDoesNotRevert() {
	_, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "b@x.com"})
	s.Require().NoError(err)

	applied, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "a@x.com"})
	s.Require().NoError(err)
	s.False(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("b@x.com", got.Email)
}

func (s *ProjectionSuite) TestUpsertCreatesMissingRow() {
	applied, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "b@x.com"})
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("b@x.com", got.Email)
	s.NotEmpty(got.ID)
}

func (s *ProjectionSuite) TestUpsertRejectsOlderVersion() {
	_, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "v5@x.com", Version: 5})
	s.Require().NoError(err)

	applied, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "v3@x.com", Version: 3})
	s.Require().NoError(err)
	s.False(applied)

	applied, err = s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "v5b@x.com", Version: 5})
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("v5b@x.com", got.Email)
}

func (s *ProjectionSuite) TestDeleteMissingIsNotAnError() {
	removed, err := s.db.DeleteProjection(s.ctx, "nobody")
	s.Require().NoError(err)
	s.False(removed)
}

func (s *ProjectionSuite) TestDelete() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1"})
	s.Require().NoError(err)

	removed, err := s.db.DeleteProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.True(removed)

	_, err = s.db.GetProjection(s.ctx, "u1")
	s.ErrorIs(err, ErrNotFound)
}

func (s *ProjectionSuite) TestGetProjectionsSkipsUnknown() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", DisplayName: "One"})
	s.Require().NoError(err)
	_, err = s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u2", DisplayName: "Two"})
	s.Require().NoError(err)

	got, err := s.db.GetProjections(s.ctx, []string{"u1", "u2", "u3"})
	s.Require().NoError(err)
	s.Len(got, 2)
	s.Equal("Two", got["u2"].DisplayName)

	empty, err := s.db.GetProjections(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)

	all, err := s.db.ListProjections(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *ProjectionSuite) TestConcurrentWritesForOneID() {
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Version: v})
			s.NoError(err)
		}(int64(i))
	}
	wg.Wait()

	s.Equal(1, s.count())
	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.EqualValues(10, got.Version)
}

func (s *ProjectionSuite) TestUpsertKeepsOmittedFields() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{
		ExternalID: "u1", FirstName: "Ada", LastName: "Lovelace", DisplayName: "ada", Email: "a@x.com",
	})
	s.Require().NoError(err)

	applied, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "b@x.com"})
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("b@x.com", got.Email)
	s.Equal("Ada", got.FirstName)
	s.Equal("Lovelace", got.LastName)
	s.Equal("ada", got.DisplayName)
}

func (s *ProjectionSuite) TestVersionsAndTimestampsOrderSeparately() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "v1@x.com", Version: 1, Timestamp: 1_700_000_000})
	s.Require().NoError(err)

	// Both versioned: the version decides, not the larger timestamp.
	applied, err := s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "v2@x.com", Version: 2})
	s.Require().NoError(err)
	s.True(applied)

	// Unversioned message: timestamps decide.
	applied, err = s.db.UpsertProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "late@x.com", Timestamp: 1_600_000_000})
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "old@x.com", Timestamp: 1_500_000_000})
	s.Require().NoError(err)
	s.False(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("late@x.com", got.Email)
	s.EqualValues(1_600_000_000, got.Timestamp)
}

func (s *ProjectionSuite) TestReplaceOverwritesRowsWrittenBeforeCutoff() {
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u1", FirstName: "Ada", Email: "old@x.com", Version: 5})
	s.Require().NoError(err)
	cutoff := time.Now()

	applied, err := s.db.ReplaceProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "new@x.com"}, cutoff)
	s.Require().NoError(err)
	s.True(applied)

	got, err := s.db.GetProjection(s.ctx, "u1")
	s.Require().NoError(err)
	s.Equal("new@x.com", got.Email)
	s.Empty(got.FirstName)
	s.EqualValues(5, got.Version)
	s.False(got.SyncedAt.Before(cutoff))

	// The row is now newer than the cutoff.
	applied, err = s.db.ReplaceProjection(s.ctx, UserProjection{ExternalID: "u1", Email: "again@x.com"}, cutoff)
	s.Require().NoError(err)
	s.False(applied)

	applied, err = s.db.ReplaceProjection(s.ctx, UserProjection{ExternalID: "u2", Email: "b@x.com"}, cutoff)
	s.Require().NoError(err)
	s.True(applied)
}

func (s *ProjectionSuite) TestPruneRemovesOnlyStaleAbsentRows() {
	for _, id := range []string{"u1", "u2"} {
		_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: id})
		s.Require().NoError(err)
	}
	cutoff := time.Now()
	_, err := s.db.CreateProjection(s.ctx, UserProjection{ExternalID: "u3"})
	s.Require().NoError(err)

	removed, err := s.db.PruneProjections(s.ctx, []string{"u2"}, cutoff)
	s.Require().NoError(err)
	s.Equal(1, removed)

	_, err = s.db.GetProjection(s.ctx, "u1")
	s.ErrorIs(err, ErrNotFound)
	s.Equal(2, s.count())
}

func TestUserProjection_Name(t *testing.T) {
	assert.Equal(t, "Ada L", (&UserProjection{DisplayName: "Ada L", FirstName: "Ada"}).Name())
	assert.Equal(t, "Ada Lovelace", (&UserProjection{FirstName: "Ada", LastName: "Lovelace"}).Name())
	assert.Equal(t, "a@x.com", (&UserProjection{Email: "a@x.com"}).Name())
}

type EventSuite struct {
	suite.Suite
	db  *DB
	ctx context.Context
}

func TestEventSuite(t *testing.T) {
	suite.Run(t, new(EventSuite))
}

func (s *EventSuite) SetupTest() {
	s.db = newTestDB(s.T())
	s.ctx = context.Background()
}

func (s *EventSuite) newEvent(name, creator string, status EventStatus) *Event {
	e := &Event{
		Name:       name,
		Location:   "Hall A",
		StartDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Time:       "18:00",
		Categories: []string{"tech"},
		Status:     status,
		CreatedBy:  creator,
	}
	s.Require().NoError(s.db.CreateEvent(s.ctx, e))
	return e
}

func (s *EventSuite) TestCreateAndGet() {
	e := s.newEvent("GopherCon", "u1", "")

	got, err := s.db.GetEvent(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal("GopherCon", got.Name)
	s.Equal(StatusUpcoming, got.Status)
	s.Equal([]string{"tech"}, got.Categories)
	s.Equal([]string{}, got.Images)
	s.Equal(e.StartDate, got.StartDate)
	s.Empty(got.Attendees)
}

func (s *EventSuite) TestCreateRejectsInvalidStatus() {
	err := s.db.CreateEvent(s.ctx, &Event{Name: "x", CreatedBy: "u1", Status: "postponed"})
	s.Error(err)
}

func (s *EventSuite) TestGetMissing() {
	_, err := s.db.GetEvent(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *EventSuite) TestUpdate() {
	e := s.newEvent("Meetup", "u1", StatusUpcoming)
	e.Name = "Meetup v2"
	e.Status = StatusCancelled
	s.Require().NoError(s.db.UpdateEvent(s.ctx, e))

	got, err := s.db.GetEvent(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal("Meetup v2", got.Name)
	s.Equal(StatusCancelled, got.Status)

	s.ErrorIs(s.db.UpdateEvent(s.ctx, &Event{ID: "missing", Status: StatusUpcoming}), ErrNotFound)
}

func (s *EventSuite) TestRegisterAttendee() {
	e := s.newEvent("Workshop", "u1", StatusUpcoming)

	got, err := s.db.RegisterAttendee(s.ctx, e.ID, "u2")
	s.Require().NoError(err)
	s.Equal([]string{"u2"}, got.Attendees)
	s.Equal("Workshop", got.Name)

	_, err = s.db.RegisterAttendee(s.ctx, e.ID, "u3")
	s.Require().NoError(err)

	attendees, err := s.db.ListAttendees(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal([]string{"u2", "u3"}, attendees)
}

func (s *EventSuite) TestRegisterAttendeeReturnsCommittedAttendees() {
	e := s.newEvent("Workshop", "u1", StatusUpcoming)
	_, err := s.db.RegisterAttendee(s.ctx, e.ID, "u2")
	s.Require().NoError(err)

	got, err := s.db.RegisterAttendee(s.ctx, e.ID, "u3")
	s.Require().NoError(err)
	s.Equal([]string{"u2", "u3"}, got.Attendees)
	s.Equal(e.ID, got.ID)
	s.Equal(e.StartDate.Unix(), got.StartDate.Unix())
}

func (s *EventSuite) TestRegisterAttendeeTwice() {
	e := s.newEvent("Workshop", "u1", StatusUpcoming)

	_, err := s.db.RegisterAttendee(s.ctx, e.ID, "u2")
	s.Require().NoError(err)
	_, err = s.db.RegisterAttendee(s.ctx, e.ID, "u2")
	s.ErrorIs(err, ErrAlreadyRegistered)

	attendees, err := s.db.ListAttendees(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal([]string{"u2"}, attendees)
}

func (s *EventSuite) TestRegisterAttendeeMissingEvent() {
	_, err := s.db.RegisterAttendee(s.ctx, "missing", "u2")
	s.ErrorIs(err, ErrNotFound)
}

func (s *EventSuite) TestDeleteRemovesAttendees() {
	e := s.newEvent("Workshop", "u1", StatusUpcoming)
	_, err := s.db.RegisterAttendee(s.ctx, e.ID, "u2")
	s.Require().NoError(err)

	s.Require().NoError(s.db.DeleteEvent(s.ctx, e.ID))
	_, err = s.db.GetEvent(s.ctx, e.ID)
	s.ErrorIs(err, ErrNotFound)

	attending, err := s.db.ListEventsByAttendee(s.ctx, "u2", "")
	s.Require().NoError(err)
	s.Empty(attending)

	s.ErrorIs(s.db.DeleteEvent(s.ctx, e.ID), ErrNotFound)
}

func (s *EventSuite) TestListByAttendeeAndCreator() {
	up := s.newEvent("Up", "u1", StatusUpcoming)
	done := s.newEvent("Done", "u1", StatusCompleted)
	live := s.newEvent("Live", "u2", StatusOngoing)

	for _, e := range []*Event{up, done, live} {
		_, err := s.db.RegisterAttendee(s.ctx, e.ID, "u3")
		s.Require().NoError(err)
	}

	all, err := s.db.ListEventsByAttendee(s.ctx, "u3", "")
	s.Require().NoError(err)
	s.Len(all, 3)

	completed, err := s.db.ListEventsByAttendee(s.ctx, "u3", StatusCompleted)
	s.Require().NoError(err)
	s.Require().Len(completed, 1)
	s.Equal("Done", completed[0].Name)

	created, err := s.db.ListEventsByCreator(s.ctx, "u2", StatusOngoing)
	s.Require().NoError(err)
	s.Require().Len(created, 1)
	s.Equal("Live", created[0].Name)

	events, err := s.db.ListEvents(s.ctx)
	s.Require().NoError(err)
	s.Len(events, 3)
	for _, e := range events {
		s.Equal([]string{"u3"}, e.Attendees)
	}
}
