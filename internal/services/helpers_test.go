package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/credentials"
	"campuslibrary/internal/kvstore/kvstoretest"
	"campuslibrary/internal/models"
	"campuslibrary/internal/repositories"
)

var epoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

var (
	admin     = models.Identity{UserID: "A1", Role: models.UserRoleAdmin}
	librarian = models.Identity{UserID: "L1", Role: models.UserRoleLibrarian}
	faculty   = models.Identity{UserID: "F1", Role: models.UserRoleFaculty}
	student1  = models.Identity{UserID: "S1", Role: models.UserRoleStudent}
	student2  = models.Identity{UserID: "S2", Role: models.UserRoleStudent}
	guest     = models.Identity{UserID: "G1", Role: models.UserRoleGuest}
)

type fixture struct {
	lib   *Library
	repos *repositories.Set
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := repositories.NewSet(kvstoretest.New(t))
	clk := clock.Fake(epoch)
	return &fixture{
		lib:   NewLibrary(repos, credentials.NewBcryptHasher(bcrypt.MinCost), clk),
		repos: repos,
		clock: clk,
	}
}

// testSeed yields A1, L1, F1, S1, S2 and G1 on an empty store.
func testSeed() models.UsersByRole {
	return models.UsersByRole{
		models.UserRoleAdmin: {
			{Username: "Admin", Email: "admin@campus.edu", Password: "admin123"},
		},
		models.UserRoleLibrarian: {
			{Username: "Meera", Email: "librarian@campus.edu", Password: "lib123"},
		},
		models.UserRoleFaculty: {
			{Username: "Anita", Email: "faculty@campus.edu", Password: "fac123"},
		},
		models.UserRoleStudent: {
			{Username: "Rahul", Email: "rahul@campus.edu", Password: "stu123", Department: "CS"},
			{Username: "Priya", Email: "priya@campus.edu", Password: "stu123", Department: "EE"},
		},
		models.UserRoleGuest: {
			{Username: "Visitor", Email: "guest@campus.edu", Password: "guest123"},
		},
	}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, f.lib.Bootstrap(testSeed()))
}

func (f *fixture) book(t *testing.T, title string) *models.Book {
	t.Helper()
	b, err := f.lib.Catalog.Create(librarian, models.Book{Title: title, Author: "Author of " + title, Type: models.BookTypeBooks})
	require.NoError(t, err)
	return b
}

// returnedLoan runs a full request → approve → return cycle.
func (f *fixture) returnedLoan(t *testing.T, caller models.Identity, bookID string) *models.BorrowRequest {
	t.Helper()
	req, err := f.lib.Lending.RequestBook(caller, caller.UserID, bookID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	done, err := f.lib.Lending.ReturnBook(caller, req.RequestID)
	require.NoError(t, err)
	return done
}
