package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslibrary/internal/models"
)

func TestLendingHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")

	req, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusRequested, req.Status)
	assert.Equal(t, epoch, req.RequestDate)
	assert.Nil(t, req.ApprovedDate)
	assert.NotEmpty(t, req.RequestID)

	f.clock.Advance(24 * time.Hour)
	approved, err := f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusBorrowed, approved.Status)
	assert.Equal(t, "L1", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedDate)
	assert.Equal(t, epoch.Add(24*time.Hour), *approved.ApprovedDate)

	f.clock.Advance(7 * 24 * time.Hour)
	returned, err := f.lib.Lending.ReturnBook(student1, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.BorrowStatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, epoch.Add(8*24*time.Hour), *returned.ReturnDate)

	rating, err := f.lib.Ratings.Upsert(student1, "S1", b.BookID, 5, "loved it")
	require.NoError(t, err)
	assert.Equal(t, 5, rating.Rating)

	got, err := f.lib.Lending.Get(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, *returned, *got)
}

func TestDuplicateActiveRequestRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")

	req, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)

	_, err = f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	assert.ErrorIs(t, err, ErrDuplicateActiveRequest)

	_, err = f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	_, err = f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	assert.ErrorIs(t, err, ErrDuplicateActiveRequest, "borrowed is still active")

	_, err = f.lib.Lending.ReturnBook(student1, req.RequestID)
	require.NoError(t, err)
	again, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)
	assert.NotEqual(t, req.RequestID, again.RequestID)

	// another student is independent
	_, err = f.lib.Lending.RequestBook(student2, "S2", b.BookID)
	assert.NoError(t, err)
}

func TestConcurrentRequestsYieldOneActive(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ErrDuplicateActiveRequest):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, dupes)

	requests, err := f.repos.BorrowRequests.Load()
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestRequestBookRules(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")

	_, err := f.lib.Lending.RequestBook(student1, "S2", b.BookID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.lib.Lending.RequestBook(librarian, "L1", b.BookID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.lib.Lending.RequestBook(student1, "S1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")
	req, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)

	_, err = f.lib.Lending.ReturnBook(student1, req.RequestID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot return before approval")

	_, err = f.lib.Lending.Approve(student1, req.RequestID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	_, err = f.lib.Lending.Approve(librarian, req.RequestID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot approve twice")

	_, err = f.lib.Lending.ReturnBook(student2, req.RequestID)
	assert.ErrorIs(t, err, ErrUnauthorized, "only the owner returns")

	_, err = f.lib.Lending.ReturnBook(student1, req.RequestID)
	require.NoError(t, err)
	_, err = f.lib.Lending.ReturnBook(student1, req.RequestID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot return twice")

	_, err = f.lib.Lending.Approve(librarian, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimestampsStayMonotonic(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	b := f.book(t, "Dune")

	req, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)

	f.clock.Advance(-time.Hour)
	approved, err := f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	assert.False(t, approved.ApprovedDate.Before(approved.RequestDate))

	f.clock.Advance(-time.Hour)
	returned, err := f.lib.Lending.ReturnBook(student1, req.RequestID)
	require.NoError(t, err)
	assert.False(t, returned.ReturnDate.Before(*returned.ApprovedDate))
}

func TestListForStudent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	dune := f.book(t, "Dune")
	emma := f.book(t, "Emma")
	gone := f.book(t, "Gone")

	f.returnedLoan(t, student1, dune.BookID)
	_, err := f.lib.Lending.RequestBook(student1, "S1", emma.BookID)
	require.NoError(t, err)
	_, err = f.lib.Lending.RequestBook(student1, "S1", gone.BookID)
	require.NoError(t, err)
	_, err = f.lib.Lending.RequestBook(student2, "S2", emma.BookID)
	require.NoError(t, err)
	require.NoError(t, f.lib.Catalog.Delete(librarian, gone.BookID))

	all, err := f.lib.Lending.ListForStudent(student1, "S1", LoanFilter{Sort: LoanSortBook})
	require.NoError(t, err)
	require.Len(t, all, 2, "orphaned request is hidden")
	assert.Equal(t, "Dune", all[0].BookTitle)
	assert.Equal(t, "Rahul", all[0].StudentName)

	returned, err := f.lib.Lending.ListForStudent(student1, "S1", LoanFilter{Stage: LoanStageReturned})
	require.NoError(t, err)
	require.Len(t, returned, 1)
	assert.Equal(t, dune.BookID, returned[0].BookID)

	withOrphans, err := f.lib.Lending.ListForStudent(librarian, "S1", LoanFilter{IncludeOrphans: true, Sort: LoanSortBook})
	require.NoError(t, err)
	require.Len(t, withOrphans, 3)
	assert.True(t, withOrphans[2].Orphaned)
	assert.Equal(t, UnknownBookTitle, withOrphans[2].BookTitle)

	_, err = f.lib.Lending.ListForStudent(student2, "S1", LoanFilter{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListForStudentOrdering(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	for _, title := range []string{"Mango", "Zeta", "Alpha"} {
		b := f.book(t, title)
		_, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	loanTitles := func(views []LoanView) []string {
		out := make([]string, len(views))
		for i, v := range views {
			out[i] = v.BookTitle
		}
		return out
	}

	byDefault, err := f.lib.Lending.ListForStudent(student1, "S1", LoanFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Mango", "Zeta"}, loanTitles(byDefault), "defaults to book title order")

	byRequest, err := f.lib.Lending.ListForStudent(student1, "S1", LoanFilter{Sort: LoanSortRequestDate})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Zeta", "Mango"}, loanTitles(byRequest), "newest request first")
}

func TestListAll(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	dune := f.book(t, "Dune")
	emma := f.book(t, "Emma")

	f.returnedLoan(t, student2, emma.BookID)
	_, err := f.lib.Lending.RequestBook(student1, "S1", dune.BookID)
	require.NoError(t, err)

	views, err := f.lib.Lending.ListAll(faculty, LoanFilter{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Dune", views[0].BookTitle, "defaults to book title order")

	byStudent, err := f.lib.Lending.ListAll(librarian, LoanFilter{Sort: LoanSortStudent})
	require.NoError(t, err)
	assert.Equal(t, "Priya", byStudent[0].StudentName)

	byReturn, err := f.lib.Lending.ListAll(admin, LoanFilter{Sort: LoanSortReturnDate})
	require.NoError(t, err)
	assert.Equal(t, "Emma", byReturn[0].BookTitle, "unset return dates sort last")

	requested, err := f.lib.Lending.ListAll(librarian, LoanFilter{Status: models.BorrowStatusRequested})
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, "S1", requested[0].StudentID)

	byName, err := f.lib.Lending.ListAll(librarian, LoanFilter{Query: "priya"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, emma.BookID, byName[0].BookID)

	_, err = f.lib.Lending.ListAll(student1, LoanFilter{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHasBorrowedFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	const ref = "blake3:0000000000000000000000000000000000000000000000000000000000000001"
	b, err := f.lib.Catalog.Create(librarian, models.Book{Title: "Reader", Author: "Staff", Type: models.BookTypeBooks, FileRef: ref})
	require.NoError(t, err)

	held, err := f.lib.Lending.HasBorrowedFile("S1", ref)
	require.NoError(t, err)
	assert.False(t, held, "no request yet")

	req, err := f.lib.Lending.RequestBook(student1, "S1", b.BookID)
	require.NoError(t, err)
	held, err = f.lib.Lending.HasBorrowedFile("S1", ref)
	require.NoError(t, err)
	assert.False(t, held, "requested is not borrowed")

	_, err = f.lib.Lending.Approve(librarian, req.RequestID)
	require.NoError(t, err)
	held, err = f.lib.Lending.HasBorrowedFile("S1", ref)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = f.lib.Lending.HasBorrowedFile("S2", ref)
	require.NoError(t, err)
	assert.False(t, held, "another student's loan")

	_, err = f.lib.Lending.ReturnBook(student1, req.RequestID)
	require.NoError(t, err)
	held, err = f.lib.Lending.HasBorrowedFile("S1", ref)
	require.NoError(t, err)
	assert.False(t, held, "returned")
}
