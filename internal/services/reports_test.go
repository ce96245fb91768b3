package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslibrary/internal/models"
)

func TestReportSummary(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	dune := f.book(t, "Dune")
	emma := f.book(t, "Emma")
	f.book(t, "Unread")

	f.returnedLoan(t, student1, dune.BookID)
	f.returnedLoan(t, student2, dune.BookID)
	f.returnedLoan(t, student1, emma.BookID)
	_, err := f.lib.Lending.RequestBook(student2, "S2", emma.BookID)
	require.NoError(t, err)

	report, err := f.lib.Reports.Summary(faculty)
	require.NoError(t, err)

	assert.Equal(t, 3, report.BookCount)
	assert.Equal(t, 2, report.RoleCounts[models.UserRoleStudent])
	assert.Equal(t, 1, report.RoleCounts[models.UserRoleAdmin])
	assert.Equal(t, map[string]int{"CS": 1, "EE": 1}, report.DepartmentCounts)
	assert.Equal(t, 3, report.StatusCounts[models.BorrowStatusReturned])
	assert.Equal(t, 1, report.StatusCounts[models.BorrowStatusRequested])
	assert.Equal(t, 2, report.StudentsWithLoans)

	require.Len(t, report.TopBooks, 2)
	assert.Equal(t, CountEntry{ID: dune.BookID, Name: "Dune", Count: 2}, report.TopBooks[0])
	require.Len(t, report.TopBorrowers, 2)
	assert.Equal(t, "S1", report.TopBorrowers[0].ID)
	assert.Equal(t, 2, report.TopBorrowers[0].Count)

	_, err = f.lib.Reports.Summary(guest)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBuildReportLimitsLeaderboards(t *testing.T) {
	var books []models.Book
	var requests []models.BorrowRequest
	for i, title := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		id := string(rune('A' + i))
		books = append(books, models.Book{BookID: id, Title: title})
		for n := 0; n <= i; n++ {
			requests = append(requests, models.BorrowRequest{BookID: id, StudentID: "S1", Status: models.BorrowStatusReturned, RequestDate: epoch.Add(time.Duration(n) * time.Hour)})
		}
	}
	requests = append(requests, models.BorrowRequest{BookID: "deleted", StudentID: "S9", Status: models.BorrowStatusBorrowed})

	report := BuildReport(models.UsersByRole{}, books, requests)

	require.Len(t, report.TopBooks, TopN)
	assert.Equal(t, "g", report.TopBooks[0].Name)
	assert.Equal(t, 7, report.TopBooks[0].Count)
	assert.Equal(t, "c", report.TopBooks[TopN-1].Name)

	require.Len(t, report.TopBorrowers, 2)
	assert.Equal(t, "S1", report.TopBorrowers[0].ID)
	assert.Equal(t, "S9", report.TopBorrowers[1].ID)
}
