package services

import (
	"sort"

	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/repositories"
)

// TopN is how many entries the leaderboards in a Report carry.
const TopN = 5

type CountEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Report is the dashboard summary shown to staff.
type Report struct {
	RoleCounts        map[models.UserRole]int     `json:"roleCounts"`
	DepartmentCounts  map[string]int              `json:"departmentCounts"`
	StatusCounts      map[models.BorrowStatus]int `json:"statusCounts"`
	TopBooks          []CountEntry                `json:"topBooks"`
	TopBorrowers      []CountEntry                `json:"topBorrowers"`
	BookCount         int                         `json:"bookCount"`
	StudentsWithLoans int                         `json:"studentsWithLoans"`
}

type Reports interface {
	Summary(caller models.Identity) (*Report, error)
}

type reports struct {
	repos *repositories.Set
}

func NewReports(repos *repositories.Set) Reports {
	return &reports{repos: repos}
}

func (s *reports) Summary(caller models.Identity) (*Report, error) {
	if err := policy.Authorize(caller, policy.OpViewReports, policy.Target{}); err != nil {
		return nil, err
	}

	dir, err := s.repos.Users.Load()
	if err != nil {
		return nil, err
	}
	books, err := s.repos.Books.Load()
	if err != nil {
		return nil, err
	}
	requests, err := s.repos.BorrowRequests.Load()
	if err != nil {
		return nil, err
	}
	return BuildReport(dir.ByRole, books, requests), nil
}

// BuildReport aggregates the three collections. Only Borrowed and Returned
// requests count toward the leaderboards.
func BuildReport(users models.UsersByRole, books []models.Book, requests []models.BorrowRequest) *Report {
	r := &Report{
		RoleCounts:       map[models.UserRole]int{},
		DepartmentCounts: map[string]int{},
		StatusCounts:     map[models.BorrowStatus]int{},
		BookCount:        len(books),
	}
	for _, role := range users.Roles() {
		r.RoleCounts[role] = len(users[role])
	}
	for _, u := range users[models.UserRoleStudent] {
		if u.Department != "" {
			r.DepartmentCounts[u.Department]++
		}
	}

	views := JoinLoans(requests, books, users[models.UserRoleStudent])
	bookCounts := map[string]*CountEntry{}
	borrowerCounts := map[string]*CountEntry{}
	for _, v := range views {
		r.StatusCounts[v.Status]++
		if v.Status != models.BorrowStatusBorrowed && v.Status != models.BorrowStatusReturned {
			continue
		}
		tally(bookCounts, v.BookID, v.BookTitle)
		tally(borrowerCounts, v.StudentID, v.StudentName)
	}
	r.TopBooks = top(bookCounts, TopN)
	r.TopBorrowers = top(borrowerCounts, TopN)
	r.StudentsWithLoans = len(borrowerCounts)
	return r
}

func tally(counts map[string]*CountEntry, id, name string) {
	e, ok := counts[id]
	if !ok {
		e = &CountEntry{ID: id, Name: name}
		counts[id] = e
	}
	e.Count++
}

// top orders by count, then name, then id so equal counts are deterministic.
func top(counts map[string]*CountEntry, n int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for _, e := range counts {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
