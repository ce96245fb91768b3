package services

import (
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/repositories"
)

// UnknownBookTitle labels requests whose book has been deleted.
const UnknownBookTitle = "(unknown book)"

// LoanStage selects requests by how far they progressed.
type LoanStage string

const (
	LoanStageRequested LoanStage = "requested"
	LoanStageApproved  LoanStage = "approved"
	LoanStageReturned  LoanStage = "returned"
)

type LoanSortField string

const (
	LoanSortBook         LoanSortField = "book"
	LoanSortStudent      LoanSortField = "student"
	LoanSortRequestDate  LoanSortField = "requestDate"
	LoanSortApprovedDate LoanSortField = "approvedDate"
	LoanSortReturnDate   LoanSortField = "returnDate"
)

type LoanFilter struct {
	Status models.BorrowStatus
	Stage  LoanStage
	// Query matches the book title, and the student name in staff views.
	Query          string
	IncludeOrphans bool
	Sort           LoanSortField
}

// LoanView is a borrow request joined with the names it refers to.
type LoanView struct {
	models.BorrowRequest
	BookTitle   string `json:"bookTitle"`
	StudentName string `json:"studentName"`
	Orphaned    bool   `json:"orphaned,omitempty"`
}

// Lending drives borrow requests through Requested → Borrowed → Returned.
type Lending interface {
	RequestBook(caller models.Identity, studentID, bookID string) (*models.BorrowRequest, error)
	Approve(caller models.Identity, requestID string) (*models.BorrowRequest, error)
	ReturnBook(caller models.Identity, requestID string) (*models.BorrowRequest, error)

	Get(requestID string) (*models.BorrowRequest, error)
	ListForStudent(caller models.Identity, studentID string, filter LoanFilter) ([]LoanView, error)
	ListAll(caller models.Identity, filter LoanFilter) ([]LoanView, error)

	// HasBorrowedFile reports whether studentID currently has a Borrowed
	// request for a book whose fileRef is ref.
	HasBorrowedFile(studentID, ref string) (bool, error)
}

type lending struct {
	users    repositories.UserRepository
	books    repositories.BookRepository
	requests repositories.BorrowRequestRepository
	clock    clock.Clock
}

func NewLending(
	users repositories.UserRepository,
	books repositories.BookRepository,
	requests repositories.BorrowRequestRepository,
	clk clock.Clock,
) Lending {
	return &lending{users: users, books: books, requests: requests, clock: clk}
}

// ─── Transitions ──────────────────────────────────────────────────────────────

func (s *lending) RequestBook(caller models.Identity, studentID, bookID string) (*models.BorrowRequest, error) {
	if err := policy.Authorize(caller, policy.OpRequestBook, policy.Target{StudentID: studentID}); err != nil {
		log.Printf("[WARN] RequestBook: %s (%s) denied for student %s", caller.UserID, caller.Role, studentID)
		return nil, err
	}

	books, err := s.books.Load()
	if err != nil {
		return nil, err
	}
	if indexOfBook(books, bookID) < 0 {
		return nil, ErrBookNotFound
	}

	req := models.BorrowRequest{
		RequestID:   uuid.NewString(),
		BookID:      bookID,
		StudentID:   studentID,
		Status:      models.BorrowStatusRequested,
		RequestDate: s.clock.Now(),
	}
	err = s.requests.Update(func(list *[]models.BorrowRequest) error {
		for _, r := range *list {
			if r.StudentID == studentID && r.BookID == bookID && r.Status.Active() {
				return ErrDuplicateActiveRequest
			}
		}
		*list = append(*list, req)
		return nil
	})
	if err != nil {
		log.Printf("[WARN] RequestBook: student %s book %s: %v", studentID, bookID, err)
		return nil, err
	}
	log.Printf("[INFO] RequestBook: request %s created (student=%s book=%s)", req.RequestID, studentID, bookID)
	return &req, nil
}

func (s *lending) Approve(caller models.Identity, requestID string) (*models.BorrowRequest, error) {
	if err := policy.Authorize(caller, policy.OpApprove, policy.Target{}); err != nil {
		log.Printf("[WARN] Approve: %s (%s) denied", caller.UserID, caller.Role)
		return nil, err
	}

	var approved models.BorrowRequest
	err := s.requests.Update(func(list *[]models.BorrowRequest) error {
		idx := indexOfRequest(*list, requestID)
		if idx < 0 {
			return ErrRequestNotFound
		}
		r := &(*list)[idx]
		if r.Status != models.BorrowStatusRequested {
			return ErrInvalidTransition
		}
		now := notBefore(s.clock.Now(), r.RequestDate)
		r.Status = models.BorrowStatusBorrowed
		r.ApprovedDate = &now
		r.ApprovedBy = caller.UserID
		approved = *r
		return nil
	})
	if err != nil {
		log.Printf("[WARN] Approve: request %s: %v", requestID, err)
		return nil, err
	}
	log.Printf("[INFO] Approve: request %s approved by %s", requestID, caller.UserID)
	return &approved, nil
}

func (s *lending) ReturnBook(caller models.Identity, requestID string) (*models.BorrowRequest, error) {
	var returned models.BorrowRequest
	err := s.requests.Update(func(list *[]models.BorrowRequest) error {
		idx := indexOfRequest(*list, requestID)
		if idx < 0 {
			return ErrRequestNotFound
		}
		r := &(*list)[idx]
		if err := policy.Authorize(caller, policy.OpReturnBook, policy.Target{StudentID: r.StudentID}); err != nil {
			return err
		}
		if r.Status != models.BorrowStatusBorrowed {
			return ErrInvalidTransition
		}
		floor := r.RequestDate
		if r.ApprovedDate != nil {
			floor = *r.ApprovedDate
		}
		now := notBefore(s.clock.Now(), floor)
		r.Status = models.BorrowStatusReturned
		r.ReturnDate = &now
		returned = *r
		return nil
	})
	if err != nil {
		log.Printf("[WARN] ReturnBook: request %s by %s: %v", requestID, caller.UserID, err)
		return nil, err
	}
	log.Printf("[INFO] ReturnBook: request %s returned by %s", requestID, caller.UserID)
	return &returned, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *lending) Get(requestID string) (*models.BorrowRequest, error) {
	requests, err := s.requests.Load()
	if err != nil {
		return nil, err
	}
	idx := indexOfRequest(requests, requestID)
	if idx < 0 {
		return nil, ErrRequestNotFound
	}
	return &requests[idx], nil
}

func (s *lending) ListForStudent(caller models.Identity, studentID string, filter LoanFilter) ([]LoanView, error) {
	if err := policy.Authorize(caller, policy.OpViewStudentRequests, policy.Target{StudentID: studentID}); err != nil {
		return nil, err
	}
	views, err := s.views()
	if err != nil {
		return nil, err
	}

	out := []LoanView{}
	for _, v := range views {
		if v.StudentID != studentID {
			continue
		}
		if !filter.accepts(v, false) {
			continue
		}
		out = append(out, v)
	}
	order := filter.Sort
	if order == "" {
		order = LoanSortBook
	}
	sortLoans(out, order)
	return out, nil
}

func (s *lending) ListAll(caller models.Identity, filter LoanFilter) ([]LoanView, error) {
	if err := policy.Authorize(caller, policy.OpViewAllRequests, policy.Target{}); err != nil {
		return nil, err
	}
	views, err := s.views()
	if err != nil {
		return nil, err
	}

	out := []LoanView{}
	for _, v := range views {
		if filter.accepts(v, true) {
			out = append(out, v)
		}
	}
	order := filter.Sort
	if order == "" {
		order = LoanSortBook
	}
	sortLoans(out, order)
	return out, nil
}

// views joins every request with its book title and student name.
func (s *lending) HasBorrowedFile(studentID, ref string) (bool, error) {
	if studentID == "" || ref == "" {
		return false, nil
	}
	books, err := s.books.Load()
	if err != nil {
		return false, err
	}
	carrying := map[string]bool{}
	for _, b := range books {
		if b.FileRef == ref {
			carrying[b.BookID] = true
		}
	}
	if len(carrying) == 0 {
		return false, nil
	}
	requests, err := s.requests.Load()
	if err != nil {
		return false, err
	}
	for _, r := range requests {
		if r.StudentID == studentID && r.Status == models.BorrowStatusBorrowed && carrying[r.BookID] {
			return true, nil
		}
	}
	return false, nil
}

func (s *lending) views() ([]LoanView, error) {
	dir, err := s.users.Load()
	if err != nil {
		return nil, err
	}
	books, err := s.books.Load()
	if err != nil {
		return nil, err
	}
	requests, err := s.requests.Load()
	if err != nil {
		return nil, err
	}
	return JoinLoans(requests, books, dir.ByRole[models.UserRoleStudent]), nil
}

// JoinLoans resolves the weak references of each request. Requests whose
// book no longer exists are marked Orphaned and titled UnknownBookTitle.
func JoinLoans(requests []models.BorrowRequest, books []models.Book, students []models.User) []LoanView {
	titles := make(map[string]string, len(books))
	for _, b := range books {
		titles[b.BookID] = b.Title
	}
	names := make(map[string]string, len(students))
	for _, u := range students {
		names[u.UserID] = u.Username
	}

	views := make([]LoanView, 0, len(requests))
	for _, r := range requests {
		v := LoanView{BorrowRequest: r, StudentName: names[r.StudentID]}
		if title, ok := titles[r.BookID]; ok {
			v.BookTitle = title
		} else {
			v.BookTitle = UnknownBookTitle
			v.Orphaned = true
		}
		views = append(views, v)
	}
	return views
}

func (f LoanFilter) accepts(v LoanView, matchStudent bool) bool {
	if v.Orphaned && !f.IncludeOrphans {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	switch f.Stage {
	case LoanStageApproved:
		if v.ApprovedDate == nil {
			return false
		}
	case LoanStageReturned:
		if v.ReturnDate == nil {
			return false
		}
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(v.BookTitle), q) {
		return true
	}
	return matchStudent && strings.Contains(strings.ToLower(v.StudentName), q)
}

func sortLoans(views []LoanView, field LoanSortField) {
	var less func(a, b LoanView) bool
	switch field {
	case LoanSortBook:
		less = func(a, b LoanView) bool {
			if a.Orphaned != b.Orphaned {
				return b.Orphaned
			}
			return strings.ToLower(a.BookTitle) < strings.ToLower(b.BookTitle)
		}
	case LoanSortStudent:
		less = func(a, b LoanView) bool {
			return strings.ToLower(a.StudentName) < strings.ToLower(b.StudentName)
		}
	case LoanSortRequestDate:
		less = func(a, b LoanView) bool { return a.RequestDate.After(b.RequestDate) }
	case LoanSortApprovedDate:
		less = func(a, b LoanView) bool { return newerFirst(a.ApprovedDate, b.ApprovedDate) }
	case LoanSortReturnDate:
		less = func(a, b LoanView) bool { return newerFirst(a.ReturnDate, b.ReturnDate) }
	default:
		return
	}
	sort.SliceStable(views, func(i, j int) bool { return less(views[i], views[j]) })
}

// newerFirst orders set timestamps before unset ones, newest first.
func newerFirst(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.After(*b)
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func indexOfRequest(requests []models.BorrowRequest, requestID string) int {
	for i, r := range requests {
		if r.RequestID == requestID {
			return i
		}
	}
	return -1
}
