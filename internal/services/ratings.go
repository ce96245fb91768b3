package services

import (
	"log"
	"strings"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/repositories"
)

const (
	MinRating = 1
	MaxRating = 5
)

// RatingLedger keeps at most one rating per (student, book).
type RatingLedger interface {
	// Upsert replaces any earlier rating by the same student for the same
	// book. The replacement moves to the end of the ledger.
	Upsert(caller models.Identity, studentID, bookID string, rating int, comment string) (*models.Rating, error)
	Get(studentID, bookID string) (*models.Rating, error)
	ListForBook(bookID string) ([]models.Rating, error)
	Summary(bookID string) (average float64, count int, err error)
}

type ratingLedger struct {
	ratings  repositories.RatingRepository
	requests repositories.BorrowRequestRepository
	clock    clock.Clock
}

func NewRatingLedger(ratings repositories.RatingRepository, requests repositories.BorrowRequestRepository, clk clock.Clock) RatingLedger {
	return &ratingLedger{ratings: ratings, requests: requests, clock: clk}
}

func (s *ratingLedger) Upsert(caller models.Identity, studentID, bookID string, rating int, comment string) (*models.Rating, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, ErrRatingOutOfRange
	}

	returned, err := s.hasReturned(studentID, bookID)
	if err != nil {
		return nil, err
	}
	target := policy.Target{StudentID: studentID, HasReturnedLoan: returned}
	if err := policy.Authorize(caller, policy.OpUpsertRating, target); err != nil {
		log.Printf("[WARN] UpsertRating: %s denied for book %s", caller.UserID, bookID)
		return nil, err
	}

	entry := models.Rating{
		BookID:    bookID,
		StudentID: studentID,
		Rating:    rating,
		Comment:   strings.TrimSpace(comment),
		Date:      s.clock.Now(),
	}
	err = s.ratings.Update(func(list *[]models.Rating) error {
		kept := (*list)[:0:0]
		for _, r := range *list {
			if r.BookID == bookID && r.StudentID == studentID {
				continue
			}
			kept = append(kept, r)
		}
		*list = append(kept, entry)
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] UpsertRating: %v", err)
		return nil, err
	}
	log.Printf("[INFO] UpsertRating: %s rated book %s %d/%d", studentID, bookID, rating, MaxRating)
	return &entry, nil
}

func (s *ratingLedger) hasReturned(studentID, bookID string) (bool, error) {
	requests, err := s.requests.Load()
	if err != nil {
		return false, err
	}
	for _, r := range requests {
		if r.StudentID == studentID && r.BookID == bookID && r.Status == models.BorrowStatusReturned {
			return true, nil
		}
	}
	return false, nil
}

func (s *ratingLedger) Get(studentID, bookID string) (*models.Rating, error) {
	ratings, err := s.ratings.Load()
	if err != nil {
		return nil, err
	}
	for i := range ratings {
		if ratings[i].StudentID == studentID && ratings[i].BookID == bookID {
			return &ratings[i], nil
		}
	}
	return nil, ErrRatingNotFound
}

func (s *ratingLedger) ListForBook(bookID string) ([]models.Rating, error) {
	ratings, err := s.ratings.Load()
	if err != nil {
		return nil, err
	}
	out := []models.Rating{}
	for _, r := range ratings {
		if r.BookID == bookID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ratingLedger) Summary(bookID string) (float64, int, error) {
	ratings, err := s.ListForBook(bookID)
	if err != nil {
		return 0, 0, err
	}
	return averageRating(ratings), len(ratings), nil
}

func averageRating(ratings []models.Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Rating
	}
	return float64(sum) / float64(len(ratings))
}
