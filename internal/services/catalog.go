package services

import (
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/repositories"
)

// BookPatch carries the editable book fields. Nil means keep.
type BookPatch struct {
	Title       *string          `json:"title,omitempty"`
	Type        *models.BookType `json:"type,omitempty"`
	Author      *string          `json:"author,omitempty"`
	Description *string          `json:"description,omitempty"`
	FileRef     *string          `json:"fileRef,omitempty"`
}

type BookFilter struct {
	Query string
	Type  models.BookType
}

type BookSortField string

const (
	BookSortTitle     BookSortField = "title"
	BookSortType      BookSortField = "type"
	BookSortCreatedAt BookSortField = "createdAt"
)

// BookSort orders catalog listings. Title and type sort ascending,
// createdAt newest first; Descending reverses either.
type BookSort struct {
	Field      BookSortField
	Descending bool
}

// BookDetail is a book together with its ratings.
type BookDetail struct {
	models.Book
	Ratings     []models.Rating `json:"ratings"`
	Average     float64         `json:"averageRating"`
	RatingCount int             `json:"ratingCount"`
}

// Catalog owns the books collection.
type Catalog interface {
	Create(caller models.Identity, book models.Book) (*models.Book, error)
	Update(caller models.Identity, bookID string, patch BookPatch) (*models.Book, error)
	Delete(caller models.Identity, bookID string) error

	Get(bookID string) (*models.Book, error)
	List(filter BookFilter, order BookSort) ([]models.Book, error)
	Detail(bookID string) (*BookDetail, error)
}

type catalog struct {
	books   repositories.BookRepository
	ratings RatingLedger
	clock   clock.Clock
}

func NewCatalog(books repositories.BookRepository, ratings RatingLedger, clk clock.Clock) Catalog {
	return &catalog{books: books, ratings: ratings, clock: clk}
}

// ─── Book Management ──────────────────────────────────────────────────────────

// Create assigns a fresh bookId and stamps createdAt/createdBy; whatever the
// caller put in those fields is ignored.
func (s *catalog) Create(caller models.Identity, book models.Book) (*models.Book, error) {
	if err := policy.Authorize(caller, policy.OpCreateBook, policy.Target{}); err != nil {
		log.Printf("[WARN] CreateBook: %s (%s) denied", caller.UserID, caller.Role)
		return nil, err
	}

	book = normalizeBook(book)
	if err := validateBook(book); err != nil {
		return nil, err
	}
	book.BookID = uuid.NewString()
	book.CreatedAt = s.clock.Now()
	book.CreatedBy = caller.UserID

	err := s.books.Update(func(list *[]models.Book) error {
		*list = append(*list, book)
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] CreateBook: failed to save book %q: %v", book.Title, err)
		return nil, err
	}
	log.Printf("[INFO] CreateBook: created book %q (id=%s) by %s", book.Title, book.BookID, caller.UserID)
	return &book, nil
}

func (s *catalog) Update(caller models.Identity, bookID string, patch BookPatch) (*models.Book, error) {
	if err := policy.Authorize(caller, policy.OpUpdateBook, policy.Target{}); err != nil {
		return nil, err
	}

	var updated models.Book
	err := s.books.Update(func(list *[]models.Book) error {
		idx := indexOfBook(*list, bookID)
		if idx < 0 {
			return ErrBookNotFound
		}
		b := (*list)[idx]
		if patch.Title != nil {
			b.Title = *patch.Title
		}
		if patch.Type != nil {
			b.Type = *patch.Type
		}
		if patch.Author != nil {
			b.Author = *patch.Author
		}
		if patch.Description != nil {
			b.Description = *patch.Description
		}
		if patch.FileRef != nil {
			b.FileRef = *patch.FileRef
		}
		b = normalizeBook(b)
		if err := validateBook(b); err != nil {
			return err
		}
		(*list)[idx] = b
		updated = b
		return nil
	})
	if err != nil {
		log.Printf("[WARN] UpdateBook: book %s: %v", bookID, err)
		return nil, err
	}
	log.Printf("[INFO] UpdateBook: book %s updated by %s", bookID, caller.UserID)
	return &updated, nil
}

// Delete removes the book only. Borrow requests and ratings that reference
// it are left as they are.
func (s *catalog) Delete(caller models.Identity, bookID string) error {
	if err := policy.Authorize(caller, policy.OpDeleteBook, policy.Target{}); err != nil {
		return err
	}

	err := s.books.Update(func(list *[]models.Book) error {
		idx := indexOfBook(*list, bookID)
		if idx < 0 {
			return ErrBookNotFound
		}
		*list = append((*list)[:idx:idx], (*list)[idx+1:]...)
		return nil
	})
	if err != nil {
		log.Printf("[WARN] DeleteBook: book %s: %v", bookID, err)
		return err
	}
	log.Printf("[INFO] DeleteBook: book %s removed by %s", bookID, caller.UserID)
	return nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *catalog) Get(bookID string) (*models.Book, error) {
	books, err := s.books.Load()
	if err != nil {
		return nil, err
	}
	idx := indexOfBook(books, bookID)
	if idx < 0 {
		return nil, ErrBookNotFound
	}
	return &books[idx], nil
}

func (s *catalog) List(filter BookFilter, order BookSort) ([]models.Book, error) {
	books, err := s.books.Load()
	if err != nil {
		return nil, err
	}
	return FilterBooks(books, filter, order), nil
}

func (s *catalog) Detail(bookID string) (*BookDetail, error) {
	book, err := s.Get(bookID)
	if err != nil {
		return nil, err
	}
	ratings, err := s.ratings.ListForBook(bookID)
	if err != nil {
		return nil, err
	}
	return &BookDetail{
		Book:        *book,
		Ratings:     ratings,
		Average:     averageRating(ratings),
		RatingCount: len(ratings),
	}, nil
}

// FilterBooks is the pure projection behind List. The input is not modified.
func FilterBooks(books []models.Book, filter BookFilter, order BookSort) []models.Book {
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	out := []models.Book{}
	for _, b := range books {
		if filter.Type != "" && b.Type != filter.Type {
			continue
		}
		if q != "" && !bookMatches(b, q) {
			continue
		}
		out = append(out, b)
	}

	less := func(a, b models.Book) bool {
		switch order.Field {
		case BookSortType:
			return strings.ToLower(string(a.Type)) < strings.ToLower(string(b.Type))
		case BookSortCreatedAt:
			return a.CreatedAt.After(b.CreatedAt)
		case BookSortTitle:
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		}
		return false
	}
	if order.Field == "" {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order.Descending {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// bookMatches reports whether the lowercased query q occurs in the title,
// author or type.
func bookMatches(b models.Book, q string) bool {
	for _, field := range []string{b.Title, b.Author, string(b.Type)} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func indexOfBook(books []models.Book, bookID string) int {
	for i, b := range books {
		if b.BookID == bookID {
			return i
		}
	}
	return -1
}

func normalizeBook(b models.Book) models.Book {
	b.Title = strings.TrimSpace(b.Title)
	b.Author = strings.TrimSpace(b.Author)
	b.Description = strings.TrimSpace(b.Description)
	return b
}

func validateBook(b models.Book) error {
	switch {
	case b.Title == "":
		return validationf("title is required")
	case b.Author == "":
		return validationf("author is required")
	case !b.Type.Valid():
		return validationf("type must be one of %q, %q or %q", models.BookTypeBooks, models.BookTypeJournals, models.BookTypeResearchPapers)
	}
	return nil
}
