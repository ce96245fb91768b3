package repositories

import (
	"fmt"
	"sync"

	"campuslibrary/internal/kvstore"
	"campuslibrary/internal/models"
)

// Fixed keys every collection is stored under.
const (
	KeyUsersByRole    = "usersByRole"
	KeyUserSequences  = "userSequences"
	KeyBooks          = "books"
	KeyBorrowRequests = "borrowRequests"
	KeyBookRatings    = "bookRatings"
)

// Collection is a whole-value read-modify-write view over one store key.
//
// Load returns a private copy for read-side projections. Update holds the
// collection lock across load, fn and save; when fn fails nothing is written.
type Collection[T any] interface {
	Load() (T, error)
	Update(fn func(value *T) error) error
}

type BookRepository interface {
	Collection[[]models.Book]
}

type BorrowRequestRepository interface {
	Collection[[]models.BorrowRequest]
}

type RatingRepository interface {
	Collection[[]models.Rating]
}

// UserDirectory is the user partitions together with the per-role id
// sequences they are numbered from.
type UserDirectory struct {
	ByRole    models.UsersByRole
	Sequences models.RoleSequences
	// Existed is false when usersByRole had never been written.
	Existed bool
}

type UserRepository interface {
	Collection[UserDirectory]
}

// Set bundles the repositories of one store.
type Set struct {
	Users          UserRepository
	Books          BookRepository
	BorrowRequests BorrowRequestRepository
	Ratings        RatingRepository
}

func NewSet(store kvstore.Store) *Set {
	return &Set{
		Users:          NewUserRepository(store),
		Books:          NewBookRepository(store),
		BorrowRequests: NewBorrowRequestRepository(store),
		Ratings:        NewRatingRepository(store),
	}
}

// concrete implementations

type collection[T any] struct {
	mu    sync.Mutex
	store kvstore.Store
	key   string
}

func (c *collection[T]) load() (T, error) {
	var value T
	if _, err := kvstore.GetJSON(c.store, c.key, &value); err != nil {
		return value, err
	}
	return value, nil
}

func (c *collection[T]) Load() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *collection[T]) Update(fn func(value *T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, err := c.load()
	if err != nil {
		return err
	}
	if err := fn(&value); err != nil {
		return err
	}
	return c.store.Put(c.key, value)
}

func NewBookRepository(store kvstore.Store) BookRepository {
	return &collection[[]models.Book]{store: store, key: KeyBooks}
}

func NewBorrowRequestRepository(store kvstore.Store) BorrowRequestRepository {
	return &collection[[]models.BorrowRequest]{store: store, key: KeyBorrowRequests}
}

func NewRatingRepository(store kvstore.Store) RatingRepository {
	return &collection[[]models.Rating]{store: store, key: KeyBookRatings}
}

type userRepository struct {
	mu    sync.Mutex
	store kvstore.Store
}

func NewUserRepository(store kvstore.Store) UserRepository {
	return &userRepository{store: store}
}

func (r *userRepository) load() (UserDirectory, error) {
	dir := UserDirectory{
		ByRole:    models.UsersByRole{},
		Sequences: models.RoleSequences{},
	}
	existed, err := kvstore.GetJSON(r.store, KeyUsersByRole, &dir.ByRole)
	if err != nil {
		return dir, err
	}
	dir.Existed = existed
	if _, err := kvstore.GetJSON(r.store, KeyUserSequences, &dir.Sequences); err != nil {
		return dir, err
	}
	if dir.ByRole == nil {
		dir.ByRole = models.UsersByRole{}
	}
	if dir.Sequences == nil {
		dir.Sequences = models.RoleSequences{}
	}
	return dir, nil
}

func (r *userRepository) Load() (UserDirectory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *userRepository) Update(fn func(dir *UserDirectory) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(&dir); err != nil {
		return err
	}

	// Sequences go first: a crash between the two writes can only skip an
	// id number, never hand one out twice.
	if err := r.store.Put(KeyUserSequences, dir.Sequences); err != nil {
		return fmt.Errorf("save user sequences: %w", err)
	}
	if err := r.store.Put(KeyUsersByRole, dir.ByRole); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	return nil
}
