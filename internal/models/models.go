package models

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type UserRole string

const (
	UserRoleAdmin     UserRole = "admin"
	UserRoleLibrarian UserRole = "librarian"
	UserRoleFaculty   UserRole = "faculty"
	UserRoleStudent   UserRole = "student"
	UserRoleGuest     UserRole = "guest"
)

// KnownRoles lists the roles in the order partitions are walked.
var KnownRoles = []UserRole{
	UserRoleAdmin,
	UserRoleLibrarian,
	UserRoleFaculty,
	UserRoleStudent,
	UserRoleGuest,
}

// Valid reports whether r is one of KnownRoles.
func (r UserRole) Valid() bool {
	for _, known := range KnownRoles {
		if r == known {
			return true
		}
	}
	return false
}

// IDPrefix is the uppercased first letter of the role, e.g. "S" for student.
// Only KnownRoles are guaranteed distinct prefixes.
func (r UserRole) IDPrefix() string {
	first, _ := utf8.DecodeRuneInString(string(r))
	if first == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(first))
}

type BookType string

const (
	BookTypeBooks          BookType = "Books"
	BookTypeJournals       BookType = "Journals"
	BookTypeResearchPapers BookType = "Research Papers"
)

func (t BookType) Valid() bool {
	switch t {
	case BookTypeBooks, BookTypeJournals, BookTypeResearchPapers:
		return true
	}
	return false
}

type BorrowStatus string

const (
	BorrowStatusRequested BorrowStatus = "Requested"
	BorrowStatusBorrowed  BorrowStatus = "Borrowed"
	BorrowStatusReturned  BorrowStatus = "Returned"
)

// Active reports whether the request still blocks a new request for the same pair.
func (s BorrowStatus) Active() bool {
	return s == BorrowStatusRequested || s == BorrowStatusBorrowed
}

func (s BorrowStatus) Valid() bool {
	return s.Active() || s == BorrowStatusReturned
}

type User struct {
	UserID     string   `json:"userId"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	Password   string   `json:"password,omitempty"`
	Role       UserRole `json:"role"`
	Department string   `json:"department,omitempty"`
}

// Public returns a copy of u without the stored secret.
func (u User) Public() User {
	u.Password = ""
	return u
}

// UsersByRole is the persisted shape of the user directory: role name to
// ordered partition.
type UsersByRole map[UserRole][]User

// Roles returns the partition names in walk order: KnownRoles first, then
// any other names sorted.
func (u UsersByRole) Roles() []UserRole {
	roles := make([]UserRole, 0, len(u))
	for _, role := range KnownRoles {
		if _, ok := u[role]; ok {
			roles = append(roles, role)
		}
	}
	var extra []UserRole
	for role := range u {
		if !role.Valid() {
			extra = append(extra, role)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(roles, extra...)
}

// Clone deep-copies the directory so callers can mutate freely.
func (u UsersByRole) Clone() UsersByRole {
	if u == nil {
		return nil
	}
	out := make(UsersByRole, len(u))
	for role, users := range u {
		out[role] = append([]User(nil), users...)
	}
	return out
}

// All flattens the partitions in walk order.
func (u UsersByRole) All() []User {
	var all []User
	for _, role := range u.Roles() {
		all = append(all, u[role]...)
	}
	return all
}

// HasEmail reports whether any partition holds email (case-insensitive).
func (u UsersByRole) HasEmail(email string) bool {
	_, _, ok := u.FindByEmail(email)
	return ok
}

// FindByEmail returns the partition and index holding email.
func (u UsersByRole) FindByEmail(email string) (UserRole, int, bool) {
	key := NormalizeEmail(email)
	for _, role := range u.Roles() {
		for i, user := range u[role] {
			if NormalizeEmail(user.Email) == key {
				return role, i, true
			}
		}
	}
	return "", -1, false
}

// FindByID returns the partition and index holding userID.
func (u UsersByRole) FindByID(userID string) (UserRole, int, bool) {
	for _, role := range u.Roles() {
		for i, user := range u[role] {
			if user.UserID == userID {
				return role, i, true
			}
		}
	}
	return "", -1, false
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RoleSequences holds the per-role high-water mark of issued id numbers.
type RoleSequences map[UserRole]int

func (s RoleSequences) Clone() RoleSequences {
	out := make(RoleSequences, len(s))
	for role, n := range s {
		out[role] = n
	}
	return out
}

type Book struct {
	BookID      string    `json:"bookId"`
	Title       string    `json:"title"`
	Type        BookType  `json:"type"`
	Author      string    `json:"author"`
	Description string    `json:"description"`
	FileRef     string    `json:"fileRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
}

type BorrowRequest struct {
	RequestID    string       `json:"requestId"`
	BookID       string       `json:"bookId"`
	StudentID    string       `json:"studentId"`
	Status       BorrowStatus `json:"status"`
	RequestDate  time.Time    `json:"requestDate"`
	ApprovedDate *time.Time   `json:"approvedDate,omitempty"`
	ApprovedBy   string       `json:"approvedBy,omitempty"`
	ReturnDate   *time.Time   `json:"returnDate,omitempty"`
}

type Rating struct {
	BookID    string    `json:"bookId"`
	StudentID string    `json:"studentId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	Date      time.Time `json:"date"`
}

// Identity is the authenticated caller handed to every authorized operation.
type Identity struct {
	UserID string   `json:"userId"`
	Role   UserRole `json:"role"`
}
