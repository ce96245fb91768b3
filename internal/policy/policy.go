// Package policy is the authorization guard: pure functions of the caller,
// the intended operation and the target entity. Nothing here touches
// storage; callers gather the facts a rule needs into Target first.
package policy

import (
	"errors"
	"fmt"

	"campuslibrary/internal/models"
)

var ErrUnauthorized = errors.New("unauthorized")

type Operation string

const (
	OpCreateUser          Operation = "user.create"
	OpUpdateUser          Operation = "user.update"
	OpDeleteUser          Operation = "user.delete"
	OpViewUsers           Operation = "user.view"
	OpViewStudents        Operation = "student.view"
	OpCreateBook          Operation = "book.create"
	OpUpdateBook          Operation = "book.update"
	OpDeleteBook          Operation = "book.delete"
	OpViewCatalog         Operation = "book.view"
	OpUploadAttachment    Operation = "attachment.upload"
	OpViewAttachment      Operation = "attachment.view"
	OpRequestBook         Operation = "loan.request"
	OpApprove             Operation = "loan.approve"
	OpReturnBook          Operation = "loan.return"
	OpViewAllRequests     Operation = "loan.view_all"
	OpViewStudentRequests Operation = "loan.view_student"
	OpUpsertRating        Operation = "rating.upsert"
	OpViewReports         Operation = "report.view"
)

// Target carries the facts about the entity an operation acts on.
type Target struct {
	// StudentID is the student the operation is performed for or the owner
	// of the record being touched.
	StudentID string
	// HasReturnedLoan is set for rating upserts when a Returned request
	// exists for (StudentID, book).
	HasReturnedLoan bool
	// HasBorrowedFile is set for attachment downloads when StudentID holds
	// a Borrowed request for a book carrying the attachment.
	HasBorrowedFile bool
}

var (
	staffViewers = []models.UserRole{models.UserRoleAdmin, models.UserRoleLibrarian, models.UserRoleFaculty}
	everyone     = models.KnownRoles
)

var allowedRoles = map[Operation][]models.UserRole{
	OpCreateUser:          {models.UserRoleAdmin},
	OpUpdateUser:          {models.UserRoleAdmin},
	OpDeleteUser:          {models.UserRoleAdmin},
	OpViewUsers:           {models.UserRoleAdmin},
	OpViewStudents:        staffViewers,
	OpCreateBook:          {models.UserRoleLibrarian},
	OpUpdateBook:          {models.UserRoleLibrarian},
	OpDeleteBook:          {models.UserRoleLibrarian},
	OpViewCatalog:         everyone,
	OpUploadAttachment:    {models.UserRoleLibrarian},
	OpViewAttachment:      append([]models.UserRole{models.UserRoleStudent}, staffViewers...),
	OpRequestBook:         {models.UserRoleStudent},
	OpApprove:             {models.UserRoleLibrarian},
	OpReturnBook:          {models.UserRoleStudent},
	OpViewAllRequests:     staffViewers,
	OpViewStudentRequests: append([]models.UserRole{models.UserRoleStudent}, staffViewers...),
	OpUpsertRating:        {models.UserRoleStudent},
	OpViewReports:         staffViewers,
}

// Authorize returns nil when caller may perform op on target, otherwise an
// error wrapping ErrUnauthorized.
func Authorize(caller models.Identity, op Operation, target Target) error {
	if caller.UserID == "" || caller.Role == "" {
		return fmt.Errorf("%w: no caller identity", ErrUnauthorized)
	}
	roles, ok := allowedRoles[op]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrUnauthorized, op)
	}
	if !hasRole(roles, caller.Role) {
		return fmt.Errorf("%w: role %s may not %s", ErrUnauthorized, caller.Role, op)
	}

	switch op {
	case OpRequestBook, OpReturnBook:
		if caller.UserID != target.StudentID {
			return fmt.Errorf("%w: %s may only act on their own loans", ErrUnauthorized, caller.UserID)
		}
	case OpViewStudentRequests:
		if caller.Role == models.UserRoleStudent && caller.UserID != target.StudentID {
			return fmt.Errorf("%w: %s may only view their own loans", ErrUnauthorized, caller.UserID)
		}
	case OpViewAttachment:
		if caller.Role == models.UserRoleStudent && (caller.UserID != target.StudentID || !target.HasBorrowedFile) {
			return fmt.Errorf("%w: attachment is only available while the book is borrowed", ErrUnauthorized)
		}
	case OpUpsertRating:
		if caller.UserID != target.StudentID {
			return fmt.Errorf("%w: %s may only rate as themselves", ErrUnauthorized, caller.UserID)
		}
		if !target.HasReturnedLoan {
			return fmt.Errorf("%w: book must be returned before it can be rated", ErrUnauthorized)
		}
	}
	return nil
}

// Allowed is Authorize as a predicate.
func Allowed(caller models.Identity, op Operation, target Target) bool {
	return Authorize(caller, op, target) == nil
}

func hasRole(roles []models.UserRole, role models.UserRole) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
