package services

import (
	"crypto/subtle"
	"log"
	"sort"
	"strconv"
	"strings"

	"campuslibrary/internal/credentials"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/repositories"
)

// ─── Seed Merge ───────────────────────────────────────────────────────────────

// MergeSeed folds seed into existing without touching anyone already present.
//
// Roles are walked in models.UsersByRole.Roles order. A seed user is appended
// to its role's partition only when no partition holds its email yet,
// including users appended earlier in the same call. Appended users get a
// fresh id from the role sequence. Neither input is mutated.
func MergeSeed(existing models.UsersByRole, sequences models.RoleSequences, seed models.UsersByRole) (models.UsersByRole, models.RoleSequences, []models.User) {
	merged := existing.Clone()
	if merged == nil {
		merged = models.UsersByRole{}
	}
	seqs := sequences.Clone()

	var added []models.User
	for _, role := range seed.Roles() {
		if _, ok := merged[role]; !ok {
			merged[role] = []models.User{}
		}
		for _, u := range seed[role] {
			if merged.HasEmail(u.Email) {
				continue
			}
			u.Role = role
			u.UserID = nextUserID(merged, seqs, role)
			merged[role] = append(merged[role], u)
			added = append(added, u)
		}
	}
	return merged, seqs, added
}

// nextUserID mints the next id for role and advances its sequence.
func nextUserID(users models.UsersByRole, sequences models.RoleSequences, role models.UserRole) string {
	n := sequences[role]
	if high := highestSuffix(users[role], role); high > n {
		n = high
	}
	if count := len(users[role]); count > n {
		n = count
	}
	n++
	sequences[role] = n
	return role.IDPrefix() + strconv.Itoa(n)
}

func highestSuffix(partition []models.User, role models.UserRole) int {
	prefix := role.IDPrefix()
	high := 0
	for _, u := range partition {
		rest, ok := strings.CutPrefix(u.UserID, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > high {
			high = n
		}
	}
	return high
}

// ─── Service Interface ────────────────────────────────────────────────────────

// UserPatch carries the fields an admin update may change. Nil means keep.
type UserPatch struct {
	Username   *string          `json:"username,omitempty"`
	Email      *string          `json:"email,omitempty"`
	Password   *string          `json:"password,omitempty"`
	Role       *models.UserRole `json:"role,omitempty"`
	Department *string          `json:"department,omitempty"`
}

type UserSortField string

const (
	UserSortUsername UserSortField = "username"
	UserSortEmail    UserSortField = "email"
	UserSortRole     UserSortField = "role"
	UserSortUserID   UserSortField = "userId"
)

type UserFilter struct {
	Role  models.UserRole
	Query string
	Sort  UserSortField
}

type ReconcileResult struct {
	Added []models.User `json:"added"`
}

// IdentityRegistry owns the user partitions and their id sequences.
type IdentityRegistry interface {
	ReconcileSeed(seed models.UsersByRole) (*ReconcileResult, error)

	Create(caller models.Identity, user models.User) (*models.User, error)
	Register(user models.User) (*models.User, error)
	Update(caller models.Identity, userID string, patch UserPatch) (*models.User, error)
	Delete(caller models.Identity, userID string) error

	Get(userID string) (*models.User, error)
	List(caller models.Identity, filter UserFilter) ([]models.User, error)
	ListStudents(caller models.Identity, query string) ([]models.User, error)

	// FindByCredentials returns nil when no user matches.
	FindByCredentials(email, password string) (*models.User, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type identityRegistry struct {
	users  repositories.UserRepository
	hasher credentials.PasswordHasher
}

func NewIdentityRegistry(users repositories.UserRepository, hasher credentials.PasswordHasher) IdentityRegistry {
	return &identityRegistry{users: users, hasher: hasher}
}

func (s *identityRegistry) ReconcileSeed(seed models.UsersByRole) (*ReconcileResult, error) {
	var added []models.User
	err := s.users.Update(func(dir *repositories.UserDirectory) error {
		merged, seqs, appended := MergeSeed(dir.ByRole, dir.Sequences, seed)

		for _, u := range appended {
			role, idx, _ := merged.FindByID(u.UserID)
			if s.hasher.IsHash(u.Password) {
				continue
			}
			hash, err := s.hasher.HashPassword(u.Password)
			if err != nil {
				return validationf("seed user %s: %v", u.Email, err)
			}
			merged[role][idx].Password = hash
		}

		dir.ByRole, dir.Sequences = merged, seqs
		added = appended
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] ReconcileSeed: %v", err)
		return nil, err
	}

	result := &ReconcileResult{Added: make([]models.User, 0, len(added))}
	for _, u := range added {
		result.Added = append(result.Added, u.Public())
	}
	log.Printf("[INFO] ReconcileSeed: appended %d seed user(s)", len(result.Added))
	return result, nil
}

// ─── User Management ──────────────────────────────────────────────────────────

func (s *identityRegistry) Create(caller models.Identity, user models.User) (*models.User, error) {
	if err := policy.Authorize(caller, policy.OpCreateUser, policy.Target{}); err != nil {
		log.Printf("[WARN] Create: %s (%s) denied", caller.UserID, caller.Role)
		return nil, err
	}
	return s.insert("Create", user)
}

// Register is self-registration: the role is always student.
func (s *identityRegistry) Register(user models.User) (*models.User, error) {
	user.Role = models.UserRoleStudent
	return s.insert("Register", user)
}

func (s *identityRegistry) insert(op string, user models.User) (*models.User, error) {
	user = normalizeUser(user)
	if err := validateUser(user); err != nil {
		return nil, err
	}
	if user.Password == "" {
		return nil, validationf("password is required")
	}
	hash, err := s.hasher.HashPassword(user.Password)
	if err != nil {
		return nil, validationf("%v", err)
	}
	user.Password = hash

	err = s.users.Update(func(dir *repositories.UserDirectory) error {
		if dir.ByRole.HasEmail(user.Email) {
			return ErrEmailAlreadyExists
		}
		user.UserID = nextUserID(dir.ByRole, dir.Sequences, user.Role)
		dir.ByRole[user.Role] = append(dir.ByRole[user.Role], user)
		return nil
	})
	if err != nil {
		log.Printf("[WARN] %s: %s: %v", op, user.Email, err)
		return nil, err
	}

	log.Printf("[INFO] %s: created %s %s (%s)", op, user.Role, user.UserID, user.Email)
	public := user.Public()
	return &public, nil
}

func (s *identityRegistry) Update(caller models.Identity, userID string, patch UserPatch) (*models.User, error) {
	if err := policy.Authorize(caller, policy.OpUpdateUser, policy.Target{}); err != nil {
		return nil, err
	}

	var hash string
	if patch.Password != nil {
		h, err := s.hasher.HashPassword(*patch.Password)
		if err != nil {
			return nil, validationf("%v", err)
		}
		hash = h
	}

	var updated models.User
	err := s.users.Update(func(dir *repositories.UserDirectory) error {
		role, idx, ok := dir.ByRole.FindByID(userID)
		if !ok {
			return ErrUserNotFound
		}
		u := dir.ByRole[role][idx]

		if patch.Username != nil {
			u.Username = *patch.Username
		}
		if patch.Email != nil {
			if r, i, taken := dir.ByRole.FindByEmail(*patch.Email); taken && (r != role || i != idx) {
				return ErrEmailAlreadyExists
			}
			u.Email = *patch.Email
		}
		if patch.Role != nil {
			u.Role = *patch.Role
		}
		if patch.Department != nil {
			u.Department = *patch.Department
		}
		if hash != "" {
			u.Password = hash
		}
		u = normalizeUser(u)
		if err := validateUser(u); err != nil {
			return err
		}

		if u.Role == role {
			dir.ByRole[role][idx] = u
		} else {
			dir.ByRole[role] = append(dir.ByRole[role][:idx:idx], dir.ByRole[role][idx+1:]...)
			dir.ByRole[u.Role] = append(dir.ByRole[u.Role], u)
		}
		updated = u
		return nil
	})
	if err != nil {
		log.Printf("[WARN] Update: user %s: %v", userID, err)
		return nil, err
	}

	log.Printf("[INFO] Update: user %s updated by %s", userID, caller.UserID)
	public := updated.Public()
	return &public, nil
}

func (s *identityRegistry) Delete(caller models.Identity, userID string) error {
	if err := policy.Authorize(caller, policy.OpDeleteUser, policy.Target{}); err != nil {
		return err
	}
	if caller.UserID == userID {
		return ErrCannotDeleteSelf
	}

	err := s.users.Update(func(dir *repositories.UserDirectory) error {
		role, idx, ok := dir.ByRole.FindByID(userID)
		if !ok {
			return ErrUserNotFound
		}
		dir.ByRole[role] = append(dir.ByRole[role][:idx:idx], dir.ByRole[role][idx+1:]...)
		return nil
	})
	if err != nil {
		log.Printf("[WARN] Delete: user %s: %v", userID, err)
		return err
	}
	log.Printf("[INFO] Delete: user %s removed by %s", userID, caller.UserID)
	return nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *identityRegistry) Get(userID string) (*models.User, error) {
	dir, err := s.users.Load()
	if err != nil {
		return nil, err
	}
	role, idx, ok := dir.ByRole.FindByID(userID)
	if !ok {
		return nil, ErrUserNotFound
	}
	u := dir.ByRole[role][idx].Public()
	return &u, nil
}

func (s *identityRegistry) List(caller models.Identity, filter UserFilter) ([]models.User, error) {
	if err := policy.Authorize(caller, policy.OpViewUsers, policy.Target{}); err != nil {
		return nil, err
	}
	dir, err := s.users.Load()
	if err != nil {
		return nil, err
	}

	var out []models.User
	for _, u := range dir.ByRole.All() {
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if !matchesUser(u, filter.Query) {
			continue
		}
		out = append(out, u.Public())
	}
	sortUsers(out, filter.Sort)
	return out, nil
}

func (s *identityRegistry) ListStudents(caller models.Identity, query string) ([]models.User, error) {
	if err := policy.Authorize(caller, policy.OpViewStudents, policy.Target{}); err != nil {
		return nil, err
	}
	dir, err := s.users.Load()
	if err != nil {
		return nil, err
	}

	out := []models.User{}
	for _, u := range dir.ByRole[models.UserRoleStudent] {
		if matchesUser(u, query) {
			out = append(out, u.Public())
		}
	}
	return out, nil
}

func (s *identityRegistry) FindByCredentials(email, password string) (*models.User, error) {
	dir, err := s.users.Load()
	if err != nil {
		return nil, err
	}
	key := models.NormalizeEmail(email)
	for _, u := range dir.ByRole.All() {
		if models.NormalizeEmail(u.Email) != key {
			continue
		}
		if s.verify(password, u.Password) {
			public := u.Public()
			return &public, nil
		}
	}
	return nil, nil
}

// verify accepts plaintext secrets left behind by stores written before
// hashing was introduced.
func (s *identityRegistry) verify(password, stored string) bool {
	if !s.hasher.IsHash(stored) {
		return stored != "" && subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
	}
	ok, err := s.hasher.VerifyPassword(password, stored)
	if err != nil {
		log.Printf("[ERROR] FindByCredentials: %v", err)
		return false
	}
	return ok
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func normalizeUser(u models.User) models.User {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.TrimSpace(u.Email)
	u.Department = strings.TrimSpace(u.Department)
	if u.Role != models.UserRoleStudent {
		u.Department = ""
	}
	return u
}

func validateUser(u models.User) error {
	switch {
	case u.Username == "":
		return validationf("username is required")
	case u.Email == "" || !strings.Contains(u.Email, "@"):
		return validationf("a valid email is required")
	case !u.Role.Valid():
		return validationf("unknown role %q", u.Role)
	}
	return nil
}

func matchesUser(u models.User, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{u.Username, u.Email, u.UserID, u.Department} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func sortUsers(users []models.User, field UserSortField) {
	key := func(u models.User) string {
		switch field {
		case UserSortEmail:
			return strings.ToLower(u.Email)
		case UserSortRole:
			return string(u.Role)
		case UserSortUserID:
			return u.UserID
		default:
			return strings.ToLower(u.Username)
		}
	}
	sort.SliceStable(users, func(i, j int) bool { return key(users[i]) < key(users[j]) })
}
