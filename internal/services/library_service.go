package services

import (
	"log"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/credentials"
	"campuslibrary/internal/models"
	"campuslibrary/internal/repositories"
)

// ─── Library ──────────────────────────────────────────────────────────────────

// Library wires the lending core together over one repository set.
type Library struct {
	Identity IdentityRegistry
	Catalog  Catalog
	Lending  Lending
	Ratings  RatingLedger
	Reports  Reports
}

// NewLibrary wires up all dependencies and returns the lending core.
func NewLibrary(repos *repositories.Set, hasher credentials.PasswordHasher, clk clock.Clock) *Library {
	ratings := NewRatingLedger(repos.Ratings, repos.BorrowRequests, clk)
	return &Library{
		Identity: NewIdentityRegistry(repos.Users, hasher),
		Catalog:  NewCatalog(repos.Books, ratings, clk),
		Lending:  NewLending(repos.Users, repos.Books, repos.BorrowRequests, clk),
		Ratings:  ratings,
		Reports:  NewReports(repos),
	}
}

// Bootstrap reconciles the seed directory into the store. It runs once at
// process start before any request is served.
func (l *Library) Bootstrap(seed models.UsersByRole) error {
	result, err := l.Identity.ReconcileSeed(seed)
	if err != nil {
		log.Printf("[ERROR] Bootstrap: seed reconciliation failed: %v", err)
		return err
	}
	for _, u := range result.Added {
		log.Printf("[INFO] Bootstrap: seeded %s %s (%s)", u.Role, u.UserID, u.Email)
	}
	return nil
}
