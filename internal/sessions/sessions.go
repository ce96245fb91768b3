// Package sessions binds the opaque bearer tokens handed out at login to
// the user they were issued for. Only a BLAKE3 digest of each token is
// persisted.
package sessions

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/kvstore"
)

// KeyPrefix namespaces session records in the store.
const KeyPrefix = "sessions/"

const TokenType = "Bearer"

var ErrInvalidSession = errors.New("invalid or expired session")

// Session is what a client receives from a successful login.
type Session struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// record is the persisted form, keyed by the token digest.
type record struct {
	UserID    string    `json:"userId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Manager interface {
	Issue(userID string) (*Session, error)
	// Resolve returns the userId a live token was issued for, or
	// ErrInvalidSession.
	Resolve(token string) (string, error)
	Revoke(token string) error
}

type manager struct {
	store kvstore.Store
	clock clock.Clock
	ttl   time.Duration
}

func NewManager(store kvstore.Store, clk clock.Clock, ttl time.Duration) Manager {
	return &manager{store: store, clock: clk, ttl: ttl}
}

func (m *manager) Issue(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("issue session: empty userId")
	}
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	now := m.clock.Now()
	rec := record{UserID: userID, IssuedAt: now, ExpiresAt: now.Add(m.ttl)}
	if err := m.store.Put(key(token), rec); err != nil {
		log.Printf("[ERROR] IssueSession: %v", err)
		return nil, err
	}
	log.Printf("[INFO] IssueSession: user %s, expires %s", userID, rec.ExpiresAt.Format(time.RFC3339))
	return &Session{Token: token, TokenType: TokenType, UserID: userID, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *manager) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}
	var rec record
	found, err := kvstore.GetJSON(m.store, key(token), &rec)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrInvalidSession
	}
	if !m.clock.Now().Before(rec.ExpiresAt) {
		if err := m.store.Delete(key(token)); err != nil {
			log.Printf("[WARN] ResolveSession: dropping expired session: %v", err)
		}
		return "", ErrInvalidSession
	}
	return rec.UserID, nil
}

func (m *manager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(key(token))
}

func key(token string) string {
	sum := blake3.Sum256([]byte(token))
	return KeyPrefix + hex.EncodeToString(sum[:])
}
