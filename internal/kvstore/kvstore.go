// Package kvstore is the durable string-key to JSON-value mapping every
// collection is persisted through. Values are always written whole; there
// are no partial updates and no subscriptions.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the get/put/has contract over JSON values.
type Store interface {
	// Get returns the raw JSON stored under key. found is false when the key
	// has never been written.
	Get(key string) (value json.RawMessage, found bool, err error)
	// Put JSON-encodes value and overwrites whatever key held.
	Put(key string, value any) error
	Has(key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists every stored key in ascending order.
	Keys() ([]string, error)
	Ping() error
}

// Entry is the single table backing the store.
type Entry struct {
	Key       string    `gorm:"column:entry_key;primaryKey;size:255"`
	Value     string    `gorm:"column:entry_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Entry) TableName() string { return "kv_entries" }

// Open connects to the backing database and migrates the entry table.
// SQLite is held to a single connection so ":memory:" databases survive
// across calls.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger(os.Stderr),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get generic DB: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate kv_entries: %w", err)
	}
	log.Printf("[INFO] kvstore: opened %s store", driver)
	return db, nil
}

// newLogger reports slow queries and SQL errors. A Get of a never-written key
// is the normal first-boot path, so missing records are not logged.
func newLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// ensureDir creates the parent directory of a file-backed SQLite database so
// a first run succeeds.
func ensureDir(dsn string) error {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	return nil
}

type gormStore struct {
	db *gorm.DB
}

// New wraps an opened database as a Store.
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Get(key string) (json.RawMessage, bool, error) {
	var entry Entry
	err := s.db.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return json.RawMessage(entry.Value), true, nil
}

func (s *gormStore) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	entry := Entry{
		Key:       key,
		Value:     string(data),
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *gormStore) Has(key string) (bool, error) {
	var count int64
	if err := s.db.Model(&Entry{}).Where("entry_key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("has %q: %w", key, err)
	}
	return count > 0, nil
}

func (s *gormStore) Delete(key string) error {
	if err := s.db.Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *gormStore) Keys() ([]string, error) {
	var keys []string
	if err := s.db.Model(&Entry{}).Order("entry_key").Pluck("entry_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *gormStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// GetJSON decodes the value under key into dst. It reports false, leaving
// dst untouched, when the key is absent.
func GetJSON(s Store, key string, dst any) (bool, error) {
	raw, found, err := s.Get(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}
