// Package config loads runtime settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"campuslibrary/internal/kvstore"
)

// Environment variables read by Load.
const (
	EnvConfigPath  = "CAMPUSLIBRARY_CONFIG"
	EnvDatabaseURL = "DATABASE_URL"
	EnvServerAddr  = "SERVER_ADDR"
	EnvStoreDriver = "STORE_DRIVER"
	EnvSeedFile    = "SEED_FILE"
	EnvBcryptCost  = "BCRYPT_COST"
	EnvSessionTTL  = "SESSION_TTL"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Auth        AuthConfig        `yaml:"auth"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	// SeedFile is a JSONC user directory merged at startup. Empty means
	// the bundled dataset.
	SeedFile string `yaml:"seed_file"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
	// SessionTTL is how long a login token stays valid.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type AttachmentsConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			Mode:         "release",
		},
		Store: StoreConfig{
			Driver: kvstore.DriverSQLite,
			DSN:    "data/campuslibrary.db",
		},
		Auth:        AuthConfig{BcryptCost: 10, SessionTTL: 12 * time.Hour},
		Attachments: AttachmentsConfig{MaxBytes: 10 << 20},
	}
}

// LoadFile reads a YAML file over the defaults. Fields the file omits keep
// their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the configuration the binary runs with. path wins over
// CAMPUSLIBRARY_CONFIG; with neither set only defaults and environment
// apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides from the environment. A DATABASE_URL without an
// explicit STORE_DRIVER selects postgres.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Store.DSN = v
		c.Store.Driver = kvstore.DriverPostgres
	}
	if v, ok := lookup(EnvStoreDriver); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup(EnvServerAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvSeedFile); ok {
		c.SeedFile = v
	}
	if v, ok := lookup(EnvBcryptCost); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.BcryptCost = n
		}
	}
	if v, ok := lookup(EnvSessionTTL); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.SessionTTL = d
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case kvstore.DriverSQLite, kvstore.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: must not be empty"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr: must not be empty"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server: timeouts must not be negative"))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode: unknown mode %q", c.Server.Mode))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("auth.session_ttl: must be positive"))
	}
	if c.Attachments.MaxBytes < 0 {
		errs = append(errs, errors.New("attachments.max_bytes: must not be negative"))
	}
	return errors.Join(errs...)
}
