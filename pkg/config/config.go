// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "COLLAB_"

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMongo    = "mongo"
)

// Config holds the server configuration.
type Config struct {
	Host string
	Port int

	Store       string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DatabaseURL string
	SQLitePath  string

	MongoURI      string
	MongoDatabase string

	// RedisAddr enables event publishing when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	SnapshotEveryUpdates int
	SweepInterval        time.Duration
	StaleSnapshotAfter   time.Duration
	IdleEvictAfter       time.Duration
	ShutdownTimeout      time.Duration
	ClientSendBuffer     int
	SessionInbox         int
	MaxMessageBytes      int64
	EventBuffer          int
	MobileDocumentType   string
}

// Load reads .env if present and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function such as os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		Host:                 r.str("HOST", ""),
		Port:                 r.int("PORT", 8080),
		Store:                strings.ToLower(r.str("STORE", StorePostgres)),
		DBHost:               r.str("DB_HOST", "localhost"),
		DBPort:               r.int("DB_PORT", 5432),
		DBUser:               r.str("DB_USER", "postgres"),
		DBPassword:           r.str("DB_PASSWORD", "postgres"),
		DBName:               r.str("DB_NAME", "collab"),
		DBSSLMode:            r.str("DB_SSLMODE", "disable"),
		DatabaseURL:          r.str("DATABASE_URL", ""),
		SQLitePath:           r.str("SQLITE_PATH", "collab.sqlite3"),
		MongoURI:             r.str("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:        r.str("MONGO_DATABASE", "collab"),
		RedisAddr:            r.str("REDIS_ADDR", ""),
		RedisPassword:        r.str("REDIS_PASSWORD", ""),
		RedisDB:              r.int("REDIS_DB", 0),
		LogLevel:             r.str("LOG_LEVEL", "info"),
		LogFormat:            r.str("LOG_FORMAT", "json"),
		SnapshotEveryUpdates: r.int("SNAPSHOT_EVERY_UPDATES", 50),
		SweepInterval:        r.duration("SWEEP_INTERVAL", 30*time.Second),
		StaleSnapshotAfter:   r.duration("STALE_SNAPSHOT_AFTER", time.Minute),
		IdleEvictAfter:       r.duration("IDLE_EVICT_AFTER", 10*time.Minute),
		ShutdownTimeout:      r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ClientSendBuffer:     r.int("CLIENT_SEND_BUFFER", 256),
		SessionInbox:         r.int("SESSION_INBOX", 256),
		MaxMessageBytes:      int64(r.int("MAX_MESSAGE_BYTES", 1<<20)),
		EventBuffer:          r.int("EVENT_BUFFER", 1024),
		MobileDocumentType:   r.str("MOBILE_DOCUMENT_TYPE", "document"),
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres, StoreSQLite, StoreMongo:
	default:
		errs = append(errs, fmt.Errorf("%sSTORE: unknown driver %q", Prefix, c.Store))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%sPORT: %d out of range", Prefix, c.Port))
	}
	positive := map[string]int64{
		"SNAPSHOT_EVERY_UPDATES": int64(c.SnapshotEveryUpdates),
		"SWEEP_INTERVAL":         int64(c.SweepInterval),
		"STALE_SNAPSHOT_AFTER":   int64(c.StaleSnapshotAfter),
		"IDLE_EVICT_AFTER":       int64(c.IdleEvictAfter),
		"SHUTDOWN_TIMEOUT":       int64(c.ShutdownTimeout),
		"CLIENT_SEND_BUFFER":     int64(c.ClientSendBuffer),
		"SESSION_INBOX":          int64(c.SessionInbox),
		"MAX_MESSAGE_BYTES":      c.MaxMessageBytes,
		"EVENT_BUFFER":           int64(c.EventBuffer),
	}
	for _, name := range []string{
		"SNAPSHOT_EVERY_UPDATES", "SWEEP_INTERVAL", "STALE_SNAPSHOT_AFTER", "IDLE_EVICT_AFTER",
		"SHUTDOWN_TIMEOUT", "CLIENT_SEND_BUFFER", "SESSION_INBOX", "MAX_MESSAGE_BYTES", "EVENT_BUFFER",
	} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s%s: must be positive", Prefix, name))
		}
	}
	if c.IdleEvictAfter <= c.StaleSnapshotAfter {
		errs = append(errs, fmt.Errorf("%sIDLE_EVICT_AFTER (%s) must be longer than %sSTALE_SNAPSHOT_AFTER (%s)",
			Prefix, c.IdleEvictAfter, Prefix, c.StaleSnapshotAfter))
	}
	if c.MobileDocumentType == "" {
		errs = append(errs, fmt.Errorf("%sMOBILE_DOCUMENT_TYPE: must not be empty", Prefix))
	}
	return errors.Join(errs...)
}

// GetDatabaseConnectionString returns the Postgres connection string.
// DATABASE_URL wins over the individual parts.
func (c *Config) GetDatabaseConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// GetServerAddr returns the listen address.
func (c *Config) GetServerAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(Prefix + key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return d
}
