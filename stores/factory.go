package stores

import (
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store options understood by NewStore.
const (
	// OptionLogLevel sets the gorm log level: silent, error, warn or info.
	OptionLogLevel = "log_level"
	// OptionMaxOpenConns caps the connection pool.
	OptionMaxOpenConns = "max_open_conns"
)

// DefaultSQLitePath is used when a sqlite store has no connection string.
const DefaultSQLitePath = "notebooks.sqlite"

// NewStore creates a new notebook store based on the configuration
func NewStore(config *StoreConfig) (NotebookStore, error) {
	switch config.Type {
	case "sqlite":
		return NewSQLiteStore(config)
	case "postgres":
		return NewPostgresStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// PostgresDSN builds a PostgreSQL connection string from its parts
func PostgresDSN(host, user, password, dbname string, port int) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)
}

// gormConfig builds the gorm configuration for opts, using fallback when no
// log level is set.
func gormConfig(opts map[string]string, fallback logger.LogLevel) (*gorm.Config, error) {
	level := fallback
	if v, ok := opts[OptionLogLevel]; ok {
		switch strings.ToLower(v) {
		case "silent":
			level = logger.Silent
		case "error":
			level = logger.Error
		case "warn":
			level = logger.Warn
		case "info":
			level = logger.Info
		default:
			return nil, fmt.Errorf("invalid %s option: %q", OptionLogLevel, v)
		}
	}
	return &gorm.Config{Logger: logger.Default.LogMode(level)}, nil
}

// configurePool applies the connection pool options to db.
func configurePool(db *gorm.DB, opts map[string]string) error {
	v, ok := opts[OptionMaxOpenConns]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid %s option: %q", OptionMaxOpenConns, v)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(n)
	return nil
}
