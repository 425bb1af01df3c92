package nbassist

import (
	"fmt"
	"os"
	"strings"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/models/gemini"
	"github.com/Desarso/nbassist/models/openai"
	"github.com/Desarso/nbassist/stores"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// Config holds configuration for an Assistant server
type Config struct {
	Backend      string // "openai" or "gemini"
	ModelName    string
	BaseURL      string
	APIKey       string // preset key; empty means users enter one
	StoreType    string // "sqlite", "postgres" or "" for no persistence
	StoreDSN     string
	StoreOptions map[string]string // see stores.Option*
	AutosaveSpec string
	PythonPath   string
	ShellPath    string
	Logger       *zap.Logger
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Backend:      BackendOpenAI,
		StoreType:    "sqlite",
		StoreDSN:     stores.DefaultSQLitePath,
		AutosaveSpec: stores.DefaultAutosaveSpec,
	}
}

// LoadConfig reads a .env file if one exists, then the NBASSIST_* and
// provider key environment variables, on top of NewConfig's defaults.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	c := NewConfig()
	if v := os.Getenv("NBASSIST_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	c.ModelName = os.Getenv("NBASSIST_MODEL")
	c.BaseURL = os.Getenv("NBASSIST_BASE_URL")
	if v, ok := os.LookupEnv("NBASSIST_STORE"); ok {
		c.StoreType = strings.ToLower(v)
	}
	if v := os.Getenv("NBASSIST_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("NBASSIST_DB_LOG_LEVEL"); v != "" {
		c.WithStoreOption(stores.OptionLogLevel, v)
	}
	if v := os.Getenv("NBASSIST_DB_MAX_CONNS"); v != "" {
		c.WithStoreOption(stores.OptionMaxOpenConns, v)
	}
	if v := os.Getenv("NBASSIST_AUTOSAVE"); v != "" {
		c.AutosaveSpec = v
	}
	c.PythonPath = os.Getenv("NBASSIST_PYTHON")
	c.ShellPath = os.Getenv("NBASSIST_SHELL")

	switch c.Backend {
	case BackendOpenAI:
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	case BackendGemini:
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	return c, c.Validate()
}

// Validate checks the backend and store selections.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOpenAI, BackendGemini:
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
	switch c.StoreType {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store type: %s", c.StoreType)
	}
	return nil
}

// WithBackend selects the completion backend
func (c *Config) WithBackend(backend string) *Config {
	c.Backend = backend
	return c
}

// WithModelName sets the model name for the configuration
func (c *Config) WithModelName(modelName string) *Config {
	c.ModelName = modelName
	return c
}

// WithBaseURL points the backend at an OpenAI-compatible endpoint
func (c *Config) WithBaseURL(baseURL string) *Config {
	c.BaseURL = baseURL
	return c
}

// WithAPIKey presets the API key for every notebook
func (c *Config) WithAPIKey(key string) *Config {
	c.APIKey = key
	return c
}

// WithSQLiteStore persists notebooks in the SQLite database at dbPath
func (c *Config) WithSQLiteStore(dbPath string) *Config {
	c.StoreType = "sqlite"
	c.StoreDSN = dbPath
	return c
}

// WithPostgresStore persists notebooks in PostgreSQL
func (c *Config) WithPostgresStore(host, user, password, dbname string, port int) *Config {
	c.StoreType = "postgres"
	c.StoreDSN = stores.PostgresDSN(host, user, password, dbname, port)
	return c
}

// WithStoreOption sets a database option such as stores.OptionLogLevel
func (c *Config) WithStoreOption(key, value string) *Config {
	if c.StoreOptions == nil {
		c.StoreOptions = make(map[string]string)
	}
	c.StoreOptions[key] = value
	return c
}

// WithoutStore keeps notebooks in memory only
func (c *Config) WithoutStore() *Config {
	c.StoreType = ""
	c.StoreDSN = ""
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.Logger = logger
	return c
}

// BackendFactory returns the factory for the configured backend.
func (c *Config) BackendFactory() (models.BackendFactory, error) {
	logger := c.logger()
	switch c.Backend {
	case BackendOpenAI:
		return openai.Factory(openai.Config{Model: c.ModelName, BaseURL: c.BaseURL, Logger: logger}), nil
	case BackendGemini:
		return gemini.Factory(gemini.Config{Model: c.ModelName, BaseURL: c.BaseURL, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", c.Backend)
	}
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
