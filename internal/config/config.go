package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	AuthSecret            string   `mapstructure:"AUTH_SECRET"`
	BaseURL               string   `mapstructure:"BASE_URL"`
	DefaultPageSize       int      `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize           int      `mapstructure:"MAX_PAGE_SIZE"`
	MaxIncludeDepth       int      `mapstructure:"MAX_INCLUDE_DEPTH"`
	UpdateAsCreate        bool     `mapstructure:"UPDATE_AS_CREATE"`
	HardDelete            bool     `mapstructure:"HARD_DELETE"`
	SearchLenientHandling bool     `mapstructure:"SEARCH_LENIENT_HANDLING"`
	InlineIndexing        bool     `mapstructure:"INLINE_INDEXING"`
	IndexWorkerCount      int      `mapstructure:"INDEX_WORKER_COUNT"`
	IndexPollInterval     float64  `mapstructure:"INDEX_POLL_INTERVAL_SECONDS"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("MAX_PAGE_SIZE", 1000)
	v.SetDefault("MAX_INCLUDE_DEPTH", 3)
	v.SetDefault("UPDATE_AS_CREATE", true)
	v.SetDefault("HARD_DELETE", false)
	v.SetDefault("SEARCH_LENIENT_HANDLING", false)
	v.SetDefault("INLINE_INDEXING", false)
	v.SetDefault("INDEX_WORKER_COUNT", 2)
	v.SetDefault("INDEX_POLL_INTERVAL_SECONDS", 2.0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("BASE_URL")
	v.BindEnv("DEFAULT_PAGE_SIZE")
	v.BindEnv("MAX_PAGE_SIZE")
	v.BindEnv("MAX_INCLUDE_DEPTH")
	v.BindEnv("UPDATE_AS_CREATE")
	v.BindEnv("HARD_DELETE")
	v.BindEnv("SEARCH_LENIENT_HANDLING")
	v.BindEnv("INLINE_INDEXING")
	v.BindEnv("INDEX_WORKER_COUNT")
	v.BindEnv("INDEX_POLL_INTERVAL_SECONDS")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSecret == "" {
		log.Println("WARNING: Server is running without AUTH_SECRET (ENV=development).")
		log.Println("WARNING: All requests are accepted unauthenticated. Do NOT use in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires an
// AUTH_SECRET so that bearer-token authentication is enforced, and the paging
// limits must be coherent.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	if c.DefaultPageSize <= 0 {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be positive, got %d", c.DefaultPageSize)
	}
	if c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("MAX_PAGE_SIZE (%d) must be >= DEFAULT_PAGE_SIZE (%d)", c.MaxPageSize, c.DefaultPageSize)
	}
	if c.MaxIncludeDepth < 1 {
		return fmt.Errorf("MAX_INCLUDE_DEPTH must be at least 1, got %d", c.MaxIncludeDepth)
	}
	if c.IndexWorkerCount < 1 {
		return fmt.Errorf("INDEX_WORKER_COUNT must be at least 1, got %d", c.IndexWorkerCount)
	}
	return nil
}
