package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the API process settings. Every field is read from a
// GYM_-prefixed environment variable.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`

	// PGDSN selects the Postgres store. When empty the in-memory store is
	// used, loaded from SeedFile.
	PGDSN    string `env:"PG_DSN"`
	SeedFile string `env:"SEED_FILE" envDefault:"ops/seed/catalog.yaml"`

	AuthSecret string        `env:"AUTH_SECRET"`
	AuthIssuer string        `env:"AUTH_ISSUER" envDefault:"gymmaster"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
	RateRPS      float64  `env:"RATE_RPS" envDefault:"50"`
	RateBurst    int      `env:"RATE_BURST" envDefault:"100"`
	MaxBodyBytes int64    `env:"MAX_BODY_BYTES" envDefault:"1048576"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

const prefix = "GYM_"

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < 16 {
		errs = append(errs, fmt.Errorf("%sAUTH_SECRET must be at least 16 bytes", prefix))
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("%sRATE_RPS and %sRATE_BURST must be positive", prefix, prefix))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("%sMAX_BODY_BYTES must be positive", prefix))
	}
	if c.PGDSN == "" && c.SeedFile == "" {
		errs = append(errs, fmt.Errorf("either %sPG_DSN or %sSEED_FILE is required", prefix, prefix))
	}
	return errors.Join(errs...)
}

// UsePostgres reports whether the Postgres store is configured.
func (c Config) UsePostgres() bool { return c.PGDSN != "" }
