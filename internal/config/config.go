// Package config declares the command line, environment and file
// configuration of the ptw binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Server configures cmd/api. Every flag can also be set through its PTW_*
// environment variable or a YAML file passed with --config.
type Server struct {
	Listen          string        `help:"HTTP listen address" default:":8080" env:"PTW_LISTEN"`
	GRPCListen      string        `help:"gRPC health listen address (empty disables)" default:":9090" env:"PTW_GRPC_LISTEN"`
	Dev             bool          `help:"human readable logs" default:"false" env:"PTW_DEV"`
	Tracing         bool          `help:"export OpenTelemetry traces over OTLP/gRPC" default:"false" env:"PTW_TRACING"`
	ShutdownTimeout time.Duration `help:"graceful shutdown timeout" default:"10s" env:"PTW_SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `help:"maximum request body size" default:"1048576" env:"PTW_MAX_BODY_BYTES"`
	CORSOrigins     []string      `help:"allowed CORS origins" default:"http://localhost:3000" env:"PTW_CORS_ORIGINS"`
	TrustProxy      bool          `help:"key the login rate limit on X-Forwarded-For (only behind a proxy that sets it)" env:"PTW_TRUST_PROXY"`

	Auth      AuthFlags      `embed:"" prefix:"auth-"`
	RateLimit RateLimitFlags `embed:"" prefix:"ratelimit-"`
	StoreType string         `help:"store type (memory or postgres)" default:"memory" env:"PTW_STORE_TYPE" enum:"memory,postgres"`
	Postgres  PostgresFlags  `embed:"" prefix:"postgres-"`
	Audit     AuditFlags     `embed:"" prefix:"audit-"`
	Bootstrap BootstrapFlags `embed:"" prefix:"bootstrap-"`
}

type AuthFlags struct {
	Secret         string        `help:"HMAC secret for session tokens" env:"PTW_AUTH_SECRET"`
	Issuer         string        `help:"token issuer" default:"ptw" env:"PTW_AUTH_ISSUER"`
	TokenTTL       time.Duration `help:"session token lifetime" default:"30m" env:"PTW_AUTH_TOKEN_TTL"`
	FailureDelay   time.Duration `help:"minimum duration of a failed login" default:"750ms" env:"PTW_AUTH_FAILURE_DELAY"`
	HashIterations int           `help:"PBKDF2 iterations for new credentials" default:"210000" env:"PTW_AUTH_HASH_ITERATIONS"`
}

type RateLimitFlags struct {
	RPS   float64 `help:"login requests per second per client" default:"1" env:"PTW_RATELIMIT_RPS"`
	Burst int     `help:"login burst per client" default:"5" env:"PTW_RATELIMIT_BURST"`
}

type PostgresFlags struct {
	DSN         string `help:"PostgreSQL connection string" env:"PTW_PG_DSN"`
	AutoMigrate bool   `help:"apply embedded migrations on startup" default:"false" env:"PTW_PG_AUTO_MIGRATE"`
}

type AuditFlags struct {
	Store       bool   `help:"persist audit events in the database" default:"true" env:"PTW_AUDIT_STORE"`
	NATSURL     string `help:"NATS server URL for audit events (empty disables)" env:"PTW_AUDIT_NATS_URL"`
	NATSSubject string `help:"NATS subject prefix for audit events" default:"ptw.audit" env:"PTW_AUDIT_NATS_SUBJECT"`
}

// BootstrapFlags seed an administrator into an empty memory store.
type BootstrapFlags struct {
	AdminUser     string   `help:"bootstrap admin username (memory store)" default:"admin" env:"PTW_BOOTSTRAP_ADMIN_USER"`
	AdminPassword string   `help:"bootstrap admin password (memory store, empty disables)" env:"PTW_BOOTSTRAP_ADMIN_PASSWORD"`
	Sites         []string `help:"sites registered in the memory catalog" default:"ALPHA,BRAVO" env:"PTW_BOOTSTRAP_SITES"`
}

// Validate is called by kong after parsing.
func (s *Server) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth secret is required (--auth-secret or PTW_AUTH_SECRET)"))
	}
	if s.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth token ttl must be positive"))
	}
	if s.Auth.FailureDelay < 0 {
		errs = append(errs, errors.New("auth failure delay must not be negative"))
	}
	if s.Auth.HashIterations < 1000 {
		errs = append(errs, fmt.Errorf("auth hash iterations must be at least 1000, got %d", s.Auth.HashIterations))
	}
	if s.StoreType == "postgres" && strings.TrimSpace(s.Postgres.DSN) == "" {
		errs = append(errs, errors.New("PostgreSQL DSN is required for the postgres store (--postgres-dsn or PTW_PG_DSN)"))
	}
	if s.RateLimit.RPS <= 0 || s.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit rps and burst must be positive"))
	}
	return errors.Join(errs...)
}
