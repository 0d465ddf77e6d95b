package bootstrap

import (
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
)

// Config extends identity.Config with what the composition root needs to
// reach its collaborators. Every field reads the IDENTITY_ prefix.
type Config struct {
	Identity identity.Config

	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string        `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `env:"GITHUB_CLIENT_SECRET"`
	RateLimit          int           `env:"RATE_LIMIT" envDefault:"10"`
	RateWindow         time.Duration `env:"RATE_WINDOW" envDefault:"1h"`
	DevLogging         bool          `env:"DEV_LOGGING" envDefault:"false"`
}

// DefaultSQLiteDSN is used when no database url is configured.
const DefaultSQLiteDSN = "file:identity.db?cache=shared&_pragma=foreign_keys(1)"

// LoadConfig reads IDENTITY_ prefixed variables.
func LoadConfig() (Config, error) {
	cfg := Config{Identity: identity.DefaultConfig()}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: identity.EnvPrefix}); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the composition settings and the identity config.
func (c Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	err := validation.ValidateStruct(&c,
		validation.Field(&c.RateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.RateWindow, validation.Required),
		validation.Field(&c.GoogleClientSecret, requiredWith(c.GoogleClientID)...),
		validation.Field(&c.GitHubClientSecret, requiredWith(c.GitHubClientID)...),
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid bootstrap config")
	}
	return nil
}

// requiredWith makes a client secret mandatory once its client id is set.
func requiredWith(clientID string) []validation.Rule {
	if clientID == "" {
		return nil
	}
	return []validation.Rule{validation.Required}
}
