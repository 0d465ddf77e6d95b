package identity

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv.
const EnvPrefix = "IDENTITY_"

const (
	DefaultAccessTokenTTL   = 15 * time.Minute
	DefaultSessionTTL       = 30 * 24 * time.Hour
	DefaultMagicLinkTTL     = time.Hour
	DefaultOAuthStateTTL    = 5 * time.Minute
	DefaultMaxSessions      = 5
	DefaultBillingTolerance = 5 * time.Minute
	DefaultSessionRetries   = 3
)

// Config holds the tunables of the identity subsystem.
type Config struct {
	SigningKey       string        `env:"SIGNING_KEY"`
	Issuer           string        `env:"ISSUER" envDefault:"go-identity"`
	RefreshPepper    string        `env:"REFRESH_PEPPER"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	MagicLinkTTL     time.Duration `env:"MAGIC_LINK_TTL" envDefault:"1h"`
	OAuthStateTTL    time.Duration `env:"OAUTH_STATE_TTL" envDefault:"5m"`
	MaxSessions      int           `env:"MAX_SESSIONS" envDefault:"5"`
	SessionRetries   int           `env:"SESSION_RETRIES" envDefault:"3"`
	BillingSecret    string        `env:"BILLING_WEBHOOK_SECRET"`
	BillingTolerance time.Duration `env:"BILLING_TOLERANCE" envDefault:"5m"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	// PricePlans maps billing price ids to roles, e.g. "price_pro:paid".
	PricePlans map[string]string `env:"PRICE_PLANS" envSeparator:"," envKeyValSeparator:":"`
}

// DefaultConfig returns a Config with every TTL and limit at its default.
func DefaultConfig() Config {
	return Config{
		Issuer:           "go-identity",
		AccessTokenTTL:   DefaultAccessTokenTTL,
		SessionTTL:       DefaultSessionTTL,
		MagicLinkTTL:     DefaultMagicLinkTTL,
		OAuthStateTTL:    DefaultOAuthStateTTL,
		MaxSessions:      DefaultMaxSessions,
		SessionRetries:   DefaultSessionRetries,
		BillingTolerance: DefaultBillingTolerance,
	}
}

// LoadConfigFromEnv reads IDENTITY_ prefixed variables and validates them.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, invalidInput(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.RefreshPepper, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.AccessTokenTTL, validation.By(positiveDuration)),
		validation.Field(&c.SessionTTL, validation.By(positiveDuration)),
		validation.Field(&c.MagicLinkTTL, validation.By(positiveDuration)),
		validation.Field(&c.OAuthStateTTL, validation.By(positiveDuration)),
		validation.Field(&c.BillingTolerance, validation.By(positiveDuration)),
		validation.Field(&c.MaxSessions, validation.Required, validation.Min(1)),
		validation.Field(&c.SessionRetries, validation.Min(0)),
		validation.Field(&c.PricePlans, validation.By(validPricePlans)),
	)
	return invalidInput(err)
}

func positiveDuration(value any) error {
	d, _ := value.(time.Duration)
	if d <= 0 {
		return errors.New("must be a positive duration")
	}
	return nil
}

func validPricePlans(value any) error {
	plans, _ := value.(map[string]string)
	for price, role := range plans {
		if price == "" || !RoleAtLeast(role, RoleFree) {
			return errors.New("price plans must map to free, paid or operator")
		}
	}
	return nil
}
