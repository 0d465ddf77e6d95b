// Package bootstrap assembles a ready to use identity.Service from
// configuration: the bun repository for durable items, Redis for states,
// the blocklist and rate limits when configured, OIDC providers, zap
// logging and prometheus metrics.
package bootstrap

import (
	"context"
	"errors"
	"log"

	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/activitymap"
	"github.com/goliatone/go-identity/memstore"
	"github.com/goliatone/go-identity/oidc"
	"github.com/goliatone/go-identity/redisstore"
	"github.com/goliatone/go-identity/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Stack owns every collaborator of the Service it built.
type Stack struct {
	Service  *identity.Service
	DB       *bun.DB
	Store    *repository.Store
	Redis    redis.UniversalClient
	Metrics  *identity.Metrics
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

type options struct {
	logger    *zap.Logger
	redis     redis.UniversalClient
	mailer    identity.Mailer
	ownership identity.RecordOwnership
	providers []identity.IdentityProvider
	sinks     []identity.ActivitySink
}

// Option customizes New.
type Option func(*options)

// WithZap sets the zap logger instead of building one from config.
func WithZap(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedisClient uses client instead of dialing Config.Identity.RedisAddr.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithMailer sets the magic link mailer.
func WithMailer(m identity.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// WithRecordOwnership sets the collaborator that moves records on merge.
func WithRecordOwnership(r identity.RecordOwnership) Option {
	return func(o *options) { o.ownership = r }
}

// WithProviders adds identity providers next to the configured ones.
func WithProviders(p ...identity.IdentityProvider) Option {
	return func(o *options) { o.providers = append(o.providers, p...) }
}

// WithActivitySinks adds sinks next to the metrics and audit log sinks.
func WithActivitySinks(s ...identity.ActivitySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// New opens the database, migrates it and builds the Service.
func New(ctx context.Context, cfg Config, opts ...Option) (*Stack, error) {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := &Stack{Logger: o.logger}
	if st.Logger == nil {
		st.Logger = newZap(cfg.DevLogging)
	}

	dsn := cfg.Identity.DatabaseURL
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	db, err := repository.Open(dsn)
	if err != nil {
		return nil, err
	}
	st.DB = db
	st.Store = repository.New(db)
	if err := st.Store.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	stores := st.Store.Stores()

	var limiter identity.RequestLimiter = memstore.NewLimiter(cfg.RateWindow, cfg.RateLimit)
	st.Redis = o.redis
	if st.Redis == nil && cfg.Identity.RedisAddr != "" {
		st.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Identity.RedisAddr,
			Password: cfg.Identity.RedisPassword,
			DB:       cfg.Identity.RedisDB,
		})
	}
	if st.Redis != nil {
		if err := st.Redis.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to reach redis")
		}
		rs := redisstore.New(st.Redis)
		stores.States = rs
		stores.Blocklist = rs
		limiter = redisstore.NewLimiter(st.Redis, cfg.RateLimit, cfg.RateWindow, "")
	}

	providers, err := configuredProviders(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	providers = append(providers, o.providers...)

	st.Registry = prometheus.NewRegistry()
	st.Metrics = identity.NewMetrics(st.Registry)
	sink := append(identity.MultiActivitySink{
		identity.MetricsActivitySink(st.Metrics),
		activitymap.ZapSink(st.Logger.Named("audit")),
	}, o.sinks...)

	mailer := o.mailer
	if mailer == nil {
		mailer = logMailer(st.Logger)
	}

	svcOpts := []identity.ServiceOption{
		identity.WithProviders(providers...),
		identity.WithMailer(mailer),
		identity.WithRequestLimiter(limiter),
		identity.WithComponentOptions(
			identity.WithLogger(identity.NewZapLogger(st.Logger)),
			identity.WithActivitySink(sink),
		),
	}
	if o.ownership != nil {
		svcOpts = append(svcOpts, identity.WithRecordOwnership(o.ownership))
	}

	st.Service, err = identity.NewService(cfg.Identity, stores, svcOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Validate reports a stack missing one of its parts.
func (s *Stack) Validate() error {
	switch {
	case s.Service == nil:
		return errors.New("stack service should be initialized")
	case s.DB == nil || s.Store == nil:
		return errors.New("stack repository should be initialized")
	case s.Metrics == nil:
		return errors.New("stack metrics should be initialized")
	}
	return nil
}

// MustValidate panics when Validate fails.
func (s *Stack) MustValidate() {
	if err := s.Validate(); err != nil {
		log.Panic(err)
	}
}

// Close releases the database and the redis client.
func (s *Stack) Close() error {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Logger != nil {
		_ = s.Logger.Sync()
	}
	return errors.Join(errs...)
}

func configuredProviders(cfg Config) ([]identity.IdentityProvider, error) {
	var configs []oidc.Config
	if cfg.GoogleClientID != "" {
		configs = append(configs, oidc.Google(cfg.GoogleClientID, cfg.GoogleClientSecret))
	}
	if cfg.GitHubClientID != "" {
		configs = append(configs, oidc.GitHub(cfg.GitHubClientID, cfg.GitHubClientSecret))
	}
	out := make([]identity.IdentityProvider, 0, len(configs))
	for _, c := range configs {
		p, err := oidc.New(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func newZap(dev bool) *zap.Logger {
	build := zap.NewProduction
	if dev {
		build = zap.NewDevelopment
	}
	l, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// logMailer logs magic links instead of sending them. It keeps a stack
// without a mail collaborator usable in development.
func logMailer(l *zap.Logger) identity.Mailer {
	return identity.MailerFunc(func(_ context.Context, tokenID, email string) error {
		l.Debug("magic link issued", zap.String("email", email), zap.String("token_id", tokenID))
		return nil
	})
}
