package identity

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ProviderClaims is what an identity provider vouches for after a code
// exchange.
type ProviderClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	AvatarURL     string
}

// AuthorizeRequest carries what a provider needs to build its authorization
// URL.
type AuthorizeRequest struct {
	State         string
	RedirectURI   string
	CodeChallenge string
}

// ExchangeRequest carries the callback parameters of a code exchange.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// IdentityProvider performs the OAuth/OIDC handshake with one external
// provider. The cryptographic details live behind this interface.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(req AuthorizeRequest) string
	Exchange(ctx context.Context, req ExchangeRequest) (ProviderClaims, error)
	Revoke(ctx context.Context, token string) error
}

// Mailer delivers magic links. Delivery is best effort from our side.
type Mailer interface {
	SendMagicLink(ctx context.Context, tokenID, email string) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, tokenID, email string) error

// SendMagicLink implements Mailer.
func (f MailerFunc) SendMagicLink(ctx context.Context, tokenID, email string) error {
	if f == nil {
		return nil
	}
	return f(ctx, tokenID, email)
}

// RecordOwnership moves user owned records (alerts, configs) between
// identities during a merge.
type RecordOwnership interface {
	ReassignOwner(ctx context.Context, fromUserID, toUserID string) (int, error)
}

type noopRecordOwnership struct{}

func (noopRecordOwnership) ReassignOwner(context.Context, string, string) (int, error) {
	return 0, nil
}

// RequestLimiter throttles entry points keyed by caller (ip, email).
type RequestLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return true, 0, nil
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDENTITY "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDENTITY "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDENTITY "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDENTITY "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
