package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// SessionClaims are the claims of an access token. Rev is the identity's
// revocation id at issue time; a later revocation invalidates the token.
type SessionClaims struct {
	jwt.RegisteredClaims
	SID  string `json:"sid"`
	Role Role   `json:"role"`
	Rev  int64  `json:"rev"`
}

// TokenPair is what a successful login hands back to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// TokenService signs access tokens and hashes refresh tokens. Raw refresh
// tokens are never stored.
type TokenService struct {
	signingKey []byte
	pepper     []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
	logger     Logger
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey, pepper []byte, issuer string, ttl time.Duration, logger Logger) *TokenService {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &TokenService{
		signingKey: signingKey,
		pepper:     pepper,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
		logger:     normalizeLogger(logger),
	}
}

// WithNow overrides the clock used for issue and expiry times.
func (ts *TokenService) WithNow(now func() time.Time) *TokenService {
	if now != nil {
		ts.now = now
	}
	return ts
}

// IssueAccess signs an access token for the session.
func (ts *TokenService) IssueAccess(user *User, sessionID string) (string, time.Time, error) {
	now := ts.now()
	exp := now.Add(ts.ttl)
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SID:  sessionID,
		Role: user.Role,
		Rev:  user.RevocationID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign access token")
	}
	return signed, exp, nil
}

// ParseAccess validates signature, issuer and expiry of an access token.
func (ts *TokenService) ParseAccess(tokenString string) (*SessionClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithTimeFunc(ts.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		ts.logger.Debug("access token rejected: %v", err)
		return nil, ErrSessionInvalid
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.SID == "" {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}

// NewRefreshToken returns a raw refresh token and the hash to persist.
func (ts *TokenService) NewRefreshToken() (string, string, error) {
	raw, err := RandomToken()
	if err != nil {
		return "", "", err
	}
	hash, err := ts.HashRefreshToken(raw)
	if err != nil {
		return "", "", err
	}
	return raw, hash, nil
}

// HashRefreshToken is a keyed BLAKE2b-256 of the raw token.
func (ts *TokenService) HashRefreshToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrSessionInvalid
	}
	h, err := blake2b.New256(ts.pepper)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "invalid refresh token pepper")
	}
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SameHash compares two refresh hashes in constant time.
func SameHash(a, b string) bool {
	return constantEqual(a, b)
}
