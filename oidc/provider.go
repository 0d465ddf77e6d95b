// Package oidc implements identity.IdentityProvider for OAuth 2.0 and
// OpenID Connect providers. Codes are exchanged with PKCE, id_tokens are
// verified against the provider's JWKS and providers without id_tokens are
// read through their userinfo endpoint.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"golang.org/x/oauth2"
)

// idTokenLeeway absorbs clock skew between us and the provider.
const idTokenLeeway = 30 * time.Second

// Provider talks to one external identity provider.
type Provider struct {
	cfg   Config
	oauth *oauth2.Config
	jwks  *jwksCache
	now   func() time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New validates cfg and builds the provider.
func New(cfg Config, opts ...Option) (*Provider, error) {
	cfg = cfg.withDefaults()

	// Without a key set the claims can only come from userinfo.
	userInfoRules := []validation.Rule{is.URL}
	issuerRules := []validation.Rule{}
	if cfg.JWKSURL == "" {
		userInfoRules = append(userInfoRules, validation.Required)
	} else {
		issuerRules = append(issuerRules, validation.Required)
	}
	err := validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&cfg.ClientID, validation.Required),
		validation.Field(&cfg.AuthURL, validation.Required, is.URL),
		validation.Field(&cfg.TokenURL, validation.Required, is.URL),
		validation.Field(&cfg.UserInfoURL, userInfoRules...),
		validation.Field(&cfg.JWKSURL, is.URL),
		validation.Field(&cfg.Issuer, issuerRules...),
		validation.Field(&cfg.EmailsURL, is.URL),
		validation.Field(&cfg.RevokeURL, is.URL),
	)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid oidc provider config").
			WithTextCode("OIDC_CONFIG_INVALID")
	}

	p := &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if cfg.JWKSURL != "" {
		p.jwks = newJWKSCache(cfg.JWKSURL, cfg.JWKSTTL, cfg.HTTPClient, p.now)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.cfg.Name
}

func (p *Provider) AuthCodeURL(req identity.AuthorizeRequest) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", req.RedirectURI),
	}
	if req.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return p.oauth.AuthCodeURL(req.State, opts...)
}

// Exchange trades the code for tokens and returns the identity the provider
// vouches for. A present id_token is authoritative; userinfo is only read
// when there is none.
func (p *Provider) Exchange(ctx context.Context, req identity.ExchangeRequest) (identity.ProviderClaims, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", req.RedirectURI),
	}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}

	token, err := p.oauth.Exchange(ctx, req.Code, opts...)
	if err != nil {
		pe := &ProviderError{Provider: p.cfg.Name, Operation: "exchange", Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			pe.Code = re.ErrorCode
			pe.Description = re.ErrorDescription
			if re.Response != nil {
				pe.Status = re.Response.StatusCode
			}
		}
		return identity.ProviderClaims{}, providerError(goerrors.CategoryAuth, pe)
	}

	if raw, ok := token.Extra("id_token").(string); ok && raw != "" && p.jwks != nil {
		return p.verifyIDToken(raw)
	}
	if p.cfg.UserInfoURL == "" {
		return identity.ProviderClaims{}, providerError(goerrors.CategoryAuth, &ProviderError{
			Provider:    p.cfg.Name,
			Operation:   "exchange",
			Code:        "missing_id_token",
			Description: "token response carried no id_token",
		})
	}
	return p.userInfo(ctx, token)
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Picture       string   `json:"picture"`
}

func (p *Provider) verifyIDToken(raw string) (identity.ProviderClaims, error) {
	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, p.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(idTokenLeeway),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return identity.ProviderClaims{}, providerError(goerrors.CategoryAuth, &ProviderError{
			Provider:  p.cfg.Name,
			Operation: "id_token",
			Code:      "invalid_id_token",
			Err:       err,
		})
	}
	return identity.ProviderClaims{
		Subject:       claims.Subject,
		Email:         identity.NormalizeEmail(claims.Email),
		EmailVerified: bool(claims.EmailVerified) && claims.Email != "",
		AvatarURL:     claims.Picture,
	}, nil
}

func (p *Provider) userInfo(ctx context.Context, token *oauth2.Token) (identity.ProviderClaims, error) {
	client := p.oauth.Client(ctx, token)

	var profile map[string]any
	if err := p.getJSON(ctx, client, "user_info", p.cfg.UserInfoURL, &profile); err != nil {
		return identity.ProviderClaims{}, err
	}

	claims := identity.ProviderClaims{
		Subject:   firstString(profile, "sub", "id"),
		Email:     identity.NormalizeEmail(firstString(profile, "email")),
		AvatarURL: firstString(profile, "picture", "avatar_url"),
	}
	claims.EmailVerified = claims.Email != "" &&
		(p.cfg.TrustEmailVerified || firstBool(profile, "email_verified", "verified_email"))

	if p.cfg.EmailsURL != "" && !claims.EmailVerified {
		if email, ok := p.primaryVerifiedEmail(ctx, client); ok {
			claims.Email = email
			claims.EmailVerified = true
		}
	}
	return claims, nil
}

type providerEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// primaryVerifiedEmail reads the provider's address list. Failures leave the
// email unverified instead of failing the login.
func (p *Provider) primaryVerifiedEmail(ctx context.Context, client *http.Client) (string, bool) {
	var emails []providerEmail
	if err := p.getJSON(ctx, client, "emails", p.cfg.EmailsURL, &emails); err != nil {
		return "", false
	}
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return identity.NormalizeEmail(e.Email), true
		}
	}
	return "", false
}

func (p *Provider) getJSON(ctx context.Context, client *http.Client, operation, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build provider request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return providerError(goerrors.CategoryExternal, &ProviderError{Provider: p.cfg.Name, Operation: operation, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providerError(goerrors.CategoryExternal, &ProviderError{Provider: p.cfg.Name, Operation: operation, Err: err})
	}
	if resp.StatusCode != http.StatusOK {
		return providerError(goerrors.CategoryExternal, &ProviderError{
			Provider:    p.cfg.Name,
			Operation:   operation,
			Status:      resp.StatusCode,
			Code:        "unexpected_status",
			Description: strings.TrimSpace(string(body)),
		})
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return providerError(goerrors.CategoryExternal, &ProviderError{
			Provider:  p.cfg.Name,
			Operation: operation,
			Code:      "invalid_response",
			Err:       err,
		})
	}
	return nil
}

// Revoke asks the provider to invalidate token. Providers without a
// revocation endpoint are a no-op.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if p.cfg.RevokeURL == "" || token == "" {
		return nil
	}
	form := url.Values{
		"token":     {token},
		"client_id": {p.cfg.ClientID},
	}
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build revoke request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return providerError(goerrors.CategoryExternal, &ProviderError{Provider: p.cfg.Name, Operation: "revoke", Err: err})
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return providerError(goerrors.CategoryExternal, &ProviderError{
			Provider:  p.cfg.Name,
			Operation: "revoke",
			Status:    resp.StatusCode,
			Code:      "revoke_failed",
		})
	}
	return nil
}

// flexBool accepts both true and "true"; some providers send the string.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	default:
		*b = false
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}

var _ identity.IdentityProvider = (*Provider)(nil)
