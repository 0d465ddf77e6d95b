package oidc

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// jwksMinRefresh limits forced refetches triggered by unknown key ids.
const jwksMinRefresh = 5 * time.Second

// jwksCache holds one remote key set for at most ttl. It never runs a
// background goroutine: an expired set or an unknown kid refetches inline.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	set       *keyfunc.JWKS
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration, client *http.Client, now func() time.Time) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: client,
		now:    now,
	}
}

func (c *jwksCache) current(force bool) (*keyfunc.JWKS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := c.now().Sub(c.fetchedAt)
	if c.set != nil {
		if !force && age < c.ttl {
			return c.set, nil
		}
		if force && age < jwksMinRefresh {
			return c.set, nil
		}
	}

	set, err := keyfunc.Get(c.url, keyfunc.Options{
		Client:         c.client,
		RefreshTimeout: defaultHTTPTimeout,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to fetch JWKS").
			WithTextCode("JWKS_FETCH_FAILED")
	}
	c.set = set
	c.fetchedAt = c.now()
	return set, nil
}

// Keyfunc resolves the verification key of token, refetching once when the
// kid is unknown to the cached set.
func (c *jwksCache) Keyfunc(token *jwt.Token) (any, error) {
	set, err := c.current(false)
	if err != nil {
		return nil, err
	}
	key, err := set.Keyfunc(token)
	if !errors.Is(err, keyfunc.ErrKIDNotFound) {
		return key, err
	}
	set, err = c.current(true)
	if err != nil {
		return nil, err
	}
	return set.Keyfunc(token)
}
