package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callbackURI = "https://app.example.com/auth/callback"

func TestStateManagerValidateOnce(t *testing.T) {
	ctx := context.Background()
	states := identity.NewStateManager(memstore.New(), time.Minute)

	state, err := states.Generate()
	require.NoError(t, err)
	_, err = states.Store(ctx, state, "google", callbackURI, "", "verifier")
	require.NoError(t, err)

	got, err := states.Validate(ctx, state, "google", callbackURI)
	require.NoError(t, err)
	assert.Equal(t, "verifier", got.CodeVerifier)
	assert.True(t, got.Used)

	_, err = states.Validate(ctx, state, "google", callbackURI)
	assert.ErrorIs(t, err, identity.ErrOAuthStateInvalid)
}

func TestStateManagerFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	states := identity.NewStateManager(memstore.New(), time.Minute, identity.WithClock(clock.Now))

	store := func(t *testing.T) string {
		state, err := states.Generate()
		require.NoError(t, err)
		_, err = states.Store(ctx, state, "github", callbackURI, "", "")
		require.NoError(t, err)
		return state
	}

	wrongRedirect := store(t)
	_, errRedirect := states.Validate(ctx, wrongRedirect, "github", "https://evil.example.com/cb")

	wrongProvider := store(t)
	_, errProvider := states.Validate(ctx, wrongProvider, "google", callbackURI)

	_, errUnknown := states.Validate(ctx, "never-issued", "github", callbackURI)

	expired := store(t)
	clock.Advance(2 * time.Minute)
	_, errExpired := states.Validate(ctx, expired, "github", callbackURI)

	for _, err := range []error{errRedirect, errProvider, errUnknown, errExpired} {
		assert.ErrorIs(t, err, identity.ErrOAuthStateInvalid)
		assert.Equal(t, identity.ErrOAuthStateInvalid.Error(), err.Error())
	}
}

func TestStateManagerConcurrentValidate(t *testing.T) {
	ctx := context.Background()
	states := identity.NewStateManager(memstore.New(), time.Minute)
	state, err := states.Generate()
	require.NoError(t, err)
	_, err = states.Store(ctx, state, "google", callbackURI, "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := states.Validate(ctx, state, "google", callbackURI); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStateManagerStoreValidatesRedirect(t *testing.T) {
	states := identity.NewStateManager(memstore.New(), time.Minute)
	_, err := states.Store(context.Background(), "s", "google", "not a url", "", "")
	assert.Error(t, err)
}
