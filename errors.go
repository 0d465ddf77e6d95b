package identity

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidInput           = "IDENTITY_INVALID_INPUT"
	TextCodeInvalidRoleState       = "IDENTITY_INVALID_ROLE_STATE"
	TextCodeUserNotFound           = "IDENTITY_USER_NOT_FOUND"
	TextCodeTokenNotFound          = "TOKEN_NOT_FOUND"
	TextCodeTokenExpired           = "TOKEN_EXPIRED"
	TextCodeTokenAlreadyUsed       = "TOKEN_ALREADY_USED"
	TextCodeMagicLinkInvalid       = "MAGIC_LINK_INVALID"
	TextCodeEmailAlreadyExists     = "EMAIL_ALREADY_EXISTS"
	TextCodeSessionLimitRace       = "SESSION_LIMIT_RACE"
	TextCodeSessionInvalid         = "SESSION_INVALID"
	TextCodeSessionExpired         = "SESSION_EXPIRED"
	TextCodeSessionRevoked         = "SESSION_REVOKED"
	TextCodeOAuthStateInvalid      = "OAUTH_STATE_INVALID"
	TextCodeProviderNotConfigured  = "OAUTH_PROVIDER_NOT_CONFIGURED"
	TextCodeProviderLinkedElsewhre = "PROVIDER_LINKED_ELSEWHERE"
	TextCodeLinkConfirmation       = "LINK_CONFIRMATION_REQUIRED"
	TextCodeInvalidMergeTarget     = "INVALID_MERGE_TARGET"
	TextCodeMergeConflict          = "MERGE_CONFLICT"
	TextCodeRoleAdvanceRace        = "ROLE_ADVANCE_RACE"
	TextCodeInvalidTransition      = "INVALID_ROLE_TRANSITION"
	TextCodeBillingSignature       = "BILLING_SIGNATURE_INVALID"
	TextCodeRateLimited            = "RATE_LIMITED"
)

// ErrInvalidInput is returned for malformed input. Never retried.
var ErrInvalidInput = goerrors.New("invalid input", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidInput).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidRoleState is returned for role/verification pairs the ladder
// forbids (e.g. paid without a verified email).
var ErrInvalidRoleState = goerrors.New("invalid role and verification combination", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidRoleState).
	WithCode(goerrors.CodeBadRequest)

// ErrUserNotFound is returned when an identity does not exist.
var ErrUserNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTokenNotFound is returned when a credential token does not exist.
var ErrTokenNotFound = goerrors.New("token not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeTokenNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTokenExpired is returned when a credential token is past its expiry.
var ErrTokenExpired = goerrors.New("token expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenAlreadyUsed is returned to every consumer but the one that won the
// guarded write.
var ErrTokenAlreadyUsed = goerrors.New("token already used", goerrors.CategoryConflict).
	WithTextCode(TextCodeTokenAlreadyUsed).
	WithCode(goerrors.CodeConflict)

// ErrMagicLinkInvalid is the public face of not found and already used
// tokens, so callers cannot probe which one applied.
var ErrMagicLinkInvalid = goerrors.New("magic link is invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeMagicLinkInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrEmailAlreadyExists is returned when a guarded create loses to an
// identity already holding the email.
var ErrEmailAlreadyExists = goerrors.New("email already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeEmailAlreadyExists).
	WithCode(goerrors.CodeConflict)

// ErrSessionLimitRace is returned when the eviction transaction lost a race.
// Callers must rerun the whole decide-then-write sequence.
var ErrSessionLimitRace = goerrors.New("session limit race", goerrors.CategoryConflict).
	WithTextCode(TextCodeSessionLimitRace).
	WithCode(goerrors.CodeConflict)

// ErrSessionInvalid is the generic failure for unknown, malformed or rotated
// session credentials.
var ErrSessionInvalid = goerrors.New("session is invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrSessionExpired is returned when the session window closed.
var ErrSessionExpired = goerrors.New("session expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrSessionRevoked is returned for revoked identities and tokens issued
// before the latest revocation.
var ErrSessionRevoked = goerrors.New("session revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionRevoked).
	WithCode(goerrors.CodeForbidden)

// ErrOAuthStateInvalid covers every state validation failure with one value.
var ErrOAuthStateInvalid = goerrors.New("invalid oauth state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeOAuthStateInvalid).
	WithCode(goerrors.CodeBadRequest)

// ErrProviderNotConfigured is returned for unknown provider names.
var ErrProviderNotConfigured = goerrors.New("oauth provider not configured", goerrors.CategoryNotFound).
	WithTextCode(TextCodeProviderNotConfigured).
	WithCode(goerrors.CodeNotFound)

// ErrProviderLinkedElsewhere is the hard rejection for a (provider, subject)
// already bound to a different identity.
var ErrProviderLinkedElsewhere = goerrors.New("provider account linked to another identity", goerrors.CategoryConflict).
	WithTextCode(TextCodeProviderLinkedElsewhre).
	WithCode(goerrors.CodeConflict)

// ErrLinkConfirmationRequired is returned by entry points that cannot carry a
// conflict result back to the caller.
var ErrLinkConfirmationRequired = goerrors.New("account link requires confirmation", goerrors.CategoryConflict).
	WithTextCode(TextCodeLinkConfirmation).
	WithCode(goerrors.CodeConflict)

// ErrInvalidMergeTarget is returned when a merge names a missing, identical,
// revoked or already merged primary.
var ErrInvalidMergeTarget = goerrors.New("invalid merge target", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidMergeTarget).
	WithCode(goerrors.CodeBadRequest)

// ErrMergeConflict is returned when the secondary was merged elsewhere.
var ErrMergeConflict = goerrors.New("identity already merged into another identity", goerrors.CategoryConflict).
	WithTextCode(TextCodeMergeConflict).
	WithCode(goerrors.CodeConflict)

// ErrRoleAdvanceRace is returned when the role changed under a guarded
// advancement to something still below the target.
var ErrRoleAdvanceRace = goerrors.New("role changed during advancement", goerrors.CategoryConflict).
	WithTextCode(TextCodeRoleAdvanceRace).
	WithCode(goerrors.CodeConflict)

// ErrInvalidTransition is returned for downward or unknown role moves.
var ErrInvalidTransition = goerrors.New("invalid role transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrBillingSignature is returned for unsigned, stale or forged webhooks.
var ErrBillingSignature = goerrors.New("invalid billing signature", goerrors.CategoryAuth).
	WithTextCode(TextCodeBillingSignature).
	WithCode(goerrors.CodeUnauthorized)

// ErrRateLimited is returned when a request limiter rejects a caller.
var ErrRateLimited = goerrors.New("too many requests", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeRateLimited)

// IsRetryable reports whether err is a race loss the caller should resolve
// by rerunning its whole decide-then-write sequence.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSessionLimitRace) ||
		errors.Is(err, ErrRoleAdvanceRace) ||
		errors.Is(err, ErrWriteContention)
}

// IsRaceLoss reports whether err is one of the race-loss outcomes.
func IsRaceLoss(err error) bool {
	return errors.Is(err, ErrTokenAlreadyUsed) ||
		errors.Is(err, ErrEmailAlreadyExists) ||
		errors.Is(err, ErrSessionLimitRace) ||
		errors.Is(err, ErrOAuthStateInvalid)
}

func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryValidation, ErrInvalidInput.Message).
		WithTextCode(TextCodeInvalidInput).
		WithCode(goerrors.CodeBadRequest)
}

func storeFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category != goerrors.CategoryInternal {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}
