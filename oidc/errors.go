package oidc

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// ProviderError captures what a provider answered when a call failed.
type ProviderError struct {
	Provider    string
	Operation   string
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	scope := e.Provider + " " + e.Operation
	switch {
	case e.Description != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Description)
	case e.Code != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", scope, e.Err)
	}
	return scope + " failed"
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Metadata is attached to the wrapping go-errors error.
func (e *ProviderError) Metadata() map[string]any {
	meta := map[string]any{
		"provider":  e.Provider,
		"operation": e.Operation,
	}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	if e.Code != "" {
		meta["code"] = e.Code
	}
	return meta
}

func providerError(category goerrors.Category, pe *ProviderError) error {
	return goerrors.Wrap(pe, category, pe.Error()).
		WithTextCode("OAUTH_PROVIDER_ERROR").
		WithMetadata(pe.Metadata())
}
