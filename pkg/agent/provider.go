package agent

import (
	"context"
	"fmt"
	"strings"
)

// ModelClient is a provider client bound to one model at construction.
type ModelClient interface {
	// Invoke makes a single model API call.
	Invoke(ctx context.Context, request InvokeRequest) (*InvokeResponse, error)

	// Model returns the bound model id.
	Model() string

	// Provider returns the provider name.
	Provider() string
}

// ClientFactory constructs model clients for a provider.
type ClientFactory interface {
	NewClient(model, provider string, credential Credential) (ModelClient, error)
}

// ProviderFactory is the default ClientFactory covering the supported
// provider APIs.
type ProviderFactory struct{}

// NewClient constructs a client bound to model. model may carry a
// provider prefix ("openai/gpt-4o-mini"); the prefix is stripped before
// the client sees it.
func (f *ProviderFactory) NewClient(model, provider string, credential Credential) (ModelClient, error) {
	provider, bare := ResolveTarget(model, provider)

	switch provider {
	case "anthropic":
		return NewAnthropicClient(bare, credential.APIKey), nil
	case "openai":
		return NewOpenAIClient(bare, credential.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", provider)
	}
}

// ResolveTarget determines the effective provider and bare model id for
// a model string. A "provider/model" prefix on the model wins over an
// empty provider argument; an explicit provider matching the prefix
// strips it; any other prefix is kept as part of the model id.
func ResolveTarget(model, provider string) (string, string) {
	prefix, rest, found := strings.Cut(model, "/")
	if !found {
		return provider, model
	}

	switch {
	case provider == "":
		return prefix, rest
	case provider == prefix:
		return provider, rest
	default:
		return provider, model
	}
}
