// Package llm abstracts the completion provider used for account scoring.
// The scoring engine depends only on Provider, so tests and offline runs
// swap in the mock implementation without touching the engine.
package llm

import (
	"context"

	"github.com/rotisserie/eris"
)

// Request carries one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Provider generates a completion for a single request. Implementations
// must honor ctx cancellation.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Options selects and configures a Provider implementation.
type Options struct {
	Kind         string // "anthropic" or "mock"
	APIKey       string
	Model        string
	MockResponse string
}

// New builds a Provider from options.
func New(opts Options) (Provider, error) {
	switch opts.Kind {
	case "", "anthropic":
		if opts.APIKey == "" {
			return nil, eris.New("llm: anthropic provider requires an api key")
		}
		return NewAnthropic(opts.APIKey, opts.Model), nil
	case "mock":
		return NewMock(opts.MockResponse), nil
	default:
		return nil, eris.Errorf("llm: unknown provider kind %q", opts.Kind)
	}
}
