// Package wikiflow provides a top-level convenience entry point for creating
// a natural-language Confluence agent with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/wikiflow"
//
//	a, err := wikiflow.New(
//	    wikiflow.WithGemini("gemini-2.5-flash"),
//	    wikiflow.WithConfluence("https://your-domain.atlassian.net", "user@example.com", "api-token"),
//	)
//	result, err := a.Run(ctx, "Create a space named DOCS")
//
// The full server (HTTP API, metrics, caching, history) lives in cmd/wikiflow;
// this package is for embedding the agent in other programs.
package wikiflow

import (
	"os"

	"github.com/BaSui01/wikiflow/agent"
	"github.com/BaSui01/wikiflow/confluence"
	"github.com/BaSui01/wikiflow/llm"
	"github.com/BaSui01/wikiflow/providers/gemini"
	"github.com/BaSui01/wikiflow/types"
	"go.uber.org/zap"
)

type options struct {
	provider     llm.Provider
	model        string
	apiKey       string
	confluence   confluence.Config
	systemPrompt string
	maxIter      int
	logger       *zap.Logger
}

// Option configures the agent created by [New].
type Option func(*options)

// WithProvider sets a pre-built LLM provider. Overrides [WithGemini].
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithGemini selects a Gemini model. API key from GEMINI_API_KEY env unless
// overridden with [WithAPIKey].
func WithGemini(model string) Option {
	return func(o *options) { o.model = model }
}

// WithAPIKey overrides the LLM API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithConfluence sets the target Confluence instance and credentials.
func WithConfluence(baseURL, username, apiToken string) Option {
	return func(o *options) {
		o.confluence.BaseURL = baseURL
		o.confluence.Username = username
		o.confluence.APIToken = apiToken
	}
}

// WithSystemPrompt overrides the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *options) { o.systemPrompt = prompt }
}

// WithMaxIterations caps the LLM-tool loop.
func WithMaxIterations(n int) Option {
	return func(o *options) { o.maxIter = n }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an [agent.Agent] wired with the Confluence tool set.
// At minimum a provider must be available: either [WithProvider], or
// [WithGemini] plus an API key ([WithAPIKey] or GEMINI_API_KEY).
func New(opts ...Option) (*agent.Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	provider := o.provider
	if provider == nil {
		key := o.apiKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			return nil, types.NewError(types.ErrNotConfigured,
				"no LLM provider: pass WithProvider, WithAPIKey or set GEMINI_API_KEY")
		}
		provider = gemini.New(gemini.Config{APIKey: key, Model: o.model}, o.logger)
	}

	client := confluence.NewClient(o.confluence, o.logger)

	registry := agent.NewRegistry(o.logger)
	if err := confluence.RegisterTools(registry, client); err != nil {
		return nil, err
	}
	executor := agent.NewExecutor(registry, o.logger)

	return agent.New(provider, registry, executor, agent.Config{
		Model:         o.model,
		MaxIterations: o.maxIter,
		SystemPrompt:  o.systemPrompt,
	}, o.logger), nil
}
