package config

// ProviderConfig contains LLM provider credentials and defaults. A provider
// with an empty key is simply not registered; jobs targeting it fail fast at
// creation time.
type ProviderConfig struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`

	// DefaultMaxTokens caps completion length when a job does not specify one.
	DefaultMaxTokens int `env:"PROVIDER_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}
