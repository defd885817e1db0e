package config

import (
	"fmt"
	"maps"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Provider defaults.
const (
	DefaultRequestMaxRetries = 4
	DefaultStreamMaxRetries  = 5
	DefaultStreamIdleTimeout = 300 * time.Second

	// Hard caps on user-supplied retry budgets.
	maxRequestRetries = 100
	maxStreamRetries  = 100

	WireAPIResponses = "responses"
)

// Built-in provider names.
const (
	ProviderOpenAI = "openai"
	ProviderOSS    = "oss"
)

// BuiltinProviders returns the providers available without configuration.
func BuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderOpenAI: {
			Name:         "OpenAI",
			BaseURL:      "https://api.openai.com/v1",
			EnvKey:       "OPENAI_API_KEY",
			WireAPI:      WireAPIResponses,
			RequiresAuth: true,
		},
		ProviderOSS: {
			Name:    "Open Source",
			BaseURL: "http://localhost:11434/v1",
			WireAPI: WireAPIResponses,
		},
	}
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Model:                 "gpt-5",
		ModelProvider:         ProviderOpenAI,
		ModelReasoningEffort:  "medium",
		ModelReasoningSummary: "auto",
		ModelProviders:        BuiltinProviders(),
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// RequestRetries returns the request retry budget.
func (p ProviderConfig) RequestRetries() int {
	if p.RequestMaxRetries == nil {
		return DefaultRequestMaxRetries
	}
	return min(max(*p.RequestMaxRetries, 0), maxRequestRetries)
}

// StreamRetries returns the mid-stream retry budget.
func (p ProviderConfig) StreamRetries() int {
	if p.StreamMaxRetries == nil {
		return DefaultStreamMaxRetries
	}
	return min(max(*p.StreamMaxRetries, 0), maxStreamRetries)
}

// StreamIdleTimeout returns how long an open stream may stay silent.
func (p ProviderConfig) StreamIdleTimeout() time.Duration {
	if p.StreamIdleTimeoutMs == nil || *p.StreamIdleTimeoutMs <= 0 {
		return DefaultStreamIdleTimeout
	}
	return time.Duration(*p.StreamIdleTimeoutMs) * time.Millisecond
}

// ResolveProvider returns the provider selected by ModelProvider.
func (c Config) ResolveProvider() (ProviderConfig, error) {
	name := c.ModelProvider
	if name == "" {
		name = ProviderOpenAI
	}
	if p, ok := c.ModelProviders[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p, nil
	}
	if p, ok := BuiltinProviders()[name]; ok {
		return p, nil
	}
	return ProviderConfig{}, &ConfigError{Message: fmt.Sprintf("unknown model provider %q", name)}
}

// FsyncEnabled reports whether rollout appends are flushed to disk.
func (r RolloutConfig) FsyncEnabled() bool {
	return r.Fsync == nil || *r.Fsync
}

// IsEnabled reports whether the sqlite rollout index is used.
func (i IndexConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// mergeBuiltinProviders adds built-in providers the user did not override.
func mergeBuiltinProviders(cfg *Config) {
	merged := BuiltinProviders()
	maps.Copy(merged, cfg.ModelProviders)
	cfg.ModelProviders = merged
}

// IntPtr is a helper for building configs in code.
func IntPtr(v int) *int { return &v }

// Int64Ptr is a helper for building configs in code.
func Int64Ptr(v int64) *int64 { return &v }

// BoolPtr is a helper for building configs in code.
func BoolPtr(v bool) *bool { return &v }
