package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuePaths(issues []ValidationIssue) []string {
	paths := make([]string, 0, len(issues))
	for _, i := range issues {
		paths = append(paths, i.Path)
	}
	return paths
}

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()

	cfg.Gateway.Port = -1
	issues := Validate(&cfg)
	require.NotEmpty(t, issues)
	assert.Contains(t, issuePaths(issues), "gateway.port")

	cfg.Gateway.Port = 70000
	assert.NotEmpty(t, Validate(&cfg))
}

func TestValidate_Enums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"effort", func(c *Config) { c.ModelReasoningEffort = "extreme" }, "modelReasoningEffort"},
		{"summary", func(c *Config) { c.ModelReasoningSummary = "verbose" }, "modelReasoningSummary"},
		{"bind", func(c *Config) { c.Gateway.Bind = "tailnet" }, "gateway.bind"},
		{"auth mode", func(c *Config) { c.Gateway.Auth.Mode = "oauth" }, "gateway.auth.mode"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"console style", func(c *Config) { c.Logging.ConsoleStyle = "fancy" }, "logging.consoleStyle"},
		{"tls without cert", func(c *Config) { c.Gateway.TLS.Enabled = true }, "gateway.tls"},
		{"unknown provider", func(c *Config) { c.ModelProvider = "nope" }, "modelProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			issues := Validate(&cfg)
			require.Len(t, issues, 1)
			assert.Equal(t, tt.path, issues[0].Path)
		})
	}
}

func TestValidate_Provider(t *testing.T) {
	cfg := Defaults()
	cfg.ModelProviders["bad"] = ProviderConfig{
		BaseURL:             "not a url",
		WireAPI:             "chat",
		RequestMaxRetries:   IntPtr(-1),
		StreamMaxRetries:    IntPtr(-1),
		StreamIdleTimeoutMs: Int64Ptr(0),
	}

	paths := issuePaths(Validate(&cfg))
	assert.Contains(t, paths, "modelProviders.bad.baseUrl")
	assert.Contains(t, paths, "modelProviders.bad.wireApi")
	assert.Contains(t, paths, "modelProviders.bad.requestMaxRetries")
	assert.Contains(t, paths, "modelProviders.bad.streamMaxRetries")
	assert.Contains(t, paths, "modelProviders.bad.streamIdleTimeoutMs")
}

func TestValidate_ProviderMissingBaseURL(t *testing.T) {
	cfg := Defaults()
	cfg.ModelProviders["empty"] = ProviderConfig{}

	issues := Validate(&cfg)
	require.Len(t, issues, 1)
	assert.Equal(t, "modelProviders.empty.baseUrl", issues[0].Path)
	assert.Equal(t, "modelProviders.empty.baseUrl: baseUrl is required", issues[0].String())
}

func TestValidate_ZeroRetriesAllowed(t *testing.T) {
	cfg := Defaults()
	p := cfg.ModelProviders[ProviderOpenAI]
	p.RequestMaxRetries = IntPtr(0)
	p.StreamMaxRetries = IntPtr(0)
	cfg.ModelProviders[ProviderOpenAI] = p

	assert.Empty(t, Validate(&cfg))
}
