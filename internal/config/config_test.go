package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, ProviderOpenAI, cfg.ModelProvider)
	assert.Equal(t, "medium", cfg.ModelReasoningEffort)
	assert.Equal(t, "auto", cfg.ModelReasoningSummary)
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, cfg.ModelProviders, ProviderOpenAI)
	assert.Contains(t, cfg.ModelProviders, ProviderOSS)
	assert.True(t, cfg.Rollout.FsyncEnabled())
	assert.True(t, cfg.Index.IsEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
model: gpt-5-codex
modelProvider: local
modelReasoningEffort: high
modelReasoningSummary: detailed
modelProviders:
  local:
    baseUrl: http://127.0.0.1:9000/v1
    envKey: LOCAL_KEY
    queryParams:
      api-version: "2025-04-01"
    httpHeaders:
      X-Team: platform
    envHttpHeaders:
      X-Org: LOCAL_ORG
    requestMaxRetries: 0
    streamMaxRetries: 2
    streamIdleTimeoutMs: 5000
    requiresAuth: true
rollout:
  dir: /tmp/strand-sessions
  fsync: false
index:
  enabled: false
gateway:
  port: 9999
  bind: lan
  auth:
    mode: password
    password: secret123
logging:
  level: debug
  consoleStyle: json
hooks:
  turnCompleted:
    - command: "notify-send done"
      timeout: 2000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-5-codex", cfg.Model)
	assert.Equal(t, "high", cfg.ModelReasoningEffort)
	assert.Equal(t, "detailed", cfg.ModelReasoningSummary)

	p, err := cfg.ResolveProvider()
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name)
	assert.Equal(t, "http://127.0.0.1:9000/v1", p.BaseURL)
	assert.Equal(t, WireAPIResponses, p.WireAPI)
	assert.Equal(t, "2025-04-01", p.QueryParams["api-version"])
	assert.Equal(t, "platform", p.HTTPHeaders["X-Team"])
	assert.Equal(t, "LOCAL_ORG", p.EnvHTTPHeaders["X-Org"])
	assert.Equal(t, 0, p.RequestRetries())
	assert.Equal(t, 2, p.StreamRetries())
	assert.Equal(t, 5*time.Second, p.StreamIdleTimeout())
	assert.True(t, p.RequiresAuth)

	// built-ins are still available next to user providers
	assert.Contains(t, cfg.ModelProviders, ProviderOpenAI)

	assert.Equal(t, "/tmp/strand-sessions", cfg.Rollout.Dir)
	assert.False(t, cfg.Rollout.FsyncEnabled())
	assert.False(t, cfg.Index.IsEnabled())
	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "lan", cfg.Gateway.Bind)
	assert.Equal(t, "secret123", cfg.Gateway.Auth.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)
	require.Len(t, cfg.Hooks.TurnCompleted, 1)
	assert.Equal(t, 2000, cfg.Hooks.TurnCompleted[0].Timeout)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STRAND_GATEWAY_PORT", "12345")
	t.Setenv("STRAND_LOG_LEVEL", "TRACE")
	t.Setenv("STRAND_MODEL", "o4-mini")
	t.Setenv("STRAND_MODEL_PROVIDER", ProviderOSS)

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.Gateway.Port)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "o4-mini", cfg.Model)
	assert.Equal(t, ProviderOSS, cfg.ModelProvider)
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "tok-123")
	t.Setenv("TEST_ORG_HEADER", "org-9")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
gateway:
  auth:
    token: ${TEST_GATEWAY_TOKEN}
modelProviders:
  custom:
    baseUrl: http://localhost:1/v1
    httpHeaders:
      X-Org: ${TEST_ORG_HEADER}
      X-Keep: ${UNSET_VARIABLE_FOR_TEST}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Gateway.Auth.Token)
	assert.Equal(t, "org-9", cfg.ModelProviders["custom"].HTTPHeaders["X-Org"])
	assert.Equal(t, "${UNSET_VARIABLE_FOR_TEST}", cfg.ModelProviders["custom"].HTTPHeaders["X-Keep"])
}

func TestProviderRetryDefaults(t *testing.T) {
	var p ProviderConfig
	assert.Equal(t, DefaultRequestMaxRetries, p.RequestRetries())
	assert.Equal(t, DefaultStreamMaxRetries, p.StreamRetries())
	assert.Equal(t, DefaultStreamIdleTimeout, p.StreamIdleTimeout())

	p.RequestMaxRetries = IntPtr(0)
	p.StreamMaxRetries = IntPtr(0)
	p.StreamIdleTimeoutMs = Int64Ptr(250)
	assert.Equal(t, 0, p.RequestRetries())
	assert.Equal(t, 0, p.StreamRetries())
	assert.Equal(t, 250*time.Millisecond, p.StreamIdleTimeout())

	p.RequestMaxRetries = IntPtr(-3)
	p.StreamMaxRetries = IntPtr(1000)
	assert.Equal(t, 0, p.RequestRetries())
	assert.Equal(t, maxStreamRetries, p.StreamRetries())
}

func TestResolveProvider(t *testing.T) {
	cfg := Defaults()
	p, err := cfg.ResolveProvider()
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", p.BaseURL)
	assert.Equal(t, "OPENAI_API_KEY", p.EnvKey)
	assert.True(t, p.RequiresAuth)

	cfg.ModelProviders = nil
	cfg.ModelProvider = ProviderOSS
	p, err = cfg.ResolveProvider()
	require.NoError(t, err)
	assert.False(t, p.RequiresAuth)

	cfg.ModelProvider = "missing"
	_, err = cfg.ResolveProvider()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "missing")
}

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		input   string
		want    []string
		wantErr bool
	}{
		{"gateway.port", []string{"gateway", "port"}, false},
		{"modelProviders.openai.baseUrl", []string{"modelProviders", "openai", "baseUrl"}, false},
		{"", nil, true},
		{"a..b", nil, true},
		{"__proto__.x", nil, true},
		{"x.constructor", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetSetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{
			"port": 18790,
		},
	}

	val, ok := GetValueAtPath(root, []string{"gateway", "port"})
	assert.True(t, ok)
	assert.Equal(t, 18790, val)

	_, ok = GetValueAtPath(root, []string{"gateway", "missing"})
	assert.False(t, ok)

	SetValueAtPath(root, []string{"gateway", "port"}, 9999)
	val, ok = GetValueAtPath(root, []string{"gateway", "port"})
	assert.True(t, ok)
	assert.Equal(t, 9999, val)

	SetValueAtPath(root, []string{"modelProviders", "local", "baseUrl"}, "http://localhost:8080/v1")
	val, ok = GetValueAtPath(root, []string{"modelProviders", "local", "baseUrl"})
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:8080/v1", val)

	// non-map intermediate gets replaced
	root["model"] = "gpt-5"
	SetValueAtPath(root, []string{"model", "name"}, "x")
	val, ok = GetValueAtPath(root, []string{"model", "name"})
	assert.True(t, ok)
	assert.Equal(t, "x", val)
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{
			"port": 18790,
			"bind": "loopback",
		},
	}

	assert.True(t, UnsetValueAtPath(root, []string{"gateway", "port"}))

	_, exists := GetValueAtPath(root, []string{"gateway", "port"})
	assert.False(t, exists)

	val, exists := GetValueAtPath(root, []string{"gateway", "bind"})
	assert.True(t, exists)
	assert.Equal(t, "loopback", val)

	assert.False(t, UnsetValueAtPath(root, []string{"gateway", "nonexistent"}))
	assert.False(t, UnsetValueAtPath(root, []string{"nope", "port"}))
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw, err := LoadRaw(path)
	require.NoError(t, err)
	assert.Empty(t, raw)

	SetValueAtPath(raw, []string{"logging", "level"}, "debug")
	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)
	val, ok := GetValueAtPath(loaded, []string{"logging", "level"})
	assert.True(t, ok)
	assert.Equal(t, "debug", val)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRaw_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	raw, err := LoadRaw(path)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}
