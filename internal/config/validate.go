package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if _, err := cfg.ResolveProvider(); err != nil {
		issues = append(issues, ValidationIssue{
			Path:    "modelProvider",
			Message: err.Error(),
		})
	}

	validEfforts := []string{"minimal", "low", "medium", "high"}
	if cfg.ModelReasoningEffort != "" && !slices.Contains(validEfforts, cfg.ModelReasoningEffort) {
		issues = append(issues, ValidationIssue{
			Path:    "modelReasoningEffort",
			Message: fmt.Sprintf("must be one of %v, got %q", validEfforts, cfg.ModelReasoningEffort),
		})
	}

	validSummaries := []string{"auto", "concise", "detailed", "none"}
	if cfg.ModelReasoningSummary != "" && !slices.Contains(validSummaries, cfg.ModelReasoningSummary) {
		issues = append(issues, ValidationIssue{
			Path:    "modelReasoningSummary",
			Message: fmt.Sprintf("must be one of %v, got %q", validSummaries, cfg.ModelReasoningSummary),
		})
	}

	// Provider validation
	names := make([]string, 0, len(cfg.ModelProviders))
	for name := range cfg.ModelProviders {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		issues = append(issues, validateProvider("modelProviders."+name, cfg.ModelProviders[name])...)
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.auth.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode),
		})
	}

	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.tls",
			Message: "certPath and keyPath are required when TLS is enabled",
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	return issues
}

func validateProvider(path string, p ProviderConfig) []ValidationIssue {
	var issues []ValidationIssue

	if p.BaseURL == "" {
		issues = append(issues, ValidationIssue{Path: path + ".baseUrl", Message: "baseUrl is required"})
	} else if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, ValidationIssue{
			Path:    path + ".baseUrl",
			Message: fmt.Sprintf("must be an absolute URL, got %q", p.BaseURL),
		})
	}

	if p.WireAPI != "" && p.WireAPI != WireAPIResponses {
		issues = append(issues, ValidationIssue{
			Path:    path + ".wireApi",
			Message: fmt.Sprintf("must be %q, got %q", WireAPIResponses, p.WireAPI),
		})
	}

	if p.RequestMaxRetries != nil && *p.RequestMaxRetries < 0 {
		issues = append(issues, ValidationIssue{
			Path:    path + ".requestMaxRetries",
			Message: fmt.Sprintf("must be >= 0, got %d", *p.RequestMaxRetries),
		})
	}
	if p.StreamMaxRetries != nil && *p.StreamMaxRetries < 0 {
		issues = append(issues, ValidationIssue{
			Path:    path + ".streamMaxRetries",
			Message: fmt.Sprintf("must be >= 0, got %d", *p.StreamMaxRetries),
		})
	}
	if p.StreamIdleTimeoutMs != nil && *p.StreamIdleTimeoutMs <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    path + ".streamIdleTimeoutMs",
			Message: fmt.Sprintf("must be > 0, got %d", *p.StreamIdleTimeoutMs),
		})
	}

	return issues
}
