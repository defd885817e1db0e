package config

// Config is the root configuration for strand.
type Config struct {
	Model                 string                    `yaml:"model,omitempty"`
	ModelProvider         string                    `yaml:"modelProvider,omitempty"`
	ModelReasoningEffort  string                    `yaml:"modelReasoningEffort,omitempty"`  // "minimal" | "low" | "medium" | "high"
	ModelReasoningSummary string                    `yaml:"modelReasoningSummary,omitempty"` // "auto" | "concise" | "detailed" | "none"
	Instructions          string                    `yaml:"instructions,omitempty"`
	ModelProviders        map[string]ProviderConfig `yaml:"modelProviders,omitempty"`
	Rollout               RolloutConfig             `yaml:"rollout,omitempty"`
	Index                 IndexConfig               `yaml:"index,omitempty"`
	Auth                  AuthConfig                `yaml:"auth,omitempty"`
	Gateway               GatewayConfig             `yaml:"gateway,omitempty"`
	Logging               LoggingConfig             `yaml:"logging,omitempty"`
	Hooks                 HooksConfig               `yaml:"hooks,omitempty"`
}

// ProviderConfig describes one inference backend.
type ProviderConfig struct {
	Name           string            `yaml:"name,omitempty"`
	BaseURL        string            `yaml:"baseUrl"`
	EnvKey         string            `yaml:"envKey,omitempty"`  // env var holding the API key
	WireAPI        string            `yaml:"wireApi,omitempty"` // "responses"
	QueryParams    map[string]string `yaml:"queryParams,omitempty"`
	HTTPHeaders    map[string]string `yaml:"httpHeaders,omitempty"`
	EnvHTTPHeaders map[string]string `yaml:"envHttpHeaders,omitempty"` // header -> env var

	// Pointers so an explicit 0 ("no retries") survives defaulting.
	RequestMaxRetries   *int   `yaml:"requestMaxRetries,omitempty"`
	StreamMaxRetries    *int   `yaml:"streamMaxRetries,omitempty"`
	StreamIdleTimeoutMs *int64 `yaml:"streamIdleTimeoutMs,omitempty"`

	RequiresAuth bool `yaml:"requiresAuth,omitempty"`
}

// RolloutConfig controls where conversation records are written.
type RolloutConfig struct {
	Dir   string `yaml:"dir,omitempty"` // defaults to <home>/sessions
	Fsync *bool  `yaml:"fsync,omitempty"`
}

// IndexConfig controls the sqlite rollout index.
type IndexConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"` // defaults to <home>/data/index.db
}

// AuthConfig locates stored credentials.
type AuthConfig struct {
	File     string `yaml:"file,omitempty"` // defaults to <home>/auth.json
	ClientID string `yaml:"clientId,omitempty"`
	TokenURL string `yaml:"tokenUrl,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// HooksConfig maps lifecycle events to commands.
type HooksConfig struct {
	ConversationCreated []HookEntry `yaml:"conversationCreated,omitempty"`
	ConversationForked  []HookEntry `yaml:"conversationForked,omitempty"`
	ConversationResumed []HookEntry `yaml:"conversationResumed,omitempty"`
	TurnStarted         []HookEntry `yaml:"turnStarted,omitempty"`
	TurnCompleted       []HookEntry `yaml:"turnCompleted,omitempty"`
	TurnFailed          []HookEntry `yaml:"turnFailed,omitempty"`
	StreamRetry         []HookEntry `yaml:"streamRetry,omitempty"`
	GatewayStart        []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop         []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
