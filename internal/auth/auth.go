// Package auth supplies bearer credentials for inference backends.
//
// Credentials are exposed as an oauth2.TokenSource so the HTTP layer can use
// oauth2.Transport for header injection and token refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/logging"
)

// ErrNoCredentials is returned when no API key or token is available.
var ErrNoCredentials = errors.New("auth: no credentials available")

// DefaultTokenURL is used for refresh when auth.tokenUrl is unset.
const DefaultTokenURL = "https://auth.openai.com/oauth/token"

// Mode identifies how credentials were obtained.
type Mode string

const (
	ModeAPIKey  Mode = "apikey"
	ModeChatGPT Mode = "chatgpt"
)

// Credentials is a resolved credential. It satisfies oauth2.TokenSource.
type Credentials struct {
	Mode      Mode
	AccountID string

	source oauth2.TokenSource
}

// Token returns a valid bearer token, refreshing if the source supports it.
func (c *Credentials) Token() (*oauth2.Token, error) {
	if c == nil || c.source == nil {
		return nil, ErrNoCredentials
	}
	return c.source.Token()
}

// FromAPIKey wraps a static API key.
func FromAPIKey(key string) *Credentials {
	return &Credentials{
		Mode:   ModeAPIKey,
		source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key, TokenType: "Bearer"}),
	}
}

// FromTokenSource wraps an arbitrary token source, e.g. for tests.
func FromTokenSource(mode Mode, ts oauth2.TokenSource) *Credentials {
	return &Credentials{Mode: mode, source: ts}
}

// FromEnv reads an API key from the named environment variable.
func FromEnv(envKey string) (*Credentials, error) {
	if envKey == "" {
		return nil, ErrNoCredentials
	}
	v := strings.TrimSpace(os.Getenv(envKey))
	if v == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNoCredentials, envKey)
	}
	return FromAPIKey(v), nil
}

// File is the on-disk credentials format.
type File struct {
	APIKey      string     `json:"OPENAI_API_KEY,omitempty"`
	Tokens      *TokenData `json:"tokens,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// TokenData holds session tokens obtained through a browser login.
type TokenData struct {
	IDToken      string     `json:"id_token,omitempty"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	AccountID    string     `json:"account_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Option configures LoadFile and Resolve.
type Option func(*options)

type options struct {
	log *logging.Logger
}

// WithLogger sets the logger that reports failures to persist refreshed
// tokens.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logging.New(nil, "warn")
	}
	o.log = o.log.Sub("auth")
	return o
}

// LoadFile reads credentials from path. Session tokens take precedence over an
// API key. When a refresh token and client id are present, expired access
// tokens are refreshed and written back to the file.
func LoadFile(ctx context.Context, path string, cfg config.AuthConfig, opts ...Option) (*Credentials, error) {
	o := buildOptions(opts)
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}

	if f.Tokens != nil && f.Tokens.AccessToken != "" {
		tok := &oauth2.Token{
			AccessToken:  f.Tokens.AccessToken,
			RefreshToken: f.Tokens.RefreshToken,
			TokenType:    "Bearer",
		}
		if f.Tokens.ExpiresAt != nil {
			tok.Expiry = *f.Tokens.ExpiresAt
		}

		var src oauth2.TokenSource = oauth2.StaticTokenSource(tok)
		if tok.RefreshToken != "" && cfg.ClientID != "" {
			tokenURL := cfg.TokenURL
			if tokenURL == "" {
				tokenURL = DefaultTokenURL
			}
			oc := &oauth2.Config{
				ClientID: cfg.ClientID,
				Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
			}
			src = &persistingSource{path: path, file: f, base: oc.TokenSource(ctx, tok), last: tok.AccessToken, log: o.log}
		}
		return &Credentials{Mode: ModeChatGPT, AccountID: f.Tokens.AccountID, source: src}, nil
	}

	if f.APIKey != "" {
		return FromAPIKey(f.APIKey), nil
	}
	return nil, fmt.Errorf("%w: %s has no key or tokens", ErrNoCredentials, path)
}

// Resolve picks credentials for a provider: its envKey first, then the file.
func Resolve(ctx context.Context, provider config.ProviderConfig, authFile string, cfg config.AuthConfig, opts ...Option) (*Credentials, error) {
	if provider.EnvKey != "" {
		if c, err := FromEnv(provider.EnvKey); err == nil {
			return c, nil
		}
	}
	return LoadFile(ctx, authFile, cfg, opts...)
}

// SaveAPIKey stores an API key, keeping any tokens already in the file.
func SaveAPIKey(path, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("auth: empty API key")
	}
	f, err := readFile(path)
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		return err
	}
	if f == nil {
		f = &File{}
	}
	f.APIKey = key
	return writeFile(path, f)
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s not found", ErrNoCredentials, path)
		}
		return nil, fmt.Errorf("auth: reading %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auth: parsing %s: %w", path, err)
	}
	return &f, nil
}

func writeFile(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*")
	if err != nil {
		return fmt.Errorf("auth: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("auth: writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("auth: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("auth: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("auth: replacing %s: %w", path, err)
	}
	return nil
}

// persistingSource writes refreshed tokens back to the credentials file.
type persistingSource struct {
	path string
	base oauth2.TokenSource
	log  *logging.Logger

	mu   sync.Mutex
	file *File
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken
	p.file.Tokens.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		p.file.Tokens.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		p.file.Tokens.ExpiresAt = &exp
	}
	now := time.Now().UTC()
	p.file.LastRefresh = &now
	// The token is still good for this process; only the next one pays a
	// refresh.
	if err := writeFile(p.path, p.file); err != nil {
		p.log.Warn().Err(err).Str("path", p.path).Msg("persisting refreshed token failed")
	}
	return tok, nil
}
