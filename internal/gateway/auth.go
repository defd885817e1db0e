package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/soyeahso/strand/internal/config"
)

// Environment fallbacks for gateway credentials.
const (
	EnvGatewayToken    = "STRAND_GATEWAY_TOKEN"
	EnvGatewayPassword = "STRAND_GATEWAY_PASSWORD"
)

const (
	AuthModeToken    = "token"
	AuthModePassword = "password"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth is the gateway's effective auth configuration.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth fills empty config secrets from the environment. Without an
// explicit mode, a configured password selects password mode.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	a := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token, Password: cfg.Password}
	if a.Token == "" {
		a.Token = os.Getenv(EnvGatewayToken)
	}
	if a.Password == "" {
		a.Password = os.Getenv(EnvGatewayPassword)
	}
	if a.Mode == "" {
		a.Mode = AuthModeToken
		if a.Password != "" {
			a.Mode = AuthModePassword
		}
	}
	return a
}

// Authorize checks client credentials against the server's.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}

	var want, got string
	switch server.Mode {
	case AuthModeToken:
		want, got = server.Token, client.Token
	case AuthModePassword:
		want, got = server.Password, client.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}

	switch {
	case want == "":
		return AuthResult{Reason: "server " + server.Mode + " not configured"}
	case got == "":
		return AuthResult{Reason: server.Mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: server.Mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: server.Mode}
}

// safeEqual compares in constant time, including the length check.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

// checkWebSocketOrigin allows requests without an Origin header and those
// whose Origin is listed ("*" allows all).
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

// authRateLimiter counts failed handshakes per host within a sliding window.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

// run prunes stale hosts every minute until ctx is done.
func (l *authRateLimiter) run(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			l.prune()
		}
	}
}

func (l *authRateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host := range l.failures {
		l.recentLocked(host)
	}
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recentLocked(hostOf(remoteAddr))) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.failures[host]; !ok && len(l.failures) >= authRateMaxIPs {
		l.evictOldestLocked()
	}
	l.failures[host] = append(l.failures[host], l.now())
}

// recentLocked drops failures outside the window and returns the rest.
func (l *authRateLimiter) recentLocked(host string) []time.Time {
	cutoff := l.now().Add(-authRateWindow)
	times := l.failures[host]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, host)
		return nil
	}
	l.failures[host] = kept
	return kept
}

func (l *authRateLimiter) evictOldestLocked() {
	var oldest string
	var at time.Time
	for host, times := range l.failures {
		if len(times) > 0 && (oldest == "" || times[0].Before(at)) {
			oldest, at = host, times[0]
		}
	}
	delete(l.failures, oldest)
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
