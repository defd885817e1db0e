package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/soyeahso/strand/internal/auth"
	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/domain"
	"github.com/soyeahso/strand/internal/logging"
)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 4 << 10

// ClientConfig binds a client to one conversation node.
type ClientConfig struct {
	Provider     config.ProviderConfig
	Model        string
	Effort       string
	Summary      string
	Instructions string

	Identity domain.SessionIdentity
	Source   domain.SessionSource

	// Credentials is required when Provider.RequiresAuth is set.
	Credentials *auth.Credentials

	// HTTPClient supplies the base transport. Its Timeout is ignored.
	HTTPClient *http.Client

	// Retry delays; zero selects DefaultRetryWaitMin / DefaultRetryWaitMax.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger *logging.Logger
}

// ResponsesClient streams responses from a Responses-style HTTP+SSE backend.
// It is safe for concurrent use; each Stream call owns its own request.
type ResponsesClient struct {
	cfg  ClientConfig
	http *retryablehttp.Client
	log  *logging.Logger
	url  string
}

// NewResponsesClient validates cfg and builds a client.
func NewResponsesClient(cfg ClientConfig) (*ResponsesClient, error) {
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("llm: client requires a session identity")
	}
	if cfg.Provider.WireAPI != "" && cfg.Provider.WireAPI != config.WireAPIResponses {
		return nil, fmt.Errorf("llm: provider %s: unsupported wire api %q", cfg.Provider.Name, cfg.Provider.WireAPI)
	}
	if cfg.Provider.RequiresAuth && cfg.Credentials == nil {
		return nil, &AuthError{Provider: cfg.Provider.Name, Err: auth.ErrNoCredentials}
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = DefaultRetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = DefaultRetryWaitMax
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = cfg.RetryWaitMin
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New(nil, "silent")
	}
	log = log.Sub("llm").With("provider", cfg.Provider.Name)

	c := &ResponsesClient{
		cfg: cfg,
		log: log,
	}
	u, err := c.endpoint()
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s: invalid base url: %w", cfg.Provider.Name, err)
	}
	c.url = u
	c.http = newRetryClient(cfg.HTTPClient, cfg.Credentials, cfg.Provider.RequestRetries(), cfg.RetryWaitMin, cfg.RetryWaitMax, cfg.Provider.StreamIdleTimeout(), log)
	return c, nil
}

// Name returns the provider name.
func (c *ResponsesClient) Name() string { return c.cfg.Provider.Name }

// Identity returns the identity the client stamps on requests.
func (c *ResponsesClient) Identity() domain.SessionIdentity { return c.cfg.Identity }

// Stream sends prompt and returns the event stream. Errors establishing the
// first response (after request retries) are returned directly; later
// failures arrive as a terminal EventFailed.
func (c *ResponsesClient) Stream(ctx context.Context, prompt Prompt) (*ResponseStream, error) {
	rc := RequestContext{Identity: c.cfg.Identity, Source: c.cfg.Source, Prompt: prompt}
	body, err := c.buildBody(rc)
	if err != nil {
		return nil, fmt.Errorf("llm: encoding request: %w", err)
	}
	headers := c.buildHeaders(rc)

	ctx, cancel := context.WithCancel(ctx)
	att, err := c.connect(ctx, body, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan ResponseEvent)
	s := NewResponseStream(ch, cancel)
	go c.run(ctx, s, ch, att, body, headers)
	return s, nil
}

// attempt is one open HTTP response and the cancel func scoped to it.
type attempt struct {
	resp   *http.Response
	cancel context.CancelFunc
}

func (c *ResponsesClient) connect(ctx context.Context, body []byte, headers http.Header) (*attempt, error) {
	actx, cancel := context.WithCancel(ctx)
	actx, attempts := withAttemptCounter(actx)

	req, err := retryablehttp.NewRequestWithContext(actx, http.MethodPost, c.url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: building request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	n := int(attempts.Load())
	if err != nil {
		cancel()
		if isAuthFailure(err) {
			return nil, &AuthError{Provider: c.Name(), Err: err}
		}
		return nil, &TransportError{Provider: c.Name(), Attempts: n, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		text := strings.TrimSpace(string(raw))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &AuthError{Provider: c.Name(), StatusCode: resp.StatusCode, Err: errors.New(text)}
		}
		return nil, &TransportError{Provider: c.Name(), StatusCode: resp.StatusCode, Body: text, Attempts: n}
	}

	c.log.Debug().Int("attempts", n).Msg("response stream opened")
	return &attempt{resp: resp, cancel: cancel}, nil
}

// run drives attempts until a response completes, the stream budget is
// spent, or ctx is cancelled. It owns ch and closes it on exit.
func (c *ResponsesClient) run(ctx context.Context, s *ResponseStream, ch chan<- ResponseEvent, att *attempt, body []byte, headers http.Header) {
	defer close(ch)

	bo := streamBackoff(ctx, c.cfg.Provider.StreamRetries(), c.cfg.RetryWaitMin, c.cfg.RetryWaitMax)
	attempts := 1

	fail := func(err error) {
		s.setErr(err)
		select {
		case ch <- ResponseEvent{Type: EventFailed, Err: err}:
		case <-ctx.Done():
		}
	}

	for {
		err := c.consume(ctx, att, ch)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			s.setErr(&StreamError{Provider: c.Name(), Attempts: attempts, Err: ctx.Err()})
			return
		}

		var se *StreamError
		if !errors.As(err, &se) {
			se = &StreamError{Provider: c.Name(), Err: err}
		}
		se.Attempts = attempts
		if !retryableStreamErr(se.Err) {
			fail(se)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			fail(se)
			return
		}

		c.log.Warn().Err(se.Err).Int("attempt", attempts).Dur("delay", delay).Msg("stream failed, retrying")
		select {
		case ch <- ResponseEvent{Type: EventStreamRetry, Attempt: attempts, Delay: delay, Err: se.Err}:
		case <-ctx.Done():
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		att, err = c.connect(ctx, body, headers)
		if err != nil {
			fail(err)
			return
		}
		attempts++
	}
}

// consume reads one attempt to completion. It returns nil once
// response.completed has been delivered.
func (c *ResponsesClient) consume(ctx context.Context, att *attempt, ch chan<- ResponseEvent) error {
	defer att.cancel()
	defer att.resp.Body.Close()

	idleWindow := c.cfg.Provider.StreamIdleTimeout()
	var idle atomic.Bool
	timer := time.AfterFunc(idleWindow, func() {
		idle.Store(true)
		att.cancel()
	})
	defer timer.Stop()

	// Any frame is liveness, modelled or not.
	dec := NewDecoder(att.resp.Body, WithFrameHook(func(Frame) {
		if timer.Stop() {
			timer.Reset(idleWindow)
		}
	}))
	for {
		ev, err := dec.Next()
		if err != nil {
			if idle.Load() {
				return &StreamError{Provider: c.Name(), Idle: true, Err: ErrIdleTimeout}
			}
			return err
		}

		// The consumer's pace is not idle time.
		if !timer.Stop() && idle.Load() {
			return &StreamError{Provider: c.Name(), Idle: true, Err: ErrIdleTimeout}
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Type == EventCompleted {
			return nil
		}
		timer.Reset(idleWindow)
	}
}

func retryableStreamErr(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
