package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/soyeahso/strand/internal/auth"
	"github.com/soyeahso/strand/internal/logging"
)

// Default delays between retries. Request retries honor Retry-After on 429
// and 503 responses instead.
const (
	DefaultRetryWaitMin = 200 * time.Millisecond
	DefaultRetryWaitMax = 30 * time.Second
)

type attemptsKey struct{}

// withAttemptCounter returns a context that records how many HTTP attempts a
// request made.
func withAttemptCounter(ctx context.Context) (context.Context, *atomic.Int32) {
	n := new(atomic.Int32)
	return context.WithValue(ctx, attemptsKey{}, n), n
}

func countAttempt(_ retryablehttp.Logger, req *http.Request, retry int) {
	if n, ok := req.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
		n.Store(int32(retry + 1))
	}
}

// newRetryClient builds the retryablehttp client whose RetryMax is the
// request retry budget. base supplies the transport; credentials, when
// present, are injected by oauth2.Transport beneath the retry loop so each
// attempt picks up a refreshed token. A positive headerTimeout bounds each
// attempt's wait for response headers.
func newRetryClient(base *http.Client, creds *auth.Credentials, retries int, waitMin, waitMax, headerTimeout time.Duration, log *logging.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()

	if base != nil {
		clone := *base
		rc.HTTPClient = &clone
	}
	transport := rc.HTTPClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if headerTimeout > 0 {
		transport = &headerTimeoutTransport{base: transport, timeout: headerTimeout}
	}
	if creds != nil {
		transport = &oauth2.Transport{Source: creds, Base: transport}
	}
	rc.HTTPClient.Transport = transport
	// Streams run for as long as the backend keeps sending.
	rc.HTTPClient.Timeout = 0

	rc.RetryMax = retries
	rc.RetryWaitMin = waitMin
	rc.RetryWaitMax = waitMax
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = countAttempt
	if log != nil {
		rc.Logger = log.Leveled()
	} else {
		rc.Logger = nil
	}
	return rc
}

// headerTimeoutTransport cancels a round trip whose response headers do not
// arrive within timeout. Once headers arrive the body is bounded only by the
// caller's context and the stream idle window.
type headerTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	var fired atomic.Bool
	timer := time.AfterFunc(t.timeout, func() {
		fired.Store(true)
		cancel()
	})

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() && fired.Load() {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w after %s", ErrHeaderTimeout, t.timeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the round trip's context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// checkRetry retries connection failures, 429 and 5xx. Auth failures and
// other 4xx are returned to the caller on the first attempt.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err != nil && isAuthFailure(err) {
		return false, err
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func isAuthFailure(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) || errors.Is(err, auth.ErrNoCredentials)
}

// streamBackoff is the delay policy for re-issuing a failed stream. A budget
// of 0 stops before the first retry.
func streamBackoff(ctx context.Context, retries int, waitMin, waitMax time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = waitMin
	b.MaxInterval = waitMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
