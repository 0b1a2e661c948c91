// Package fetch streams remote artifacts to local storage.
//
// A download is written to a temporary file next to its destination and
// renamed into place only after the full body arrived, so a partial transfer
// is never visible at the destination path. Transient failures are retried
// according to a Policy; the retry loop is an explicit state machine.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/xtxerr/oceangrid/config"
	"github.com/xtxerr/oceangrid/internal/errors"
	"github.com/xtxerr/oceangrid/internal/logging"
)

var log = logging.Component("fetch")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options configures a Fetcher.
type Options struct {
	Policy Policy

	// AttemptTimeout bounds a single attempt. Zero disables it.
	AttemptTimeout time.Duration

	// MaxConns limits connections per host.
	MaxConns int

	// Client overrides the HTTP client.
	Client *http.Client

	// Sleep overrides the backoff wait.
	Sleep SleepFunc
}

// Fetcher downloads artifacts with bounded retries.
type Fetcher struct {
	client         *http.Client
	policy         Policy
	attemptTimeout time.Duration
	sleep          SleepFunc
}

// New creates a new Fetcher.
func New(opts Options) *Fetcher {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = config.DefaultFetchConcurrency
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          opts.MaxConns,
				IdleConnTimeout:       30 * time.Second,
				MaxIdleConnsPerHost:   opts.MaxConns,
				MaxConnsPerHost:       opts.MaxConns,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: time.Minute,
			},
		}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Fetcher{
		client:         client,
		policy:         opts.Policy,
		attemptTimeout: opts.AttemptTimeout,
		sleep:          sleep,
	}
}

// Policy returns the retry policy in effect.
func (f *Fetcher) Policy() Policy {
	return f.policy
}

// =============================================================================
// Retry state machine
// =============================================================================

type state int

const (
	stateAttempting state = iota
	stateBackoff
	stateSucceeded
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateBackoff:
		return "backoff"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// attemptError classifies the failure of one attempt.
type attemptError struct {
	kind      errors.Kind
	status    int
	retryable bool
	disk      bool
	err       error
}

func (e *attemptError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.kind, e.status, e.err)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *attemptError) Unwrap() error { return e.err }

// Fetch downloads rawURL into dest.
//
// Terminal failures are returned as *errors.FetchError, except local disk
// failures which wrap errors.ErrDiskWrite.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return &errors.FetchError{Kind: errors.KindNetworkError, URL: rawURL, Err: err}
	}

	var (
		st       = stateAttempting
		attempt  int
		delay    time.Duration
		last     *attemptError
		maxTries = f.policy.attempts()
		started  = time.Now()
	)

	for {
		switch st {
		case stateAttempting:
			attempt++
			n, aerr := f.attempt(ctx, u, dest)
			if aerr == nil {
				log.Info("artifact downloaded",
					"url", u.Redacted(), "path", dest, "bytes", n,
					"attempts", attempt, "elapsed", time.Since(started).Round(time.Millisecond))
				st = stateSucceeded
				continue
			}
			last = aerr
			if !aerr.retryable || attempt >= maxTries {
				st = stateFailed
				continue
			}
			delay = f.policy.Delay(attempt)
			log.Warn("fetch attempt failed",
				"url", u.Redacted(), "attempt", attempt, "retry_in", delay, "error", aerr)
			st = stateBackoff

		case stateBackoff:
			if err := f.sleep(ctx, delay); err != nil {
				last = contextError(err)
				st = stateFailed
				continue
			}
			st = stateAttempting

		case stateSucceeded:
			return nil

		case stateFailed:
			return f.terminal(u, attempt, last)
		}
	}
}

func (f *Fetcher) terminal(u *url.URL, attempts int, last *attemptError) error {
	if last.disk {
		return fmt.Errorf("%w: %v", errors.ErrDiskWrite, last.err)
	}
	fe := &errors.FetchError{
		Kind:     last.kind,
		URL:      u.Redacted(),
		Attempts: attempts,
		Status:   last.status,
		Err:      last.err,
	}
	if last.retryable && attempts >= f.policy.attempts() {
		fe.Kind = errors.KindExhaustedRetries
		fe.Err = last
	}
	log.Error("fetch failed", "url", fe.URL, "kind", fe.Kind, "attempts", attempts, "error", last)
	return fe
}

// =============================================================================
// Single attempt
// =============================================================================

func (f *Fetcher) attempt(ctx context.Context, u *url.URL, dest string) (int64, *attemptError) {
	actx := ctx
	if f.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, &attemptError{kind: errors.KindNetworkError, err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if aerr := classifyStatus(resp.StatusCode); aerr != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, aerr
	}

	return writeAtomic(ctx, resp, dest)
}

// writeAtomic streams the body into a temp file in dest's directory and
// renames it over dest once complete.
func writeAtomic(ctx context.Context, resp *http.Response, dest string) (int64, *attemptError) {
	dir, base := filepath.Split(dest)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".part-*")
	if err != nil {
		return 0, diskError(err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := &diskWriter{f: tmp}
	n, err := io.Copy(w, resp.Body)
	if w.err != nil {
		return n, diskError(w.err)
	}
	if err != nil {
		return n, classifyTransport(ctx, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, &attemptError{
			kind:      errors.KindNetworkError,
			retryable: true,
			err:       fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength),
		}
	}

	if err := tmp.Sync(); err != nil {
		return n, diskError(err)
	}
	if err := tmp.Close(); err != nil {
		return n, diskError(err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		committed = true
		return n, diskError(err)
	}
	committed = true
	return n, nil
}

// diskWriter records write failures so they can be told apart from read
// failures on the response body.
type diskWriter struct {
	f   *os.File
	err error
}

func (w *diskWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// =============================================================================
// Classification
// =============================================================================

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("malformed url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("malformed url %q: missing host", raw)
	}
	return u, nil
}

func classifyStatus(code int) *attemptError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return &attemptError{kind: errors.KindNotFound, status: code, err: fmt.Errorf("%s", http.StatusText(code))}
	case code == http.StatusRequestTimeout:
		return &attemptError{kind: errors.KindTimeout, status: code, retryable: true, err: fmt.Errorf("%s", http.StatusText(code))}
	case code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return &attemptError{kind: errors.KindNetworkError, status: code, retryable: true, err: fmt.Errorf("%s", http.StatusText(code))}
	default:
		return &attemptError{kind: errors.KindNetworkError, status: code, err: fmt.Errorf("unexpected status %s", http.StatusText(code))}
	}
}

// classifyTransport maps a client or body read error. Cancellation of the
// caller's context is final; an expired per-attempt deadline is a retryable
// timeout.
func classifyTransport(ctx context.Context, err error) *attemptError {
	if ctx.Err() != nil {
		return contextError(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &attemptError{kind: errors.KindTimeout, retryable: true, err: err}
	}
	return &attemptError{kind: errors.KindNetworkError, retryable: true, err: err}
}

func contextError(err error) *attemptError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &attemptError{kind: errors.KindTimeout, err: err}
	}
	return &attemptError{kind: errors.KindNetworkError, err: err}
}

func diskError(err error) *attemptError {
	return &attemptError{kind: errors.KindDiskWriteFailed, disk: true, err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
