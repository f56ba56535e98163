package httpclient

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ChaseRain/pptwizard/pkg/errors"
)

var (
	errAborted    = stderrors.New("request aborted")
	errSuperseded = stderrors.New("request superseded by a newer call")
	errTimedOut   = stderrors.New("request timed out")
)

// BuildFunc creates the outbound request for one attempt. It is called again
// for every retry so request bodies can be replayed.
type BuildFunc func(ctx context.Context) (*http.Request, error)

// Response is a successful (2xx) response. Body must be closed; it stays
// bound to the call's deadline and abort handle until then.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Attempt identifies the Execute call that produced this response.
	Attempt uint64
}

// Request is a slot for at most one in-flight call. Starting a new Execute
// aborts the pending one.
type Request struct {
	client *Client

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelCauseFunc
}

// current returns the id of the latest Execute call.
func (r *Request) current() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// inFlight reports whether a call or its response body is still open.
func (r *Request) inFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Abort cancels the in-flight call, if any. Safe to call repeatedly.
func (r *Request) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel(errAborted)
	}
}

func (r *Request) begin(ctx context.Context) (context.Context, uint64, func()) {
	callCtx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	previous := r.cancel
	r.seq++
	id := r.seq
	r.cancel = cancel
	r.mu.Unlock()

	if previous != nil {
		previous(errSuperseded)
	}

	var once sync.Once
	finish := func() {
		once.Do(func() {
			cancel(context.Canceled)
			r.mu.Lock()
			if r.seq == id {
				r.cancel = nil
			}
			r.mu.Unlock()
		})
	}
	return callCtx, id, finish
}

// Execute issues the request built by build. Transport failures and 5xx
// responses are retried up to opts.MaxRetries times with a fixed backoff.
// Failures are AppErrors coded ErrCodeCancelled, ErrCodeTimeout,
// ErrCodeNetwork or ErrCodeHTTP.
func (r *Request) Execute(ctx context.Context, build BuildFunc, opts Options) (*Response, error) {
	opts = r.client.resolve(opts)
	log := r.client.logger

	callCtx, id, finish := r.begin(ctx)
	ctx, stopTimer := context.WithTimeoutCause(callCtx, opts.Timeout, errTimedOut)
	done := func() {
		stopTimer()
		finish()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(opts.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				done()
				return nil, classify(ctx, lastErr)
			case <-timer.C:
			}
		}

		req, err := build(ctx)
		if err != nil {
			done()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build request")
		}
		if r.client.authorizes(req.URL) {
			if token := r.client.credentials.Token(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := r.client.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				done()
				return nil, classify(ctx, err)
			}
			lastErr = err
			if attempt < opts.MaxRetries {
				log.Warn("request failed, retrying",
					"url", req.URL.String(),
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			done()
			return nil, errors.Wrap(err, errors.ErrCodeNetwork, "network request failed")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			httpErr := httpError(resp)
			if resp.StatusCode == http.StatusUnauthorized && r.client.authorizes(req.URL) {
				r.client.credentials.OnUnauthorized()
			}
			if resp.StatusCode >= 500 && attempt < opts.MaxRetries {
				lastErr = httpErr
				log.Warn("server error, retrying",
					"url", req.URL.String(),
					"status", resp.StatusCode,
					"attempt", attempt+1,
				)
				continue
			}
			done()
			return nil, httpErr
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       &body{rc: resp.Body, ctx: ctx, release: done},
			Attempt:    id,
		}, nil
	}
}

func (c *Client) resolve(opts Options) Options {
	if opts == (Options{}) {
		opts = c.defaults
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return opts
}

// classify maps a finished context to Timeout or Cancelled.
func classify(ctx context.Context, cause error) error {
	if stderrors.Is(context.Cause(ctx), errTimedOut) || stderrors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return errors.Wrap(cause, errors.ErrCodeTimeout, "request timed out")
	}
	return errors.Wrap(cause, errors.ErrCodeCancelled, "request cancelled")
}

// body maps read failures caused by abort or timeout onto the taxonomy and
// releases the call slot on Close.
type body struct {
	rc      io.ReadCloser
	ctx     context.Context
	release func()
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		if b.ctx.Err() != nil {
			return n, classify(b.ctx, err)
		}
		return n, errors.Wrap(err, errors.ErrCodeNetwork, "response stream interrupted")
	}
	return n, err
}

func (b *body) Close() error {
	err := b.rc.Close()
	b.release()
	return err
}
