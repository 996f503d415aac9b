package praxis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 1 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// Gateway routes model calls across an ordered ring of backends. Each call
// starts at the first backend and retries transient failures in place with
// exponential backoff; once a backend's attempts are spent the call rotates
// to the next ring entry. Permanent errors fail immediately without
// rotation. When the whole ring is exhausted the caller gets
// ErrUpstreamUnavailable carrying the last transient error.
type Gateway struct {
	backends []Provider
	slots    []chan struct{}

	attempts    int
	backoffBase time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
}

var _ Provider = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithAttempts sets how many times a single backend is tried before the
// ring rotates. Values below 1 are ignored.
func WithAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n >= 1 {
			g.attempts = n
		}
	}
}

// WithBackoffBase sets the base delay for exponential backoff between
// attempts at the same backend.
func WithBackoffBase(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.backoffBase = d
		}
	}
}

// WithCallTimeout caps a single model call. Zero disables the cap.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d >= 0 {
			g.callTimeout = d
		}
	}
}

// WithMaxConcurrent caps in-flight calls per backend. Zero means uncapped.
func WithMaxConcurrent(n int) GatewayOption {
	return func(g *Gateway) {
		if n <= 0 {
			g.slots = nil
			return
		}
		g.slots = make([]chan struct{}, len(g.backends))
		for i := range g.slots {
			g.slots[i] = make(chan struct{}, n)
		}
	}
}

// WithGatewayLogger sets the logger for retry and rotation events.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway builds a Gateway over backends. The ring order is the argument
// order; the first backend is the default model. NewGateway panics when
// backends is empty, since a gateway with no upstream cannot serve anything.
func NewGateway(backends []Provider, opts ...GatewayOption) *Gateway {
	if len(backends) == 0 {
		panic("praxis: NewGateway requires at least one backend")
	}
	g := &Gateway{
		backends:    backends,
		attempts:    defaultAttempts,
		backoffBase: defaultBackoffBase,
		callTimeout: defaultCallTimeout,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name identifies the ring by its member backends.
func (g *Gateway) Name() string {
	names := make([]string, len(g.backends))
	for i, b := range g.backends {
		names[i] = b.Name()
	}
	return fmt.Sprintf("ring(%s)", strings.Join(names, ","))
}

// Chat implements Provider.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return g.ring(ctx, func(ctx context.Context, p Provider) (ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// ChatWithTools implements Provider.
func (g *Gateway) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return g.ring(ctx, func(ctx context.Context, p Provider) (ChatResponse, error) {
		return p.ChatWithTools(ctx, req, tools)
	})
}

// ChatStream implements Provider. Streams are not restartable: retries and
// ring rotation happen only while no token has been forwarded to ch. After
// the first token a failure is returned to the caller as-is.
func (g *Gateway) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer safeCloseCh(ch)

	var last error
	for i, backend := range g.backends {
		if err := g.acquire(ctx, i); err != nil {
			return ChatResponse{}, err
		}
		resp, sent, err := g.streamBackend(ctx, backend, req, ch)
		g.release(i)
		if err == nil {
			return resp, nil
		}
		if sent || !g.transient(ctx, err) {
			return ChatResponse{}, err
		}
		last = err
		g.logger.Warn("rotating model ring",
			"backend", backend.Name(),
			"error", err)
	}
	return ChatResponse{}, &ErrUpstreamUnavailable{Ring: g.ringNames(), Last: last}
}

// streamBackend runs up to g.attempts stream calls against one backend,
// forwarding tokens to out. sent reports whether any token reached out, in
// which case no further attempt may be made anywhere.
func (g *Gateway) streamBackend(ctx context.Context, p Provider, req ChatRequest, out chan<- string) (resp ChatResponse, sent bool, err error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		callCtx, cancel := g.callContext(ctx)

		mid := make(chan string, 64)
		done := make(chan struct{})
		var r ChatResponse
		var streamErr error
		go func() {
			defer close(done)
			r, streamErr = p.ChatStream(callCtx, req, mid)
		}()
		for tok := range mid {
			sent = true
			out <- tok
		}
		<-done
		cancel()

		if streamErr == nil {
			return r, sent, nil
		}
		err = streamErr
		if sent || !g.transient(ctx, err) {
			return ChatResponse{}, sent, err
		}
		g.logger.Warn("retrying stream",
			"backend", p.Name(),
			"status", statusOf(err),
			"attempt", attempt+1,
			"max_attempts", g.attempts)
		if attempt < g.attempts-1 {
			if werr := g.wait(ctx, retryDelay(g.backoffBase, attempt, err)); werr != nil {
				return ChatResponse{}, sent, werr
			}
		}
	}
	return ChatResponse{}, sent, err
}

// ring walks the backend ring, giving each backend g.attempts tries.
func (g *Gateway) ring(ctx context.Context, fn func(context.Context, Provider) (ChatResponse, error)) (ChatResponse, error) {
	var last error
	for i, backend := range g.backends {
		resp, err := g.callBackend(ctx, i, backend, fn)
		if err == nil {
			return resp, nil
		}
		if !g.transient(ctx, err) {
			return ChatResponse{}, err
		}
		last = err
		g.logger.Warn("rotating model ring",
			"backend", backend.Name(),
			"error", err)
	}
	return ChatResponse{}, &ErrUpstreamUnavailable{Ring: g.ringNames(), Last: last}
}

func (g *Gateway) callBackend(ctx context.Context, idx int, p Provider, fn func(context.Context, Provider) (ChatResponse, error)) (ChatResponse, error) {
	if err := g.acquire(ctx, idx); err != nil {
		return ChatResponse{}, err
	}
	defer g.release(idx)

	var last error
	for attempt := 0; attempt < g.attempts; attempt++ {
		callCtx, cancel := g.callContext(ctx)
		resp, err := fn(callCtx, p)
		cancel()
		if err == nil {
			return resp, nil
		}
		if !g.transient(ctx, err) {
			return ChatResponse{}, err
		}
		last = err
		g.logger.Warn("retrying transient error",
			"backend", p.Name(),
			"status", statusOf(err),
			"attempt", attempt+1,
			"max_attempts", g.attempts)
		if attempt < g.attempts-1 {
			if werr := g.wait(ctx, retryDelay(g.backoffBase, attempt, err)); werr != nil {
				return ChatResponse{}, werr
			}
		}
	}
	return ChatResponse{}, last
}

func (g *Gateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.callTimeout)
}

// transient reports whether err is worth another attempt. A deadline hit on
// the per-call timeout counts as transient as long as the caller's context
// is still alive; caller cancellation always aborts.
func (g *Gateway) transient(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isTransient(err)
}

func (g *Gateway) acquire(ctx context.Context, idx int) error {
	if g.slots == nil {
		return nil
	}
	select {
	case g.slots[idx] <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release(idx int) {
	if g.slots == nil {
		return
	}
	<-g.slots[idx]
}

func (g *Gateway) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) ringNames() []string {
	names := make([]string, len(g.backends))
	for i, b := range g.backends {
		names[i] = b.Name()
	}
	return names
}

// isTransient classifies provider errors. Rate limits, request timeouts and
// server-side 5xx responses are retriable; everything else is permanent.
func isTransient(err error) bool {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 408, httpErr.Status == 429:
			return true
		case httpErr.Status >= 500:
			return true
		}
	}
	return false
}

func statusOf(err error) int {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// retryDelay picks the pause before the next attempt: exponential backoff
// with jitter, floored by any server-provided Retry-After.
func retryDelay(base time.Duration, attempt int, err error) time.Duration {
	delay := retryBackoff(base, attempt)
	if ra := retryAfterOf(err); ra > delay {
		delay = ra
	}
	return delay
}

// retryBackoff returns base*2^attempt plus up to 50% jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
