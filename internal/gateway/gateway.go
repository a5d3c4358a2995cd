// Package gateway wraps every outbound exchange call with per-verb
// sliding-window rate limiting, a circuit breaker, and exponential
// back-off with jitter honoring server Retry-After directives.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Verb distinguishes GET from POST/DELETE budgets.
type Verb int

const (
	Get Verb = iota
	Post
)

// Config tunes the gateway. There is no separate cancel budget, which
// resolves spec.md §9's first open question: cancel requests are issued
// with the Post verb and consume the POST window, since the source's
// rate limiter classifies all non-GET calls as POST traffic.
type Config struct {
	GetLimit      int
	GetWindow     time.Duration
	PostLimit     int
	PostWindow    time.Duration
	MaxRetries    int
	InitialBackoff time.Duration
	BackoffMultiplier float64
	BackoffCap    time.Duration
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration
}

// RateLimitedError signals the gateway honored a rate limit by sleeping;
// per spec.md §7 this is not a failure and never trips the breaker.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// CircuitOpenError is returned when the breaker is open and a call fails
// fast without attempting the network.
type CircuitOpenError struct{}

func (e *CircuitOpenError) Error() string { return "circuit breaker open" }

// Gateway enforces the rate-limit + breaker + retry envelope described in
// spec.md §4.2 around an arbitrary HTTP-calling func.
type Gateway struct {
	get     *slidingWindow
	post    *slidingWindow
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Gateway. The breaker's ReadyToTrip fires at
// FailureThreshold consecutive failures; OnStateChange logs every
// transition so CircuitBreakerChanged events can be derived by a
// higher layer subscribing to the logger or wrapping New with its own
// callback.
func New(cfg Config, logger *slog.Logger) *Gateway {
	logger = logger.With("component", "gateway")

	settings := gobreaker.Settings{
		Name:        "exchange-gateway",
		MaxRequests: 1, // exactly one probe allowed in half-open, per spec.md §4.2 step 3
		Interval:    0, // counts never reset on a timer; only a trip resets them
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "from", from.String(), "to", to.String())
		},
		// Rate-limit waits are not failures (spec.md §4.2 "Failure
		// semantics"): without this, gobreaker's default (err == nil)
		// would count every RateLimitedError returned below as a breaker
		// failure.
		IsSuccessful: func(err error) bool {
			var rateLimited *RateLimitedError
			return err == nil || errors.As(err, &rateLimited)
		},
	}

	return &Gateway{
		get:     newSlidingWindow(cfg.GetLimit, cfg.GetWindow),
		post:    newSlidingWindow(cfg.PostLimit, cfg.PostWindow),
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		logger:  logger,
	}
}

// Call runs fn under rate limiting, the circuit breaker, and retry with
// exponential back-off. fn should return (response-ish value, retryAfter,
// error) — retryAfter is non-zero only when the call failed with a
// rate-limit indicator (HTTP 429) so Call can honor the server's
// requested delay instead of its own schedule. An error whose message
// contains "rate limit" or "too many requests" with no retryAfter is
// also treated as rate-limited, waiting the back-off for that attempt.
func (g *Gateway) Call(ctx context.Context, verb Verb, fn func(ctx context.Context) (any, time.Duration, error)) (any, error) {
	counter := g.get
	if verb == Post {
		counter = g.post
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := counter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := g.breaker.Execute(func() (any, error) {
			callCtx := ctx
			var cancel context.CancelFunc
			if g.cfg.CallTimeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
				defer cancel()
			}
			res, retryAfter, callErr := fn(callCtx)
			if retryAfter == 0 && callErr != nil {
				// A rate-limit indicator in the error message without a
				// Retry-After falls back to the exponential schedule.
				msg := strings.ToLower(callErr.Error())
				if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
					retryAfter = g.backoffFor(attempt)
				}
			}
			if retryAfter > 0 {
				// Rate-limit waits are not failures (spec.md §4.2 "Failure
				// semantics"): surface a RateLimitedError but don't let
				// gobreaker count it as a breaker failure.
				return res, &RateLimitedError{RetryAfter: retryAfter}
			}
			return res, callErr
		})

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) {
			g.logger.Debug("rate limited by server, sleeping", "retry_after", rateLimited.RetryAfter)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(rateLimited.RetryAfter):
			}
			lastErr = err
			continue
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CircuitOpenError{}
		}

		if err == nil {
			return result, nil
		}

		lastErr = err
		if attempt == g.cfg.MaxRetries {
			break
		}

		backoff := g.backoffFor(attempt)
		g.logger.Debug("transient failure, backing off", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("gateway call failed after %d attempts: %w", g.cfg.MaxRetries+1, lastErr)
}

// backoffFor computes the exponential back-off with +/-20% jitter for
// the given zero-based attempt index.
func (g *Gateway) backoffFor(attempt int) time.Duration {
	base := float64(g.cfg.InitialBackoff) * math.Pow(g.cfg.BackoffMultiplier, float64(attempt))
	if backoffCap := float64(g.cfg.BackoffCap); backoffCap > 0 && base > backoffCap {
		base = backoffCap
	}
	jitter := base * (0.8 + 0.4*rand.Float64()) // +/-20%
	return time.Duration(jitter)
}

// RetryAfterFromHeader parses a Retry-After header (seconds form) into a
// Duration, used by exchange client wrappers before calling fn's error
// return.
func RetryAfterFromHeader(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	var seconds int
	if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
