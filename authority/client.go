// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package authority talks to the remote authorization service.
//
// Every failure mode is collapsed into a negative verdict: callers only
// ever see a bool. Subscribe decisions, positive or negative, are written
// to the decision cache before the verdict is returned, so a forward check
// issued after AuthorizeSubscribe returns observes the same verdict.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/mqauth/cache"
	"github.com/absmach/mqauth/internal/bufpool"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Authority endpoints, relative to the base URL.
const (
	LoginPath = "/mqtt/login/"
	AuthPath  = "/mqtt/auth/"
)

// Static headers identifying this service to the authority.
const (
	HeaderToken     = "Api-Token"
	HeaderSecretKey = "Api-Secret-Key"
	HeaderRequestID = "X-Request-ID"
	userAgent       = "Absmach-MQTT-Auth/1.0"
)

// Call outcomes reported to the Recorder.
const (
	OutcomeAllowed   = "allowed"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
)

const maxDrainBytes = 4096

// cacheWriteTimeout bounds a verdict write, which runs detached from the
// caller's context so an expired hook still leaves its verdict behind.
const cacheWriteTimeout = time.Second

var (
	// ErrTransport covers timeouts, refused connections, DNS failures and an open breaker.
	ErrTransport = errors.New("authority transport error")

	// ErrRejected is returned for a non-2xx status from the authority.
	ErrRejected = errors.New("authority rejected request")

	// errCallerDone marks a call abandoned by its caller. It is no evidence
	// against the authority, so the breaker does not count it.
	errCallerDone = errors.New("caller gave up")

	errCacheRequired = errors.New("decision cache cannot be nil")
	errBaseURL       = errors.New("authority base url cannot be empty")
	errCacheTTL      = errors.New("cache ttl must be positive")
)

// LoginRequest is the body sent to LoginPath.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthRequest is the body sent to AuthPath.
type AuthRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
}

// BreakerConfig configures the circuit breaker guarding the authority.
// A zero FailureThreshold disables the breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Config holds authority client settings.
type Config struct {
	BaseURL   string
	Token     string
	SecretKey string
	Timeout   time.Duration
	CacheTTL  time.Duration

	// DedupeSubscribe shares one in-flight remote call between concurrent
	// identical subscribe checks.
	DedupeSubscribe bool

	Breaker BreakerConfig
}

// Recorder receives per-call telemetry. It may be nil.
type Recorder interface {
	RecordAuthorityCall(endpoint, outcome string, d time.Duration)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// Client issues authenticate and authorize-subscribe calls.
type Client struct {
	cfg      Config
	baseURL  string
	http     *http.Client
	cache    cache.Cache
	breaker  *gobreaker.CircuitBreaker
	group    singleflight.Group
	recorder Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates an authority client that populates dc on subscribe decisions.
func New(cfg Config, dc cache.Cache, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dc == nil {
		return nil, errCacheRequired
	}
	if cfg.BaseURL == "" {
		return nil, errBaseURL
	}
	if cfg.CacheTTL <= 0 {
		return nil, errCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   dc,
		tracer:  otel.Tracer("github.com/absmach/mqauth/authority"),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Breaker.FailureThreshold > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "authority",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
			},
			// A rejection means the authority is up and answering.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRejected) || errors.Is(err, errCallerDone)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("authority circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return c, nil
}

// Authenticate checks credentials with the authority. The result is never cached.
func (c *Client) Authenticate(ctx context.Context, username, secret string) bool {
	err := c.login(ctx, username, secret)
	if err != nil {
		c.logFailure("login", err, slog.String("username", username))
		return false
	}
	return true
}

// AuthorizeSubscribe asks the authority whether principal may subscribe to
// topic and caches the verdict, success or failure, for the configured TTL.
func (c *Client) AuthorizeSubscribe(ctx context.Context, principal, topic string) bool {
	if !c.cfg.DedupeSubscribe {
		return c.authorizeSubscribe(ctx, principal, topic)
	}

	// The flight is detached from its first caller, so a waiter with a live
	// context still gets the authority's verdict when that caller gives up.
	ch := c.group.DoChan(cache.Key(principal, topic), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout+cacheWriteTimeout)
		defer cancel()
		return c.authorizeSubscribe(fctx, principal, topic), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("subscribe check shared with in-flight call",
				slog.String("principal", principal),
				slog.String("topic", topic))
		}
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// State returns the breaker state, or StateClosed when the breaker is disabled.
func (c *Client) State() gobreaker.State {
	if c.breaker == nil {
		return gobreaker.StateClosed
	}
	return c.breaker.State()
}

func (c *Client) authorizeSubscribe(ctx context.Context, principal, topic string) bool {
	err := c.authorize(ctx, principal, topic)
	allowed := err == nil
	if err != nil {
		c.logFailure("auth", err,
			slog.String("principal", principal),
			slog.String("topic", topic))
	}

	// The verdict must be readable before it is returned.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if perr := c.cache.Put(pctx, principal, topic, allowed, c.cfg.CacheTTL); perr != nil {
		c.logger.Warn("failed to cache subscribe decision",
			slog.String("principal", principal),
			slog.String("topic", topic),
			slog.String("error", perr.Error()))
	}

	return allowed
}

func (c *Client) login(ctx context.Context, username, secret string) error {
	return c.post(ctx, "login", LoginPath, LoginRequest{Username: username, Password: secret})
}

func (c *Client) authorize(ctx context.Context, principal, topic string) error {
	return c.post(ctx, "auth", AuthPath, AuthRequest{Username: principal, Topic: topic})
}

// post sends body to path through the breaker and maps the outcome onto
// ErrTransport or ErrRejected.
func (c *Client) post(ctx context.Context, endpoint, path string, body any) (err error) {
	ctx, span := c.tracer.Start(ctx, "authority."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("authority.path", path)))

	defer func(begin time.Time) {
		outcome := OutcomeAllowed
		switch {
		case errors.Is(err, ErrRejected):
			outcome = OutcomeRejected
		case err != nil:
			outcome = OutcomeTransport
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if c.recorder != nil {
			c.recorder.RecordAuthorityCall(endpoint, outcome, time.Since(begin))
		}
	}(time.Now())

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	payload := buf.Bytes()

	if c.breaker == nil {
		return c.send(ctx, path, payload)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		err := c.send(ctx, path, payload)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, path string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrTransport, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderToken, c.cfg.Token)
	req.Header.Set(HeaderSecretKey, c.cfg.SecretKey)
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	return nil
}

func (c *Client) logFailure(endpoint string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("endpoint", endpoint), slog.String("error", err.Error()))
	if errors.Is(err, ErrRejected) {
		c.logger.Debug("authority denied request", attrs...)
		return
	}
	c.logger.Warn("authority request failed", attrs...)
}
