// Package broker implements domain.BrokerClient against the external
// browser-broker daemon that owns the fleet's fingerprint-isolated browser
// windows.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/adapter/observability"
	"github.com/ixfleet/orchestrator/internal/domain"
	"github.com/ixfleet/orchestrator/internal/service/ratelimiter"
)

// Broker-reported error codes the adapter treats specially. Mirrors the
// upstream browser automation daemon's status codes for window lifecycle
// conflicts.
const (
	codeAlreadyOpen    = 111003
	codeProcessMissing = 1009
	codeWindowMissing  = 2007
)

// apiError is the broker's JSON error envelope.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("broker error code=%d message=%s", e.Code, e.Message)
}

func isAlreadyOpen(err error) bool {
	var ae *apiError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.Code == codeAlreadyOpen || strings.Contains(strings.ToLower(ae.Message), "already open")
}

func isProcessMissing(err error) bool {
	var ae *apiError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.Code == codeProcessMissing || strings.Contains(strings.ToLower(ae.Message), "process not found")
}

func isWindowMissing(err error) bool {
	var ae *apiError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.Code == codeWindowMissing
}

func asAPIError(err error, target **apiError) bool {
	ae, ok := err.(*apiError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// Config holds the adapter's tunables, projected from internal/config.Config.
type Config struct {
	BaseURL       string
	APIKey        string
	OpenRetries   int
	OpenRetryWait time.Duration
	CacheTTL      time.Duration
	CBMaxFailures int
	CBTimeout     time.Duration
	CooldownCap   time.Duration
}

type listCacheEntry struct {
	at      time.Time
	opened  []domain.OpenedProfile
}

// Client is the Broker Adapter: an RPC wrapper around the broker daemon with
// idempotent open-with-retry, a short-lived opened-profile list cache, and a
// per-window circuit breaker.
//
// Grounded on original_source/app/services/ixbrowser/profiles.py's
// _open_profile_with_retry / _ensure_profile_closed / _reset_profile_open_state
// flow, generalized from a numeric profile_id to the fleet's window_name
// handle.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter ratelimiter.Limiter

	mu        sync.Mutex
	listCache *listCacheEntry
	cooldown  map[string]time.Time
}

// New constructs a broker Client. limiter may be nil, in which case opens
// are never rate limited (matches ratelimiter.Limiter's nil-safe contract).
func New(cfg Config, limiter ratelimiter.Limiter) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   20 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:      cfg,
		limiter:  limiter,
		cooldown: make(map[string]time.Time),
	}
}

func (c *Client) breaker(windowName string) *observability.CircuitBreaker {
	return observability.GetCircuitBreaker("broker:"+windowName, c.cfg.CBMaxFailures, c.cfg.CBTimeout)
}

// InCooldown reports whether windowName is presently excluded from dispatch
// due to a prior broker failure.
func (c *Client) InCooldown(windowName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldown[windowName]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

func (c *Client) setCooldown(windowName string, d time.Duration) {
	if d <= 0 {
		return
	}
	if d > c.cfg.CooldownCap && c.cfg.CooldownCap > 0 {
		d = c.cfg.CooldownCap
	}
	c.mu.Lock()
	c.cooldown[windowName] = time.Now().Add(d)
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=broker.post.marshal path=%s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("op=broker.post.new_request path=%s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=broker.post path=%s: %w", path, domain.ErrConnection)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=broker.post.read_body path=%s: %w", path, err)
	}

	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("op=broker.post.decode path=%s: %w", path, domain.ErrAPI)
	}
	if envelope.Error.Code != 0 {
		return nil, &apiError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return envelope.Data, nil
}

func (c *Client) call(ctx context.Context, windowName string, fn func() error) error {
	return c.breaker(windowName).Call(fn)
}

// OpenProfile opens (or attaches to an already-open) broker window for
// windowName, retrying on the broker's "already open" / "process not found"
// conflict codes per profiles.py's _open_profile_with_retry.
func (c *Client) OpenProfile(ctx domain.Context, windowName string, headless bool) (domain.OpenedProfile, error) {
	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "broker.OpenProfile")
	defer span.End()
	span.SetAttributes(attribute.String("broker.window_name", windowName), attribute.Bool("broker.headless", headless))

	if c.limiter != nil {
		if allowed, retryAfter, lerr := c.limiter.Allow(ctx, "broker:open:"+windowName, 1); lerr == nil && !allowed {
			return domain.OpenedProfile{}, fmt.Errorf("op=broker.open_profile window_name=%s retry_after=%s: %w",
				windowName, retryAfter, domain.ErrOverload)
		}
	}

	var result domain.OpenedProfile
	err := c.call(ctx, windowName, func() error {
		opened, err := c.attachIfOpen(ctx, windowName)
		if err == nil && opened != nil {
			result = *opened
			return nil
		}

		retries := c.cfg.OpenRetries
		if retries <= 0 {
			retries = 1
		}
		wait := c.cfg.OpenRetryWait
		if wait <= 0 {
			wait = time.Second
		}

		var lastErr error
		resetAttempted := false
		for attempt := 1; attempt <= retries; attempt++ {
			data, openErr := c.post(ctx, "/api/v2/profile-open", map[string]any{
				"window_name": windowName, "headless": headless,
			})
			if openErr == nil {
				result = parseOpenedProfile(data)
				return nil
			}
			lastErr = openErr

			if isAlreadyOpen(openErr) {
				if opened, attachErr := c.attachIfOpen(ctx, windowName); attachErr == nil && opened != nil {
					result = *opened
					return nil
				}
				if closeErr := c.CloseProfile(ctx, windowName); closeErr != nil {
					lastErr = closeErr
				}
				continue
			}
			if isProcessMissing(openErr) {
				_ = c.CloseProfile(ctx, windowName)
				continue
			}
			if !resetAttempted && isAlreadyOpen(openErr) {
				resetAttempted = true
				_ = c.ResetOpenState(ctx, windowName)
				continue
			}
			if attempt < retries {
				time.Sleep(wait)
			}
		}
		if lastErr == nil {
			lastErr = domain.ErrConnection
		}
		c.setCooldown(windowName, wait*time.Duration(retries))
		return fmt.Errorf("op=broker.open_profile window_name=%s: %w", windowName, lastErr)
	})
	return result, err
}

func (c *Client) attachIfOpen(ctx domain.Context, windowName string) (*domain.OpenedProfile, error) {
	opened, err := c.ListOpenedProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range opened {
		if p.WindowName == windowName && p.DebuggingAddress != "" {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

// CloseProfile closes windowName's broker window. A "process not found"
// response is treated as already-closed, matching profiles.py's
// _close_profile.
func (c *Client) CloseProfile(ctx domain.Context, windowName string) error {
	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "broker.CloseProfile")
	defer span.End()

	_, err := c.post(ctx, "/api/v2/profile-close", map[string]any{"window_name": windowName})
	if err != nil {
		if isProcessMissing(err) {
			return nil
		}
		return fmt.Errorf("op=broker.close_profile window_name=%s: %w", windowName, err)
	}
	c.invalidateListCache()
	return nil
}

// ListOpenedProfiles returns the broker's current opened-window list, cached
// for CacheTTL to bound RPC volume against a fleet-sized profile set.
func (c *Client) ListOpenedProfiles(ctx domain.Context) ([]domain.OpenedProfile, error) {
	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "broker.ListOpenedProfiles")
	defer span.End()

	c.mu.Lock()
	if c.listCache != nil && time.Since(c.listCache.at) < c.cfg.CacheTTL {
		cached := c.listCache.opened
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	data, err := c.post(ctx, "/api/v2/native-client-profile-opened-list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("op=broker.list_opened_profiles: %w", err)
	}
	opened := parseOpenedProfileList(data)

	c.mu.Lock()
	c.listCache = &listCacheEntry{at: time.Now(), opened: opened}
	c.mu.Unlock()
	return opened, nil
}

func (c *Client) invalidateListCache() {
	c.mu.Lock()
	c.listCache = nil
	c.mu.Unlock()
}

// ResetOpenState clears the broker's recorded open-state for windowName. A
// "window missing" response means there is no state to reset, which is not
// an error (profiles.py's _reset_profile_open_state).
func (c *Client) ResetOpenState(ctx domain.Context, windowName string) error {
	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "broker.ResetOpenState")
	defer span.End()

	_, err := c.post(ctx, "/api/v2/profile-open-state-reset", map[string]any{"window_name": windowName})
	if err != nil && !isWindowMissing(err) {
		return fmt.Errorf("op=broker.reset_open_state window_name=%s: %w", windowName, err)
	}
	return nil
}

func parseOpenedProfile(data map[string]any) domain.OpenedProfile {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := data[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	return domain.OpenedProfile{
		WindowName:       get("window_name", "windowName"),
		DebuggingAddress: get("debugging_address", "debuggingAddress", "ws", "wsEndpoint"),
		ProxyType:        get("proxy_type", "proxyType"),
		ProxyIP:          get("proxy_ip", "proxyIp"),
	}
}

func parseOpenedProfileList(data map[string]any) []domain.OpenedProfile {
	var items []any
	for _, key := range []string{"data", "list", "items", "profiles"} {
		if v, ok := data[key].([]any); ok {
			items = v
			break
		}
	}
	out := make([]domain.OpenedProfile, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := parseOpenedProfile(m)
		if p.WindowName == "" || p.DebuggingAddress == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// withBackoff retries op using an exponential backoff, matching the
// teacher's ai/real client getBackoffConfig pattern.
func withBackoff(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}
