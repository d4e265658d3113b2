// Package upstream implements domain.UpstreamClient against the third-party
// video-generation service's Bearer-authenticated HTTP surface.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ixfleet/orchestrator/internal/domain"
	obsctx "github.com/ixfleet/orchestrator/internal/observability"
)

// durationToFrames maps the job's requested clip duration to the upstream's
// n_frames submit parameter. Grounded on
// original_source/app/services/ixbrowser/sora_jobs.py's duration_to_frames
// table.
var durationToFrames = map[int]int{
	10: 300,
	15: 450,
	25: 750,
}

// TokenResolver extracts a live access token from a profile's open browser
// session (the in-page SDK holds it; sora_api.py reads it out via a CDP
// Runtime.evaluate call against the window's local storage / SDK bridge
// before ever hitting HTTP). The Upstream Adapter depends on this rather
// than implementing CDP itself, keeping the broker's debugging connection
// the single owner of the browser transport.
type TokenResolver interface {
	ResolveAccessToken(ctx domain.Context, windowName string) (string, error)
}

type cachedToken struct {
	value   string
	fetched time.Time
}

// Client is the Upstream Adapter: a thin Bearer-authenticated HTTP client
// over the upstream video-generation service, grounded on
// original_source/app/services/ixbrowser/sora_api.py's httpx request helpers
// and the endpoint list in spec.md §6.
type Client struct {
	http     *http.Client
	baseURL  string
	tokens   TokenResolver
	tokenTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedToken

	conn *obsctx.ConnectionMetrics
}

// New constructs an upstream Client with the given base URL (e.g.
// https://sora.chatgpt.com), request timeout, and token resolver used to
// mint the Bearer token for each windowName.
func New(baseURL string, timeout time.Duration, tokens TokenResolver, tokenTTL time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		tokenTTL: tokenTTL,
		cache:    make(map[string]cachedToken),
		conn:     obsctx.NewConnectionMetrics(obsctx.ConnectionTypeHTTP, obsctx.OperationTypeRequest, baseURL),
	}
}

// Stats returns a snapshot of the client's request/success/failure counters
// and latency against the upstream video-generation service.
func (c *Client) Stats() map[string]interface{} {
	return c.conn.GetStats()
}

// resolveToken returns a cached access token for windowName, refreshing it
// through the TokenResolver once it has aged past tokenTTL. Mirrors
// sora_api.py's session-cache-then-refetch pattern rather than resolving a
// fresh token on every single call.
func (c *Client) resolveToken(ctx domain.Context, windowName string) (string, error) {
	c.mu.Lock()
	cached, ok := c.cache[windowName]
	c.mu.Unlock()
	if ok && time.Since(cached.fetched) < c.tokenTTL {
		return cached.value, nil
	}

	token, err := c.tokens.ResolveAccessToken(ctx, windowName)
	if err != nil {
		return "", fmt.Errorf("op=upstream.resolve_token window_name=%s: %w", windowName, err)
	}

	c.mu.Lock()
	c.cache[windowName] = cachedToken{value: token, fetched: time.Now()}
	c.mu.Unlock()
	return token, nil
}

// invalidateToken drops a cached token after a 401/403, forcing the next
// call to resolve a fresh one instead of retrying against the same stale
// value.
func (c *Client) invalidateToken(windowName string) {
	c.mu.Lock()
	delete(c.cache, windowName)
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, accessToken, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("op=upstream.get.new_request path=%s: %w", path, err)
	}
	c.setHeaders(req, accessToken)

	c.conn.RecordRequest()
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordTransportError(err, time.Since(start))
		return 0, nil, fmt.Errorf("op=upstream.get path=%s: %w", path, domain.ErrConnection)
	}
	defer func() { _ = resp.Body.Close() }()
	c.conn.RecordSuccess(time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("op=upstream.get.read_body path=%s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) postJSON(ctx context.Context, accessToken, path string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("op=upstream.post.marshal path=%s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(buf)))
	if err != nil {
		return 0, nil, fmt.Errorf("op=upstream.post.new_request path=%s: %w", path, err)
	}
	c.setHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")

	c.conn.RecordRequest()
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordTransportError(err, time.Since(start))
		return 0, nil, fmt.Errorf("op=upstream.post path=%s: %w", path, domain.ErrConnection)
	}
	defer func() { _ = resp.Body.Close() }()
	c.conn.RecordSuccess(time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("op=upstream.post.read_body path=%s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// recordTransportError classifies a transport-level failure as a timeout
// when the context deadline tripped, or a generic connection failure
// otherwise.
func (c *Client) recordTransportError(err error, elapsed time.Duration) {
	if errors.Is(err, context.DeadlineExceeded) {
		c.conn.RecordTimeout(elapsed)
		return
	}
	c.conn.RecordFailure(err, elapsed)
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
}

// isCFChallenge detects the Cloudflare interstitial in a raw response body,
// mirroring sora_api.py's _is_sora_cf_challenge marker list.
func isCFChallenge(status int, body []byte) bool {
	if status != 403 {
		return false
	}
	lowered := strings.ToLower(string(body))
	for _, marker := range []string{"just a moment", "challenge-platform", "cf-mitigated", "cloudflare"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func classifyError(status int, body []byte) error {
	if isCFChallenge(status, body) {
		return domain.ErrCFChallenge
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.ErrTokenAuthFailure
	}
	lowered := strings.ToLower(string(body))
	if strings.Contains(lowered, "heavy load") || strings.Contains(lowered, "under heavy load") {
		return domain.ErrOverload
	}
	return domain.ErrAPI
}

// FetchSession resolves the in-browser access token into session identity,
// falling back to /backend/me when /api/auth/session doesn't return a full
// session object (sora_api.py's _fetch_sora_session_via_httpx fallback).
func (c *Client) FetchSession(ctx domain.Context, windowName string) (domain.SessionInfo, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.FetchSession")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.window_name", windowName))

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	status, body, err := c.get(ctx, accessToken, "/api/auth/session")
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if status == http.StatusOK {
		var payload struct {
			AccessToken string `json:"accessToken"`
			User        struct {
				ID   string `json:"id"`
				Plan string `json:"chatgpt_plan_type"`
			} `json:"user"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.User.ID != "" {
			if payload.AccessToken == "" {
				payload.AccessToken = accessToken
			}
			return domain.SessionInfo{AccessToken: payload.AccessToken, AccountID: payload.User.ID, ChatGPTPlan: payload.User.Plan}, nil
		}
	}

	status, body, err = c.get(ctx, accessToken, "/backend/me")
	if err != nil {
		return domain.SessionInfo{}, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.invalidateToken(windowName)
		}
		return domain.SessionInfo{}, fmt.Errorf("op=upstream.fetch_session status=%d: %w", status, classifyError(status, body))
	}
	var me struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return domain.SessionInfo{}, fmt.Errorf("op=upstream.fetch_session.decode: %w", domain.ErrAPI)
	}
	return domain.SessionInfo{AccessToken: accessToken, AccountID: me.User.ID, ChatGPTPlan: me.Plan}, nil
}

// FetchQuota parses /backend/nf/check's rate_limit_and_credit_balance object.
func (c *Client) FetchQuota(ctx domain.Context, windowName string) (domain.QuotaInfo, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.FetchQuota")
	defer span.End()

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return domain.QuotaInfo{}, err
	}
	status, body, err := c.get(ctx, accessToken, "/backend/nf/check")
	if err != nil {
		return domain.QuotaInfo{}, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.invalidateToken(windowName)
		}
		return domain.QuotaInfo{}, fmt.Errorf("op=upstream.fetch_quota status=%d: %w", status, classifyError(status, body))
	}
	var payload struct {
		RateLimitAndCreditBalance struct {
			EstimatedNumVideosRemaining          int `json:"estimated_num_videos_remaining"`
			EstimatedNumPurchasedVideosRemaining int `json:"estimated_num_purchased_videos_remaining"`
			AccessResetsInSeconds                int `json:"access_resets_in_seconds"`
		} `json:"rate_limit_and_credit_balance"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.QuotaInfo{}, fmt.Errorf("op=upstream.fetch_quota.decode: %w", domain.ErrAPI)
	}
	return domain.QuotaInfo{
		Remaining:          payload.RateLimitAndCreditBalance.EstimatedNumVideosRemaining,
		PurchasedRemaining: payload.RateLimitAndCreditBalance.EstimatedNumPurchasedVideosRemaining,
		ResetInSeconds:     payload.RateLimitAndCreditBalance.AccessResetsInSeconds,
	}, nil
}

// FetchSubscriptionPlan resolves the profile's plan tier from
// /backend/billing/subscriptions, falling back to decoding the access
// token's chatgpt_plan_type JWT claim (spec.md §4.1 plan extraction rule).
func (c *Client) FetchSubscriptionPlan(ctx domain.Context, windowName string) (domain.ProfilePlan, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.FetchSubscriptionPlan")
	defer span.End()

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return domain.PlanUnknown, err
	}
	status, body, err := c.get(ctx, accessToken, "/backend/billing/subscriptions")
	if err != nil {
		return domain.PlanUnknown, err
	}
	if status == http.StatusOK {
		var payload struct {
			Data []struct {
				Plan struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"plan"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && len(payload.Data) > 0 {
			if plan := normalizePlan(payload.Data[0].Plan.ID); plan != domain.PlanUnknown {
				return plan, nil
			}
			if plan := normalizePlan(payload.Data[0].Plan.Title); plan != domain.PlanUnknown {
				return plan, nil
			}
		}
	}
	return planFromJWT(accessToken), nil
}

func normalizePlan(v string) domain.ProfilePlan {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "plus"), strings.Contains(lower, "pro"):
		return domain.PlanPlus
	case strings.Contains(lower, "free"):
		return domain.PlanFree
	default:
		return domain.PlanUnknown
	}
}

// planFromJWT decodes the unverified base64url JWT payload looking for the
// chatgpt_plan_type claim, per spec.md §4.1's fallback plan extraction rule.
func planFromJWT(token string) domain.ProfilePlan {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return domain.PlanUnknown
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return domain.PlanUnknown
	}
	var claims struct {
		ChatGPTPlanType string `json:"chatgpt_plan_type"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return domain.PlanUnknown
	}
	return normalizePlan(claims.ChatGPTPlanType)
}

// CreateGeneration submits a new generation request via /backend/nf/create.
func (c *Client) CreateGeneration(ctx domain.Context, windowName string, req domain.GenerationRequest) (string, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.CreateGeneration")
	defer span.End()
	span.SetAttributes(attribute.Int("upstream.duration", req.Duration))

	frames, ok := durationToFrames[req.Duration]
	if !ok {
		return "", fmt.Errorf("op=upstream.create_generation duration=%d: %w", req.Duration, domain.ErrInvalidArgument)
	}
	orientation := "landscape"
	if req.AspectRatio == "portrait" {
		orientation = "portrait"
	}

	payload := map[string]any{
		"kind":        "video",
		"prompt":      req.Prompt,
		"orientation": orientation,
		"n_frames":    frames,
	}
	if req.ImageURL != "" {
		payload["inpaint_items"] = []map[string]string{{"url": req.ImageURL}}
	}

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return "", err
	}
	status, body, err := c.postJSON(ctx, accessToken, "/backend/nf/create", payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.invalidateToken(windowName)
		}
		return "", fmt.Errorf("op=upstream.create_generation status=%d: %w", status, classifyError(status, body))
	}
	var resp struct {
		TaskID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.TaskID == "" {
		return "", fmt.Errorf("op=upstream.create_generation.decode: %w", domain.ErrAPI)
	}
	return resp.TaskID, nil
}

// PollGeneration polls /backend/nf/pending/v2 for taskID's status per
// spec.md §4.4's progress phase transition rules.
func (c *Client) PollGeneration(ctx domain.Context, windowName, taskID string) (domain.GenerationStatus, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.PollGeneration")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.task_id", taskID))

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return domain.GenerationStatus{}, err
	}
	status, body, err := c.get(ctx, accessToken, "/backend/nf/pending/v2")
	if err != nil {
		return domain.GenerationStatus{}, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.invalidateToken(windowName)
		}
		return domain.GenerationStatus{}, fmt.Errorf("op=upstream.poll_generation status=%d: %w", status, classifyError(status, body))
	}
	var payload struct {
		Tasks []struct {
			ID          string `json:"id"`
			ReasonStr   string `json:"reason_str"`
			DownloadURL string `json:"download_url"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.GenerationStatus{}, fmt.Errorf("op=upstream.poll_generation.decode: %w", domain.ErrAPI)
	}
	for _, t := range payload.Tasks {
		if t.ID != taskID {
			continue
		}
		if t.ReasonStr != "" {
			return domain.GenerationStatus{TaskID: taskID, Failed: true, Error: t.ReasonStr}, nil
		}
		if t.DownloadURL != "" {
			return domain.GenerationStatus{TaskID: taskID, Done: true}, nil
		}
		return domain.GenerationStatus{TaskID: taskID}, nil
	}
	return domain.GenerationStatus{TaskID: taskID}, nil
}

// ListDrafts lists /backend/project_y/profile/drafts, used both as a
// secondary progress-polling source and to resolve a completed generation's
// publish permalink.
func (c *Client) ListDrafts(ctx domain.Context, windowName string) ([]domain.DraftItem, error) {
	tracer := otel.Tracer("upstream")
	ctx, span := tracer.Start(ctx, "upstream.ListDrafts")
	defer span.End()

	accessToken, err := c.resolveToken(ctx, windowName)
	if err != nil {
		return nil, err
	}
	status, body, err := c.get(ctx, accessToken, "/backend/project_y/profile/drafts?limit=30")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.invalidateToken(windowName)
		}
		return nil, fmt.Errorf("op=upstream.list_drafts status=%d: %w", status, classifyError(status, body))
	}
	var payload struct {
		Items []struct {
			GenerationID string `json:"generation_id"`
			PostID       string `json:"id"`
			Permalink    string `json:"permalink"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("op=upstream.list_drafts.decode: %w", domain.ErrAPI)
	}
	out := make([]domain.DraftItem, 0, len(payload.Items))
	for _, it := range payload.Items {
		out = append(out, domain.DraftItem{GenerationID: it.GenerationID, PostID: it.PostID, Permalink: it.Permalink})
	}
	return out, nil
}

