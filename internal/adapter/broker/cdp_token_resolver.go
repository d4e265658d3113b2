package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// fetchAccessTokenScript runs inside the opened Sora tab and repeats the
// cookie-authenticated session fetch the upstream site's own SDK performs on
// load, returning the bearer token it gets back. Grounded on
// original_source/app/services/ixbrowser_service.py's
// _get_access_token_from_page page.evaluate expression.
const fetchAccessTokenScript = `
(async () => {
  try {
    const resp = await fetch("%s/api/auth/session", {
      method: "GET",
      credentials: "include"
    });
    const text = await resp.text();
    let json = null;
    try { json = JSON.parse(text); } catch (e) {}
    return (json && json.accessToken) || null;
  } catch (e) {
    return null;
  }
})()
`

// CDPTokenResolver implements upstream.TokenResolver by driving the Chrome
// DevTools Protocol directly over the broker-opened window's debugging
// address, rather than through a full browser-automation library: the
// orchestrator only ever needs this one evaluate call, not a page object
// model.
type CDPTokenResolver struct {
	client      *Client
	upstreamURL string
	httpTimeout time.Duration
}

// NewCDPTokenResolver builds a resolver that opens (or attaches to) the
// named profile through c, then asks its devtools page target to fetch a
// fresh access token from upstreamURL.
func NewCDPTokenResolver(c *Client, upstreamURL string) *CDPTokenResolver {
	return &CDPTokenResolver{client: c, upstreamURL: strings.TrimRight(upstreamURL, "/"), httpTimeout: 10 * time.Second}
}

// ResolveAccessToken implements upstream.TokenResolver.
func (r *CDPTokenResolver) ResolveAccessToken(ctx domain.Context, windowName string) (string, error) {
	opened, err := r.client.OpenProfile(ctx, windowName, false)
	if err != nil {
		return "", fmt.Errorf("op=broker.resolve_token.open_profile window_name=%s: %w", windowName, err)
	}
	if opened.DebuggingAddress == "" {
		return "", fmt.Errorf("op=broker.resolve_token window_name=%s: %w", windowName, domain.ErrConnection)
	}

	target, err := firstPageTarget(ctx, opened.DebuggingAddress, r.httpTimeout)
	if err != nil {
		return "", fmt.Errorf("op=broker.resolve_token.list_targets window_name=%s: %w", windowName, err)
	}

	token, err := evaluateInTarget(ctx, target, fmt.Sprintf(fetchAccessTokenScript, r.upstreamURL))
	if err != nil {
		return "", fmt.Errorf("op=broker.resolve_token.evaluate window_name=%s: %w", windowName, err)
	}
	if token == "" {
		return "", fmt.Errorf("op=broker.resolve_token window_name=%s: %w", windowName, domain.ErrTokenAuthFailure)
	}
	return token, nil
}

type devtoolsTarget struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// firstPageTarget queries the debugging address's /json/list endpoint for
// the first "page" target, the same target Playwright attaches to when it
// connects over CDP.
func firstPageTarget(ctx context.Context, debuggingAddress string, timeout time.Duration) (string, error) {
	base := debuggingAddress
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	httpClient := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/list", nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=broker.cdp.list_targets: %w", domain.ErrConnection)
	}
	defer func() { _ = resp.Body.Close() }()

	var targets []devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("op=broker.cdp.list_targets.decode: %w", domain.ErrAPI)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("op=broker.cdp.list_targets: %w", domain.ErrNotFound)
}

type cdpCommand struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type cdpEvaluateResult struct {
	ID     int `json:"id"`
	Result struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	} `json:"result"`
}

// evaluateInTarget opens a short-lived websocket connection to the page
// target and runs Runtime.evaluate with awaitPromise, mirroring
// Playwright's page.evaluate semantics for an async IIFE.
func evaluateInTarget(ctx context.Context, wsURL, expression string) (string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=broker.cdp.dial: %w", domain.ErrConnection)
	}
	defer func() { _ = conn.Close() }()

	cmd := cdpCommand{
		ID:     1,
		Method: "Runtime.evaluate",
		Params: map[string]any{
			"expression":    expression,
			"awaitPromise":  true,
			"returnByValue": true,
		},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return "", fmt.Errorf("op=broker.cdp.write: %w", domain.ErrConnection)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var msg cdpEvaluateResult
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("op=broker.cdp.read: %w", domain.ErrConnection)
		}
		if msg.ID != 1 {
			continue
		}
		if msg.Result.ExceptionDetails != nil {
			return "", fmt.Errorf("op=broker.cdp.evaluate: %s", msg.Result.ExceptionDetails.Text)
		}
		return msg.Result.Result.Value, nil
	}
}
