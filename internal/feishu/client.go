// Package feishu is the outbound REST client. Every call is paced by the
// rate governor and authenticated with a cached tenant access token.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/metrics"
	"github.com/Enriquefft/feishu-bridge/internal/ratelimit"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://open.feishu.cn"

// Body codes the platform uses for throttling.
var throttleCodes = map[int]bool{
	11232:    true,
	99991400: true,
	99991661: true,
	99991663: true,
	1000004:  true,
	1000005:  true,
}

// APIError is a non-zero body code or an HTTP error status.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("feishu api error (status %d, code %d): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("feishu api error (status %d): %s", e.Status, e.Msg)
}

// Throttled reports whether the platform asked us to slow down.
func (e *APIError) Throttled() bool {
	if e.Status == http.StatusTooManyRequests || throttleCodes[e.Code] {
		return true
	}
	msg := strings.ToLower(e.Msg)
	return strings.Contains(msg, "frequency") || strings.Contains(msg, "too many request") || strings.Contains(msg, "rate limit")
}

// Response is the common envelope of every API reply.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config configures a Client.
type Config struct {
	AppID     string
	AppSecret string
	BaseURL   string
	// StaticToken skips the token endpoint entirely.
	StaticToken string
	Timeout     time.Duration
}

// Client sends requests to the platform API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	tokens   oauth2.TokenSource
	governor *ratelimit.Governor
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

// NewClient creates a Client. governor may be nil to disable pacing.
func NewClient(cfg Config, governor *ratelimit.Governor, log logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	base := strings.TrimRight(cfg.BaseURL, "/")

	var tokens oauth2.TokenSource
	if cfg.StaticToken != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"})
	} else {
		tokens = oauth2.ReuseTokenSourceWithExpiry(nil, &tenantTokenSource{
			ctx:       context.Background(),
			hc:        hc,
			baseURL:   base,
			appID:     cfg.AppID,
			appSecret: cfg.AppSecret,
			now:       time.Now,
		}, tokenRefreshMargin)
	}

	return &Client{
		BaseURL:    base,
		HTTPClient: hc,
		tokens:     tokens,
		governor:   governor,
		log:        log.WithField("component", "feishu"),
	}
}

// WithMetrics enables per-call metrics.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// AccessToken returns a cached tenant access token, refreshing it shortly
// before it expires.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("tenant access token: %w", err)
	}
	return tok.AccessToken, nil
}

// RequestJSON performs one paced, authenticated call. payload is marshalled
// as the JSON body when non-nil. A non-zero body code is returned as
// *APIError; a governor rejection as *ratelimit.RateLimitExceededError.
func (c *Client) RequestJSON(ctx context.Context, method, path string, query url.Values, payload any) (*Response, error) {
	method = strings.ToUpper(method)
	key := ratelimit.Key(method, path)

	if c.governor != nil {
		if err := c.governor.Wait(ctx, key); err != nil {
			var rle *ratelimit.RateLimitExceededError
			if errors.As(err, &rle) && c.metrics != nil {
				c.metrics.RateLimitRejects.WithLabelValues(key).Inc()
			}
			return nil, err
		}
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, method, path, query, payload, token)
	c.observe(key, start, err)
	if err != nil {
		c.report(key, err)
		return nil, err
	}
	if c.governor != nil {
		c.governor.Report(key, ratelimit.Success)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, token string) (*Response, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", events.ErrTransport, method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", events.ErrTransport, err)
	}

	if httpResp.StatusCode >= 400 {
		apiErr := &APIError{Status: httpResp.StatusCode, Msg: string(respBody)}
		var r Response
		if json.Unmarshal(respBody, &r) == nil && r.Code != 0 {
			apiErr.Code, apiErr.Msg = r.Code, r.Msg
		}
		return nil, &throttleError{APIError: apiErr, retryAfter: retryAfter(httpResp.Header)}
	}

	var r Response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if r.Code != 0 {
		return nil, &throttleError{
			APIError:   &APIError{Status: httpResp.StatusCode, Code: r.Code, Msg: r.Msg},
			retryAfter: retryAfter(httpResp.Header),
		}
	}
	return &r, nil
}

// throttleError carries the retry hint alongside the APIError. It unwraps to
// the APIError so callers only ever match on that.
type throttleError struct {
	*APIError
	retryAfter time.Duration
}

func (e *throttleError) Unwrap() error { return e.APIError }

func (c *Client) report(key string, err error) {
	if c.governor == nil {
		return
	}
	var te *throttleError
	switch {
	case errors.As(err, &te) && te.Throttled():
		c.governor.ReportRetryAfter(key, te.retryAfter)
	case errors.As(err, &te) && te.Status < 500:
		// The call went through; the request itself was wrong.
		c.governor.Report(key, ratelimit.Success)
	default:
		c.governor.Report(key, ratelimit.Error)
	}
}

func (c *Client) observe(key string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	var te *throttleError
	switch {
	case errors.As(err, &te) && te.Throttled():
		result = "throttled"
	case err != nil:
		result = "error"
	}
	c.metrics.APIRequestsTotal.WithLabelValues(key, result).Inc()
	c.metrics.APIRequestSeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
}

// retryAfter reads Retry-After or x-ogw-ratelimit-reset, both in seconds.
func retryAfter(h http.Header) time.Duration {
	for _, name := range []string{"Retry-After", "X-Ogw-Ratelimit-Reset"} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

// SendText posts a text message and returns its message id.
// receiveIDType is one of open_id, user_id, union_id, email, chat_id.
func (c *Client) SendText(ctx context.Context, receiveIDType, receiveID, text string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	resp, err := c.RequestJSON(ctx, http.MethodPost, "/open-apis/im/v1/messages",
		url.Values{"receive_id_type": {receiveIDType}},
		map[string]string{
			"receive_id": receiveID,
			"msg_type":   "text",
			"content":    string(content),
		})
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}

	return messageID(resp)
}

// ReplyText replies in the thread of msgID.
func (c *Client) ReplyText(ctx context.Context, msgID, text string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	resp, err := c.RequestJSON(ctx, http.MethodPost, "/open-apis/im/v1/messages/"+url.PathEscape(msgID)+"/reply", nil,
		map[string]string{"msg_type": "text", "content": string(content)})
	if err != nil {
		return "", fmt.Errorf("reply text: %w", err)
	}
	return messageID(resp)
}

func messageID(resp *Response) (string, error) {
	var data struct {
		MessageID string `json:"message_id"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return "", fmt.Errorf("unmarshal message response: %w", err)
		}
	}
	return data.MessageID, nil
}
