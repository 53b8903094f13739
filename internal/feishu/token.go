package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenPath issues tenant access tokens for self-built apps.
const TokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

// tokenRefreshMargin renews a cached token this long before it expires.
const tokenRefreshMargin = 30 * time.Second

// tenantTokenSource fetches a fresh tenant access token on every call.
// Wrap it in oauth2.ReuseTokenSourceWithExpiry for caching.
type tenantTokenSource struct {
	ctx       context.Context
	hc        *http.Client
	baseURL   string
	appID     string
	appSecret string
	now       func() time.Time
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

func (s *tenantTokenSource) Token() (*oauth2.Token, error) {
	if s.appID == "" || s.appSecret == "" {
		return nil, fmt.Errorf("tenant token: app_id and app_secret are required")
	}
	payload, _ := json.Marshal(map[string]string{"app_id": s.appID, "app_secret": s.appSecret})

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.baseURL+TokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Msg: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal token response: %w", err)
	}
	if tr.Code != 0 {
		return nil, &APIError{Status: resp.StatusCode, Code: tr.Code, Msg: tr.Msg}
	}
	if tr.TenantAccessToken == "" {
		return nil, fmt.Errorf("token response missing tenant_access_token")
	}
	expire := tr.Expire
	if expire <= 0 {
		expire = 7200
	}
	return &oauth2.Token{
		AccessToken: tr.TenantAccessToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(time.Duration(expire) * time.Second),
	}, nil
}
