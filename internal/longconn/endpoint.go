package longconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Enriquefft/feishu-bridge/internal/events"
)

// EndpointPath is the discovery route on the platform domain.
const EndpointPath = "/callback/ws/endpoint"

// codeInvalidCredentials is the platform's "app secret invalid" code.
const codeInvalidCredentials = 10014

// ClientConfig is the server-provided tuning returned by discovery and
// heartbeat acks. Durations are in seconds; zero means "keep local value".
type ClientConfig struct {
	ReconnectCount    int `json:"ReconnectCount"`
	ReconnectInterval int `json:"ReconnectInterval"`
	ReconnectNonce    int `json:"ReconnectNonce"`
	PingInterval      int `json:"PingInterval"`
}

// Endpoint is a discovered socket address.
type Endpoint struct {
	URL             string
	ConnectionToken string
	DeviceID        string
	ServiceID       string
	ClientConfig    *ClientConfig
}

type endpointResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		URL          string        `json:"URL"`
		Token        string        `json:"Token"`
		ClientConfig *ClientConfig `json:"ClientConfig"`
	} `json:"data"`
}

// Discover asks the platform for a socket URL. Rejected credentials come
// back as *events.AuthError; everything else wraps events.ErrTransport.
func Discover(ctx context.Context, hc *http.Client, domain, appID, appSecret string) (Endpoint, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	payload, err := json.Marshal(map[string]string{"AppID": appID, "AppSecret": appSecret})
	if err != nil {
		return Endpoint{}, fmt.Errorf("marshal discovery request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(domain, "/")+EndpointPath, bytes.NewReader(payload))
	if err != nil {
		return Endpoint{}, fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "zh")

	resp, err := hc.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: discovery: %v", events.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: read discovery response: %v", events.ErrTransport, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Endpoint{}, &events.AuthError{Reason: fmt.Sprintf("discovery rejected credentials (status %d)", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return Endpoint{}, fmt.Errorf("%w: discovery status %d: %s", events.ErrTransport, resp.StatusCode, body)
	}

	var er endpointResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return Endpoint{}, fmt.Errorf("%w: decode discovery response: %v", events.ErrTransport, err)
	}
	if er.Code == codeInvalidCredentials {
		return Endpoint{}, &events.AuthError{Reason: "discovery: " + er.Msg}
	}
	if er.Code != 0 {
		return Endpoint{}, fmt.Errorf("%w: discovery code %d: %s", events.ErrTransport, er.Code, er.Msg)
	}
	if er.Data == nil || er.Data.URL == "" {
		return Endpoint{}, fmt.Errorf("%w: discovery response missing URL", events.ErrTransport)
	}

	ep := Endpoint{
		URL:             er.Data.URL,
		ConnectionToken: er.Data.Token,
		ClientConfig:    er.Data.ClientConfig,
	}
	if u, err := url.Parse(ep.URL); err == nil {
		q := u.Query()
		ep.DeviceID = q.Get("device_id")
		ep.ServiceID = q.Get("service_id")
	}
	return ep, nil
}
