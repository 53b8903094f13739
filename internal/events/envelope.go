package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// TypeURLVerification is the pseudo event type of the webhook setup handshake.
const TypeURLVerification = "url_verification"

// Schema versions of the platform's event payloads.
const (
	SchemaV1      = "p1"
	SchemaV2      = "p2"
	SchemaUnknown = "unknown"
)

// Envelope is the transport-agnostic wrapper of one delivered event. It is
// built once by ParseEnvelope and never mutated afterwards.
type Envelope struct {
	EventID    string
	EventType  string
	CreateTime int64 // unix millis, 0 when absent
	TenantKey  string
	AppID      string
	Token      string
	Schema     string
	Challenge  string

	// Raw is the complete payload; Event is its "event" object.
	Raw   json.RawMessage
	Event json.RawMessage
}

// IsURLVerification reports whether the envelope is the setup handshake.
func (e Envelope) IsURLVerification() bool {
	return e.EventType == TypeURLVerification
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type wireHeader struct {
	EventID    flexString `json:"event_id"`
	EventType  flexString `json:"event_type"`
	CreateTime flexString `json:"create_time"`
	Token      flexString `json:"token"`
	AppID      flexString `json:"app_id"`
	TenantKey  flexString `json:"tenant_key"`
}

type wirePayload struct {
	Schema    flexString      `json:"schema"`
	Header    *wireHeader     `json:"header"`
	UUID      *flexString     `json:"uuid"`
	TS        *flexString     `json:"ts"`
	Token     flexString      `json:"token"`
	Type      flexString      `json:"type"`
	Challenge flexString      `json:"challenge"`
	TenantKey flexString      `json:"tenant_key"`
	AppID     flexString      `json:"app_id"`
	Event     json.RawMessage `json:"event"`
}

type wireV1Event struct {
	Type      flexString `json:"type"`
	TenantKey flexString `json:"tenant_key"`
	AppID     flexString `json:"app_id"`
}

// ParseEnvelope decodes a plaintext payload in either schema. The payload
// must be a JSON object.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Envelope{}, &DecodeError{Reason: "payload is not a json object", Err: err}
	}

	env := Envelope{
		Raw:       append(json.RawMessage(nil), raw...),
		Challenge: string(p.Challenge),
	}
	if isObject(p.Event) {
		env.Event = append(json.RawMessage(nil), p.Event...)
	}

	switch detectSchema(p) {
	case SchemaV2:
		h := p.Header
		env.Schema = SchemaV2
		env.EventID = string(h.EventID)
		env.EventType = firstNonEmpty(string(h.EventType), string(p.Type))
		env.Token = string(h.Token)
		env.TenantKey = string(h.TenantKey)
		env.AppID = string(h.AppID)
		env.CreateTime = parseMillis(string(h.CreateTime))
	case SchemaV1:
		var ev wireV1Event
		if env.Event != nil {
			_ = json.Unmarshal(env.Event, &ev)
		}
		env.Schema = SchemaV1
		if p.UUID != nil {
			env.EventID = string(*p.UUID)
		}
		env.EventType = firstNonEmpty(string(ev.Type), string(p.Type))
		env.Token = string(p.Token)
		env.TenantKey = firstNonEmpty(string(ev.TenantKey), string(p.TenantKey))
		env.AppID = firstNonEmpty(string(ev.AppID), string(p.AppID))
		if p.TS != nil {
			env.CreateTime = parseMillis(string(*p.TS))
		}
	default:
		env.Schema = SchemaUnknown
		env.EventType = string(p.Type)
		env.Token = string(p.Token)
	}

	if env.EventType == "" && env.Challenge != "" {
		env.EventType = TypeURLVerification
	}
	return env, nil
}

func detectSchema(p wirePayload) string {
	if p.Schema == "2.0" && p.Header != nil {
		return SchemaV2
	}
	if p.UUID != nil || p.TS != nil {
		return SchemaV1
	}
	if isObject(p.Event) {
		return SchemaV1
	}
	return SchemaUnknown
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// parseMillis accepts unix seconds (possibly fractional) or millis.
func parseMillis(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if f < 1e12 {
		f *= 1000
	}
	return int64(f)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
