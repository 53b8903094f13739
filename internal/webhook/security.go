package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Enriquefft/feishu-bridge/internal/events"
)

// Request headers carrying the signature inputs.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

// DefaultTimestampTolerance is the allowed clock skew for signed requests.
const DefaultTimestampTolerance = 300 * time.Second

// Sign computes hex(sha256(timestamp + nonce + encryptKey + body)).
func Sign(timestamp, nonce, encryptKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyTimestamp rejects a timestamp (unix seconds or millis) further than
// tolerance from now.
func VerifyTimestamp(timestamp string, tolerance time.Duration, now time.Time) error {
	if timestamp == "" {
		return &events.AuthError{Reason: "missing timestamp header"}
	}
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return &events.AuthError{Reason: "invalid timestamp header", Err: err}
	}
	if ts > 1e12 {
		ts /= 1000
	}
	skew := math.Abs(float64(now.UnixNano())/1e9 - ts)
	if skew > tolerance.Seconds() {
		return &events.AuthError{Reason: "timestamp is outside allowed range"}
	}
	return nil
}

// VerifySignature checks the signature headers of a request against body.
func VerifySignature(h http.Header, body []byte, encryptKey string, tolerance time.Duration, now time.Time) error {
	timestamp := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	signature := h.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return &events.AuthError{Reason: "missing signature headers"}
	}
	if err := VerifyTimestamp(timestamp, tolerance, now); err != nil {
		return err
	}
	expected := Sign(timestamp, nonce, encryptKey, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return &events.AuthError{Reason: "signature verification failed"}
	}
	return nil
}

// SignedHeaders builds the headers a platform request for body would carry.
func SignedHeaders(body []byte, encryptKey, nonce string, now time.Time) http.Header {
	ts := strconv.FormatInt(now.Unix(), 10)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, Sign(ts, nonce, encryptKey, body))
	return h
}
