package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Enriquefft/feishu-bridge/internal/dedup"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/metrics"
	"github.com/Enriquefft/feishu-bridge/internal/status"
)

// Config controls request verification.
type Config struct {
	VerificationToken  string
	EncryptKey         string
	VerifySignature    bool
	TimestampTolerance time.Duration
}

// Response is what the HTTP layer writes back: a status and a JSON body.
type Response struct {
	Status int
	Body   any
}

var ackBody = map[string]string{"msg": "success"}

// Receiver turns one webhook request into at most one dispatch.
type Receiver struct {
	cfg      Config
	registry *events.Registry
	store    dedup.Store
	recorder status.Recorder
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewReceiver creates a Receiver. store may be shared with the long
// connection client.
func NewReceiver(cfg Config, registry *events.Registry, store dedup.Store, log logrus.FieldLogger) *Receiver {
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = DefaultTimestampTolerance
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		cfg:      cfg,
		registry: registry,
		store:    store,
		recorder: status.Discard,
		log:      log.WithField("component", "webhook"),
		now:      time.Now,
	}
}

// WithRecorder sets where dispatch outcomes are reported.
func (r *Receiver) WithRecorder(rec status.Recorder) *Receiver {
	if rec != nil {
		r.recorder = rec
	}
	return r
}

// WithMetrics enables the rejection and duplicate counters.
func (r *Receiver) WithMetrics(m *metrics.Metrics) *Receiver {
	r.metrics = m
	return r
}

// Handle verifies, decrypts, deduplicates and dispatches one request.
func (r *Receiver) Handle(ctx context.Context, h http.Header, body []byte) Response {
	env, err := events.ParseEnvelope(body)
	if err != nil {
		return r.reject(http.StatusBadRequest, "decode", err)
	}
	if env.IsURLVerification() {
		return r.challenge(env)
	}

	var outer struct {
		Encrypt string `json:"encrypt"`
	}
	_ = json.Unmarshal(body, &outer)
	if outer.Encrypt != "" {
		plain, err := Decrypt(outer.Encrypt, r.cfg.EncryptKey)
		if err != nil {
			return r.reject(http.StatusBadRequest, "decrypt", err)
		}
		if env, err = events.ParseEnvelope(plain); err != nil {
			return r.reject(http.StatusBadRequest, "decode", err)
		}
		if env.IsURLVerification() {
			return r.challenge(env)
		}
	}

	if r.cfg.VerificationToken != "" && env.Token != r.cfg.VerificationToken {
		return r.reject(http.StatusUnauthorized, "token", &events.AuthError{Reason: "verification token mismatch"})
	}
	if r.cfg.VerifySignature && r.cfg.EncryptKey != "" {
		if err := VerifySignature(h, body, r.cfg.EncryptKey, r.cfg.TimestampTolerance, r.now()); err != nil {
			return r.reject(http.StatusUnauthorized, "signature", err)
		}
	}

	fields := logrus.Fields{"event_id": env.EventID, "event_type": env.EventType}

	seen, err := r.store.Seen(ctx, env.EventID)
	if err != nil {
		// Dispatch anyway when the store is down.
		r.log.WithFields(fields).WithError(err).Warn("dedup store unavailable")
		r.recorder.RecordError(err)
	}
	if seen {
		r.log.WithFields(fields).Debug("skipping duplicate event")
		if r.metrics != nil {
			r.metrics.Duplicate("webhook")
		}
		return Response{Status: http.StatusOK, Body: ackBody}
	}

	res := r.registry.Dispatch(ctx, env)
	r.recorder.RecordEvent(env.EventType, res.Err())
	if len(res.Errors) > 0 {
		r.log.WithFields(fields).WithError(res.Err()).Warn("handlers failed")
	}
	return Response{Status: http.StatusOK, Body: res.Body}
}

func (r *Receiver) challenge(env events.Envelope) Response {
	if env.Challenge == "" {
		return r.reject(http.StatusBadRequest, "challenge", &events.DecodeError{Reason: "challenge is required"})
	}
	r.log.Info("answering url verification")
	return Response{Status: http.StatusOK, Body: map[string]string{"challenge": env.Challenge}}
}

func (r *Receiver) reject(code int, reason string, err error) Response {
	r.log.WithError(err).WithField("reason", reason).Warn("rejecting webhook request")
	r.recorder.RecordError(err)
	if r.metrics != nil {
		r.metrics.Rejected(reason)
	}
	return Response{Status: code, Body: map[string]string{"msg": err.Error()}}
}
