package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is the governor's answer to Acquire.
type Outcome int

const (
	Proceed Outcome = iota
	WaitThenProceed
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case WaitThenProceed:
		return "wait"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the observed outcome of an outbound call.
type Result int

const (
	Success Result = iota
	RateLimited
	Error
)

// Decision is returned by Acquire. Wait is only meaningful for
// WaitThenProceed and Reject.
type Decision struct {
	Outcome Outcome
	Wait    time.Duration
}

// RateLimitExceededError is returned by Wait when the governor rejects a
// call. It is a backpressure signal: the caller may retry after Wait.
type RateLimitExceededError struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: next slot in %s", e.Key, e.Wait)
}

// Tuning holds the adaptive parameters shared by every key.
type Tuning struct {
	BaseQPS           float64
	MinQPS            float64
	MaxQPS            float64
	RecoveryFactor    float64
	ConvergenceFactor float64
	RecoveryStreak    int
	Cooldown          time.Duration
	MaxWait           time.Duration
}

// DefaultTuning mirrors the platform's documented default app quota.
func DefaultTuning() Tuning {
	return Tuning{
		BaseQPS:           5,
		MinQPS:            1,
		MaxQPS:            50,
		RecoveryFactor:    1.05,
		ConvergenceFactor: 0.5,
		RecoveryStreak:    1,
		Cooldown:          time.Second,
		MaxWait:           30 * time.Second,
	}
}

func (t Tuning) normalize() Tuning {
	d := DefaultTuning()
	if t.MinQPS <= 0 {
		t.MinQPS = d.MinQPS
	}
	if t.MaxQPS <= 0 {
		t.MaxQPS = d.MaxQPS
	}
	if t.MaxQPS < t.MinQPS {
		t.MaxQPS = t.MinQPS
	}
	if t.BaseQPS <= 0 {
		t.BaseQPS = d.BaseQPS
	}
	t.BaseQPS = clamp(t.BaseQPS, t.MinQPS, t.MaxQPS)
	if t.RecoveryFactor <= 1 {
		t.RecoveryFactor = d.RecoveryFactor
	}
	if t.ConvergenceFactor <= 0 || t.ConvergenceFactor >= 1 {
		t.ConvergenceFactor = d.ConvergenceFactor
	}
	if t.RecoveryStreak <= 0 {
		t.RecoveryStreak = d.RecoveryStreak
	}
	if t.Cooldown <= 0 {
		t.Cooldown = d.Cooldown
	}
	if t.MaxWait <= 0 {
		t.MaxWait = d.MaxWait
	}
	return t
}

// State is a point-in-time copy of one key's pacing state.
type State struct {
	QPS                  float64
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	CooldownUntil        time.Time
	LastAdjustedAt       time.Time
}

type state struct {
	qps           float64
	successes     int
	failures      int
	cooldownUntil time.Time
	lastAdjusted  time.Time
	nextSlot      time.Time
}

// Governor paces outbound calls per key using additive-increase /
// multiplicative-decrease on the allowed QPS. Keys never interfere with each
// other. Safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	tuning  Tuning
	states  map[string]*state
	now     func() time.Time
	log     logrus.FieldLogger
	observe func(key string, qps float64)
	// Adjustments made under mu, delivered to observe after unlocking.
	pending []adjustment
}

type adjustment struct {
	key string
	qps float64
}

// New creates a Governor. A nil logger falls back to the logrus standard logger.
func New(t Tuning, log logrus.FieldLogger) *Governor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Governor{
		tuning: t.normalize(),
		states: make(map[string]*state),
		now:    time.Now,
		log:    log.WithField("component", "ratelimit"),
	}
}

// Key builds the default per-endpoint key.
func Key(method, path string) string {
	return strings.ToUpper(method) + ":" + path
}

// OnAdjust registers a callback invoked with the new QPS whenever a key's
// rate changes. Used to export gauges.
func (g *Governor) OnAdjust(fn func(key string, qps float64)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observe = fn
}

// Tuning returns the active tuning.
func (g *Governor) Tuning() Tuning {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tuning
}

// SetTuning replaces the tuning. Existing keys keep their QPS, re-clamped to
// the new bounds.
func (g *Governor) SetTuning(t Tuning) {
	g.mu.Lock()
	defer g.unlock()
	g.tuning = t.normalize()
	for key, s := range g.states {
		s.qps = clamp(s.qps, g.tuning.MinQPS, g.tuning.MaxQPS)
		g.notify(key, s.qps)
	}
}

// Acquire reserves the next slot for key. It never blocks.
func (g *Governor) Acquire(key string) Decision {
	g.mu.Lock()
	defer g.unlock()

	now := g.now()
	s := g.state(key, now)

	slot := now
	if s.nextSlot.After(slot) {
		slot = s.nextSlot
	}
	if s.cooldownUntil.After(slot) {
		slot = s.cooldownUntil
	}

	wait := slot.Sub(now)
	if wait > g.tuning.MaxWait {
		return Decision{Outcome: Reject, Wait: wait}
	}

	s.nextSlot = slot.Add(interval(s.qps))
	if wait <= 0 {
		return Decision{Outcome: Proceed}
	}
	return Decision{Outcome: WaitThenProceed, Wait: wait}
}

// Report feeds the outcome of a call back into the key's pacing.
func (g *Governor) Report(key string, r Result) {
	g.report(key, r, 0)
}

// ReportRetryAfter records a throttled call whose response told us how long
// to back off. Non-positive durations fall back to the tuned cooldown.
func (g *Governor) ReportRetryAfter(key string, retryAfter time.Duration) {
	g.report(key, RateLimited, retryAfter)
}

func (g *Governor) report(key string, r Result, cooldown time.Duration) {
	g.mu.Lock()
	defer g.unlock()

	now := g.now()
	s := g.state(key, now)

	switch r {
	case Success:
		s.failures = 0
		s.successes++
		if s.successes < g.tuning.RecoveryStreak {
			return
		}
		s.successes = 0
		next := clamp(s.qps*g.tuning.RecoveryFactor, g.tuning.MinQPS, g.tuning.MaxQPS)
		if next == s.qps {
			return
		}
		s.qps = next
		s.lastAdjusted = now
		g.notify(key, s.qps)
	default:
		s.successes = 0
		s.failures++
		s.qps = clamp(s.qps*g.tuning.ConvergenceFactor, g.tuning.MinQPS, g.tuning.MaxQPS)
		s.lastAdjusted = now
		if cooldown <= 0 {
			cooldown = g.tuning.Cooldown
		}
		if until := now.Add(cooldown); until.After(s.cooldownUntil) {
			s.cooldownUntil = until
		}
		g.log.WithFields(logrus.Fields{
			"key":      key,
			"qps":      s.qps,
			"failures": s.failures,
			"cooldown": cooldown,
		}).Warn("outbound call throttled, slowing down")
		g.notify(key, s.qps)
	}
}

// Wait acquires a slot and sleeps until it is due. A Reject is returned as a
// *RateLimitExceededError; ctx cancellation aborts the wait.
func (g *Governor) Wait(ctx context.Context, key string) error {
	d := g.Acquire(key)
	switch d.Outcome {
	case Proceed:
		return nil
	case Reject:
		return &RateLimitExceededError{Key: key, Wait: d.Wait}
	}

	timer := time.NewTimer(d.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns a copy of key's state and whether the key has been seen.
func (g *Governor) State(key string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.states[key]
	if !ok {
		return State{}, false
	}
	return State{
		QPS:                  s.qps,
		ConsecutiveSuccesses: s.successes,
		ConsecutiveFailures:  s.failures,
		CooldownUntil:        s.cooldownUntil,
		LastAdjustedAt:       s.lastAdjusted,
	}, true
}

func (g *Governor) state(key string, now time.Time) *state {
	if s, ok := g.states[key]; ok {
		return s
	}
	s := &state{qps: g.tuning.BaseQPS, lastAdjusted: now}
	g.states[key] = s
	g.notify(key, s.qps)
	return s
}

// notify queues an adjustment; mu must be held.
func (g *Governor) notify(key string, qps float64) {
	if g.observe != nil {
		g.pending = append(g.pending, adjustment{key: key, qps: qps})
	}
}

// unlock releases mu, then runs the observer outside the lock so it may call
// back into the Governor.
func (g *Governor) unlock() {
	pending, observe := g.pending, g.observe
	g.pending = nil
	g.mu.Unlock()
	for _, a := range pending {
		observe(a.key, a.qps)
	}
}

func interval(qps float64) time.Duration {
	return time.Duration(float64(time.Second) / qps)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
