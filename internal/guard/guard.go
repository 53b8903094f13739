// Package guard enforces a sender allowlist and a per-sender message rate on
// inbound chat messages before they reach handlers.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/events"
)

// Verdict represents the outcome of a guard check.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	RateLimited
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// bucket tracks rate limit state for a single sender.
type bucket struct {
	tokens    int
	windowEnd time.Time
}

// Guard enforces sender allowlist, rate limiting and role resolution.
type Guard struct {
	mode        string
	idTo        map[string]string // open_id / user_id / union_id → role
	defaultRole string
	denyMessage string
	rateLimit   int
	rateWindow  time.Duration
	now         func() time.Time
	mu          sync.Mutex
	buckets     map[string]*bucket

	// One verdict per event, however many handlers are wrapped.
	vmu      sync.Mutex
	verdicts *expirable.LRU[string, Verdict]
}

// New creates a Guard from the guard config. It inverts the role→[]ids map
// into an id→role lookup.
func New(cfg config.GuardConfig) *Guard {
	idTo := make(map[string]string)
	for role, ids := range cfg.Roles {
		for _, id := range ids {
			if _, exists := idTo[id]; !exists && id != "" {
				idTo[id] = role
			}
		}
	}

	return &Guard{
		mode:        cfg.Mode,
		idTo:        idTo,
		defaultRole: cfg.DefaultRole,
		denyMessage: cfg.DenyMessage,
		rateLimit:   cfg.RateLimit,
		rateWindow:  time.Duration(cfg.RateWindow) * time.Second,
		now:         time.Now,
		buckets:     make(map[string]*bucket),
		verdicts:    expirable.NewLRU[string, Verdict](4096, nil, 10*time.Minute),
	}
}

// Check returns Allow, Deny, or RateLimited for the given sender. A zero
// rate limit disables rate limiting.
func (g *Guard) Check(sender events.UserID) Verdict {
	key, known := g.lookup(sender)
	if g.mode == config.GuardAllowlist && !known {
		return Deny
	}
	if g.rateLimit <= 0 || key == "" {
		return Allow
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b, ok := g.buckets[key]
	if !ok || now.After(b.windowEnd) {
		g.buckets[key] = &bucket{
			tokens:    g.rateLimit - 1,
			windowEnd: now.Add(g.rateWindow),
		}
		return Allow
	}

	if b.tokens <= 0 {
		return RateLimited
	}
	b.tokens--
	return Allow
}

// Role returns the sender's mapped role, or the default role.
func (g *Guard) Role(sender events.UserID) string {
	for _, id := range ids(sender) {
		if role, ok := g.idTo[id]; ok {
			return role
		}
	}
	return g.defaultRole
}

// DenyMessage returns the configured denial message.
func (g *Guard) DenyMessage() string {
	return g.denyMessage
}

type roleKey struct{}

// RoleFromContext returns the sender role Wrap attached for an allowed
// message.
func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey{}).(string)
	return role, ok
}

// Wrap guards h for message events; other event types pass straight
// through. Allowed messages reach h with the sender's role in ctx. denied,
// if set, is called once per rejected event.
func (g *Guard) Wrap(h events.Handler, denied func(ctx context.Context, msg *events.MessageReceiveEvent, v Verdict)) events.Handler {
	return func(ctx context.Context, evt events.Event) (any, error) {
		msg, ok := evt.(*events.MessageReceiveEvent)
		if !ok {
			return h(ctx, evt)
		}
		v, first := g.verdict(msg)
		if v != Allow {
			if first && denied != nil {
				denied(ctx, msg, v)
			}
			return nil, nil
		}
		return h(context.WithValue(ctx, roleKey{}, g.Role(msg.SenderID)), evt)
	}
}

// verdict memoises Check per event id so the rate window is charged once.
func (g *Guard) verdict(msg *events.MessageReceiveEvent) (Verdict, bool) {
	id := msg.EventID
	if id == "" {
		return g.Check(msg.SenderID), true
	}
	g.vmu.Lock()
	defer g.vmu.Unlock()
	if v, ok := g.verdicts.Get(id); ok {
		return v, false
	}
	v := g.Check(msg.SenderID)
	g.verdicts.Add(id, v)
	return v, true
}

// lookup returns the bucket key for sender and whether any of its ids is in
// the roles map.
func (g *Guard) lookup(sender events.UserID) (string, bool) {
	all := ids(sender)
	for _, id := range all {
		if _, ok := g.idTo[id]; ok {
			return id, true
		}
	}
	if len(all) == 0 {
		return "", false
	}
	return all[0], false
}

func ids(u events.UserID) []string {
	out := make([]string, 0, 3)
	for _, id := range []string{u.OpenID, u.UserID, u.UnionID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
