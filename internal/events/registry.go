package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler processes one decoded event. A sync handler's non-nil return value
// becomes the transport response body.
type Handler func(ctx context.Context, evt Event) (any, error)

// Typed adapts a handler for one concrete event type.
func Typed[T Event](fn func(ctx context.Context, evt T) (any, error)) Handler {
	return func(ctx context.Context, evt Event) (any, error) {
		typed, ok := evt.(T)
		if !ok {
			return nil, fmt.Errorf("unexpected event %T", evt)
		}
		return fn(ctx, typed)
	}
}

type registration struct {
	handler Handler
	async   bool
}

// Result is the outcome of one Dispatch.
type Result struct {
	Event Event
	// Body is the response for the transport: the first handler's return
	// value, or an empty object.
	Body any
	// Handled counts the handlers the event reached, async ones included.
	Handled int
	Errors  []error
}

// Err joins every sync handler error, nil when all succeeded.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Registry maps event types to handlers. It is safe for concurrent use;
// registration changes never affect a dispatch already in progress.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	fallback *registration
	parsers  map[string]Parser
	onError  func(evt Event, err error)
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry with the built-in typed parsers.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		handlers: make(map[string][]registration),
		parsers:  builtinParsers(),
		log:      log.WithField("component", "events"),
	}
}

// Register adds a synchronous handler for eventType. Handlers of one type run
// in registration order.
func (r *Registry) Register(eventType string, h Handler) {
	r.add(eventType, registration{handler: h})
}

// RegisterAsync adds a handler that runs on its own goroutine. Its result is
// never part of the response.
func (r *Registry) RegisterAsync(eventType string, h Handler) {
	r.add(eventType, registration{handler: h, async: true})
}

func (r *Registry) add(eventType string, reg registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Copy on write so in-flight dispatches keep their snapshot.
	list := make([]registration, 0, len(r.handlers[eventType])+1)
	list = append(list, r.handlers[eventType]...)
	r.handlers[eventType] = append(list, reg)
}

// Unregister removes every handler for eventType.
func (r *Registry) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, eventType)
}

// SetDefaultHandler sets the handler for event types with no registration.
// A nil handler clears it.
func (r *Registry) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		r.fallback = nil
		return
	}
	r.fallback = &registration{handler: h}
}

// SetParser overrides the decoding for eventType. A nil parser restores the
// generic fallback.
func (r *Registry) SetParser(eventType string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p == nil {
		delete(r.parsers, eventType)
		return
	}
	r.parsers[eventType] = p
}

// OnError installs a hook called for every handler failure, sync or async.
func (r *Registry) OnError(fn func(evt Event, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// HandlerCount returns how many handlers are registered for eventType.
func (r *Registry) HandlerCount(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Decode parses env with the parser registered for its type.
func (r *Registry) Decode(env Envelope) (Event, error) {
	r.mu.RLock()
	p, ok := r.parsers[env.EventType]
	r.mu.RUnlock()
	if !ok {
		p = parseFallback
	}
	evt, err := p(env)
	if err != nil {
		return nil, &DecodeError{Reason: "event body for " + env.EventType, Err: err}
	}
	return evt, nil
}

// Dispatch decodes env and runs its handlers. Handler failures and panics are
// isolated: every handler runs regardless of the others, and the failures are
// collected in Result.Errors. When the body does not decode, the event goes
// to the default handler as a RawEvent and the DecodeError is recorded in
// Result.Errors.
func (r *Registry) Dispatch(ctx context.Context, env Envelope) Result {
	res := Result{Body: map[string]any{}}

	evt, decodeErr := r.Decode(env)
	if decodeErr != nil {
		r.log.WithError(decodeErr).WithField("event_type", env.EventType).Warn("event body did not decode, delivering raw")
		res.Errors = append(res.Errors, decodeErr)
		evt = &RawEvent{Meta: metaOf(env), Data: env.Event}
	}
	res.Event = evt

	r.mu.RLock()
	regs := r.handlers[env.EventType]
	if decodeErr != nil {
		regs = nil
	}
	if len(regs) == 0 && r.fallback != nil {
		regs = []registration{*r.fallback}
	}
	onError := r.onError
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.log.WithFields(logrus.Fields{
			"event_type": env.EventType,
			"event_id":   env.EventID,
		}).Debug("no handler registered")
		return res
	}

	for i, reg := range regs {
		res.Handled++
		if reg.async {
			r.wg.Add(1)
			go func(i int, h Handler) {
				defer r.wg.Done()
				if _, err := r.invoke(context.WithoutCancel(ctx), env, i, h, evt); err != nil {
					r.report(onError, evt, err)
				}
			}(i, reg.handler)
			continue
		}

		out, err := r.invoke(ctx, env, i, reg.handler, evt)
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.report(onError, evt, err)
			continue
		}
		if i == 0 && out != nil {
			res.Body = out
		}
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, env Envelope, index int, h Handler, evt Event) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{
				"event_type": env.EventType,
				"event_id":   env.EventID,
				"stack":      string(debug.Stack()),
			}).Errorf("handler panic: %v", p)
			out = nil
			err = &HandlerError{EventType: env.EventType, EventID: env.EventID, Index: index, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	out, err = h(ctx, evt)
	if err != nil {
		return nil, &HandlerError{EventType: env.EventType, EventID: env.EventID, Index: index, Err: err}
	}
	return out, nil
}

func (r *Registry) report(onError func(Event, error), evt Event, err error) {
	r.log.WithError(err).Warn("event handler failed")
	if onError != nil {
		onError(evt, err)
	}
}

// Wait blocks until every async handler started so far has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
