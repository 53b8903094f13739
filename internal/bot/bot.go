// Package bot supervises the event transports. A Bot owns the handler
// registry, the dedup store shared by both transports, the status tracker
// and the governed REST client, and runs the long connection and the
// webhook listener side by side until stopped.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/dedup"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/feishu"
	"github.com/Enriquefft/feishu-bridge/internal/guard"
	"github.com/Enriquefft/feishu-bridge/internal/longconn"
	"github.com/Enriquefft/feishu-bridge/internal/metrics"
	"github.com/Enriquefft/feishu-bridge/internal/ratelimit"
	"github.com/Enriquefft/feishu-bridge/internal/status"
	"github.com/Enriquefft/feishu-bridge/internal/tunnel"
	"github.com/Enriquefft/feishu-bridge/internal/webhook"
)

// ErrStopped is returned by Run and Start on a Bot that already ran.
var ErrStopped = errors.New("bot: already started or stopped")

// Transport names used in the status snapshot.
const (
	TransportWS      = "ws"
	TransportWebhook = "webhook"
)

// Option customises a Bot.
type Option func(*Bot)

// WithStore replaces the dedup store built from config.
func WithStore(s dedup.Store) Option {
	return func(b *Bot) { b.store = s }
}

// WithHTTPClient is used for discovery and REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Bot) { b.httpClient = hc }
}

// WithListener serves the HTTP surface on ln instead of the configured addr.
func WithListener(ln net.Listener) Option {
	return func(b *Bot) { b.listener = ln }
}

// Bot is the lifecycle supervisor. A Bot runs once.
type Bot struct {
	cfg *config.Config
	log logrus.FieldLogger

	registry *events.Registry
	store    dedup.Store
	tracker  *status.Tracker
	metrics  *metrics.Metrics
	governor *ratelimit.Governor
	client   *feishu.Client
	guard    atomic.Pointer[guard.Guard]

	conn     *longconn.Client
	receiver *webhook.Receiver
	server   *webhook.Server
	funnel   *tunnel.Funnel

	httpClient *http.Client
	listener   net.Listener

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeDone func()
}

// New wires a Bot from a validated config. Nothing runs until Run or Start.
func New(cfg *config.Config, log logrus.FieldLogger, opts ...Option) (*Bot, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bot{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
	b.closeDone = sync.OnceFunc(func() { close(b.done) })
	for _, opt := range opts {
		opt(b)
	}

	if b.store == nil {
		store, err := newStore(cfg.Dedup)
		if err != nil {
			return nil, err
		}
		b.store = store
	}

	b.tracker = status.NewTracker()
	b.metrics = metrics.New(nil)
	recorder := status.Multi(b.tracker, b.metrics)

	b.registry = events.NewRegistry(log)
	b.registry.OnError(func(evt events.Event, err error) {
		meta := evt.EventMeta()
		log.WithError(err).WithFields(logrus.Fields{
			"event_id":   meta.EventID,
			"event_type": meta.EventType,
		}).Warn("async handler failed")
		recorder.RecordError(err)
	})

	b.governor = ratelimit.New(cfg.Tuning(), log)
	b.governor.OnAdjust(b.metrics.ObserveQPS)
	var gov *ratelimit.Governor
	if cfg.RateLimit.Enabled {
		gov = b.governor
	}
	b.client = feishu.NewClient(cfg.FeishuConfig(), gov, log).WithMetrics(b.metrics)
	if b.httpClient != nil {
		b.client.HTTPClient = b.httpClient
	}

	b.guard.Store(guard.New(cfg.Guard))

	if cfg.UsesLongConn() {
		b.conn = longconn.New(cfg.LongConnConfig(), b.registry, b.store, log).
			WithRecorder(recorder).
			WithMetrics(b.metrics)
		if b.httpClient != nil {
			b.conn.WithHTTPClient(b.httpClient)
		}
		b.conn.OnStateChange(func(s longconn.State) {
			b.tracker.SetTransportState(TransportWS, s.String())
		})
		b.tracker.SetTransportState(TransportWS, longconn.Disconnected.String())
	}

	if cfg.UsesWebhook() {
		b.receiver = webhook.NewReceiver(cfg.WebhookConfig(), b.registry, b.store, log).
			WithRecorder(recorder).
			WithMetrics(b.metrics)
		b.tracker.SetTransportState(TransportWebhook, "idle")
		if cfg.Tunnel.Funnel {
			b.funnel = &tunnel.Funnel{Addr: cfg.Webhook.Addr, Path: cfg.Webhook.Path, Log: log}
		}
	}

	b.server = &webhook.Server{
		Addr:     cfg.Webhook.Addr,
		Path:     cfg.Webhook.Path,
		Receiver: b.receiver,
		Status:   func() any { return b.Status() },
		Metrics:  b.metrics.Handler(),
		Log:      log,
		Listener: b.listener,
	}

	return b, nil
}

func newStore(cfg config.DedupConfig) (dedup.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := dedup.NewRedisStore(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("dedup store: %w", err)
		}
		return store, nil
	default:
		return dedup.NewMemoryStore(cfg.TTL, cfg.MaxEntries), nil
	}
}

// Registry exposes the handler registry for parser overrides and raw
// registrations that bypass the guard.
func (b *Bot) Registry() *events.Registry { return b.registry }

// Client is the governed REST client.
func (b *Bot) Client() *feishu.Client { return b.client }

// Governor paces outbound calls.
func (b *Bot) Governor() *ratelimit.Governor { return b.governor }

// Handler is the HTTP surface: event path, /health, /status, /metrics.
func (b *Bot) Handler() http.Handler { return b.server.Handler() }

// Register adds a synchronous handler behind the sender guard.
func (b *Bot) Register(eventType string, h events.Handler) {
	b.registry.Register(eventType, b.guarded(h))
}

// RegisterAsync adds a fire-and-forget handler behind the sender guard.
func (b *Bot) RegisterAsync(eventType string, h events.Handler) {
	b.registry.RegisterAsync(eventType, b.guarded(h))
}

// guarded resolves the guard per call so reloaded rules apply to handlers
// registered earlier.
func (b *Bot) guarded(h events.Handler) events.Handler {
	return func(ctx context.Context, evt events.Event) (any, error) {
		return b.guard.Load().Wrap(h, b.denied)(ctx, evt)
	}
}

// OnMessage registers a typed handler for inbound chat messages.
func (b *Bot) OnMessage(fn func(ctx context.Context, msg *events.MessageReceiveEvent) (any, error)) {
	b.Register(events.TypeMessageReceive, events.Typed(fn))
}

// SetDefaultHandler receives events no registered handler matched.
func (b *Bot) SetDefaultHandler(h events.Handler) {
	b.registry.SetDefaultHandler(h)
}

func (b *Bot) denied(ctx context.Context, msg *events.MessageReceiveEvent, v guard.Verdict) {
	log := b.log.WithFields(logrus.Fields{
		"event_id": msg.EventID,
		"sender":   msg.SenderID.OpenID,
		"verdict":  v.String(),
	})
	log.Info("message blocked by guard")
	b.metrics.Rejected("guard_" + v.String())

	text := b.guard.Load().DenyMessage()
	if v != guard.Deny || text == "" || msg.MessageID == "" {
		return
	}
	if _, err := b.client.ReplyText(ctx, msg.MessageID, text); err != nil {
		log.WithError(err).Warn("deny reply failed")
	}
}

// Run starts every configured transport and blocks until ctx is cancelled,
// Stop is called, or a transport fails for good. Async handlers are drained
// before it returns.
func (b *Bot) Run(ctx context.Context) error {
	ctx, err := b.begin(ctx)
	if err != nil {
		return err
	}
	return b.run(ctx)
}

// Start runs the bot in the background. Errors after startup are logged and
// visible through Status.
func (b *Bot) Start(ctx context.Context) error {
	ctx, err := b.begin(ctx)
	if err != nil {
		return err
	}
	go b.run(ctx)
	return nil
}

func (b *Bot) begin(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, ErrStopped
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (b *Bot) run(ctx context.Context) error {
	defer b.closeDone()
	defer b.cancel()

	b.tracker.MarkStarted()
	defer b.tracker.MarkStopped()
	b.log.WithField("mode", b.cfg.Delivery.Mode).Info("bot starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if b.receiver != nil {
			b.tracker.SetTransportState(TransportWebhook, "listening")
			defer b.tracker.SetTransportState(TransportWebhook, "stopped")
		}
		return b.server.Run(gctx)
	})

	if b.conn != nil {
		g.Go(func() error {
			if err := b.conn.Run(gctx); err != nil {
				return fmt.Errorf("long connection: %w", err)
			}
			return nil
		})
	}

	if b.funnel != nil {
		g.Go(func() error {
			url, done, err := b.funnel.Start(gctx)
			if err != nil {
				return fmt.Errorf("tunnel: %w", err)
			}
			b.log.WithField("url", url).Info("set this URL as the event callback")
			<-done
			return nil
		})
	}

	err := g.Wait()
	b.registry.Wait()
	if err != nil {
		b.log.WithError(err).Error("bot stopped")
		b.tracker.RecordError(err)
	} else {
		b.log.Info("bot stopped")
	}
	return err
}

// Stop cancels Run and waits for it to return. It is safe to call more than
// once, and before Run; a stopped Bot cannot be started.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.started = true
	b.mu.Unlock()

	if b.conn != nil {
		b.conn.Stop()
	}
	if cancel == nil {
		b.closeDone()
		return
	}
	cancel()
	<-b.done
}

// Done is closed once Run has returned.
func (b *Bot) Done() <-chan struct{} { return b.done }

// Close releases the dedup store. Call it after Stop.
func (b *Bot) Close() error {
	return b.store.Close()
}

// StopOnSignal calls Stop when one of sigs arrives. The returned func
// unregisters the handler.
func (b *Bot) StopOnSignal(sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			b.log.WithField("signal", sig.String()).Info("shutting down")
			b.Stop()
		case <-quit:
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}

// ApplyConfig takes the hot-reloadable parts of cfg: governor tuning and
// guard rules. Transport settings need a restart.
func (b *Bot) ApplyConfig(cfg *config.Config) {
	b.governor.SetTuning(cfg.Tuning())
	b.guard.Store(guard.New(cfg.Guard))
	b.log.WithFields(logrus.Fields{
		"base_qps": cfg.RateLimit.BaseQPS,
		"guard":    cfg.Guard.Mode,
	}).Info("config applied")
}
