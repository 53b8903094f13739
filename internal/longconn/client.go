// Package longconn keeps a persistent socket to the platform open and feeds
// the events it pushes into the shared registry.
package longconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Enriquefft/feishu-bridge/internal/dedup"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/metrics"
	"github.com/Enriquefft/feishu-bridge/internal/status"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrStopped is returned by Run on a client that has already stopped.
var ErrStopped = errors.New("longconn: client stopped")

// FatalReconnectError is returned by Run once reconnect attempts are
// exhausted.
type FatalReconnectError struct {
	Attempts int
	Err      error
}

func (e *FatalReconnectError) Error() string {
	return fmt.Sprintf("long connection gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalReconnectError) Unwrap() error { return e.Err }

// Config holds the client settings. Zero durations take the defaults below.
type Config struct {
	AppID     string
	AppSecret string
	Domain    string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DiscoveryTimeout  time.Duration
	ConnectTimeout    time.Duration

	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter time.Duration
	// MaxAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxAttempts int
}

// DefaultDomain is the platform's public API host.
const DefaultDomain = "https://open.feishu.cn"

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 120 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Info is a snapshot of the connection for status reporting.
type Info struct {
	State        State
	Attempts     int
	LastError    error
	LastFrameAt  time.Time
	ConnectionID string
}

// Client is a single long connection. It is not restartable: once Stopped,
// build a new Client.
type Client struct {
	cfg      Config
	registry *events.Registry
	store    dedup.Store
	recorder status.Recorder
	metrics  *metrics.Metrics
	http     *http.Client
	log      logrus.FieldLogger
	combiner *combiner
	dupLog   rate.Sometimes

	stopCh   chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	state         State
	running       bool
	attempts      int
	lastErr       error
	lastFrameAt   time.Time
	connID        string
	heartbeat     time.Duration
	backoff       Backoff
	maxAttempts   int
	onStateChange func(State)
}

// New creates a Disconnected client.
func New(cfg Config, registry *events.Registry, store dedup.Store, log logrus.FieldLogger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		recorder:    status.Discard,
		http:        &http.Client{},
		log:         log.WithField("component", "longconn"),
		combiner:    newCombiner(defaultFragmentTTL),
		dupLog:      rate.Sometimes{First: 1, Interval: 30 * time.Second},
		stopCh:      make(chan struct{}),
		heartbeat:   cfg.HeartbeatInterval,
		backoff:     Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax, Jitter: cfg.ReconnectJitter},
		maxAttempts: cfg.MaxAttempts,
	}
}

// WithRecorder sets where dispatch outcomes are reported.
func (c *Client) WithRecorder(rec status.Recorder) *Client {
	if rec != nil {
		c.recorder = rec
	}
	return c
}

// WithMetrics enables connection metrics.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// WithHTTPClient replaces the client used for discovery.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.http = hc
	}
	return c
}

// OnStateChange registers a callback for every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the connection.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		State:        c.state,
		Attempts:     c.attempts,
		LastError:    c.lastErr,
		LastFrameAt:  c.lastFrameAt,
		ConnectionID: c.connID,
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onStateChange
	attempts := c.attempts
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"state": s.String(), "attempt": attempts}).Debug("state change")
	if c.metrics != nil {
		c.metrics.ConnectionState.Set(float64(s))
	}
	if fn != nil {
		fn(s)
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Stop moves the client to Stopped from any state. A frame mid-dispatch is
// allowed to finish; no further frames are read. Safe to call repeatedly.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		c.setState(Stopped)
	}
}

// Run drives the state machine until Stop, ctx cancellation, an auth
// failure or reconnect exhaustion. It returns nil after a clean stop.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Stopped || c.running {
		c.mu.Unlock()
		return ErrStopped
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(Stopped)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(Connecting)

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var authErr *events.AuthError
		if errors.As(err, &authErr) {
			c.fail(err)
			c.log.WithError(err).Error("long connection credentials rejected")
			return err
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		limit := c.maxAttempts
		delay := c.backoff.Next(attempt)
		c.mu.Unlock()
		c.fail(err)

		if limit > 0 && attempt > limit {
			c.log.WithError(err).WithField("attempt", attempt).Error("reconnect attempts exhausted")
			return &FatalReconnectError{Attempts: attempt, Err: err}
		}

		c.setState(Reconnecting)
		if c.metrics != nil {
			c.metrics.ReconnectsTotal.Inc()
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("long connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.recorder.RecordError(err)
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	ep, err := Discover(dctx, c.http, c.cfg.Domain, c.cfg.AppID, c.cfg.AppSecret)
	cancel()
	if err != nil {
		return err
	}
	c.applyClientConfig(ep.ClientConfig)

	connID := uuid.NewString()
	header := http.Header{}
	if ep.ConnectionToken != "" {
		header.Set("Authorization", "Bearer "+ep.ConnectionToken)
	}
	header.Set("X-Request-Id", connID)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, ep.URL, header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", events.ErrTransport, ep.URL, err)
	}

	c.mu.Lock()
	c.attempts = 0
	c.connID = connID
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
	c.setState(Connected)
	c.log.WithFields(logrus.Fields{"connection_id": connID, "service_id": ep.ServiceID}).Info("long connection established")

	return c.serve(ctx, conn)
}

func (c *Client) applyClientConfig(cc *ClientConfig) {
	if cc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc.PingInterval > 0 {
		c.heartbeat = time.Duration(cc.PingInterval) * time.Second
	}
	if cc.ReconnectCount > 0 {
		c.maxAttempts = cc.ReconnectCount
	}
	if cc.ReconnectInterval > 0 {
		c.backoff.Max = time.Duration(cc.ReconnectInterval) * time.Second
	}
	if cc.ReconnectNonce > 0 {
		c.backoff.Jitter = time.Duration(cc.ReconnectNonce) * time.Second
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// session is one open socket with serialised writes.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
}

func (s *session) write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", events.ErrTransport, f.Type, err)
	}
	return nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{conn: conn, timeout: c.cfg.ConnectTimeout}

	// Closing the socket is what unblocks ReadMessage on stop.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	hbErr := make(chan error, 1)
	go func() {
		hbErr <- c.heartbeatLoop(connCtx, sess)
		cancel()
	}()

	readErr := c.readLoop(ctx, sess)
	cancel()

	if ctx.Err() != nil {
		return nil
	}
	select {
	case err := <-hbErr:
		if err != nil {
			return err
		}
	default:
	}
	return readErr
}

func (c *Client) heartbeatLoop(ctx context.Context, sess *session) error {
	for {
		timer := time.NewTimer(c.heartbeatInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := sess.write(Frame{Type: FrameHeartbeat}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) readLoop(ctx context.Context, sess *session) error {
	for {
		sess.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: no frame within %s", events.ErrTransport, c.cfg.HeartbeatTimeout)
			}
			return fmt.Errorf("%w: read: %v", events.ErrTransport, err)
		}
		if c.stopping() {
			return nil
		}

		c.mu.Lock()
		c.lastFrameAt = time.Now()
		c.mu.Unlock()

		f, err := parseFrame(data)
		if err != nil {
			c.log.WithError(err).Warn("ignoring malformed frame")
			continue
		}
		if err := c.handleFrame(ctx, sess, f); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, sess *session, f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		return sess.write(Frame{Type: FrameAck})
	case FrameAck:
		if f.Data == "" {
			return nil
		}
		payload, err := f.Payload()
		if err != nil {
			return nil
		}
		var cc ClientConfig
		if json.Unmarshal(payload, &cc) == nil {
			c.applyClientConfig(&cc)
		}
		return nil
	case FrameEvent:
		ack, ok := c.handleEvent(ctx, f)
		if !ok {
			return nil
		}
		return sess.write(ack)
	default:
		c.log.WithField("frame_type", f.Type).Debug("ignoring unknown frame type")
		return nil
	}
}

// handleEvent runs one event frame through dedup and dispatch. ok is false
// while a fragmented payload is still incomplete.
func (c *Client) handleEvent(ctx context.Context, f Frame) (Frame, bool) {
	data, err := f.Payload()
	if err != nil {
		c.log.WithError(err).WithField("event_id", f.EventID).Warn("undecodable event frame")
		return ackFrame(f, http.StatusInternalServerError, nil), true
	}
	if f.Sum > 1 {
		key := f.MessageID
		if key == "" {
			key = f.EventID
		}
		merged, done, err := c.combiner.add(key, f.Sum, f.Seq, data)
		if err != nil {
			c.log.WithError(err).WithField("message_id", key).Warn("dropping bad fragment")
			return Frame{}, false
		}
		if !done {
			return Frame{}, false
		}
		data = merged
	}

	env, err := events.ParseEnvelope(data)
	if err != nil {
		c.log.WithError(err).WithField("event_id", f.EventID).Warn("dropping undecodable event")
		c.recorder.RecordError(err)
		return ackFrame(f, http.StatusInternalServerError, nil), true
	}
	if env.EventID == "" {
		env.EventID = f.EventID
	}
	if env.EventType == "" {
		env.EventType = f.EventType
	}

	fields := logrus.Fields{"event_id": env.EventID, "event_type": env.EventType}
	seen, err := c.store.Seen(ctx, env.EventID)
	if err != nil {
		c.log.WithFields(fields).WithError(err).Warn("dedup store unavailable")
		c.recorder.RecordError(err)
	}
	if seen {
		c.dupLog.Do(func() {
			c.log.WithFields(fields).Info("suppressing redelivered events")
		})
		if c.metrics != nil {
			c.metrics.Duplicate("ws")
		}
		return ackFrame(f, http.StatusOK, nil), true
	}

	// Stop must not cancel a dispatch that already started.
	res := c.registry.Dispatch(context.WithoutCancel(ctx), env)
	c.recorder.RecordEvent(env.EventType, res.Err())

	if len(res.Errors) > 0 {
		c.log.WithFields(fields).WithError(res.Err()).Warn("handlers failed")
	}
	return ackFrame(f, http.StatusOK, res.Body), true
}
