package bot

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/dedup"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/feishu"
	"github.com/Enriquefft/feishu-bridge/internal/longconn"
)

func message(eventID, sender string) string {
	return `{"schema":"2.0","header":{"event_id":"` + eventID + `","event_type":"im.message.receive_v1","create_time":"1700000000000"},` +
		`"event":{"sender":{"sender_id":{"open_id":"` + sender + `"},"sender_type":"user"},` +
		`"message":{"message_id":"om_1","chat_id":"oc_1","chat_type":"p2p","message_type":"text","content":"{\"text\":\"hi\"}"}}}`
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.Delivery.Mode = mode
	cfg.App.AppID = "cli_test"
	cfg.App.AppSecret = "secret"
	cfg.Webhook.Addr = "127.0.0.1:0"
	cfg.Webhook.VerificationToken = ""
	cfg.Webhook.EncryptKey = ""
	cfg.Dedup.Backend = config.BackendMemory
	cfg.Dedup.RedisURL = ""
	cfg.Tunnel.Funnel = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() (logrus.FieldLogger, *test.Hook) {
	log, hook := test.NewNullLogger()
	return log, hook
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookDispatchAndStatus(t *testing.T) {
	log, _ := quietLogger()
	b, err := New(testConfig(t, config.ModeWebhook), log)
	require.NoError(t, err)
	defer b.Close()

	var got atomic.Value
	var calls atomic.Int32
	b.OnMessage(func(_ context.Context, msg *events.MessageReceiveEvent) (any, error) {
		calls.Add(1)
		got.Store(msg.Text)
		return nil, nil
	})

	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp := post(t, ts.URL+"/webhook/event", message("ev-1", "ou_a"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts.URL+"/webhook/event", message("ev-1", "ou_a"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int32(1), calls.Load(), "redelivery is deduplicated")
	assert.Equal(t, "hi", got.Load())

	sresp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer sresp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(sresp.Body).Decode(&st))
	assert.Equal(t, config.ModeWebhook, st.Mode)
	assert.Equal(t, int64(1), st.TotalEvents)
	assert.Equal(t, "idle", st.Transports[TransportWebhook])
	assert.Nil(t, st.Connection)
}

func TestGuardDeniesAndReplies(t *testing.T) {
	var replies atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case feishu.TokenPath:
			w.Write([]byte(`{"code":0,"tenant_access_token":"t","expire":7200}`))
		case "/open-apis/im/v1/messages/om_1/reply":
			replies.Add(1)
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "not allowed")
			w.Write([]byte(`{"code":0,"data":{"message_id":"om_2"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	cfg := testConfig(t, config.ModeWebhook)
	cfg.App.BaseURL = api.URL
	cfg.Guard = config.GuardConfig{
		Mode:        config.GuardAllowlist,
		Roles:       map[string][]string{"admin": {"ou_admin"}},
		DenyMessage: "not allowed",
	}
	require.NoError(t, cfg.Validate())

	log, _ := quietLogger()
	b, err := New(cfg, log)
	require.NoError(t, err)
	defer b.Close()

	var calls atomic.Int32
	b.OnMessage(func(context.Context, *events.MessageReceiveEvent) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	post(t, ts.URL+"/webhook/event", message("ev-stranger", "ou_stranger"))
	post(t, ts.URL+"/webhook/event", message("ev-admin", "ou_admin"))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), replies.Load())
}

func TestApplyConfigReloadsGuardAndTuning(t *testing.T) {
	cfg := testConfig(t, config.ModeWebhook)
	log, _ := quietLogger()
	b, err := New(cfg, log)
	require.NoError(t, err)
	defer b.Close()

	var calls atomic.Int32
	b.OnMessage(func(context.Context, *events.MessageReceiveEvent) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	next := testConfig(t, config.ModeWebhook)
	next.RateLimit.BaseQPS = 20
	next.Guard = config.GuardConfig{Mode: config.GuardAllowlist, Roles: map[string][]string{"admin": {"ou_admin"}}}
	require.NoError(t, next.Validate())
	b.ApplyConfig(next)

	assert.Equal(t, 20.0, b.Governor().Tuning().BaseQPS)
	post(t, ts.URL+"/webhook/event", message("ev-9", "ou_stranger"))
	assert.Zero(t, calls.Load(), "handler registered before the reload is guarded by the new rules")
}

func TestRunAndStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log, _ := quietLogger()
	b, err := New(testConfig(t, config.ModeWebhook), log, WithListener(ln))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, b.Status().Running)
	assert.Equal(t, "listening", b.Status().Transports[TransportWebhook])

	b.Stop()
	select {
	case <-b.Done():
	default:
		t.Fatal("Stop returned before Run finished")
	}
	assert.False(t, b.Status().Running)
	assert.ErrorIs(t, b.Run(context.Background()), ErrStopped)
	b.Stop()
}

func TestStopWaitsForInFlightWebhook(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log, _ := quietLogger()
	b, err := New(testConfig(t, config.ModeWebhook), log, WithListener(ln))
	require.NoError(t, err)

	started := make(chan struct{})
	var finished atomic.Bool
	b.OnMessage(func(context.Context, *events.MessageReceiveEvent) (any, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return b.Status().Running }, time.Second, 10*time.Millisecond)

	respc := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/webhook/event", "application/json",
			strings.NewReader(message("ev-slow", "ou_a")))
		if err != nil {
			respc <- 0
			return
		}
		resp.Body.Close()
		respc <- resp.StatusCode
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	b.Stop()

	assert.True(t, finished.Load(), "Stop returned while a webhook dispatch was running")
	assert.False(t, b.Status().Running)
	assert.Equal(t, http.StatusOK, <-respc)
	require.NoError(t, b.Close())
}

func TestStopBeforeRun(t *testing.T) {
	log, _ := quietLogger()
	b, err := New(testConfig(t, config.ModeWebhook), log)
	require.NoError(t, err)

	b.Stop()
	<-b.Done()
	assert.ErrorIs(t, b.Run(context.Background()), ErrStopped)
}

func TestStopOnSignal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	log, _ := quietLogger()
	b, err := New(testConfig(t, config.ModeWebhook), log, WithListener(ln))
	require.NoError(t, err)

	unregister := b.StopOnSignal(syscall.SIGUSR1)
	defer unregister()

	errc := make(chan error, 1)
	go func() { errc <- b.Run(context.Background()) }()
	require.Eventually(t, func() bool { return b.Status().Running }, time.Second, 10*time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("signal did not stop the bot")
	}
}

func TestLongConnectionTransport(t *testing.T) {
	acks := make(chan longconn.Frame, 4)
	upgrader := websocket.Upgrader{}
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(longconn.EndpointPath, func(w http.ResponseWriter, _ *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?device_id=d&service_id=1"
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"URL": wsURL}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(longconn.Frame{
			Type:    longconn.FrameEvent,
			EventID: "ev-ws",
			Data:    longconn.EncodeData([]byte(message("ev-ws", "ou_a"))),
		})
		for {
			var f longconn.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == longconn.FrameAck {
				acks <- f
			}
		}
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, config.ModeBoth)
	cfg.App.Domain = srv.URL
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log, _ := quietLogger()
	b, err := New(cfg, log, WithListener(ln))
	require.NoError(t, err)
	defer b.Close()

	handled := make(chan string, 1)
	b.OnMessage(func(_ context.Context, msg *events.MessageReceiveEvent) (any, error) {
		handled <- msg.EventID
		return nil, nil
	})

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	select {
	case id := <-handled:
		assert.Equal(t, "ev-ws", id)
	case <-time.After(3 * time.Second):
		t.Fatal("event never reached the handler")
	}
	select {
	case ack := <-acks:
		assert.Equal(t, 200, ack.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("no ack")
	}

	st := b.Status()
	require.NotNil(t, st.Connection)
	assert.Equal(t, longconn.Connected.String(), st.Connection.State)
	assert.Equal(t, longconn.Connected.String(), st.Transports[TransportWS])

	// The same event arriving over the webhook is a duplicate.
	resp := post(t, "http://"+ln.Addr().String()+"/webhook/event", message("ev-ws", "ou_a"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-handled:
		t.Fatal("duplicate across transports was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBackedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.ModeWebhook)
	cfg.Dedup.Backend = config.BackendRedis
	cfg.Dedup.RedisURL = "redis://" + mr.Addr() + "/0"
	require.NoError(t, cfg.Validate())

	log, _ := quietLogger()
	b, err := New(cfg, log)
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.store.(*dedup.RedisStore)
	require.True(t, ok)

	var calls atomic.Int32
	b.OnMessage(func(context.Context, *events.MessageReceiveEvent) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	post(t, ts.URL+"/webhook/event", message("ev-r", "ou_a"))
	post(t, ts.URL+"/webhook/event", message("ev-r", "ou_a"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, mr.Keys(), 1)
}

func TestRedisUnreachable(t *testing.T) {
	cfg := testConfig(t, config.ModeWebhook)
	cfg.Dedup.Backend = config.BackendRedis
	cfg.Dedup.RedisURL = "redis://127.0.0.1:1/0"

	log, _ := quietLogger()
	_, err := New(cfg, log)
	assert.ErrorContains(t, err, "dedup store")
}
