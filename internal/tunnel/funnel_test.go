package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFunnel(statusJSON string) (*Funnel, *[]string) {
	var launched []string
	log, _ := test.NewNullLogger()
	f := &Funnel{
		Addr:     ":18790",
		Path:     "/webhook/event",
		Log:      log,
		lookPath: func(string) (string, error) { return "/usr/bin/tailscale", nil },
		output: func(_ context.Context, _ string, _ ...string) ([]byte, error) {
			return []byte(statusJSON), nil
		},
		start: func(ctx context.Context, name string, args ...string) (func() error, error) {
			launched = append([]string{name}, args...)
			return func() error { <-ctx.Done(); return ctx.Err() }, nil
		},
	}
	return f, &launched
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"running", `{"BackendState":"Running","Self":{"DNSName":"box.tail1.ts.net."}}`, "https://box.tail1.ts.net", false},
		{"no state field", `{"Self":{"DNSName":"box.tail1.ts.net"}}`, "https://box.tail1.ts.net", false},
		{"stopped", `{"BackendState":"Stopped","Self":{"DNSName":"box."}}`, "", true},
		{"empty dns", `{"Self":{"DNSName":""}}`, "", true},
		{"garbage", `nope`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStatus([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartLaunchesFunnel(t *testing.T) {
	f, launched := fakeFunnel(`{"BackendState":"Running","Self":{"DNSName":"box.tail1.ts.net."}}`)
	ctx, cancel := context.WithCancel(context.Background())

	url, done, err := f.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://box.tail1.ts.net/webhook/event", url)
	assert.Equal(t, []string{"tailscale", "funnel", "18790"}, *launched)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStartNotInstalled(t *testing.T) {
	f, _ := fakeFunnel(`{}`)
	f.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, _, err := f.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestStartNeedsFixedPort(t *testing.T) {
	f, launched := fakeFunnel(`{"Self":{"DNSName":"box.ts.net"}}`)
	f.Addr = "127.0.0.1:0"

	_, _, err := f.Start(context.Background())
	assert.ErrorContains(t, err, "fixed port")
	assert.Empty(t, *launched)
}
