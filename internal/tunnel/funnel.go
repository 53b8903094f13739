// Package tunnel exposes the local webhook listener publicly through a
// tailscale funnel, so the platform can reach it without a domain.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrNotInstalled is returned when the tailscale CLI is missing.
var ErrNotInstalled = errors.New("tailscale CLI not found in PATH, install from https://tailscale.com/download")

// status is the subset of `tailscale status --json` we read.
type status struct {
	BackendState string `json:"BackendState"`
	Self         struct {
		DNSName string `json:"DNSName"`
	} `json:"Self"`
}

// Funnel runs `tailscale funnel <port>` for the lifetime of a context.
type Funnel struct {
	// Addr is the webhook listen address, e.g. ":18790".
	Addr string
	// Path is appended to the public base URL.
	Path string
	Log  logrus.FieldLogger

	lookPath func(string) (string, error)
	output   func(ctx context.Context, name string, args ...string) ([]byte, error)
	start    func(ctx context.Context, name string, args ...string) (wait func() error, err error)
}

// PublicURL returns the public webhook URL without starting anything.
func (f *Funnel) PublicURL(ctx context.Context) (string, error) {
	if _, err := f.look("tailscale"); err != nil {
		return "", ErrNotInstalled
	}
	out, err := f.run(ctx, "tailscale", "status", "--json")
	if err != nil {
		return "", fmt.Errorf("tailscale status: %w (is tailscale running?)", err)
	}
	base, err := parseStatus(out)
	if err != nil {
		return "", err
	}
	return base + f.Path, nil
}

// Start launches the funnel in the background and returns the public
// webhook URL. The process is killed when ctx is cancelled; done receives
// its exit error.
func (f *Funnel) Start(ctx context.Context) (webhookURL string, done <-chan error, err error) {
	webhookURL, err = f.PublicURL(ctx)
	if err != nil {
		return "", nil, err
	}
	port, err := portOf(f.Addr)
	if err != nil {
		return "", nil, err
	}

	wait, err := f.launch(ctx, "tailscale", "funnel", port)
	if err != nil {
		return "", nil, fmt.Errorf("start tailscale funnel: %w", err)
	}

	ch := make(chan error, 1)
	go func() { ch <- wait() }()

	f.logger().WithFields(logrus.Fields{"port": port, "url": webhookURL}).Info("tailscale funnel started")
	return webhookURL, ch, nil
}

func parseStatus(out []byte) (string, error) {
	var st status
	if err := json.Unmarshal(out, &st); err != nil {
		return "", fmt.Errorf("parse tailscale status: %w", err)
	}
	if st.BackendState != "" && st.BackendState != "Running" {
		return "", fmt.Errorf("tailscale: backend is %s", st.BackendState)
	}
	dns := strings.TrimSuffix(st.Self.DNSName, ".")
	if dns == "" {
		return "", errors.New("tailscale: empty DNS name, is the node connected?")
	}
	return "https://" + dns, nil
}

func portOf(addr string) (string, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("webhook addr %q: %w", addr, err)
	}
	if port == "" || port == "0" {
		return "", fmt.Errorf("webhook addr %q: funnel needs a fixed port", addr)
	}
	return port, nil
}

func (f *Funnel) look(name string) (string, error) {
	if f.lookPath != nil {
		return f.lookPath(name)
	}
	return exec.LookPath(name)
}

func (f *Funnel) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if f.output != nil {
		return f.output(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

func (f *Funnel) launch(ctx context.Context, name string, args ...string) (func() error, error) {
	if f.start != nil {
		return f.start(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}

func (f *Funnel) logger() logrus.FieldLogger {
	if f.Log != nil {
		return f.Log
	}
	return logrus.StandardLogger()
}
