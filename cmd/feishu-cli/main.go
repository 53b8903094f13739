package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/feishu"
	"github.com/Enriquefft/feishu-bridge/internal/longconn"
	"github.com/Enriquefft/feishu-bridge/internal/ratelimit"
)

const defaultStatusAddr = "http://localhost:18790"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "send":
		err = handleSend(ctx, os.Args[2:], os.Stdout)
	case "status":
		err = handleStatus(ctx, envOr("FEISHU_STATUS_ADDR", defaultStatusAddr), os.Stdout)
	case "endpoint":
		err = handleEndpoint(ctx, os.Stdout)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type sendArgs struct {
	to     string
	idType string
	text   string
}

var errSendUsage = errors.New(`usage: feishu-cli send --to ID [--type open_id|user_id|union_id|email|chat_id] --text "message"`)

func parseSendArgs(args []string) (sendArgs, error) {
	out := sendArgs{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--to":
			if i+1 < len(args) {
				out.to = args[i+1]
				i++
			}
		case "--type":
			if i+1 < len(args) {
				out.idType = args[i+1]
				i++
			}
		case "--text":
			if i+1 < len(args) {
				out.text = args[i+1]
				i++
			}
		default:
			// Positional: send ID "message"
			if out.to == "" {
				out.to = args[i]
			} else if out.text == "" {
				out.text = args[i]
			}
		}
	}
	if out.to == "" || out.text == "" {
		return out, errSendUsage
	}
	if out.idType == "" {
		out.idType = guessIDType(out.to)
	}
	return out, nil
}

// guessIDType maps the platform's id prefixes to a receive_id_type.
func guessIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "oc_"):
		return "chat_id"
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	case strings.Contains(id, "@"):
		return "email"
	default:
		return "user_id"
	}
}

func handleSend(ctx context.Context, args []string, out io.Writer) error {
	sa, err := parseSendArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.App.AppID == "" || cfg.App.AppSecret == "" {
		return errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET must be set")
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	client := feishu.NewClient(cfg.FeishuConfig(), ratelimit.New(cfg.Tuning(), log), log)

	id, err := client.SendText(ctx, sa.idType, sa.to, sa.text)
	if err != nil {
		return err
	}
	if id != "" {
		fmt.Fprintf(out, "sent (id: %s)\n", id)
	} else {
		fmt.Fprintln(out, "sent")
	}
	return nil
}

func handleStatus(ctx context.Context, addr string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge unhealthy (status %d)", resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	pretty, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}

// handleEndpoint checks the credentials against long connection discovery
// without opening a socket.
func handleEndpoint(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ep, err := longconn.Discover(ctx, nil, cfg.App.Domain, cfg.App.AppID, cfg.App.AppSecret)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "endpoint: %s\n", redactQuery(ep.URL))
	if ep.ClientConfig != nil {
		fmt.Fprintf(out, "ping interval: %ds\nreconnect count: %d\n",
			ep.ClientConfig.PingInterval, ep.ClientConfig.ReconnectCount)
	}
	return nil
}

func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?..."
	}
	return u
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`feishu-cli - Send messages and inspect a running feishu-bridge

Commands:
  send --to ID --text "message"   Send a text message (--type overrides the id kind)
  status                           Show the bridge status
  endpoint                         Check credentials against long connection discovery
  help                             Show this help

Environment:
  FEISHU_APP_ID          App id (required for send and endpoint)
  FEISHU_APP_SECRET      App secret (required for send and endpoint)
  FEISHU_CONFIG          Config file path (default: ~/.config/feishu-bridge/config.toml)
  FEISHU_STATUS_ADDR     Bridge address (default: http://localhost:18790)`)
}
