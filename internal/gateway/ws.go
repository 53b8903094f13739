// Package gateway forwards inbound chat messages to a downstream agent
// gateway over a websocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Enriquefft/feishu-bridge/internal/events"
)

// Message is the message format sent to the gateway.
type Message struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	From      string `json:"from"`
	ChatID    string `json:"chat_id,omitempty"`
	ChatType  string `json:"chat_type,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

// FromEvent builds the gateway message for an inbound chat message.
func FromEvent(evt *events.MessageReceiveEvent) Message {
	from := evt.SenderID.OpenID
	if from == "" {
		from = evt.SenderID.UserID
	}
	return Message{
		Type:      "message",
		Channel:   "feishu",
		From:      from,
		ChatID:    evt.ChatID,
		ChatType:  evt.ChatType,
		MessageID: evt.MessageID,
		Text:      evt.Text,
	}
}

// Client manages a WebSocket connection to the gateway. It dials lazily and
// redials once when a write fails.
type Client struct {
	url   string
	token string
	log   logrus.FieldLogger
	conn  *websocket.Conn
	mu    sync.Mutex
}

// NewClient creates a new gateway WebSocket client.
func NewClient(url, token string, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		url:   url,
		token: token,
		log:   log.WithField("component", "gateway"),
	}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.log.WithField("url", c.url).Info("connected to gateway")
	return nil
}

// Send writes msg, reconnecting once if the connection is gone.
func (c *Client) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.write(data)
		if err == nil {
			return nil
		}
		c.log.WithError(err).Warn("gateway write failed, reconnecting")
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Handler forwards every allowed message event to the gateway.
func (c *Client) Handler() events.Handler {
	return events.Typed(func(ctx context.Context, evt *events.MessageReceiveEvent) (any, error) {
		if evt.Text == "" {
			return nil, nil
		}
		if err := c.Send(ctx, FromEvent(evt)); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
