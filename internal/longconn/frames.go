package longconn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Frame types on the socket.
const (
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
	FrameAck       = "ack"
)

// Frame is one JSON text frame. Data holds a base64 payload: event JSON on
// event frames, the handler response on acks, ClientConfig on heartbeat acks.
type Frame struct {
	Type      string `json:"type"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Sum       int    `json:"sum,omitempty"`
	Seq       int    `json:"seq,omitempty"`
	Code      int    `json:"code,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Payload decodes Data.
func (f Frame) Payload() ([]byte, error) {
	if f.Data == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode frame data: %w", err)
	}
	return b, nil
}

// EncodeData base64-encodes a payload for Frame.Data.
func EncodeData(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func parseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("parse frame: missing type")
	}
	return f, nil
}

func ackFrame(in Frame, code int, body any) Frame {
	out := Frame{Type: FrameAck, EventID: in.EventID, MessageID: in.MessageID, Code: code}
	if body != nil {
		if b, err := json.Marshal(body); err == nil {
			out.Data = EncodeData(b)
		}
	}
	return out
}

const defaultFragmentTTL = 5 * time.Second

// maxFragments bounds how many pieces one payload may be split into.
const maxFragments = 64

type partial struct {
	total     int
	chunks    map[int][]byte
	expiresAt time.Time
}

// combiner reassembles payloads split across several event frames.
type combiner struct {
	mu    sync.Mutex
	ttl   time.Duration
	parts map[string]*partial
	now   func() time.Time
}

func newCombiner(ttl time.Duration) *combiner {
	if ttl <= 0 {
		ttl = defaultFragmentTTL
	}
	return &combiner{ttl: ttl, parts: make(map[string]*partial), now: time.Now}
}

// add stores one fragment and returns the merged payload once every
// fragment of messageID has arrived. A fragment whose seq is out of range,
// or whose total disagrees with the earlier fragments, is rejected and the
// partial message dropped.
func (c *combiner) add(messageID string, total, seq int, data []byte) ([]byte, bool, error) {
	if total <= 1 {
		return data, true, nil
	}
	if total > maxFragments {
		return nil, false, fmt.Errorf("fragment count %d exceeds %d", total, maxFragments)
	}
	if seq < 0 || seq >= total {
		return nil, false, fmt.Errorf("fragment seq %d out of range [0,%d)", seq, total)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, p := range c.parts {
		if !now.Before(p.expiresAt) {
			delete(c.parts, id)
		}
	}

	p, ok := c.parts[messageID]
	if !ok {
		p = &partial{total: total, chunks: make(map[int][]byte, total)}
		c.parts[messageID] = p
	}
	if p.total != total {
		delete(c.parts, messageID)
		return nil, false, fmt.Errorf("fragment count changed from %d to %d", p.total, total)
	}
	p.chunks[seq] = data
	p.expiresAt = now.Add(c.ttl)
	if len(p.chunks) < p.total {
		return nil, false, nil
	}

	var merged []byte
	for s := 0; s < p.total; s++ {
		merged = append(merged, p.chunks[s]...)
	}
	delete(c.parts, messageID)
	return merged, len(merged) > 0, nil
}

func (c *combiner) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parts)
}
