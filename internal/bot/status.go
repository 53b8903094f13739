package bot

import (
	"time"

	"github.com/Enriquefft/feishu-bridge/internal/status"
)

// Status is what GET /status serves.
type Status struct {
	status.Snapshot
	Mode       string      `json:"mode"`
	Connection *ConnStatus `json:"connection,omitempty"`
}

// ConnStatus describes the long connection.
type ConnStatus struct {
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	ConnectionID string     `json:"connection_id,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastFrameAt  *time.Time `json:"last_frame_at,omitempty"`
}

// Status returns a point-in-time view of the bot.
func (b *Bot) Status() Status {
	st := Status{
		Snapshot: b.tracker.Snapshot(),
		Mode:     b.cfg.Delivery.Mode,
	}
	if b.conn != nil {
		info := b.conn.Info()
		cs := &ConnStatus{
			State:        info.State.String(),
			Attempts:     info.Attempts,
			ConnectionID: info.ConnectionID,
		}
		if info.LastError != nil {
			cs.LastError = info.LastError.Error()
		}
		if !info.LastFrameAt.IsZero() {
			t := info.LastFrameAt
			cs.LastFrameAt = &t
		}
		st.Connection = cs
	}
	return st
}
