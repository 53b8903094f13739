package events

import (
	"encoding/json"
	"fmt"
)

// Well-known event types with a typed decoding.
const (
	TypeMessageReceive       = "im.message.receive_v1"
	TypeBotMenu              = "application.bot.menu_v6"
	TypeCardAction           = "card.action.trigger"
	TypeURLPreview           = "url.preview.get"
	TypeBitableRecordChanged = "drive.file.bitable_record_changed_v1"
	TypeBitableFieldChanged  = "drive.file.bitable_field_changed_v1"
)

// Event is the decoded form of an Envelope handed to handlers.
type Event interface {
	EventMeta() Meta
}

// Meta carries the envelope fields every event shares.
type Meta struct {
	EventID    string
	EventType  string
	CreateTime int64
	TenantKey  string
	AppID      string
	Schema     string
}

// EventMeta implements Event for every type that embeds Meta.
func (m Meta) EventMeta() Meta { return m }

func metaOf(env Envelope) Meta {
	return Meta{
		EventID:    env.EventID,
		EventType:  env.EventType,
		CreateTime: env.CreateTime,
		TenantKey:  env.TenantKey,
		AppID:      env.AppID,
		Schema:     env.Schema,
	}
}

// UserID identifies a user in the three id spaces the platform exposes.
type UserID struct {
	OpenID  string `json:"open_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	UnionID string `json:"union_id,omitempty"`
}

// Mention is one @-mention inside a message.
type Mention struct {
	Key  string `json:"key"`
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// MessageReceiveEvent is a message sent to the bot or a chat it is in.
type MessageReceiveEvent struct {
	Meta
	SenderID    UserID
	SenderType  string
	MessageID   string
	RootID      string
	ParentID    string
	ChatID      string
	ChatType    string
	MessageType string
	Content     string
	Text        string
	Mentions    []Mention
}

// BotMenuEvent is a click on a bot menu entry.
type BotMenuEvent struct {
	Meta
	EventKey  string
	Operator  UserID
	Timestamp int64
}

// CardAction is the interactive element that fired a CardActionEvent.
type CardAction struct {
	Tag      string         `json:"tag"`
	Option   string         `json:"option,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
	Value    map[string]any `json:"value,omitempty"`
	Form     map[string]any `json:"form_value,omitempty"`
}

// CardActionEvent is a callback from an interactive message card.
type CardActionEvent struct {
	Meta
	Operator  UserID
	Token     string
	MessageID string
	ChatID    string
	Action    CardAction
}

// URLPreviewEvent asks the bot to render a link preview.
type URLPreviewEvent struct {
	Meta
	Operator     UserID
	URL          string
	PreviewToken string
	MessageID    string
	ChatID       string
}

// BitableRecordChangedEvent reports record edits in a bitable.
type BitableRecordChangedEvent struct {
	Meta
	FileToken   string
	FileType    string
	TableID     string
	Revision    int64
	OperatorIDs []UserID
	Actions     []json.RawMessage
}

// BitableFieldChangedEvent reports schema edits in a bitable.
type BitableFieldChangedEvent struct {
	Meta
	FileToken   string
	FileType    string
	TableID     string
	Revision    int64
	OperatorIDs []UserID
	Actions     []json.RawMessage
}

// CustomizedEvent is any legacy p1 event without a typed decoding.
type CustomizedEvent struct {
	Meta
	Data map[string]any
}

// RawEvent is the fallback for event types with no registered parser.
type RawEvent struct {
	Meta
	Data json.RawMessage
}

// Parser turns an envelope into an Event. Parsers must be pure: the same
// envelope always yields an equal Event.
type Parser func(env Envelope) (Event, error)

func builtinParsers() map[string]Parser {
	return map[string]Parser{
		TypeMessageReceive:       parseMessageReceive,
		TypeBotMenu:              parseBotMenu,
		TypeCardAction:           parseCardAction,
		TypeURLPreview:           parseURLPreview,
		TypeBitableRecordChanged: parseBitableRecordChanged,
		TypeBitableFieldChanged:  parseBitableFieldChanged,
	}
}

func parseFallback(env Envelope) (Event, error) {
	if env.Schema == SchemaV1 {
		data := map[string]any{}
		if len(env.Event) > 0 {
			if err := json.Unmarshal(env.Event, &data); err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.EventType, err)
			}
		}
		return &CustomizedEvent{Meta: metaOf(env), Data: data}, nil
	}
	return &RawEvent{Meta: metaOf(env), Data: env.Event}, nil
}

func decodeBody(env Envelope, v any) error {
	if len(env.Event) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Event, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.EventType, err)
	}
	return nil
}

func parseMessageReceive(env Envelope) (Event, error) {
	var body struct {
		Sender struct {
			SenderID   UserID `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string    `json:"message_id"`
			RootID      string    `json:"root_id"`
			ParentID    string    `json:"parent_id"`
			ChatID      string    `json:"chat_id"`
			ChatType    string    `json:"chat_type"`
			MessageType string    `json:"message_type"`
			Content     string    `json:"content"`
			Mentions    []Mention `json:"mentions"`
		} `json:"message"`
	}
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	m := body.Message
	return &MessageReceiveEvent{
		Meta:        metaOf(env),
		SenderID:    body.Sender.SenderID,
		SenderType:  body.Sender.SenderType,
		MessageID:   m.MessageID,
		RootID:      m.RootID,
		ParentID:    m.ParentID,
		ChatID:      m.ChatID,
		ChatType:    m.ChatType,
		MessageType: m.MessageType,
		Content:     m.Content,
		Text:        ExtractText(m.MessageType, m.Content),
		Mentions:    m.Mentions,
	}, nil
}

func parseBotMenu(env Envelope) (Event, error) {
	var body struct {
		Operator struct {
			OperatorID UserID `json:"operator_id"`
		} `json:"operator"`
		EventKey  string     `json:"event_key"`
		Timestamp flexString `json:"timestamp"`
	}
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	return &BotMenuEvent{
		Meta:      metaOf(env),
		EventKey:  body.EventKey,
		Operator:  body.Operator.OperatorID,
		Timestamp: parseMillis(string(body.Timestamp)),
	}, nil
}

func parseCardAction(env Envelope) (Event, error) {
	var body struct {
		Operator UserID     `json:"operator"`
		Token    string     `json:"token"`
		Action   CardAction `json:"action"`
		Context  struct {
			OpenMessageID string `json:"open_message_id"`
			OpenChatID    string `json:"open_chat_id"`
		} `json:"context"`
	}
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	return &CardActionEvent{
		Meta:      metaOf(env),
		Operator:  body.Operator,
		Token:     body.Token,
		MessageID: body.Context.OpenMessageID,
		ChatID:    body.Context.OpenChatID,
		Action:    body.Action,
	}, nil
}

func parseURLPreview(env Envelope) (Event, error) {
	var body struct {
		Operator UserID `json:"operator"`
		Context  struct {
			URL           string `json:"url"`
			PreviewToken  string `json:"preview_token"`
			OpenMessageID string `json:"open_message_id"`
			OpenChatID    string `json:"open_chat_id"`
		} `json:"context"`
	}
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	return &URLPreviewEvent{
		Meta:         metaOf(env),
		Operator:     body.Operator,
		URL:          body.Context.URL,
		PreviewToken: body.Context.PreviewToken,
		MessageID:    body.Context.OpenMessageID,
		ChatID:       body.Context.OpenChatID,
	}, nil
}

type bitableBody struct {
	FileToken   string            `json:"file_token"`
	FileType    string            `json:"file_type"`
	TableID     string            `json:"table_id"`
	Revision    int64             `json:"revision"`
	OperatorIDs []UserID          `json:"operator_id_list"`
	Actions     []json.RawMessage `json:"action_list"`
}

func parseBitableRecordChanged(env Envelope) (Event, error) {
	var body bitableBody
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	return &BitableRecordChangedEvent{
		Meta:        metaOf(env),
		FileToken:   body.FileToken,
		FileType:    body.FileType,
		TableID:     body.TableID,
		Revision:    body.Revision,
		OperatorIDs: body.OperatorIDs,
		Actions:     body.Actions,
	}, nil
}

func parseBitableFieldChanged(env Envelope) (Event, error) {
	var body bitableBody
	if err := decodeBody(env, &body); err != nil {
		return nil, err
	}
	return &BitableFieldChangedEvent{
		Meta:        metaOf(env),
		FileToken:   body.FileToken,
		FileType:    body.FileType,
		TableID:     body.TableID,
		Revision:    body.Revision,
		OperatorIDs: body.OperatorIDs,
		Actions:     body.Actions,
	}, nil
}
