package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/guard"
)

func TestApplyLogConfig(t *testing.T) {
	logger := logrus.New()

	applyLogConfig(logger, config.LogConfig{Level: "debug", Format: "json"})
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T, want JSON", logger.Formatter)
	}

	applyLogConfig(logger, config.LogConfig{Level: "loud", Format: "text"})
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatal("unknown level should keep the previous one")
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("formatter = %T, want text", logger.Formatter)
	}
}

func TestLogMessage(t *testing.T) {
	logger, hook := test.NewNullLogger()
	msg := &events.MessageReceiveEvent{
		Meta:     events.Meta{EventID: "ev1"},
		SenderID: events.UserID{OpenID: "ou_1"},
		ChatID:   "oc_1",
		Text:     "hello",
	}
	if _, err := logMessage(logger)(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "hello" {
		t.Fatalf("expected a log line with the text, got %+v", entry)
	}
	if entry.Data["sender"] != "ou_1" {
		t.Errorf("sender field = %v", entry.Data["sender"])
	}
}

func TestLogMessageIncludesGuardRole(t *testing.T) {
	logger, hook := test.NewNullLogger()
	g := guard.New(config.GuardConfig{Mode: config.GuardOpen, DefaultRole: "member"})
	h := g.Wrap(events.Typed(logMessage(logger)), nil)

	msg := &events.MessageReceiveEvent{Meta: events.Meta{EventID: "ev-r"}, SenderID: events.UserID{OpenID: "ou_2"}, Text: "hey"}
	if _, err := h(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["role"] != "member" {
		t.Fatalf("expected role member, got %+v", entry)
	}
}

func TestLogEventIsDebug(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	evt := &events.RawEvent{Meta: events.Meta{EventID: "ev2", EventType: "custom.event"}}
	if _, err := logEvent(logger)(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.DebugLevel {
		t.Fatalf("expected a debug entry, got %+v", entry)
	}
	if entry.Data["event_type"] != "custom.event" {
		t.Errorf("event_type field = %v", entry.Data["event_type"])
	}
}
