package main

import (
	"context"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Enriquefft/feishu-bridge/internal/bot"
	"github.com/Enriquefft/feishu-bridge/internal/config"
	"github.com/Enriquefft/feishu-bridge/internal/events"
	"github.com/Enriquefft/feishu-bridge/internal/gateway"
	"github.com/Enriquefft/feishu-bridge/internal/guard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	logger := logrus.New()
	applyLogConfig(logger, cfg.Log)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *logrus.Logger) int {
	b, err := bot.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("build bot")
		return 1
	}
	defer b.Close()

	b.OnMessage(logMessage(logger))
	b.SetDefaultHandler(logEvent(logger))

	if cfg.Gateway.URL != "" {
		gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, logger)
		defer gw.Close()
		b.RegisterAsync(events.TypeMessageReceive, gw.Handler())
		logger.WithField("url", cfg.Gateway.URL).Info("forwarding messages to gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unregister := b.StopOnSignal(syscall.SIGINT, syscall.SIGTERM)
	defer unregister()

	if path := config.Path(); path != "" {
		if _, err := os.Stat(path); err == nil {
			go func() {
				err := config.Watch(ctx, path, logger, func(next *config.Config) {
					applyLogConfig(logger, next.Log)
					b.ApplyConfig(next)
				})
				if err != nil {
					logger.WithError(err).Warn("config watch disabled")
				}
			}()
		}
	}

	if err := b.Run(ctx); err != nil {
		return 1
	}
	return 0
}

// applyLogConfig sets the formatter and level. An unknown level keeps the
// current one.
func applyLogConfig(logger *logrus.Logger, cfg config.LogConfig) {
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("unknown log level")
		return
	}
	logger.SetLevel(level)
}

func logMessage(logger logrus.FieldLogger) func(context.Context, *events.MessageReceiveEvent) (any, error) {
	return func(ctx context.Context, msg *events.MessageReceiveEvent) (any, error) {
		role, _ := guard.RoleFromContext(ctx)
		logger.WithFields(logrus.Fields{
			"event_id": msg.EventID,
			"sender":   msg.SenderID.OpenID,
			"role":     role,
			"chat_id":  msg.ChatID,
			"type":     msg.MessageType,
		}).Info(msg.Text)
		return nil, nil
	}
}

func logEvent(logger logrus.FieldLogger) events.Handler {
	return func(_ context.Context, evt events.Event) (any, error) {
		meta := evt.EventMeta()
		logger.WithFields(logrus.Fields{
			"event_id":   meta.EventID,
			"event_type": meta.EventType,
			"schema":     meta.Schema,
		}).Debug("unhandled event")
		return nil, nil
	}
}
