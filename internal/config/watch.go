package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid config to fn.
// Invalid files are logged and skipped. It blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so that editors that
// save by renaming are still seen.
func Watch(ctx context.Context, path string, log logrus.FieldLogger, fn func(*Config)) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	log = log.WithField("path", path)
	log.Debug("watching config file")

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")

		case <-timer.C:
			cfg, err := LoadFile(path)
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous config")
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.WithError(err).Warn("reloaded config is invalid, keeping previous config")
				continue
			}
			log.Info("config reloaded")
			fn(cfg)
		}
	}
}
