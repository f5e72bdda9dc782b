package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file whenever it changes on disk.
type Watcher struct {
	Path string
	// Debounce is how long to wait for further writes before reloading.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnChange receives every configuration that loaded successfully.
	OnChange func(*Config)
}

// Run watches until ctx is done. The directory of Path is watched rather than
// the file itself, so editors that replace the file are followed.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	log.Debug("watching configuration", "path", target)

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case <-fire:
			cfg, err := Load(w.Path)
			if err != nil {
				log.Warn("configuration reload failed", "path", w.Path, "error", err)
				continue
			}
			for _, wr := range cfg.Warnings {
				log.Warn("configuration warning", "warning", wr.Error())
			}
			log.Info("configuration reloaded", "path", w.Path)
			if w.OnChange != nil {
				w.OnChange(cfg)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("configuration watcher error", "error", err)
		}
	}
}
