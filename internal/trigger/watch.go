package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// ReloadDefaults replaces the seed set with the rules in path. On error the
// previous defaults stay.
func (e *Engine) ReloadDefaults(path string) (int, error) {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	if err := e.SetDefaults(rules); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// WatchDefaults reloads the seed set from path whenever the file changes.
// A file that fails to parse is logged and the previous defaults stay.
func (e *Engine) WatchDefaults(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("triggers watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				n, err := e.ReloadDefaults(path)
				if err != nil {
					slog.Error("triggers reload failed", "path", path, "err", err)
					continue
				}
				slog.Info("triggers reloaded", "path", path, "rules", n)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("triggers watch error", "err", err)
			}
		}
	}()
	return nil
}
