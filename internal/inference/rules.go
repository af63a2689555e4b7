package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lotas/tabgruppen/internal/applog"
)

// RulesFilePath returns the path to the grouping rules file.
func RulesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tabgruppen", "grouping-rules.txt")
}

// LoadRules reads the rules file, returning empty string if it doesn't exist.
func LoadRules(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

const rulesDebounce = 100 * time.Millisecond

// WatchRules calls fn with the new rules every time the file at path is
// written, created or removed. Editors often write several times in a row,
// so changes are debounced. It blocks until ctx is done.
func WatchRules(ctx context.Context, path string, fn func(rules string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so the file may be created or replaced later.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Base(path)
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
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(rulesDebounce, func() {
				applog.Info("rules.changed", "path", path)
				fn(LoadRules(path))
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			applog.Error("rules.watch", err, "path", path)
		}
	}
}
