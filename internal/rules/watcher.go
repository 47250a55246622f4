package rules

import (
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watch observes the configured rule files and logs a warning when one
// changes on disk. Tables are immutable per process, so a change requires a
// restart to take effect; there is no hot reload. The returned function
// stops the watcher.
func Watch(p Paths, logger *log.Logger) (func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	for _, path := range []string{p.Blocked, p.Safelist, p.Danger, p.Compliance, p.Risk} {
		if path == "" {
			continue
		}
		if err := w.Add(path); err != nil {
			logger.Warn("cannot watch rule file", "path", path, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return func() error { return nil }, nil
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					logger.Warn("rule file changed on disk; restart required to apply",
						"path", ev.Name, "op", ev.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("rule file watcher error", "error", err)
			}
		}
	}()

	return w.Close, nil
}
