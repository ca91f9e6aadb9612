package stormlsp

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce coalesces the burst of filesystem events editors emit for
// a single save into one reload.
const watchDebounce = 200 * time.Millisecond

// ConfigWatcher reloads the server configuration when its file changes on
// disk and delivers each successfully parsed revision on Changes. The host
// decides how to apply a new revision; running servers are never touched
// here.
type ConfigWatcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	changes chan Config
	done    chan struct{}
}

// WatchConfig starts watching a config file. The containing directory is
// watched rather than the file itself so atomic rename-into-place saves
// are seen.
func WatchConfig(path string, logger *zap.Logger) (*ConfigWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, errors.Wrap(err, "resolve config path")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}

	w := &ConfigWatcher{
		path:    abs,
		logger:  logger,
		watcher: fw,
		changes: make(chan Config, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Changes delivers each reloaded configuration. The channel holds one
// pending revision; an unread revision is replaced by a newer one.
func (w *ConfigWatcher) Changes() <-chan Config { return w.changes }

func (w *ConfigWatcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		// A half-written or invalid file keeps the previous config active.
		w.logger.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	select {
	case w.changes <- cfg:
	default:
		select {
		case <-w.changes:
		default:
		}
		w.changes <- cfg
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
