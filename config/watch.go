package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads path whenever it changes and hands valid configurations to
// fn. It watches the parent directory so editors that replace the file are
// noticed. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err = w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logrus.Warn("[ CONFIG_RELOAD ] ignoring invalid configuration: ", err)
				continue
			}
			logrus.Info("[ CONFIG_RELOAD ] path: ", path)
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.Error("[ CONFIG_WATCH ] ", err)
		}
	}
}
