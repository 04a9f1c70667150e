// Package confwatcher contains a configuration watcher.
package confwatcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	minInterval    = 1 * time.Second
	additionalWait = 10 * time.Millisecond
)

// ConfWatcher watches the configuration file and signals when it changes.
// Editors often replace the file instead of writing it in place, so the
// parent directory is watched rather than the file itself.
type ConfWatcher struct {
	FilePath string

	inner        *fsnotify.Watcher
	absolutePath string

	// in
	terminate chan struct{}

	// out
	signal chan struct{}
	done   chan struct{}
}

// Initialize initializes a ConfWatcher.
func (w *ConfWatcher) Initialize() error {
	if _, err := os.Stat(w.FilePath); err != nil {
		return err
	}

	var err error
	w.inner, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w.absolutePath, _ = filepath.Abs(w.FilePath)

	err = w.inner.Add(filepath.Dir(w.absolutePath))
	if err != nil {
		w.inner.Close() //nolint:errcheck
		return err
	}

	w.terminate = make(chan struct{})
	w.signal = make(chan struct{})
	w.done = make(chan struct{})

	go w.run()

	return nil
}

// Close closes a ConfWatcher.
func (w *ConfWatcher) Close() {
	close(w.terminate)
	<-w.done
}

func (w *ConfWatcher) run() {
	defer close(w.done)

	var lastSignal time.Time
	previousPath, _ := filepath.EvalSymlinks(w.absolutePath)

outer:
	for {
		select {
		case event := <-w.inner.Events:
			if time.Since(lastSignal) < minInterval {
				continue
			}

			currentPath, _ := filepath.EvalSymlinks(w.absolutePath)
			eventPath, _ := filepath.Abs(event.Name)
			eventPath, _ = filepath.EvalSymlinks(eventPath)

			if currentPath == "" {
				// file was removed; the next create or write re-arms the watch
				previousPath = ""
			} else if currentPath != previousPath ||
				(eventPath == currentPath &&
					((event.Op&fsnotify.Write) == fsnotify.Write ||
						(event.Op&fsnotify.Create) == fsnotify.Create)) {
				// give the writer time to finish
				time.Sleep(additionalWait)
				previousPath = currentPath

				lastSignal = time.Now()

				select {
				case w.signal <- struct{}{}:
				case <-w.terminate:
					break outer
				}
			}

		case <-w.inner.Errors:
			break outer

		case <-w.terminate:
			break outer
		}
	}

	close(w.signal)
	w.inner.Close() //nolint:errcheck
}

// Watch returns a channel that receives a value after the configuration file has changed.
func (w *ConfWatcher) Watch() chan struct{} {
	return w.signal
}
