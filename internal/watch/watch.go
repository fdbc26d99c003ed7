// Package watch feeds externally dropped seed files into the fuzzing
// loop. The watch is non-recursive, so corpus and crash artifacts
// written into subdirectories never loop back in.
package watch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch observes dir for new files and sends each new file's contents
// on out. It returns once the watcher is installed; events are handled
// on a background goroutine until ctx is canceled. Watcher errors are
// logged and the loop continues.
func Watch(ctx context.Context, dir string, out chan<- []byte) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) {
					continue
				}
				handleNewFile(event.Name, out)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watch error: %v", err)
			}
		}
	}()
	return nil
}

func handleNewFile(path string, out chan<- []byte) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("can't read dropped file %s: %v", filepath.Base(path), err)
		return
	}
	log.Infof("picked up dropped file %s (%d bytes)", filepath.Base(path), len(data))
	out <- data
}
