package sim

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay coalesces the burst of events a single save produces.
const DefaultReloadDelay = 200 * time.Millisecond

// ReloadFunc receives every successfully reloaded cloud.
type ReloadFunc func(cloud *Cloud, report LoadReport)

// CloudWatcher reloads a cloud file when it changes on disk. The parent
// directory is watched so that editors which replace the file by rename are
// still noticed.
type CloudWatcher struct {
	path     string
	delay    time.Duration
	onReload ReloadFunc
	watcher  *fsnotify.Watcher
}

// NewCloudWatcher starts watching path. Call Run to process events.
func NewCloudWatcher(path string, onReload ReloadFunc) (*CloudWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &CloudWatcher{
		path:     abs,
		delay:    DefaultReloadDelay,
		onReload: onReload,
		watcher:  w,
	}, nil
}

// SetDelay changes how long the watcher waits after the last event before
// reloading.
func (cw *CloudWatcher) SetDelay(d time.Duration) {
	cw.delay = d
}

// Run processes file events until ctx is cancelled, then closes the watcher.
// A file that fails to load keeps the previous cloud in place.
func (cw *CloudWatcher) Run(ctx context.Context) error {
	defer cw.watcher.Close()

	timer := time.NewTimer(cw.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				timer.Reset(cw.delay)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Warning: watching %s: %v", cw.path, err)
		case <-timer.C:
			cw.reload()
		}
	}
}

func (cw *CloudWatcher) reload() {
	cloud, report, err := LoadCloud(cw.path)
	if err != nil {
		log.Printf("Warning: reloading %s: %v", cw.path, err)
		return
	}
	log.Printf("Reloaded %s: %d landmarks (%d rows dropped)", cw.path, cloud.Len(), report.Dropped)
	if cw.onReload != nil {
		cw.onReload(cloud, report)
	}
}
