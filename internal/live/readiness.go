package live

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReadyDetector signals when the publisher has produced its first playable
// segment. Both detection paths are heuristic: a filesystem event for a new
// segment, or ffmpeg's diagnostic line announcing a segment open. The caller
// must tolerate a false negative by stopping and retrying.
type ReadyDetector interface {
	// Ready is closed once readiness has been observed.
	Ready() <-chan struct{}
	// ObserveLine feeds a child-process diagnostic line into the detector.
	ObserveLine(line string)
	Close() error
}

type segmentDetector struct {
	ready   chan struct{}
	once    sync.Once
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// newSegmentDetector watches the HLS output directory for the first media
// segment. The stderr sniff remains as a fallback for filesystems where
// fsnotify is unreliable.
func newSegmentDetector(dir string, logger *slog.Logger) (ReadyDetector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	d := &segmentDetector{
		ready:   make(chan struct{}),
		watcher: watcher,
		logger:  logger,
	}
	go d.run()
	return d, nil
}

func (d *segmentDetector) run() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if isSegmentFile(event.Name) {
				d.signal("fsnotify")
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			if d.logger != nil {
				d.logger.Warn("segment watcher error", "error", err)
			}
		}
	}
}

// ObserveLine matches ffmpeg's "Opening '...' for writing" diagnostic emitted
// when a new output segment starts.
func (d *segmentDetector) ObserveLine(line string) {
	if !strings.Contains(line, "Opening '") {
		return
	}
	if strings.Contains(line, ".ts'") || strings.Contains(line, ".m4s'") {
		d.signal("stderr")
	}
}

func (d *segmentDetector) Ready() <-chan struct{} {
	return d.ready
}

func (d *segmentDetector) Close() error {
	return d.watcher.Close()
}

func (d *segmentDetector) signal(source string) {
	d.once.Do(func() {
		if d.logger != nil {
			d.logger.Info("first segment observed", "source", source)
		}
		close(d.ready)
	})
}

func isSegmentFile(name string) bool {
	switch filepath.Ext(name) {
	case ".ts", ".m4s":
		return true
	default:
		return false
	}
}
