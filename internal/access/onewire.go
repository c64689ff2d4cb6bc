package access

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type EventType string

const (
	DeviceFound   EventType = "device-found"
	DeviceRemoved EventType = "device-removed"
)

type Event struct {
	Type     EventType
	DeviceID string
}

type Options struct {
	DevicePath       string
	ScanInterval     time.Duration
	IgnoreDevices    []string
	ReleaseAfterRead bool
	Logger           *slog.Logger
}

// Reader reports iButtons appearing on the 1-Wire bus. Devices already on the
// bus when Run starts are treated as known and never reported as found.
type Reader struct {
	path     string
	interval time.Duration
	ignore   map[string]struct{}
	release  bool
	logger   *slog.Logger

	events chan Event
	known  map[string]struct{}
}

func NewReader(opts Options) *Reader {
	if opts.DevicePath == "" {
		opts.DevicePath = "/sys/bus/w1/devices"
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ignore := make(map[string]struct{}, len(opts.IgnoreDevices))
	for _, id := range opts.IgnoreDevices {
		ignore[id] = struct{}{}
	}

	return &Reader{
		path:     opts.DevicePath,
		interval: opts.ScanInterval,
		ignore:   ignore,
		release:  opts.ReleaseAfterRead,
		logger:   opts.Logger.With("component", "onewire"),
		events:   make(chan Event, 16),
		known:    make(map[string]struct{}),
	}
}

// Events is closed when Run returns.
func (r *Reader) Events() <-chan Event { return r.events }

func (r *Reader) Run(ctx context.Context) error {
	defer close(r.events)

	devices, err := r.list()
	if err != nil {
		return fmt.Errorf("read 1-wire devices: %w", err)
	}
	for _, id := range devices {
		r.known[id] = struct{}{}
	}
	r.logger.Info("access reader started", "path", r.path, "known", len(devices))

	// sysfs does not always deliver inotify events, the ticker covers that.
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("file watcher unavailable, scanning only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.path); err != nil {
			r.logger.Warn("failed to watch device path, scanning only", "error", err)
		} else {
			fsEvents = watcher.Events
			fsErrors = watcher.Errors
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.scan(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) {
				r.scan(ctx)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			r.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (r *Reader) scan(ctx context.Context) {
	devices, err := r.list()
	if err != nil {
		r.logger.Error("failed to read 1-wire devices", "error", err)
		return
	}

	present := make(map[string]struct{}, len(devices))
	for _, id := range devices {
		present[id] = struct{}{}
		if _, ok := r.known[id]; ok {
			continue
		}
		r.known[id] = struct{}{}
		r.logger.Info("ibutton connected", "device", id)

		// The bus master drops the entry; the next scan reports the removal.
		if r.release {
			if err := r.releaseDevice(id); err != nil {
				r.logger.Error("failed to release device", "device", id, "error", err)
			}
		}
		r.emit(ctx, Event{Type: DeviceFound, DeviceID: id})
	}

	for id := range r.known {
		if _, ok := present[id]; !ok {
			delete(r.known, id)
			r.logger.Info("ibutton removed", "device", id)
			r.emit(ctx, Event{Type: DeviceRemoved, DeviceID: id})
		}
	}
}

func (r *Reader) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func (r *Reader) list() ([]string, error) {
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if r.ignored(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

func (r *Reader) ignored(id string) bool {
	if strings.HasPrefix(id, "w1_bus_master") || strings.HasPrefix(id, "00-") {
		return true
	}
	_, ok := r.ignore[id]
	return ok
}

// releaseDevice asks the bus master to forget the device so the next touch
// of the same button is reported again.
func (r *Reader) releaseDevice(id string) error {
	f, err := os.OpenFile(filepath.Join(r.path, "w1_bus_master1", "w1_master_remove"), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(id + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
