package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventKind tells whether a reader came into or went out of range.
type EventKind int

const (
	EventAppeared EventKind = iota
	EventDisappeared
)

func (k EventKind) String() string {
	switch k {
	case EventAppeared:
		return "appeared"
	case EventDisappeared:
		return "disappeared"
	default:
		return "unknown"
	}
}

// Event is one discovery change.
type Event struct {
	Kind   EventKind
	Device Device
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	ScanInterval time.Duration // time between scan starts (default 10s)
	ScanWindow   time.Duration // how long each scan listens (default 5s)
	NamePrefix   string        // only report devices whose name has this prefix
	EventBuffer  int           // events channel capacity (default 16)
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		ScanInterval: 10 * time.Second,
		ScanWindow:   5 * time.Second,
		EventBuffer:  16,
	}
}

// Watcher periodically scans for readers and reports which ones appeared or
// disappeared since the previous scan.
type Watcher struct {
	adapter Adapter
	opts    WatcherOptions
	events  chan Event

	// known is only touched by the scan goroutine.
	known []Device

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher. Call Start to begin scanning.
func NewWatcher(adapter Adapter, opts WatcherOptions) *Watcher {
	def := DefaultWatcherOptions()
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = def.ScanInterval
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.ScanWindow > opts.ScanInterval {
		opts.ScanWindow = opts.ScanInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Watcher{
		adapter: adapter,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Events returns the channel discovery events are delivered on. It is closed
// once the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start enables the adapter and begins scanning in the background until ctx
// is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("ble: watcher already started")
	}
	if err := w.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	w.started = true
	go w.run(ctx)
	return nil
}

// Stop ends scanning and waits for the background goroutine. Safe to call
// more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.opts.ScanInterval)
	defer ticker.Stop()

	for {
		w.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanOnce runs one scan window and emits the differences from the
// previous result.
func (w *Watcher) scanOnce(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, w.opts.ScanWindow)
	found, err := w.adapter.Scan(scanCtx, ReaderServiceUUID)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("[SCAN] scan failed", "error", err)
		return
	}

	current := w.filter(found)
	appeared := newDevices(w.known, current)
	vanished := vanishedDevices(w.known, current)
	w.known = current

	for _, d := range vanished {
		slog.Info("[SCAN] reader disappeared", "name", d.Name, "mac", d.MAC)
		if !w.emit(ctx, Event{Kind: EventDisappeared, Device: d}) {
			return
		}
	}
	for _, d := range appeared {
		slog.Info("[SCAN] reader appeared", "name", d.Name, "mac", d.MAC, "rssi", d.RSSI)
		if !w.emit(ctx, Event{Kind: EventAppeared, Device: d}) {
			return
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) filter(devices []Device) []Device {
	if w.opts.NamePrefix == "" {
		return devices
	}
	var out []Device
	for _, d := range devices {
		if strings.HasPrefix(d.Name, w.opts.NamePrefix) {
			out = append(out, d)
		}
	}
	return out
}

// newDevices returns the entries of current whose address is not in last.
func newDevices(last, current []Device) []Device {
	var out []Device
	for _, c := range current {
		if !containsAddress(last, c.MAC) {
			out = append(out, c)
		}
	}
	return out
}

// vanishedDevices returns the entries of last whose address is not in current.
func vanishedDevices(last, current []Device) []Device {
	var out []Device
	for _, l := range last {
		if !containsAddress(current, l.MAC) {
			out = append(out, l)
		}
	}
	return out
}

func containsAddress(devices []Device, mac string) bool {
	for _, d := range devices {
		if d.MAC == mac {
			return true
		}
	}
	return false
}
