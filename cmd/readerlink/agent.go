package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/chaz8081/readerlink/internal/ble"
	"github.com/chaz8081/readerlink/internal/hotkey"
	"github.com/chaz8081/readerlink/internal/supervisor"
)

// agent turns discovery and hotkey events into supervisor calls. All of its
// methods run on the main event loop goroutine.
type agent struct {
	sup     *supervisor.Supervisor
	pinned  string // only accept this address when set
	resolve func(ble.Device) (supervisor.Peripheral, error)

	// handles maps addresses to the handle created when the reader appeared,
	// so a disappearance refers to the same handle.
	handles map[string]supervisor.Peripheral
}

func newAgent(sup *supervisor.Supervisor, pinned string, resolve func(ble.Device) (supervisor.Peripheral, error)) *agent {
	return &agent{
		sup:     sup,
		pinned:  pinned,
		resolve: resolve,
		handles: make(map[string]supervisor.Peripheral),
	}
}

func (a *agent) handleScan(ctx context.Context, ev ble.Event) {
	if a.pinned != "" && ev.Device.MAC != a.pinned {
		slog.Debug("[SCAN] ignoring unpinned reader", "mac", ev.Device.MAC, "event", ev.Kind)
		return
	}

	switch ev.Kind {
	case ble.EventAppeared:
		p, err := a.resolve(ev.Device)
		if err != nil {
			slog.Error("[SCAN] cannot open reader", "mac", ev.Device.MAC, "error", err)
			a.sup.OnPeripheralAppeared(ctx, nil)
			return
		}
		old := a.handles[ev.Device.MAC]
		a.handles[ev.Device.MAC] = p
		a.sup.OnPeripheralAppeared(ctx, p)
		if old != nil {
			release(old)
		}

	case ble.EventDisappeared:
		p := a.handles[ev.Device.MAC]
		// A reader with an open session stops advertising.
		if p != nil && p.IsConnected() {
			slog.Debug("[SCAN] connected reader left scan results", "mac", ev.Device.MAC)
			return
		}
		delete(a.handles, ev.Device.MAC)
		a.sup.OnPeripheralDisappeared(p)
		if p != nil {
			release(p)
		}
	}
}

func (a *agent) handleHotkey(ctx context.Context, ev hotkey.Event) {
	switch ev.Action {
	case hotkey.ActionResume:
		slog.Info("[SUP] resume requested")
		a.sup.Resume(ctx)
	case hotkey.ActionReset:
		target := a.sup.Target()
		if target == nil {
			slog.Info("[SUP] reset requested with no reader selected")
			return
		}
		slog.Info("[SUP] reset requested", "device", target.Name())
		a.sup.SetTarget(ctx, target)
	}
}

// shutdown disconnects the current target and releases every handle.
func (a *agent) shutdown() {
	a.sup.Close()
	for mac, p := range a.handles {
		release(p)
		delete(a.handles, mac)
	}
}

// release closes a handle the agent no longer tracks.
func release(p supervisor.Peripheral) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("[SCAN] release reader", "device", p.Name(), "error", err)
	}
}
