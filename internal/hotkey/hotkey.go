// Package hotkey provides global operator hotkeys using gohook.
// Each binding maps a key combo to an Action; a key-down on the combo emits
// that Action on the listener's channel.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is what the operator asked for.
type Action int

const (
	// ActionResume retries the connection after it was blocked.
	ActionResume Action = iota
	// ActionReset re-selects the current reader, clearing the attempt count.
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionReset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Binding ties a key combo to an Action.
// Keys are lowercase key names (e.g., ["ctrl", "shift", "r"]).
type Binding struct {
	Action Action
	Keys   []string
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Listener manages the global hotkeys.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener checks the bindings and creates a Listener. Two bindings may
// not share a combo.
func NewListener(bindings []Binding) (*Listener, error) {
	seen := make(map[string]Action)
	for _, b := range bindings {
		if len(b.Keys) == 0 {
			return nil, fmt.Errorf("hotkey: %s binding has no keys", b.Action)
		}
		combo := strings.Join(b.Keys, "+")
		if prev, ok := seen[combo]; ok {
			return nil, fmt.Errorf("hotkey: %s and %s both bound to %s", prev, b.Action, combo)
		}
		seen[combo] = b.Action
	}
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start registers the bindings and blocks until Stop is called. Run it in a
// goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		action := b.Action
		hook.Register(hook.KeyDown, b.Keys, func(hook.Event) {
			l.emit(action)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit delivers without blocking the hook thread; presses are dropped while
// the channel is full.
func (l *Listener) emit(a Action) {
	select {
	case l.ch <- Event{Action: a}:
	default:
	}
}

// Stop terminates the listener. Safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Describe formats a combo for display, e.g. "Ctrl+Shift+R".
func Describe(keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		parts[i] = strings.ToUpper(k[:1]) + k[1:]
	}
	return strings.Join(parts, "+")
}
