// Package console is the operator-facing side of the agent: status lines on
// a writer and a password prompt on the controlling terminal.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/chaz8081/readerlink/internal/supervisor"
)

// Sink prints supervisor status updates as STATUS/DEVICE lines.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	status string
	device string
}

// NewSink returns a Sink writing to out.
func NewSink(out io.Writer) *Sink {
	return &Sink{out: out}
}

var _ supervisor.StatusSink = (*Sink)(nil)

// ReportStatus implements supervisor.StatusSink.
func (s *Sink) ReportStatus(kind supervisor.StatusKind, detail string) {
	text := statusText(kind, detail)

	s.mu.Lock()
	s.status = text
	fmt.Fprintf(s.out, "STATUS: %s\n", text)
	s.mu.Unlock()

	if kind == supervisor.StatusError || kind == supervisor.StatusMaxAttemptsExceeded {
		slog.Warn("[SUP] status", "status", text)
	} else {
		slog.Info("[SUP] status", "status", text)
	}
}

// ReportDevice implements supervisor.StatusSink.
func (s *Sink) ReportDevice(name string) {
	s.mu.Lock()
	s.device = name
	fmt.Fprintf(s.out, "DEVICE: %s\n", name)
	s.mu.Unlock()
	slog.Debug("[SUP] device", "name", name)
}

// Status returns the last reported status text.
func (s *Sink) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Device returns the last reported device name.
func (s *Sink) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func statusText(kind supervisor.StatusKind, detail string) string {
	switch kind {
	case supervisor.StatusPaired:
		return "Paired"
	case supervisor.StatusConnected:
		return "Connected"
	case supervisor.StatusDisconnected:
		return "Disconnected"
	case supervisor.StatusMaxAttemptsExceeded:
		return "Max connection attempts exceeded"
	case supervisor.StatusRegionNotConfigured:
		return "Region not configured, applying default region"
	case supervisor.StatusIncorrectPassword:
		return "Incorrect password"
	case supervisor.StatusBatchModeInProgress:
		return "Batch operation in progress"
	case supervisor.StatusError:
		if detail == "" {
			return "Error"
		}
		return "Error: " + detail
	default:
		return kind.String()
	}
}
