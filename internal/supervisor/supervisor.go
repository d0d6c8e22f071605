// Package supervisor implements the connection state machine for a single
// RFID reader: a bounded connect loop with per-failure recovery steps.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultMaxAttempts is the number of consecutive connect attempts allowed
// before the supervisor gives up on a target.
const DefaultMaxAttempts = 5

// DefaultRegionIndex selects the entry of the reader's supported-region list
// written during region recovery.
const DefaultRegionIndex = 1

// State is the supervisor's position in the connection state machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateConnected
	StateRecoveringRegion
	StateRecoveringPassword
	StateBlocked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateConnected:
		return "connected"
	case StateRecoveringRegion:
		return "recovering region"
	case StateRecoveringPassword:
		return "recovering password"
	case StateBlocked:
		return "blocked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Supervisor.
type Options struct {
	MaxAttempts        int
	DefaultRegionIndex int
	// IgnoreForeignDisappearance drops disappearance events for handles
	// other than the current target.
	IgnoreForeignDisappearance bool
}

// DefaultOptions returns the stock supervisor settings.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        DefaultMaxAttempts,
		DefaultRegionIndex: DefaultRegionIndex,
	}
}

// Supervisor drives connection attempts to one reader at a time.
//
// Supervisor is NOT safe for concurrent use. All methods must be called from
// a single goroutine or under external synchronization. Peripheral handles
// are compared by identity, so they must be comparable (pointers in practice).
type Supervisor struct {
	sink     StatusSink
	prompter CredentialPrompter
	opts     Options

	target   Peripheral
	attempts int
	state    State
}

// New creates a Supervisor reporting to sink. prompter may be nil, in which
// case every credential request counts as cancelled.
func New(sink StatusSink, prompter CredentialPrompter, opts Options) *Supervisor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DefaultRegionIndex < 0 {
		opts.DefaultRegionIndex = 0
	}
	return &Supervisor{
		sink:     sink,
		prompter: prompter,
		opts:     opts,
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// Attempts returns the number of attempts made since the last reset.
func (s *Supervisor) Attempts() int { return s.attempts }

// Target returns the currently selected reader, or nil.
func (s *Supervisor) Target() Peripheral { return s.target }

// SetTarget selects p as the reader to connect to. The previous target is
// disconnected first; a failed disconnect never blocks the switch.
func (s *Supervisor) SetTarget(ctx context.Context, p Peripheral) {
	if s.target != nil {
		s.Teardown(s.target)
	}

	s.target = p
	s.attempts = 0
	s.state = StateIdle

	if p == nil {
		s.sink.ReportDevice("")
		return
	}

	slog.Info("[SUP] target selected", "device", p.Name())
	s.sink.ReportStatus(StatusPaired, "")
	s.sink.ReportDevice(p.Name())

	s.AttemptConnect(ctx, p)
}

// AttemptConnect tries to connect p, running recovery steps between attempts
// until it connects, hits a terminal failure or exhausts the attempt budget.
func (s *Supervisor) AttemptConnect(ctx context.Context, p Peripheral) {
	if p == nil {
		s.sink.ReportStatus(StatusError, "no reader selected")
		return
	}

	for {
		if s.attempts >= s.opts.MaxAttempts {
			slog.Warn("[SUP] giving up", "device", p.Name(), "attempts", s.attempts)
			s.state = StateFailed
			s.sink.ReportStatus(StatusMaxAttemptsExceeded, "")
			return
		}

		s.attempts++
		s.state = StateAttempting
		slog.Debug("[SUP] connecting", "device", p.Name(), "attempt", s.attempts)

		err := p.Connect(ctx)
		if err == nil {
			slog.Info("[SUP] connected", "device", p.Name(), "attempt", s.attempts)
			s.state = StateConnected
			s.attempts = 0
			s.sink.ReportStatus(StatusConnected, "")
			return
		}

		code, retriable := Classify(err)
		if !retriable {
			slog.Error("[SUP] connect failed", "device", p.Name(), "error", err)
			s.state = StateIdle
			s.sink.ReportStatus(StatusError, err.Error())
			return
		}

		slog.Warn("[SUP] connect failed", "device", p.Name(), "attempt", s.attempts, "code", code, "error", err)
		if !s.recover(ctx, p, code) {
			return
		}
	}
}

// Resume re-enters the connect loop for the current target without resetting
// the attempt counter. Use it once a batch operation is known to be over.
func (s *Supervisor) Resume(ctx context.Context) {
	if s.target == nil {
		s.sink.ReportStatus(StatusError, "no reader selected")
		return
	}
	s.AttemptConnect(ctx, s.target)
}

// recover runs the recovery step for code and reports whether another
// connect attempt should follow.
func (s *Supervisor) recover(ctx context.Context, p Peripheral, code FailureCode) bool {
	switch code {
	case FailureRegionNotConfigured:
		s.state = StateRecoveringRegion
		s.sink.ReportStatus(StatusRegionNotConfigured, "")
		if err := s.configureDefaultRegion(ctx, p); err != nil {
			slog.Error("[SUP] region setup failed", "device", p.Name(), "error", err)
			s.state = StateIdle
			s.sink.ReportStatus(StatusError, err.Error())
			return false
		}
		return true

	case FailurePasswordError:
		s.state = StateRecoveringPassword
		s.sink.ReportStatus(StatusIncorrectPassword, "")
		s.refreshCredential(ctx, p)
		return true

	case FailureBatchModeInProgress:
		s.state = StateBlocked
		s.sink.ReportStatus(StatusBatchModeInProgress, "")
		return false

	default:
		return true
	}
}

// configureDefaultRegion writes the region at DefaultRegionIndex into the
// reader's regulatory configuration.
func (s *Supervisor) configureDefaultRegion(ctx context.Context, p Peripheral) error {
	cfg, err := p.RegulatoryConfig(ctx)
	if err != nil {
		return fmt.Errorf("read regulatory config: %w", err)
	}

	regions, err := p.SupportedRegions(ctx)
	if err != nil {
		return fmt.Errorf("list regions: %w", err)
	}
	idx := s.opts.DefaultRegionIndex
	if idx >= len(regions) {
		return fmt.Errorf("region index %d out of range (%d supported)", idx, len(regions))
	}

	cfg.RegionCode = regions[idx].Code
	if err := p.SetRegulatoryConfig(ctx, cfg); err != nil {
		return fmt.Errorf("write regulatory config: %w", err)
	}
	slog.Info("[SUP] region configured", "device", p.Name(), "region", cfg.RegionCode)
	return nil
}

// refreshCredential asks the operator for a credential. On cancel it re-applies
// whatever credential the handle already holds.
func (s *Supervisor) refreshCredential(ctx context.Context, p Peripheral) {
	credential, ok := "", false
	if s.prompter != nil {
		credential, ok = s.prompter.RequestCredential(ctx, p.Name())
	}

	if !ok {
		stored, err := p.Credential()
		if err != nil {
			slog.Warn("[SUP] read stored credential", "device", p.Name(), "error", err)
			return
		}
		credential = stored
	}

	if err := p.SetCredential(credential); err != nil {
		slog.Warn("[SUP] set credential", "device", p.Name(), "error", err)
	}
}

// Teardown disconnects p if it is connected. It never fails and is safe to
// call with a nil handle.
func (s *Supervisor) Teardown(p Peripheral) {
	if p == nil {
		return
	}
	if p == s.target {
		s.state = StateIdle
	}
	if !p.IsConnected() {
		return
	}
	if err := p.Disconnect(); err != nil {
		slog.Warn("[SUP] disconnect failed", "device", p.Name(), "error", err)
	}
}

// Close tears down the current target.
func (s *Supervisor) Close() {
	s.Teardown(s.target)
}

// OnPeripheralAppeared handles a discovery event. A nil handle means the
// reader could not be resolved.
func (s *Supervisor) OnPeripheralAppeared(ctx context.Context, p Peripheral) {
	if p == nil {
		slog.Error("[SUP] reader appeared without a usable handle")
		s.sink.ReportStatus(StatusError, "no reader available")
		return
	}
	s.SetTarget(ctx, p)
}

// OnPeripheralDisappeared handles a reader going away. The current target is
// disconnected and cleared. Unless IgnoreForeignDisappearance is set, any
// disappearance clears the display.
func (s *Supervisor) OnPeripheralDisappeared(p Peripheral) {
	current := p != nil && p == s.target
	if s.opts.IgnoreForeignDisappearance && !current {
		slog.Debug("[SUP] ignoring disappearance of non-target reader")
		return
	}

	if current {
		s.Teardown(p)
		s.target = nil
		s.state = StateIdle
	}
	s.sink.ReportStatus(StatusDisconnected, "")
	s.sink.ReportDevice("")
}
