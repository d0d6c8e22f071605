package supervisor

import "context"

// Region describes one regulatory region a reader supports.
type Region struct {
	Index int
	Code  string
	Name  string
}

// RegulatoryConfig is the radio configuration stored on a reader.
type RegulatoryConfig struct {
	RegionCode       string
	TxPowerCentiDBm  int
	FrequencyHopping bool
}

// Peripheral is a borrowed handle to one physical reader.
type Peripheral interface {
	// Name returns the display name of the reader.
	Name() string
	// Connect opens a session. Failures are *UsageError or *OperationError
	// when the reader can tell them apart.
	Connect(ctx context.Context) error
	// Disconnect closes the session and the underlying link.
	Disconnect() error
	// IsConnected reports whether a session is open.
	IsConnected() bool
	// Credential returns the credential currently held by the handle.
	Credential() (string, error)
	// SetCredential replaces the credential used by the next Connect.
	SetCredential(credential string) error
	// RegulatoryConfig reads the reader's regulatory configuration.
	RegulatoryConfig(ctx context.Context) (RegulatoryConfig, error)
	// SetRegulatoryConfig writes the reader's regulatory configuration.
	SetRegulatoryConfig(ctx context.Context, cfg RegulatoryConfig) error
	// SupportedRegions lists the regions the reader can be configured for.
	SupportedRegions(ctx context.Context) ([]Region, error)
}

// StatusKind is a status update shown to the operator.
type StatusKind int

const (
	StatusPaired StatusKind = iota
	StatusConnected
	StatusDisconnected
	StatusMaxAttemptsExceeded
	StatusRegionNotConfigured
	StatusIncorrectPassword
	StatusBatchModeInProgress
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusPaired:
		return "paired"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusMaxAttemptsExceeded:
		return "max attempts exceeded"
	case StatusRegionNotConfigured:
		return "region not configured"
	case StatusIncorrectPassword:
		return "incorrect password"
	case StatusBatchModeInProgress:
		return "batch operation in progress"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusSink receives operator-visible updates.
type StatusSink interface {
	// ReportStatus shows a status. detail is empty unless kind is StatusError.
	ReportStatus(kind StatusKind, detail string)
	// ReportDevice shows the selected reader's name; empty clears it.
	ReportDevice(name string)
}

// CredentialPrompter asks the operator for a reader credential.
type CredentialPrompter interface {
	// RequestCredential blocks until the operator answers. ok is false when
	// the operator cancelled.
	RequestCredential(ctx context.Context, deviceName string) (credential string, ok bool)
}
