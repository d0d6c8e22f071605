package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/readerlink/internal/ble/protocol"
	"github.com/chaz8081/readerlink/internal/supervisor"
)

var testDevice = Device{Name: "RFID-Reader-01", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -50}

func newTestReader(t *testing.T, password string) (*Reader, *mockAdapter, *fakeFirmware) {
	t.Helper()
	fw := newFakeFirmware("s3cret")
	adapter := newMockAdapter()
	adapter.firmware = fw
	r, err := NewReader(adapter, testDevice, password, ReaderOptions{ResponseTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	return r, adapter, fw
}

func operationCode(t *testing.T, err error) supervisor.FailureCode {
	t.Helper()
	var opErr *supervisor.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("error %v is not an OperationError", err)
	}
	return opErr.Code
}

func TestNewReaderRejectsEmptyAddress(t *testing.T) {
	if _, err := NewReader(newMockAdapter(), Device{Name: "x"}, "", DefaultReaderOptions()); err == nil {
		t.Error("NewReader() should reject an empty address")
	}
}

func TestReaderName(t *testing.T) {
	r, _, _ := newTestReader(t, "")
	if r.Name() != "RFID-Reader-01" {
		t.Errorf("Name() = %q", r.Name())
	}

	anon, err := NewReader(newMockAdapter(), Device{MAC: "11:22:33:44:55:66"}, "", DefaultReaderOptions())
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if anon.Name() != "11:22:33:44:55:66" {
		t.Errorf("Name() without advertised name = %q, want address", anon.Name())
	}
}

func TestReaderConnect(t *testing.T) {
	r, adapter, fw := newTestReader(t, "s3cret")

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !r.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if adapter.connectCount() != 1 {
		t.Errorf("adapter connects = %d, want 1", adapter.connectCount())
	}
	ops := fw.ops()
	if len(ops) != 2 || ops[0] != protocol.OpKeyExchange || ops[1] != protocol.OpOpenSession {
		t.Errorf("firmware saw %v, want [key-exchange open-session]", ops)
	}
	if fw.lastPass != "s3cret" {
		t.Errorf("firmware decrypted %q, want %q", fw.lastPass, "s3cret")
	}
}

func TestReaderConcurrentFirstUseSharesOneLink(t *testing.T) {
	r, adapter, fw := newTestReader(t, "s3cret")

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RegulatoryConfig(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RegulatoryConfig() error = %v", err)
	}

	if adapter.connectCount() != 1 {
		t.Errorf("adapter connects = %d, want 1", adapter.connectCount())
	}
	if n := fw.count(protocol.OpKeyExchange); n != 1 {
		t.Errorf("key exchanges = %d, want 1", n)
	}

	// The shared link carries a usable session key.
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func TestReaderConnectTwiceIsUsageError(t *testing.T) {
	r, _, _ := newTestReader(t, "s3cret")
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := r.Connect(context.Background())
	var usage *supervisor.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("second Connect() error = %v, want UsageError", err)
	}
	if _, retriable := supervisor.Classify(err); retriable {
		t.Error("second Connect() error should not be retriable")
	}
}

func TestReaderConnectWrongPassword(t *testing.T) {
	r, adapter, fw := newTestReader(t, "wrong")

	err := r.Connect(context.Background())
	if code := operationCode(t, err); code != supervisor.FailurePasswordError {
		t.Fatalf("code = %v, want password error", code)
	}
	if r.IsConnected() {
		t.Error("IsConnected() = true after refused session")
	}

	// The link survives a refused password; only the credential changes.
	if err := r.SetCredential("s3cret"); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after SetCredential error = %v", err)
	}
	if adapter.connectCount() != 1 {
		t.Errorf("adapter connects = %d, want 1", adapter.connectCount())
	}
	if fw.count(protocol.OpKeyExchange) != 1 {
		t.Errorf("key exchanges = %d, want 1", fw.count(protocol.OpKeyExchange))
	}
}

func TestReaderConnectStatusMapping(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fw *fakeFirmware)
		want  supervisor.FailureCode
	}{
		{"region not configured", func(fw *fakeFirmware) { fw.region.Code = "" }, supervisor.FailureRegionNotConfigured},
		{"batch mode", func(fw *fakeFirmware) { fw.batch = true }, supervisor.FailureBatchModeInProgress},
		{"generic failure", func(fw *fakeFirmware) { fw.status[protocol.OpOpenSession] = protocol.StatusFailed }, supervisor.FailureOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, fw := newTestReader(t, "s3cret")
			tt.setup(fw)
			err := r.Connect(context.Background())
			if code := operationCode(t, err); code != tt.want {
				t.Errorf("code = %v, want %v", code, tt.want)
			}
		})
	}
}

func TestReaderConnectUnknownOpIsUsageError(t *testing.T) {
	r, _, fw := newTestReader(t, "s3cret")
	fw.status[protocol.OpOpenSession] = protocol.StatusUnknownOp

	err := r.Connect(context.Background())
	var usage *supervisor.UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("Connect() error = %v, want UsageError", err)
	}
}

func TestReaderConnectAdapterFailure(t *testing.T) {
	r, adapter, _ := newTestReader(t, "s3cret")
	adapter.connectErr = errRadioOff

	err := r.Connect(context.Background())
	if !errors.Is(err, errRadioOff) {
		t.Fatalf("Connect() error = %v, want wrapped errRadioOff", err)
	}
	code, retriable := supervisor.Classify(err)
	if code != supervisor.FailureOther || !retriable {
		t.Errorf("Classify() = (%v, %v), want (other, true)", code, retriable)
	}
}

func TestReaderKeyExchangeRefused(t *testing.T) {
	r, adapter, fw := newTestReader(t, "s3cret")
	fw.status[protocol.OpKeyExchange] = protocol.StatusFailed

	if err := r.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail when key exchange is refused")
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("link should be dropped after a failed key exchange")
	}
}

func TestReaderResponseTimeout(t *testing.T) {
	r, _, fw := newTestReader(t, "s3cret")
	fw.silent[protocol.OpKeyExchange] = true

	start := time.Now()
	err := r.Connect(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if _, retriable := supervisor.Classify(err); !retriable {
		t.Error("timeout should be retriable")
	}
}

func TestReaderContextCancelled(t *testing.T) {
	r, _, fw := newTestReader(t, "s3cret")
	fw.silent[protocol.OpKeyExchange] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Connect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
}

func TestReaderLinkLostWhilePending(t *testing.T) {
	fw := newFakeFirmware("s3cret")
	adapter := newMockAdapter()
	adapter.firmware = fw
	r, err := NewReader(adapter, testDevice, "s3cret", ReaderOptions{ResponseTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fw.mu.Lock()
	fw.silent[protocol.OpGetRegion] = true
	fw.mu.Unlock()

	conn := adapter.latestConnection()
	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.SimulateDisconnect()
	}()
	_, err = r.RegulatoryConfig(context.Background())
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("RegulatoryConfig() error = %v, want ErrNotLinked", err)
	}
	if r.IsConnected() {
		t.Error("IsConnected() = true after link loss")
	}
}

func TestReaderDisconnect(t *testing.T) {
	r, adapter, fw := newTestReader(t, "s3cret")
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()

	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if r.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if !conn.isDisconnected() {
		t.Error("link was not closed")
	}
	if fw.count(protocol.OpCloseSession) != 1 {
		t.Errorf("close-session sent %d times, want 1", fw.count(protocol.OpCloseSession))
	}

	// Disconnecting again is a no-op.
	if err := r.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}

	// A fresh Connect builds a new link.
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if adapter.connectCount() != 2 {
		t.Errorf("adapter connects = %d, want 2", adapter.connectCount())
	}
}

func TestReaderAdapterDisconnectNotification(t *testing.T) {
	r, adapter, _ := newTestReader(t, "s3cret")
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	adapter.latestConnection().SimulateDisconnect()
	if r.IsConnected() {
		t.Error("IsConnected() = true after adapter reported disconnect")
	}
}

func TestReaderClose(t *testing.T) {
	r, _, _ := newTestReader(t, "s3cret")
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := r.Connect(context.Background())
	var usage *supervisor.UsageError
	if !errors.As(err, &usage) {
		t.Errorf("Connect() after Close error = %v, want UsageError", err)
	}
	if _, err := r.Credential(); !errors.Is(err, ErrClosed) {
		t.Errorf("Credential() after Close error = %v, want ErrClosed", err)
	}
	if err := r.SetCredential("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetCredential() after Close error = %v, want ErrClosed", err)
	}
	if _, err := r.SupportedRegions(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("SupportedRegions() after Close error = %v, want ErrClosed", err)
	}
}

func TestReaderCredential(t *testing.T) {
	r, _, _ := newTestReader(t, "first")
	got, err := r.Credential()
	if err != nil || got != "first" {
		t.Fatalf("Credential() = %q, %v", got, err)
	}
	if err := r.SetCredential("second"); err != nil {
		t.Fatalf("SetCredential() error = %v", err)
	}
	if got, _ := r.Credential(); got != "second" {
		t.Errorf("Credential() = %q, want %q", got, "second")
	}
}

func TestReaderRegionOperations(t *testing.T) {
	r, _, fw := newTestReader(t, "unused")

	regions, err := r.SupportedRegions(context.Background())
	if err != nil {
		t.Fatalf("SupportedRegions() error = %v", err)
	}
	if len(regions) != 2 || regions[1].Code != "US" || regions[1].Index != 1 {
		t.Errorf("SupportedRegions() = %+v", regions)
	}

	cfg, err := r.RegulatoryConfig(context.Background())
	if err != nil {
		t.Fatalf("RegulatoryConfig() error = %v", err)
	}
	if cfg.RegionCode != "EU" || cfg.TxPowerCentiDBm != 2700 || !cfg.FrequencyHopping {
		t.Errorf("RegulatoryConfig() = %+v", cfg)
	}

	cfg.RegionCode = "US"
	if err := r.SetRegulatoryConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SetRegulatoryConfig() error = %v", err)
	}
	fw.mu.Lock()
	stored := fw.region
	fw.mu.Unlock()
	if stored.Code != "US" || stored.TxPowerCentiDBm != 2700 {
		t.Errorf("firmware region = %+v", stored)
	}

	// Region operations never open a session.
	if r.IsConnected() {
		t.Error("region operations should not open a session")
	}
	if fw.count(protocol.OpOpenSession) != 0 {
		t.Error("open-session sent during region operations")
	}
}

func TestReaderSetRegulatoryConfigRejectsNegativePower(t *testing.T) {
	r, _, _ := newTestReader(t, "")
	err := r.SetRegulatoryConfig(context.Background(), supervisor.RegulatoryConfig{RegionCode: "EU", TxPowerCentiDBm: -1})
	var usage *supervisor.UsageError
	if !errors.As(err, &usage) {
		t.Errorf("SetRegulatoryConfig() error = %v, want UsageError", err)
	}
}

func TestReaderRegionOperationFailure(t *testing.T) {
	r, _, fw := newTestReader(t, "")
	fw.status[protocol.OpListRegions] = protocol.StatusFailed
	if _, err := r.SupportedRegions(context.Background()); err == nil {
		t.Error("SupportedRegions() should fail on a failed status")
	}
}

func TestReaderIgnoresUnsolicitedResponses(t *testing.T) {
	r, adapter, _ := newTestReader(t, "s3cret")
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()
	conn.respChar.SimulateNotification(protocol.MarshalResponsePacket(protocol.ResponsePacket{Op: protocol.OpGetRegion, Seq: 999}))
	conn.respChar.SimulateNotification([]byte{0xFF})
	if !r.IsConnected() {
		t.Error("stray notifications should not affect the session")
	}
}

// The reader plugs into the supervisor's recovery loop end to end.
func TestReaderWithSupervisorRegionRecovery(t *testing.T) {
	r, _, fw := newTestReader(t, "s3cret")
	fw.region.Code = ""

	sink := &recordingSink{}
	sup := supervisor.New(sink, nil, supervisor.Options{MaxAttempts: 5, DefaultRegionIndex: 1})
	sup.SetTarget(context.Background(), r)

	if sup.State() != supervisor.StateConnected {
		t.Fatalf("State() = %v, want connected (statuses %v)", sup.State(), sink.kinds)
	}
	fw.mu.Lock()
	code := fw.region.Code
	fw.mu.Unlock()
	if code != "US" {
		t.Errorf("region after recovery = %q, want US", code)
	}
}

type recordingSink struct {
	kinds   []supervisor.StatusKind
	devices []string
}

func (s *recordingSink) ReportStatus(kind supervisor.StatusKind, _ string) {
	s.kinds = append(s.kinds, kind)
}

func (s *recordingSink) ReportDevice(name string) {
	s.devices = append(s.devices, name)
}
