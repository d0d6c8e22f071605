package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	blecrypto "github.com/chaz8081/readerlink/internal/ble/crypto"
	"github.com/chaz8081/readerlink/internal/ble/protocol"
	"github.com/chaz8081/readerlink/internal/supervisor"
)

var (
	// ErrClosed is returned by operations on a Reader after Close.
	ErrClosed = errors.New("ble: reader closed")
	// ErrTimeout is returned when the reader does not answer a request in time.
	ErrTimeout = errors.New("ble: response timeout")
	// ErrNotLinked is returned when the link dropped while a request was pending.
	ErrNotLinked = errors.New("ble: not linked")
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	ResponseTimeout time.Duration // per-request wait (default 5s)
}

// DefaultReaderOptions returns sensible defaults.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{ResponseTimeout: 5 * time.Second}
}

// link is one GATT connection with its negotiated session key.
type link struct {
	conn     Connection
	cmd      Characteristic
	key      *blecrypto.SessionKey
	done     chan struct{}
	dropOnce sync.Once
}

func (l *link) drop() {
	l.dropOnce.Do(func() { close(l.done) })
}

// Reader is a session handle for one physical reader. It implements
// supervisor.Peripheral. Safe for concurrent use.
type Reader struct {
	adapter Adapter
	device  Device
	opts    ReaderOptions

	// setup serializes link establishment so only a fully keyed link is
	// ever published.
	setup sync.Mutex

	mu         sync.Mutex
	credential string
	link       *link
	open       bool
	closed     bool
	seq        uint32
	pending    map[uint32]chan *protocol.ResponsePacket
}

// NewReader returns a handle for device. No radio traffic happens until the
// first operation that needs the link.
func NewReader(adapter Adapter, device Device, credential string, opts ReaderOptions) (*Reader, error) {
	if device.MAC == "" {
		return nil, errors.New("ble: reader address is empty")
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 5 * time.Second
	}
	return &Reader{
		adapter:    adapter,
		device:     device,
		opts:       opts,
		credential: credential,
		pending:    make(map[uint32]chan *protocol.ResponsePacket),
	}, nil
}

var _ supervisor.Peripheral = (*Reader)(nil)

// Name returns the advertised name, falling back to the address.
func (r *Reader) Name() string {
	if r.device.Name != "" {
		return r.device.Name
	}
	return r.device.MAC
}

// Address returns the platform address of the reader.
func (r *Reader) Address() string {
	return r.device.MAC
}

// Connect opens a session, sending the sealed credential.
func (r *Reader) Connect(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return &supervisor.UsageError{Op: "connect", Message: "reader closed"}
	case r.open:
		r.mu.Unlock()
		return &supervisor.UsageError{Op: "connect", Message: "session already open"}
	}
	credential := r.credential
	r.mu.Unlock()

	lk, err := r.ensureLink(ctx)
	if err != nil {
		return err
	}

	iv, ct, tag, err := lk.key.Seal([]byte(credential))
	if err != nil {
		return fmt.Errorf("ble: seal credential: %w", err)
	}
	payload, err := protocol.MarshalSealedCredential(protocol.SealedCredential{IV: iv, Tag: tag, Ciphertext: ct})
	if err != nil {
		return fmt.Errorf("ble: marshal credential: %w", err)
	}

	resp, err := r.request(ctx, lk, protocol.OpOpenSession, payload)
	if err != nil {
		return err
	}
	if err := statusError(resp); err != nil {
		slog.Warn("[BLE] open session refused", "reader", r.Name(), "error", err)
		return err
	}

	r.mu.Lock()
	if r.link == lk {
		r.open = true
	}
	r.mu.Unlock()
	slog.Info("[BLE] session open", "reader", r.Name(), "mac", r.device.MAC)
	return nil
}

// Disconnect closes the session if one is open and drops the link.
func (r *Reader) Disconnect() error {
	r.mu.Lock()
	lk := r.link
	open := r.open
	r.mu.Unlock()
	if lk == nil {
		return nil
	}

	if open {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ResponseTimeout)
		if _, err := r.request(ctx, lk, protocol.OpCloseSession, nil); err != nil {
			slog.Debug("[BLE] close session", "reader", r.Name(), "error", err)
		}
		cancel()
	}

	r.detach(lk)
	if err := lk.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", r.device.MAC, err)
	}
	slog.Info("[BLE] disconnected", "reader", r.Name())
	return nil
}

// Close disconnects and makes every later Connect a usage error.
func (r *Reader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Disconnect()
}

// IsConnected reports whether a session is open.
func (r *Reader) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open && r.link != nil
}

func (r *Reader) Credential() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	return r.credential, nil
}

func (r *Reader) SetCredential(credential string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.credential = credential
	return nil
}

// RegulatoryConfig reads the active region configuration.
func (r *Reader) RegulatoryConfig(ctx context.Context) (supervisor.RegulatoryConfig, error) {
	resp, err := r.call(ctx, protocol.OpGetRegion, nil)
	if err != nil {
		return supervisor.RegulatoryConfig{}, err
	}
	c, err := protocol.UnmarshalRegionConfig(resp.Data)
	if err != nil {
		return supervisor.RegulatoryConfig{}, fmt.Errorf("ble: decode region config: %w", err)
	}
	return supervisor.RegulatoryConfig{
		RegionCode:       c.Code,
		TxPowerCentiDBm:  int(c.TxPowerCentiDBm),
		FrequencyHopping: c.FrequencyHopping,
	}, nil
}

// SetRegulatoryConfig writes the region configuration.
func (r *Reader) SetRegulatoryConfig(ctx context.Context, cfg supervisor.RegulatoryConfig) error {
	if cfg.TxPowerCentiDBm < 0 {
		return &supervisor.UsageError{Op: "set region", Message: "negative tx power"}
	}
	payload := protocol.MarshalRegionConfig(protocol.RegionConfig{
		Code:             cfg.RegionCode,
		TxPowerCentiDBm:  uint32(cfg.TxPowerCentiDBm),
		FrequencyHopping: cfg.FrequencyHopping,
	})
	_, err := r.call(ctx, protocol.OpSetRegion, payload)
	return err
}

// SupportedRegions lists the regions the reader accepts.
func (r *Reader) SupportedRegions(ctx context.Context) ([]supervisor.Region, error) {
	resp, err := r.call(ctx, protocol.OpListRegions, nil)
	if err != nil {
		return nil, err
	}
	infos, err := protocol.UnmarshalRegionList(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("ble: decode region list: %w", err)
	}
	regions := make([]supervisor.Region, 0, len(infos))
	for _, ri := range infos {
		regions = append(regions, supervisor.Region{Index: int(ri.Index), Code: ri.Code, Name: ri.Name})
	}
	return regions, nil
}

// call runs a request that needs the link but not a session, and maps a
// non-OK status to an error.
func (r *Reader) call(ctx context.Context, op protocol.Op, data []byte) (*protocol.ResponsePacket, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	lk, err := r.ensureLink(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.request(ctx, lk, op, data)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("ble: %s: %w", op, err)
	}
	return resp, nil
}

// ensureLink returns the current link, establishing one and running the key
// exchange if needed. The link is published only once its session key is set.
func (r *Reader) ensureLink(ctx context.Context) (*link, error) {
	if lk := r.currentLink(); lk != nil {
		return lk, nil
	}

	r.setup.Lock()
	defer r.setup.Unlock()
	if lk := r.currentLink(); lk != nil {
		return lk, nil
	}

	if err := r.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := r.adapter.Connect(ctx, r.device.MAC)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", r.device.MAC, err)
	}

	lk, err := r.attach(conn)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}

	kx, err := blecrypto.NewKeyExchange()
	if err != nil {
		r.abandon(lk)
		return nil, err
	}
	resp, err := r.request(ctx, lk, protocol.OpKeyExchange, kx.PublicKey())
	if err == nil {
		err = statusError(resp)
	}
	if err != nil {
		r.abandon(lk)
		return nil, fmt.Errorf("ble: key exchange: %w", err)
	}
	key, err := kx.Complete(resp.Data)
	if err != nil {
		r.abandon(lk)
		return nil, fmt.Errorf("ble: key exchange: %w", err)
	}
	lk.key = key

	select {
	case <-lk.done:
		r.abandon(lk)
		return nil, fmt.Errorf("ble: key exchange: %w", ErrNotLinked)
	default:
	}

	r.mu.Lock()
	r.link = lk
	r.mu.Unlock()
	slog.Info("[BLE] linked", "reader", r.Name(), "mac", r.device.MAC)
	return lk, nil
}

func (r *Reader) currentLink() *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// attach discovers the characteristics on conn and subscribes to responses.
// The returned link is not yet current.
func (r *Reader) attach(conn Connection) (*link, error) {
	cmd, err := conn.DiscoverCharacteristic(ReaderServiceUUID, CommandCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover command characteristic: %w", err)
	}
	resp, err := conn.DiscoverCharacteristic(ReaderServiceUUID, ResponseCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover response characteristic: %w", err)
	}
	if err := resp.Subscribe(r.handleNotification); err != nil {
		return nil, fmt.Errorf("ble: subscribe to responses: %w", err)
	}

	lk := &link{conn: conn, cmd: cmd, done: make(chan struct{})}
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] link lost", "reader", r.Name())
		r.detach(lk)
	})
	return lk, nil
}

// detach forgets lk if it is still current and fails its pending requests.
func (r *Reader) detach(lk *link) {
	r.mu.Lock()
	if r.link == lk {
		r.link = nil
		r.open = false
	}
	r.mu.Unlock()
	lk.drop()
}

// abandon tears down a link that failed during setup.
func (r *Reader) abandon(lk *link) {
	r.detach(lk)
	if err := lk.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect after failed setup", "error", err)
	}
}

// request writes one command on lk and waits for the response with the
// same sequence number.
func (r *Reader) request(ctx context.Context, lk *link, op protocol.Op, data []byte) (*protocol.ResponsePacket, error) {
	ch := make(chan *protocol.ResponsePacket, 1)
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.pending[seq] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()

	pkt := protocol.MarshalCommandPacket(protocol.CommandPacket{Op: op, Seq: seq, Data: data})
	if err := lk.cmd.Write(pkt); err != nil {
		return nil, fmt.Errorf("ble: write %s: %w", op, err)
	}

	timer := time.NewTimer(r.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-lk.done:
		return nil, fmt.Errorf("ble: %s: %w", op, ErrNotLinked)
	case <-timer.C:
		return nil, fmt.Errorf("ble: %s: %w", op, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleNotification routes a response to the request waiting on its seq.
func (r *Reader) handleNotification(data []byte) {
	resp, err := protocol.UnmarshalResponsePacket(data)
	if err != nil {
		slog.Warn("[BLE] malformed response", "reader", r.Name(), "error", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[resp.Seq]
	r.mu.Unlock()
	if !ok {
		slog.Debug("[BLE] unsolicited response", "op", resp.Op, "seq", resp.Seq)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// statusError maps a response status to the supervisor's error taxonomy.
func statusError(resp *protocol.ResponsePacket) error {
	switch resp.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusRegionNotConfigured:
		return &supervisor.OperationError{Code: supervisor.FailureRegionNotConfigured, Message: resp.Message}
	case protocol.StatusPasswordError:
		return &supervisor.OperationError{Code: supervisor.FailurePasswordError, Message: resp.Message}
	case protocol.StatusBatchMode:
		return &supervisor.OperationError{Code: supervisor.FailureBatchModeInProgress, Message: resp.Message}
	case protocol.StatusUnknownOp:
		return &supervisor.UsageError{Op: resp.Op.String(), Message: "not supported by reader"}
	default:
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.Status)
		}
		return &supervisor.OperationError{Code: supervisor.FailureOther, Message: msg}
	}
}
