package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"projsync/logging"
	"projsync/metrics"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// Identity names one end of a connection.
type Identity struct {
	DeviceID   string
	DeviceName string
}

type connOptions struct {
	local       Identity
	peer        Identity
	keepAlive   time.Duration
	pongWait    time.Duration
	readTimeout time.Duration
	answerPings bool
	logger      *zap.Logger
}

func (o connOptions) withDefaults() connOptions {
	if o.keepAlive <= 0 {
		o.keepAlive = DefaultKeepAliveInterval
	}
	if o.pongWait <= 0 {
		o.pongWait = DefaultKeepAliveTimeout
	}
	if o.readTimeout <= 0 {
		o.readTimeout = DefaultFrameReadTimeout
	}
	o.logger = logging.OrDefault(o.logger)
	return o
}

// PeerConnection is one framed TCP connection to a remote device. Control
// frames are handled internally; everything else is queued for ReceiveMessage.
type PeerConnection struct {
	conn net.Conn
	opts connOptions

	writeMu sync.Mutex
	// Unix nanoseconds. pongDue is zero while no ping is outstanding.
	lastSeen atomic.Int64
	pongDue  atomic.Int64

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// Written once before closed is closed.
	closeErr error
}

func newPeerConnection(conn net.Conn, options connOptions) *PeerConnection {
	pc := &PeerConnection{
		conn:    conn,
		opts:    options.withDefaults(),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}

	metrics.ConnectionOpened()
	pc.touch()
	go pc.readLoop()
	go pc.keepAliveLoop()
	return pc
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// Closed reports whether the connection has shut down.
func (pc *PeerConnection) Closed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

// LastError returns the error that closed the connection. It is nil while
// the connection is open and after a clean disconnect.
func (pc *PeerConnection) LastError() error {
	if !pc.Closed() {
		return nil
	}
	return pc.closeErr
}

// PeerDeviceID returns the device id announced in the peer's hello.
func (pc *PeerConnection) PeerDeviceID() string {
	return pc.opts.peer.DeviceID
}

// PeerDeviceName returns the device name announced in the peer's hello.
func (pc *PeerConnection) PeerDeviceName() string {
	return pc.opts.peer.DeviceName
}

// RemoteAddr returns the remote network address.
func (pc *PeerConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// SendMessage marshals a protocol message and writes it as one frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	if pc.Closed() {
		return pc.closedError()
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		pc.shutdown(err)
		return err
	}
	pc.touch()
	return nil
}

// ReceiveMessage waits for the next non-control inbound frame. Frames read
// before the connection closed are still returned.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		select {
		case payload := <-pc.inbound:
			return payload, nil
		default:
			return nil, pc.closedError()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer it is leaving and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	_ = pc.SendMessage(newControl(TypePeerDisconnect, pc.opts.local.DeviceID))
	return pc.Close()
}

// Close terminates the connection without notifying the peer.
func (pc *PeerConnection) Close() error {
	pc.shutdown(nil)
	return nil
}

func (pc *PeerConnection) closedError() error {
	if err := pc.LastError(); err != nil {
		return err
	}
	return io.EOF
}

func (pc *PeerConnection) readLoop() {
	for !pc.Closed() {
		payload, err := ReadFrameWithTimeout(pc.conn, pc.opts.readTimeout)
		switch {
		case err == nil:
		case isTimeout(err):
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
			pc.shutdown(nil)
			return
		default:
			pc.shutdown(err)
			return
		}

		pc.touch()
		if len(payload) > 0 && !pc.route(payload) {
			return
		}
	}
}

// route consumes control frames and queues the rest. It returns false once
// the connection is closed.
func (pc *PeerConnection) route(payload []byte) bool {
	msgType, _ := DecodeMessageType(payload)
	switch msgType {
	case TypePing:
		if pc.opts.answerPings {
			_ = pc.SendMessage(newControl(TypePong, pc.opts.local.DeviceID))
		}
		return true
	case TypePong:
		pc.pongDue.Store(0)
		return true
	case TypePeerDisconnect:
		pc.shutdown(nil)
		return false
	}

	select {
	case pc.inbound <- payload:
		return true
	case <-pc.closed:
		return false
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	ticker := time.NewTicker(max(pc.opts.keepAlive/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := pc.keepAlive(now); err != nil {
				pc.shutdown(err)
				return
			}
		case <-pc.closed:
			return
		}
	}
}

// keepAlive pings an idle peer and fails once an outstanding ping expires.
func (pc *PeerConnection) keepAlive(now time.Time) error {
	if due := pc.pongDue.Load(); due != 0 {
		if now.UnixNano() > due {
			return ErrPongTimeout
		}
		return nil
	}
	if now.Sub(time.Unix(0, pc.lastSeen.Load())) < pc.opts.keepAlive {
		return nil
	}

	// Armed before sending so a fast pong cannot be missed.
	pc.pongDue.Store(now.Add(pc.opts.pongWait).UnixNano())
	if err := pc.SendMessage(newControl(TypePing, pc.opts.local.DeviceID)); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	return nil
}

func (pc *PeerConnection) touch() {
	pc.lastSeen.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) shutdown(err error) {
	pc.closeOnce.Do(func() {
		pc.closeErr = err
		_ = pc.conn.Close()
		close(pc.closed)
		metrics.ConnectionClosed()

		fields := []zap.Field{logging.String("peer", pc.opts.peer.DeviceID)}
		if err != nil {
			fields = append(fields, logging.Err(err))
		}
		pc.opts.logger.Debug("connection closed", fields...)
	})
}
