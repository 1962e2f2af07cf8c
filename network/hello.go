package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"projsync/logging"
)

// ErrInvalidHelloIdentity is returned when local identity settings are incomplete.
var ErrInvalidHelloIdentity = errors.New("network: hello requires device id and name")

// HelloOptions configures the hello exchange and the resulting connection.
type HelloOptions struct {
	DeviceID   string
	DeviceName string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	// AutoRespondPing defaults to true when nil.
	AutoRespondPing *bool

	Logger *zap.Logger
}

func (o HelloOptions) withDefaults() HelloOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	out.Logger = logging.OrDefault(out.Logger).Named("network")
	return out
}

func (o HelloOptions) validateIdentity() error {
	if strings.TrimSpace(o.DeviceID) == "" || strings.TrimSpace(o.DeviceName) == "" {
		return ErrInvalidHelloIdentity
	}
	return nil
}

func (o HelloOptions) hello() Hello {
	return Hello{
		Type:            TypeHello,
		DeviceID:        o.DeviceID,
		DeviceName:      o.DeviceName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func (o HelloOptions) connOptions(peer Hello) connOptions {
	return connOptions{
		local:       Identity{DeviceID: o.DeviceID, DeviceName: o.DeviceName},
		peer:        Identity{DeviceID: peer.DeviceID, DeviceName: peer.DeviceName},
		keepAlive:   o.KeepAliveInterval,
		pongWait:    o.KeepAliveTimeout,
		readTimeout: o.FrameReadTimeout,
		answerPings: o.AutoRespondPing == nil || *o.AutoRespondPing,
		logger:      o.Logger,
	}
}

// exchangeHello runs one side of the hello exchange with the whole
// connection under a single deadline.
func exchangeHello(conn net.Conn, timeout time.Duration, side func() (Hello, error)) (Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Hello{}, fmt.Errorf("set hello deadline: %w", err)
	}
	peer, err := side()
	if err != nil {
		return Hello{}, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Hello{}, fmt.Errorf("clear hello deadline: %w", err)
	}
	return peer, nil
}

// dialHello speaks first and expects the peer's hello or an ErrorMessage back.
func dialHello(conn net.Conn, options HelloOptions) (Hello, error) {
	if err := writeMessage(conn, options.hello()); err != nil {
		return Hello{}, fmt.Errorf("send hello: %w", err)
	}
	peer, err := readHello(conn)
	if err != nil {
		return Hello{}, err
	}
	if peer.ProtocolVersion != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, peer.ProtocolVersion)
	}
	return peer, nil
}

// answerHello validates the dialer's hello and either answers it or sends
// back the rejection, which is also returned.
func answerHello(conn net.Conn, options HelloOptions) (Hello, error) {
	payload, err := ReadFrame(conn)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Hello{}, err
	}

	peer, rejection := checkHello(msgType, payload)
	if rejection != nil {
		_ = writeMessage(conn, *rejection)
		return Hello{}, fmt.Errorf("reject hello from %s: %w", conn.RemoteAddr(), rejection)
	}

	if err := writeMessage(conn, options.hello()); err != nil {
		return Hello{}, fmt.Errorf("send hello: %w", err)
	}
	return peer, nil
}

func checkHello(msgType string, payload []byte) (Hello, *ErrorMessage) {
	reject := func(code, format string, args ...any) (Hello, *ErrorMessage) {
		msg := protocolError(code, format, args...)
		return Hello{}, &msg
	}
	if msgType != TypeHello {
		return reject(CodeUnexpectedType, "Expected %q, got %q.", TypeHello, msgType)
	}
	peer, err := decodeAs[Hello](payload, "hello")
	if err != nil {
		return reject(CodeInvalidHello, "Hello is not valid JSON.")
	}
	if peer.ProtocolVersion != ProtocolVersion {
		return reject(CodeVersionMismatch, "Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, peer.ProtocolVersion)
	}
	if strings.TrimSpace(peer.DeviceID) == "" {
		return reject(CodeInvalidHello, "Hello is missing device id.")
	}
	return peer, nil
}

// readHello reads the peer's hello. A remote ErrorMessage is returned as the error.
func readHello(conn net.Conn) (Hello, error) {
	payload, err := ReadFrame(conn)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return Hello{}, err
	}
	switch msgType {
	case TypeHello:
	case TypeError:
		remote, err := decodeAs[ErrorMessage](payload, "error message")
		if err != nil {
			return Hello{}, err
		}
		return Hello{}, remote
	default:
		return Hello{}, fmt.Errorf("expected %q, got %q", TypeHello, msgType)
	}

	hello, err := decodeAs[Hello](payload, "hello")
	if err != nil {
		return Hello{}, err
	}
	if strings.TrimSpace(hello.DeviceID) == "" {
		return Hello{}, errors.New("hello is missing device id")
	}
	return hello, nil
}
