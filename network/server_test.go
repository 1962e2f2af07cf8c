package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDialAndListenExchangeHello(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HelloOptions{
		DeviceID:   "host-device",
		DeviceName: "Host",
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	client, err := Dial(server.Addr().String(), HelloOptions{
		DeviceID:   "guest-device",
		DeviceName: "Guest",
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if client.PeerDeviceID() != "host-device" || client.PeerDeviceName() != "Host" {
		t.Fatalf("unexpected client peer %q/%q", client.PeerDeviceID(), client.PeerDeviceName())
	}

	var accepted *PeerConnection
	select {
	case accepted = <-server.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not accept connection")
	}
	defer func() {
		_ = accepted.Close()
	}()
	if accepted.PeerDeviceID() != "guest-device" {
		t.Fatalf("unexpected accepted peer %q", accepted.PeerDeviceID())
	}

	if err := client.SendMessage(NegotiationCancel{Type: TypeNegotiationCancel, NegotiationID: "n1", Reason: "stop"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := accepted.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if msgType, _ := DecodeMessageType(payload); msgType != TypeNegotiationCancel {
		t.Fatalf("unexpected message type %q", msgType)
	}
}

func TestServerRejectsProtocolVersionMismatch(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HelloOptions{
		DeviceID:   "host-device",
		DeviceName: "Host",
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	payload, err := EncodeJSON(Hello{
		Type:            TypeHello,
		DeviceID:        "old-device",
		DeviceName:      "Old",
		ProtocolVersion: ProtocolVersion + 1,
	})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = readHello(conn)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	var remote ErrorMessage
	if !errors.As(err, &remote) || len(remote.SupportedVersions) != 1 || remote.SupportedVersions[0] != ProtocolVersion {
		t.Fatalf("expected version_mismatch error message, got %v", err)
	}

	select {
	case serverErr := <-server.Errors():
		if !errors.Is(serverErr, ErrUnsupportedVersion) {
			t.Fatalf("expected server to report rejection, got %v", serverErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not report rejected hello")
	}
}

func TestServerRejectsNonHelloFirstFrame(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HelloOptions{DeviceID: "host-device", DeviceName: "Host"})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := writeMessage(conn, newControl(TypePing, "intruder")); err != nil {
		t.Fatalf("writeMessage failed: %v", err)
	}
	_, err = readHello(conn)
	var remote ErrorMessage
	if !errors.As(err, &remote) || remote.Code != CodeUnexpectedType {
		t.Fatalf("expected %s rejection, got %v", CodeUnexpectedType, err)
	}
}

func TestDialRejectsIncompleteIdentity(t *testing.T) {
	if _, err := Dial("127.0.0.1:1", HelloOptions{DeviceID: "only-id"}); !errors.Is(err, ErrInvalidHelloIdentity) {
		t.Fatalf("expected ErrInvalidHelloIdentity, got %v", err)
	}
	if _, err := DialWithRetry(context.Background(), "127.0.0.1:1", HelloOptions{}, nil); !errors.Is(err, ErrInvalidHelloIdentity) {
		t.Fatalf("expected DialWithRetry to stop on identity error, got %v", err)
	}
}
