package network

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func pipeOptions(local, peer string) connOptions {
	return connOptions{
		local:       Identity{DeviceID: local, DeviceName: "Device " + local},
		peer:        Identity{DeviceID: peer, DeviceName: "Device " + peer},
		keepAlive:   time.Hour,
		pongWait:    time.Hour,
		readTimeout: 250 * time.Millisecond,
		answerPings: true,
		logger:      zap.NewNop(),
	}
}

func newPipeConnections(t *testing.T, tune func(local, remote *connOptions)) (*PeerConnection, *PeerConnection) {
	t.Helper()

	localOpts, remoteOpts := pipeOptions("local", "remote"), pipeOptions("remote", "local")
	if tune != nil {
		tune(&localOpts, &remoteOpts)
	}
	localConn, remoteConn := net.Pipe()
	local := newPeerConnection(localConn, localOpts)
	remote := newPeerConnection(remoteConn, remoteOpts)
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return local, remote
}

func receiveType(t *testing.T, pc *PeerConnection) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := pc.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	return msgType
}

func TestPeerConnectionDeliversMessages(t *testing.T) {
	local, remote := newPipeConnections(t, nil)

	if err := local.SendMessage(StartQueuingRequest{
		Type:          TypeStartQueuingRequest,
		SessionID:     "s1",
		NegotiationID: "n1",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got := receiveType(t, remote); got != TypeStartQueuingRequest {
		t.Fatalf("unexpected message type %q", got)
	}
	if remote.PeerDeviceID() != "local" || remote.PeerDeviceName() != "Device local" {
		t.Fatalf("unexpected peer identity %q/%q", remote.PeerDeviceID(), remote.PeerDeviceName())
	}
}

func TestPeerConnectionConsumesControlFrames(t *testing.T) {
	local, remote := newPipeConnections(t, nil)

	for _, msg := range []any{
		newControl(TypePing, "local"),
		newControl(TypePong, "local"),
		TransferDone{Type: TypeTransferDone, NegotiationID: "n1"},
	} {
		if err := local.SendMessage(msg); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	if got := receiveType(t, remote); got != TypeTransferDone {
		t.Fatalf("expected control frames to be consumed, got %q", got)
	}
}

func TestPeerConnectionDisconnectClosesRemote(t *testing.T) {
	local, remote := newPipeConnections(t, nil)

	go func() {
		_ = local.SendMessage(TransferDone{Type: TypeTransferDone, NegotiationID: "n1"})
		_ = local.Disconnect()
	}()

	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("remote connection did not close after peer_disconnect")
	}
	if !remote.Closed() || remote.LastError() != nil {
		t.Fatalf("expected clean close, got closed=%v err=%v", remote.Closed(), remote.LastError())
	}

	// Queued before the disconnect, so still delivered.
	if got := receiveType(t, remote); got != TypeTransferDone {
		t.Fatalf("expected queued frame after close, got %q", got)
	}
	if _, err := remote.ReceiveMessage(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF once drained, got %v", err)
	}
	if err := remote.SendMessage(newControl(TypePing, "remote")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected send on closed connection to fail with io.EOF, got %v", err)
	}
}

func TestPeerConnectionPongTimeout(t *testing.T) {
	local, _ := newPipeConnections(t, func(local, remote *connOptions) {
		local.keepAlive = 20 * time.Millisecond
		local.pongWait = 20 * time.Millisecond
		remote.answerPings = false
	})

	select {
	case <-local.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection stayed open without pongs")
	}
	if !errors.Is(local.LastError(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", local.LastError())
	}
}

func TestReceiveMessageHonoursContext(t *testing.T) {
	_, remote := newPipeConnections(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := remote.ReceiveMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
