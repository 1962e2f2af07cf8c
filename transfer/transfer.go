// Package transfer moves the content of missing files between peers once a
// negotiation has settled the structure of the shared roots.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"projsync/crypto"
	"projsync/filelist"
	"projsync/logging"
	"projsync/metrics"
	"projsync/negotiation"
	"projsync/network"
	"projsync/workspace"
)

const (
	// DefaultChunkSize is the number of content bytes per data frame.
	DefaultChunkSize = 64 * 1024
	// DefaultPacketTimeout bounds the gap between two transfer packets.
	DefaultPacketTimeout = 2 * time.Minute

	directionReceive = "receive"
	directionSend    = "send"
)

var (
	// ErrNotSetUp is returned by Transfer when Setup has not run.
	ErrNotSetUp = errors.New("transfer: not set up")
	// ErrUnexpectedFile indicates content for a path that was not requested.
	ErrUnexpectedFile = errors.New("transfer: unexpected file")
	// ErrIncomplete indicates the sender finished before every missing file arrived.
	ErrIncomplete = errors.New("transfer: incomplete transfer")
	// ErrSenderFailed indicates the sender aborted the transfer.
	ErrSenderFailed = errors.New("transfer: sender reported failure")
)

// Options configures the receiving transfer variants.
type Options struct {
	Receiver      negotiation.Receiver
	PacketTimeout time.Duration
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.PacketTimeout <= 0 {
		out.PacketTimeout = DefaultPacketTimeout
	}
	out.Logger = logging.OrDefault(out.Logger).Named("transfer")
	return out
}

// New returns the receiving coordinator for mode.
func New(mode string, options Options) (negotiation.TransferCoordinator, error) {
	switch mode {
	case "", network.TransferModeStream:
		return NewStream(options), nil
	case network.TransferModeArchive:
		return NewArchive(options), nil
	default:
		return nil, fmt.Errorf("transfer: unknown mode %q", mode)
	}
}

// listener holds the collector registered during Setup.
type listener struct {
	options   Options
	collector *network.Collector
}

func (l *listener) setup(sessionID, negotiationID string, msgTypes ...string) error {
	if l.options.Receiver == nil {
		return errors.New("transfer: no receiver configured")
	}
	l.collector = l.options.Receiver.CreateCollector(network.MatchNegotiation(sessionID, negotiationID, msgTypes...))
	return nil
}

func (l *listener) teardown() {
	if l.collector != nil {
		l.collector.Cancel()
	}
}

// awaitStart waits until the first transfer packet is buffered.
func (l *listener) awaitStart(ctx context.Context, request negotiation.TransferRequest) error {
	if l.collector == nil {
		return ErrNotSetUp
	}
	return request.AwaitStart(ctx, func() bool { return l.collector.Len() > 0 })
}

func (l *listener) next(ctx context.Context) (network.Packet, error) {
	packet, err := l.collector.Collect(ctx, l.options.PacketTimeout)
	if err != nil {
		return network.Packet{}, fmt.Errorf("receive transfer packet: %w", err)
	}
	return packet, nil
}

func decode[T any](packet network.Packet) (T, error) {
	var msg T
	if err := json.Unmarshal(packet.Payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %s: %w", packet.Type, err)
	}
	return msg, nil
}

// expectations tracks which requested files are still outstanding.
type expectations struct {
	request  negotiation.TransferRequest
	roots    map[string]*workspace.Root
	pending  map[string]map[string]struct{}
	received int
}

func newExpectations(request negotiation.TransferRequest) *expectations {
	e := &expectations{
		request: request,
		roots:   make(map[string]*workspace.Root, len(request.Mapping)),
		pending: make(map[string]map[string]struct{}, len(request.Missing)),
	}
	for _, b := range request.Mapping {
		e.roots[b.RootID] = b.Root
	}
	for rootID, list := range request.Missing {
		files := make(map[string]struct{})
		for _, p := range list.Files() {
			files[p] = struct{}{}
		}
		e.pending[rootID] = files
	}
	return e
}

// lookup returns the root of a requested file and the checksum it must have.
func (e *expectations) lookup(rootID, p string) (*workspace.Root, string, error) {
	root, ok := e.roots[rootID]
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown root %q", ErrUnexpectedFile, rootID)
	}
	if _, ok := e.pending[rootID][p]; !ok {
		return nil, "", fmt.Errorf("%w: %s/%s", ErrUnexpectedFile, rootID, p)
	}
	var checksum string
	if remote := e.request.Remote[rootID]; remote != nil {
		if entry, ok := remote.Lookup(p); ok {
			checksum = entry.Checksum
		}
	}
	return root, checksum, nil
}

func (e *expectations) done(rootID, p string) {
	delete(e.pending[rootID], p)
	e.received++
}

func (e *expectations) outstanding() int {
	n := 0
	for _, files := range e.pending {
		n += len(files)
	}
	return n
}

func (e *expectations) complete() error {
	if n := e.outstanding(); n > 0 {
		return fmt.Errorf("%w: %d file(s) missing", ErrIncomplete, n)
	}
	return nil
}

// tempPath returns a fresh staging path inside the root's metadata folder.
func tempPath() string {
	return path.Join(filelist.MetadataDir, "tmp", uuid.NewString())
}

// finalize verifies a staged file and moves it to its final path.
func finalize(fs billy.Filesystem, staged, target, checksum string, size int64) error {
	if size >= 0 {
		info, err := fs.Stat(staged)
		if err != nil {
			return fmt.Errorf("stat staged file: %w", err)
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch for %q: got %d want %d", target, info.Size(), size)
		}
	}

	actual, err := crypto.FileChecksum(fs, staged)
	if err != nil {
		return err
	}
	if err := crypto.VerifyChecksum(checksum, actual); err != nil {
		return fmt.Errorf("verify %q: %w", target, err)
	}

	if dir := path.Dir(target); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create parent of %q: %w", target, err)
		}
	}
	if _, err := fs.Stat(target); err == nil {
		if err := fs.Remove(target); err != nil {
			return fmt.Errorf("replace %q: %w", target, err)
		}
	}
	if err := fs.Rename(staged, target); err != nil {
		return fmt.Errorf("finalize %q: %w", target, err)
	}
	return nil
}

// stage writes r to a temporary file in fs and returns its path.
func stage(fs billy.Filesystem, r io.Reader) (string, int64, error) {
	staged := tempPath()
	file, err := fs.Create(staged)
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	n, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil {
		_ = fs.Remove(staged)
		return "", 0, fmt.Errorf("write staging file: %w", copyErr)
	}
	if closeErr != nil {
		_ = fs.Remove(staged)
		return "", 0, fmt.Errorf("close staging file: %w", closeErr)
	}
	return staged, n, nil
}

func recordFile(size int64, err error) {
	metrics.RecordTransferredFile(directionReceive, size, err == nil)
}
