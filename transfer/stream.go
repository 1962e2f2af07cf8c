package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-git/go-billy/v5"

	"projsync/crypto"
	"projsync/logging"
	"projsync/negotiation"
	"projsync/network"
)

// Stream receives every missing file as its own sequence of file_data frames.
type Stream struct {
	listener

	mu     sync.Mutex
	staged map[string]*stagedFile
}

type stagedFile struct {
	fs        billy.Filesystem
	path      string
	file      billy.File
	nextChunk int
	written   int64
}

// NewStream returns a stream receiver.
func NewStream(options Options) *Stream {
	return &Stream{
		listener: listener{options: options.withDefaults()},
		staged:   make(map[string]*stagedFile),
	}
}

// Setup registers the stream collector for one negotiation.
func (s *Stream) Setup(_ context.Context, sessionID, negotiationID string) error {
	return s.setup(sessionID, negotiationID,
		network.TypeTransferStart,
		network.TypeFileData,
		network.TypeFileComplete,
		network.TypeTransferDone,
	)
}

// Transfer receives files until transfer_done.
func (s *Stream) Transfer(ctx context.Context, request negotiation.TransferRequest) error {
	if err := s.awaitStart(ctx, request); err != nil {
		return err
	}

	expect := newExpectations(request)
	logger := s.options.Logger.With(logging.NegotiationID(request.NegotiationID))

	for {
		packet, err := s.next(ctx)
		if err != nil {
			return err
		}

		switch packet.Type {
		case network.TypeTransferStart:
			start, err := decode[network.TransferStart](packet)
			if err != nil {
				return err
			}
			if start.Mode != network.TransferModeStream {
				return fmt.Errorf("transfer: expected %s transfer, peer started %q", network.TransferModeStream, start.Mode)
			}
			logger.Info("receiving files", logging.Int("files", start.FileCount), logging.Int64("bytes", start.TotalBytes))
		case network.TypeFileData:
			data, err := decode[network.FileData](packet)
			if err != nil {
				return err
			}
			if err := s.write(expect, data); err != nil {
				return err
			}
		case network.TypeFileComplete:
			complete, err := decode[network.FileComplete](packet)
			if err != nil {
				return err
			}
			if err := s.complete(expect, complete); err != nil {
				return err
			}
			logger.Debug("received file",
				logging.RootID(complete.RootID),
				logging.String("path", complete.Path),
				logging.String("checksum", crypto.ShortChecksum(complete.Checksum)))
		case network.TypeTransferDone:
			done, err := decode[network.TransferDone](packet)
			if err != nil {
				return err
			}
			if done.Status != network.StatusComplete {
				return fmt.Errorf("%w: %s", ErrSenderFailed, done.Message)
			}
			if err := expect.complete(); err != nil {
				return err
			}
			logger.Info("transfer finished", logging.Int("files", expect.received))
			return nil
		}
	}
}

// Teardown releases the collector and removes staged leftovers.
func (s *Stream) Teardown() {
	s.teardown()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, staged := range s.staged {
		_ = staged.file.Close()
		_ = staged.fs.Remove(staged.path)
		delete(s.staged, key)
	}
}

func (s *Stream) write(expect *expectations, data network.FileData) error {
	root, _, err := expect.lookup(data.RootID, data.Path)
	if err != nil {
		return err
	}

	key := data.RootID + "/" + data.Path
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.staged[key]
	if !ok {
		p := tempPath()
		file, err := root.FS().Create(p)
		if err != nil {
			return fmt.Errorf("create staging file for %q: %w", data.Path, err)
		}
		staged = &stagedFile{fs: root.FS(), path: p, file: file}
		s.staged[key] = staged
	}

	if data.ChunkIndex != staged.nextChunk {
		return fmt.Errorf("transfer: %s chunk %d out of order, expected %d", data.Path, data.ChunkIndex, staged.nextChunk)
	}
	n, err := staged.file.Write(data.Data)
	if err != nil {
		return fmt.Errorf("write chunk %d of %q: %w", data.ChunkIndex, data.Path, err)
	}
	staged.nextChunk++
	staged.written += int64(n)
	return nil
}

func (s *Stream) complete(expect *expectations, complete network.FileComplete) (err error) {
	root, expected, err := expect.lookup(complete.RootID, complete.Path)
	if err != nil {
		return err
	}
	if complete.Status != network.StatusComplete {
		return fmt.Errorf("%w: %s: %s", ErrSenderFailed, complete.Path, complete.Message)
	}
	if expected == "" {
		expected = complete.Checksum
	}

	key := complete.RootID + "/" + complete.Path
	s.mu.Lock()
	staged, ok := s.staged[key]
	delete(s.staged, key)
	s.mu.Unlock()

	defer func() { recordFile(complete.Size, err) }()

	if !ok {
		// Empty files carry no data frames.
		p, _, err := stage(root.FS(), bytes.NewReader(nil))
		if err != nil {
			return err
		}
		staged = &stagedFile{fs: root.FS(), path: p}
	} else if err := staged.file.Close(); err != nil {
		_ = staged.fs.Remove(staged.path)
		return fmt.Errorf("close staging file for %q: %w", complete.Path, err)
	}

	if err := finalize(root.FS(), staged.path, complete.Path, expected, complete.Size); err != nil {
		_ = staged.fs.Remove(staged.path)
		return err
	}
	expect.done(complete.RootID, complete.Path)
	return nil
}
