package transfer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-billy/v5"

	"projsync/logging"
	"projsync/negotiation"
	"projsync/network"
)

// Archive receives all missing files as one zip archive whose entries are
// named <root id>/<path>. The archive is staged in the first mapped root.
type Archive struct {
	listener

	stagingFS   billy.Filesystem
	stagingPath string
	staging     billy.File
}

// NewArchive returns an archive receiver.
func NewArchive(options Options) *Archive {
	return &Archive{listener: listener{options: options.withDefaults()}}
}

// Setup registers the archive collector for one negotiation.
func (a *Archive) Setup(_ context.Context, sessionID, negotiationID string) error {
	return a.setup(sessionID, negotiationID,
		network.TypeTransferStart,
		network.TypeArchiveData,
		network.TypeTransferDone,
	)
}

// Transfer collects the archive and extracts it into the mapped roots.
func (a *Archive) Transfer(ctx context.Context, request negotiation.TransferRequest) error {
	if err := a.awaitStart(ctx, request); err != nil {
		return err
	}
	if len(request.Mapping) == 0 {
		return fmt.Errorf("transfer: no roots to stage the archive in")
	}

	expect := newExpectations(request)
	logger := a.options.Logger.With(logging.NegotiationID(request.NegotiationID))

	a.stagingFS = request.Mapping[0].Root.FS()
	a.stagingPath = tempPath()
	file, err := a.stagingFS.Create(a.stagingPath)
	if err != nil {
		return fmt.Errorf("create archive staging file: %w", err)
	}
	a.staging = file

	nextChunk := 0
	var received int64
	for {
		packet, err := a.next(ctx)
		if err != nil {
			return err
		}

		switch packet.Type {
		case network.TypeTransferStart:
			start, err := decode[network.TransferStart](packet)
			if err != nil {
				return err
			}
			if start.Mode != network.TransferModeArchive {
				return fmt.Errorf("transfer: expected %s transfer, peer started %q", network.TransferModeArchive, start.Mode)
			}
			logger.Info("receiving archive", logging.Int("files", start.FileCount), logging.Int64("bytes", start.TotalBytes))
		case network.TypeArchiveData:
			data, err := decode[network.ArchiveData](packet)
			if err != nil {
				return err
			}
			if data.ChunkIndex != nextChunk {
				return fmt.Errorf("transfer: archive chunk %d out of order, expected %d", data.ChunkIndex, nextChunk)
			}
			n, err := a.staging.Write(data.Data)
			if err != nil {
				return fmt.Errorf("write archive chunk %d: %w", data.ChunkIndex, err)
			}
			received += int64(n)
			nextChunk++
		case network.TypeTransferDone:
			done, err := decode[network.TransferDone](packet)
			if err != nil {
				return err
			}
			if done.Status != network.StatusComplete {
				return fmt.Errorf("%w: %s", ErrSenderFailed, done.Message)
			}
			if err := a.extract(expect, received); err != nil {
				return err
			}
			if err := expect.complete(); err != nil {
				return err
			}
			logger.Info("archive extracted", logging.Int("files", expect.received))
			return nil
		}
	}
}

// Teardown releases the collector and removes the staged archive.
func (a *Archive) Teardown() {
	a.teardown()
	a.closeStaging()
	if a.stagingFS != nil && a.stagingPath != "" {
		_ = a.stagingFS.Remove(a.stagingPath)
	}
}

func (a *Archive) closeStaging() {
	if a.staging != nil {
		_ = a.staging.Close()
		a.staging = nil
	}
}

func (a *Archive) extract(expect *expectations, size int64) error {
	a.closeStaging()

	staged, err := a.stagingFS.Open(a.stagingPath)
	if err != nil {
		return fmt.Errorf("open staged archive: %w", err)
	}
	defer func() {
		_ = staged.Close()
	}()

	reader, err := zip.NewReader(staged, size)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rootID, p, ok := strings.Cut(entry.Name, "/")
		if !ok || p == "" {
			return fmt.Errorf("%w: archive entry %q", ErrUnexpectedFile, entry.Name)
		}
		if err := a.extractEntry(expect, entry, rootID, p); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) extractEntry(expect *expectations, entry *zip.File, rootID, p string) (err error) {
	root, checksum, err := expect.lookup(rootID, p)
	if err != nil {
		return err
	}

	size := int64(entry.UncompressedSize64)
	defer func() { recordFile(size, err) }()

	content, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %q: %w", entry.Name, err)
	}
	staged, _, err := stage(root.FS(), io.LimitReader(content, size+1))
	_ = content.Close()
	if err != nil {
		return err
	}

	if err := finalize(root.FS(), staged, p, checksum, size); err != nil {
		_ = root.FS().Remove(staged)
		return err
	}
	expect.done(rootID, p)
	return nil
}
