package transfer

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"projsync/crypto"
	"projsync/logging"
	"projsync/metrics"
	"projsync/negotiation"
	"projsync/network"
)

// SenderOptions configures the sending transfer variants.
type SenderOptions struct {
	Transmitter negotiation.Transmitter
	ChunkSize   int
	Logger      *zap.Logger
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	out.Logger = logging.OrDefault(out.Logger).Named("transfer")
	return out
}

// NewSender returns the sending counterpart of mode.
func NewSender(mode string, options SenderOptions) (negotiation.ContentSender, error) {
	switch mode {
	case "", network.TransferModeStream:
		return NewStreamSender(options), nil
	case network.TransferModeArchive:
		return NewArchiveSender(options), nil
	default:
		return nil, fmt.Errorf("transfer: unknown mode %q", mode)
	}
}

type outboundFile struct {
	rootID string
	fs     billy.Filesystem
	path   string
	size   int64
}

// collectFiles resolves every requested path against the offered roots.
func collectFiles(request negotiation.SendRequest) ([]outboundFile, int64, error) {
	var files []outboundFile
	var total int64
	for _, b := range request.Mapping {
		missing := request.Missing[b.RootID]
		for _, p := range missing.Files() {
			info, err := b.Root.FS().Stat(p)
			if err != nil {
				return nil, 0, fmt.Errorf("stat requested file %s/%s: %w", b.RootID, p, err)
			}
			if !info.Mode().IsRegular() {
				return nil, 0, fmt.Errorf("%w: %s/%s is not a regular file", ErrUnexpectedFile, b.RootID, p)
			}
			files = append(files, outboundFile{rootID: b.RootID, fs: b.Root.FS(), path: p, size: info.Size()})
			total += info.Size()
		}
	}
	return files, total, nil
}

type sender struct {
	options SenderOptions
}

func (s sender) send(message any) error {
	if err := s.options.Transmitter.SendMessage(message); err != nil {
		return fmt.Errorf("send transfer packet: %w", err)
	}
	return nil
}

func (s sender) start(request negotiation.SendRequest, mode string, count int, total int64) error {
	return s.send(network.TransferStart{
		Type:          network.TypeTransferStart,
		SessionID:     request.SessionID,
		NegotiationID: request.NegotiationID,
		Mode:          mode,
		FileCount:     count,
		TotalBytes:    total,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s sender) done(request negotiation.SendRequest, cause error) error {
	msg := network.TransferDone{
		Type:          network.TypeTransferDone,
		SessionID:     request.SessionID,
		NegotiationID: request.NegotiationID,
		Status:        network.StatusComplete,
		Timestamp:     time.Now().UnixMilli(),
	}
	if cause != nil {
		msg.Status = network.StatusFailed
		msg.Message = cause.Error()
	}
	return s.send(msg)
}

// StreamSender sends each requested file as file_data chunks followed by file_complete.
type StreamSender struct {
	sender
}

// NewStreamSender returns a stream sender.
func NewStreamSender(options SenderOptions) *StreamSender {
	return &StreamSender{sender{options: options.withDefaults()}}
}

// Send delivers every requested file.
func (s *StreamSender) Send(ctx context.Context, request negotiation.SendRequest) error {
	files, total, err := collectFiles(request)
	if err != nil {
		return err
	}
	if err := s.start(request, network.TransferModeStream, len(files), total); err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendFile(request, f); err != nil {
			metrics.RecordTransferredFile(directionSend, f.size, false)
			_ = s.done(request, err)
			return err
		}
		metrics.RecordTransferredFile(directionSend, f.size, true)
	}

	s.options.Logger.Info("sent files",
		logging.NegotiationID(request.NegotiationID),
		logging.Int("files", len(files)),
		logging.Int64("bytes", total),
	)
	return s.done(request, nil)
}

func (s *StreamSender) sendFile(request negotiation.SendRequest, f outboundFile) error {
	checksum, err := crypto.FileChecksum(f.fs, f.path)
	if err != nil {
		return err
	}

	file, err := f.fs.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %q: %w", f.path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	buffer := make([]byte, s.options.ChunkSize)
	var sent int64
	for chunkIndex := 0; ; chunkIndex++ {
		n, readErr := io.ReadFull(file, buffer)
		if n > 0 {
			if err := s.send(network.FileData{
				Type:          network.TypeFileData,
				SessionID:     request.SessionID,
				NegotiationID: request.NegotiationID,
				RootID:        f.rootID,
				Path:          f.path,
				ChunkIndex:    chunkIndex,
				Data:          append([]byte(nil), buffer[:n]...),
				Timestamp:     time.Now().UnixMilli(),
			}); err != nil {
				return err
			}
			sent += int64(n)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %q: %w", f.path, readErr)
		}
	}

	return s.send(network.FileComplete{
		Type:          network.TypeFileComplete,
		SessionID:     request.SessionID,
		NegotiationID: request.NegotiationID,
		RootID:        f.rootID,
		Path:          f.path,
		Size:          sent,
		Checksum:      checksum,
		Status:        network.StatusComplete,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// ArchiveSender packs every requested file into one zip archive and sends
// it as archive_data chunks.
type ArchiveSender struct {
	sender
}

// NewArchiveSender returns an archive sender.
func NewArchiveSender(options SenderOptions) *ArchiveSender {
	return &ArchiveSender{sender{options: options.withDefaults()}}
}

// Send builds the archive in a temporary file and streams it.
func (s *ArchiveSender) Send(ctx context.Context, request negotiation.SendRequest) error {
	files, total, err := collectFiles(request)
	if err != nil {
		return err
	}

	archive, err := os.CreateTemp("", "projsync-archive-*.zip")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		_ = archive.Close()
		_ = os.Remove(archive.Name())
	}()

	if err := writeArchive(ctx, archive, files); err != nil {
		return err
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	if err := s.start(request, network.TransferModeArchive, len(files), total); err != nil {
		return err
	}

	buffer := make([]byte, s.options.ChunkSize)
	var sent int64
	for chunkIndex := 0; ; chunkIndex++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := io.ReadFull(archive, buffer)
		if n > 0 {
			if err := s.send(network.ArchiveData{
				Type:          network.TypeArchiveData,
				SessionID:     request.SessionID,
				NegotiationID: request.NegotiationID,
				ChunkIndex:    chunkIndex,
				Data:          append([]byte(nil), buffer[:n]...),
				Timestamp:     time.Now().UnixMilli(),
			}); err != nil {
				return err
			}
			sent += int64(n)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			_ = s.done(request, readErr)
			return fmt.Errorf("read archive: %w", readErr)
		}
	}

	metrics.RecordTransferBytes(directionSend, sent)
	s.options.Logger.Info("sent archive",
		logging.NegotiationID(request.NegotiationID),
		logging.Int("files", len(files)),
		logging.Int64("archive_bytes", sent),
	)
	return s.done(request, nil)
}

func writeArchive(ctx context.Context, w io.Writer, files []outboundFile) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   f.rootID + "/" + f.path,
			Method: zip.Deflate,
		})
		if err != nil {
			return fmt.Errorf("add %s/%s to archive: %w", f.rootID, f.path, err)
		}
		src, err := f.fs.Open(f.path)
		if err != nil {
			return fmt.Errorf("open %q: %w", f.path, err)
		}
		_, copyErr := io.Copy(entry, src)
		_ = src.Close()
		if copyErr != nil {
			return fmt.Errorf("archive %q: %w", f.path, copyErr)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}
