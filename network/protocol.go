package network

import (
	"errors"
	"fmt"
	"time"

	"projsync/filelist"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello          = "hello"
	TypePeerDisconnect = "peer_disconnect"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"

	TypeProjectOffer         = "project_offer"
	TypeMissingFiles         = "missing_files"
	TypeStartQueuingRequest  = "start_queuing_request"
	TypeStartQueuingResponse = "start_queuing_response"
	TypeNegotiationCancel    = "negotiation_cancel"

	TypeTransferStart = "transfer_start"
	TypeFileData      = "file_data"
	TypeFileComplete  = "file_complete"
	TypeArchiveData   = "archive_data"
	TypeTransferDone  = "transfer_done"
)

const (
	TransferModeStream  = "stream"
	TransferModeArchive = "archive"
)

const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope carries the routing fields shared by every protocol message.
type Envelope struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	NegotiationID string `json:"negotiation_id,omitempty"`
}

// Hello is exchanged by both sides right after the TCP connection opens.
type Hello struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// Control is a connection-level frame: ping, pong or peer_disconnect.
// Control frames never reach ReceiveMessage.
type Control struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

func newControl(msgType, fromDeviceID string) Control {
	return Control{Type: msgType, FromDeviceID: fromDeviceID, Timestamp: time.Now().UnixMilli()}
}

// Error codes carried by ErrorMessage.
const (
	CodeVersionMismatch = "version_mismatch"
	CodeUnexpectedType  = "unexpected_type"
	CodeInvalidHello    = "invalid_hello"
)

// ErrorMessage rejects a hello. It doubles as the error returned to the
// side that receives it.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

func (m ErrorMessage) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", m.Code, m.Message)
}

// Unwrap maps a version rejection onto ErrUnsupportedVersion.
func (m ErrorMessage) Unwrap() error {
	if m.Code == CodeVersionMismatch {
		return ErrUnsupportedVersion
	}
	return nil
}

func protocolError(code, format string, args ...any) ErrorMessage {
	msg := ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UnixMilli(),
	}
	if code == CodeVersionMismatch {
		msg.SupportedVersions = []int{ProtocolVersion}
	}
	return msg
}

// OfferEntry describes one shared root of a project offer.
type OfferEntry struct {
	RootID   string             `json:"root_id"`
	Name     string             `json:"name"`
	FileList *filelist.FileList `json:"file_list"`
	Partial  bool               `json:"partial"`
}

// ProjectOffer opens a negotiation and carries the offering side's snapshots.
type ProjectOffer struct {
	Type          string       `json:"type"`
	SessionID     string       `json:"session_id"`
	NegotiationID string       `json:"negotiation_id"`
	FromDeviceID  string       `json:"from_device_id"`
	Host          string       `json:"host"`
	Entries       []OfferEntry `json:"entries"`
	// TransferMode tells the receiver which content transfer to set up.
	TransferMode string `json:"transfer_mode,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// MissingFiles lists, per shared root, the files the receiving side needs.
type MissingFiles struct {
	Type          string               `json:"type"`
	SessionID     string               `json:"session_id"`
	NegotiationID string               `json:"negotiation_id"`
	FileLists     []*filelist.FileList `json:"file_lists"`
	Timestamp     int64                `json:"timestamp"`
}

// StartQueuingRequest asks the receiving side to begin queuing activities.
type StartQueuingRequest struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	Timestamp     int64  `json:"timestamp"`
}

// StartQueuingResponse acknowledges a StartQueuingRequest.
type StartQueuingResponse struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	Timestamp     int64  `json:"timestamp"`
}

// NegotiationCancel aborts a negotiation on the other side.
type NegotiationCancel struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	Reason        string `json:"reason"`
	Timestamp     int64  `json:"timestamp"`
}

// TransferStart announces the content transfer of a negotiation.
type TransferStart struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	Mode          string `json:"mode"`
	FileCount     int    `json:"file_count"`
	TotalBytes    int64  `json:"total_bytes"`
	Timestamp     int64  `json:"timestamp"`
}

// FileData contains one content chunk of a streamed file.
type FileData struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	RootID        string `json:"root_id"`
	Path          string `json:"path"`
	ChunkIndex    int    `json:"chunk_index"`
	Data          []byte `json:"data"`
	Timestamp     int64  `json:"timestamp"`
}

// FileComplete ends one streamed file.
type FileComplete struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	RootID        string `json:"root_id"`
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	Checksum      string `json:"checksum"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// ArchiveData contains one chunk of a zip archive holding all missing files.
type ArchiveData struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	ChunkIndex    int    `json:"chunk_index"`
	Data          []byte `json:"data"`
	Timestamp     int64  `json:"timestamp"`
}

// TransferDone ends the content transfer.
type TransferDone struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	NegotiationID string `json:"negotiation_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}
