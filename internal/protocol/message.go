package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types exchanged over a session. Client-to-host unless noted.
const (
	TypeHello            = "HELLO"
	TypeWelcome          = "WELCOME" // host → client
	TypeJoinRoom         = "JOIN_ROOM"
	TypeLeaveRoom        = "LEAVE_ROOM"
	TypeRoomInfo         = "ROOM_INFO" // host → client
	TypePeerJoined       = "PEER_JOINED"
	TypePeerLeft         = "PEER_LEFT"
	TypeShareFiles       = "SHARE_FILES"
	TypeUnshareFiles     = "UNSHARE_FILES"
	TypeIndexFull        = "INDEX_FULL"
	TypeIndexUpsert      = "INDEX_UPSERT"
	TypeIndexRemove      = "INDEX_REMOVE"
	TypeRequestFile      = "REQUEST_FILE"
	TypeFileOffer        = "FILE_OFFER"
	TypeRelayPull        = "RELAY_PULL"
	TypeRelayPushMeta    = "RELAY_PUSH_META"
	TypeRelayComplete    = "RELAY_COMPLETE"
	TypeRelayError       = "RELAY_ERROR"
	TypeTransferStart    = "TRANSFER_START"
	TypeTransferProgress = "TRANSFER_PROGRESS"
	TypeTransferComplete = "TRANSFER_COMPLETE"
	TypeHeartbeat        = "HEARTBEAT"
	TypeError            = "ERROR"
)

// Wire error codes carried in ERROR and RELAY_ERROR messages.
const (
	CodeNotRegistered    = "NOT_REGISTERED"
	CodeNoRoom           = "NO_ROOM"
	CodeRoomLocked       = "ROOM_LOCKED"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeOwnerOffline     = "OWNER_OFFLINE"
	CodeTransferExists   = "TRANSFER_EXISTS"
	CodeTransferNotFound = "TRANSFER_NOT_FOUND"
	CodeSizeMismatch     = "SIZE_MISMATCH"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeFrameTooLarge    = "FRAME_TOO_LARGE"
	CodeIDCollision      = "REJECT_ID_COLLISION"
	CodeStalled          = "STALLED"
	CodePeerGone         = "PEER_GONE"
	CodeRequesterGone    = "REQUESTER_GONE"
	CodeOwnerGone        = "OWNER_GONE"
	CodeCancelled        = "CANCELLED"
)

// Session close codes. 1000 is the standard normal closure; the rest are in
// the application range so the reason string survives intermediaries.
const (
	CloseNormal           = 1000
	CloseReplaced         = 4001
	CloseFrameTooLarge    = 4002
	CloseProtocolError    = 4003
	CloseHeartbeatTimeout = 4004
)

// CloseReason maps a close code to its wire reason string.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "NORMAL"
	case CloseReplaced:
		return "REPLACED"
	case CloseFrameTooLarge:
		return "FRAME_TOO_LARGE"
	case CloseProtocolError:
		return "PROTOCOL_ERROR"
	case CloseHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	default:
		return "NORMAL"
	}
}

// MaxTextFrame is the largest accepted text frame in bytes.
const MaxTextFrame = 64 * 1024

// Platform tags accepted in HELLO. Anything else is coerced to unknown.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
	PlatformUnknown = "unknown"
)

// Capabilities advertises what the host offers in WELCOME.
type Capabilities struct {
	Relay     bool `json:"relay"`
	MaxFileMB int  `json:"maxFileMB"`
}

// PeerInfo is the projection of a peer carried in PEER_JOINED.
type PeerInfo struct {
	PeerID          string `json:"peerId"`
	DeviceName      string `json:"deviceName"`
	Platform        string `json:"platform"`
	SharedFileCount int    `json:"sharedFileCount"`
}

// FileDescriptor describes one shared audio file in the index.
// OwnerPeerID and OwnerName are stamped by the host; clients must not set them.
type FileDescriptor struct {
	FileID          string `json:"fileId"`
	Title           string `json:"title"`
	Artist          string `json:"artist,omitempty"`
	Album           string `json:"album,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	SizeBytes       int64  `json:"sizeBytes"`
	MimeType        string `json:"mimeType"`
	SHA256          string `json:"sha256"`
	OwnerPeerID     string `json:"ownerPeerId,omitempty"`
	OwnerName       string `json:"ownerName,omitempty"`
	AddedAt         int64  `json:"addedAt,omitempty"`
}

// Message is the flat JSON envelope for every text frame. The Type field
// discriminates; unused fields are omitted on the wire.
type Message struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`

	// HELLO
	PeerID     string `json:"peerId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	AdminToken string `json:"adminToken,omitempty"`

	// WELCOME / ROOM_INFO
	HostID       string        `json:"hostId,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	RoomID       string        `json:"roomId,omitempty"`
	RoomName     string        `json:"roomName,omitempty"`
	PeerCount    int           `json:"peerCount,omitempty"`
	Locked       *bool         `json:"locked,omitempty"`

	// PEER_JOINED / PEER_LEFT
	Peer *PeerInfo `json:"peer,omitempty"`

	// Index traffic
	Files   []FileDescriptor `json:"files,omitempty"`
	FileIDs []string         `json:"fileIds,omitempty"`

	// File requests and relay control
	FileID          string `json:"fileId,omitempty"`
	OwnerPeerID     string `json:"ownerPeerId,omitempty"`
	RequesterPeerID string `json:"requesterPeerId,omitempty"`
	Relay           bool   `json:"relay,omitempty"`

	// Transfers
	TransferID       string `json:"transferId,omitempty"`
	Size             int64  `json:"size,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	SHA256           string `json:"sha256,omitempty"`
	BytesTransferred int64  `json:"bytesTransferred,omitempty"`

	// ERROR / RELAY_ERROR
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Decode parses one text frame into a Message. A missing type field is a
// schema violation, not a decode panic.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.Type) == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// NormalizePlatform coerces unknown platform tags to PlatformUnknown.
func NormalizePlatform(p string) string {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return p
	default:
		return PlatformUnknown
	}
}

// ValidSHA256 reports whether s is a 64-character hex digest.
func ValidSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks the per-type required fields for client-originated messages.
// It returns an error suitable for an INVALID_MESSAGE reply.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if strings.TrimSpace(m.PeerID) == "" {
			return fmt.Errorf("hello: peerId is required")
		}
		if strings.TrimSpace(m.DeviceName) == "" {
			return fmt.Errorf("hello: deviceName is required")
		}
	case TypeShareFiles:
		if len(m.Files) == 0 {
			return fmt.Errorf("share_files: files must not be empty")
		}
	case TypeUnshareFiles:
		if len(m.FileIDs) == 0 {
			return fmt.Errorf("unshare_files: fileIds must not be empty")
		}
	case TypeRequestFile:
		if strings.TrimSpace(m.FileID) == "" {
			return fmt.Errorf("request_file: fileId is required")
		}
	case TypeRelayPull:
		if strings.TrimSpace(m.FileID) == "" || strings.TrimSpace(m.TransferID) == "" {
			return fmt.Errorf("relay_pull: fileId and transferId are required")
		}
	case TypeRelayPushMeta:
		if strings.TrimSpace(m.TransferID) == "" || strings.TrimSpace(m.FileID) == "" {
			return fmt.Errorf("relay_push_meta: transferId and fileId are required")
		}
		if m.Size <= 0 {
			return fmt.Errorf("relay_push_meta: size must be positive")
		}
		if !ValidSHA256(m.SHA256) {
			return fmt.Errorf("relay_push_meta: malformed sha256")
		}
	case TypeRelayComplete:
		if strings.TrimSpace(m.TransferID) == "" {
			return fmt.Errorf("relay_complete: transferId is required")
		}
	case TypeRelayError:
		if strings.TrimSpace(m.TransferID) == "" {
			return fmt.Errorf("relay_error: transferId is required")
		}
	case TypeJoinRoom, TypeLeaveRoom, TypeHeartbeat:
		// No required fields beyond the type itself.
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
