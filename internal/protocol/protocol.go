// Package protocol defines the messages exchanged between peers and the
// newline-delimited JSON framing used to carry them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is sent in every handshake.
const Version = "1.0"

// DefaultPort is the TCP/TLS port used when none is configured.
const DefaultPort = 24800

// MessageType defines the type of a wire message
type MessageType string

const (
	// TypeHandshake is sent by the accepting side immediately after connection
	TypeHandshake MessageType = "handshake"

	// TypeMouseMove carries edge transitions and remote cursor movement
	TypeMouseMove MessageType = "mouse-move"

	// TypeMouseClick carries a mouse button action
	TypeMouseClick MessageType = "mouse-click"

	// TypeKeyPress carries a keyboard action
	TypeKeyPress MessageType = "key-press"

	// TypeClipboardChange carries the newest clipboard content
	TypeClipboardChange MessageType = "clipboard-change"

	// TypeFileTransferStart announces a file transfer
	TypeFileTransferStart MessageType = "file-transfer-start"

	// TypeFileTransferData carries one chunk of a file transfer
	TypeFileTransferData MessageType = "file-transfer-data"

	// TypeFileTransferEnd terminates a file transfer
	TypeFileTransferEnd MessageType = "file-transfer-end"
)

// Known reports whether t is one of the message types this build understands.
func (t MessageType) Known() bool {
	switch t {
	case TypeHandshake, TypeMouseMove, TypeMouseClick, TypeKeyPress, TypeClipboardChange,
		TypeFileTransferStart, TypeFileTransferData, TypeFileTransferEnd:
		return true
	}
	return false
}

// IsInput reports whether t is a mouse or keyboard event.
func (t MessageType) IsInput() bool {
	return t == TypeMouseMove || t == TypeMouseClick || t == TypeKeyPress
}

// Message is the generic container for everything sent over a connection.
// A Message is not modified after construction.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version,omitempty"`
}

// NewMessage builds a message of type t with payload encoded as its data.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", t, err)
		}
		msg.Data = data
	}
	if t == TypeHandshake {
		msg.Version = Version
	}
	return msg, nil
}

// DecodeData unmarshals the message data into v.
func (m *Message) DecodeData(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("protocol: %s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// MouseMove is the payload for TypeMouseMove. Exactly one of the flags is
// normally set; X and Y are in the sender's ScreenBounds space.
type MouseMove struct {
	X                int          `json:"x"`
	Y                int          `json:"y"`
	Edge             Edge         `json:"edge,omitempty"`
	ScreenBounds     ScreenBounds `json:"screenBounds"`
	EnterEdge        bool         `json:"enterEdge,omitempty"`
	LeaveEdge        bool         `json:"leaveEdge,omitempty"`
	TransferToRemote bool         `json:"transferToRemote,omitempty"`
	ReturnToLocal    bool         `json:"returnToLocal,omitempty"`
	NormalMove       bool         `json:"normalMove,omitempty"`
}

// Point returns the sampled position carried by the payload.
func (m MouseMove) Point() Point {
	return Point{X: m.X, Y: m.Y}
}

// IsPlainMove reports whether m only repositions the cursor. Plain moves
// are superseded by the next one and may be dropped; every other move
// changes who controls the pointer and must be delivered.
func (m MouseMove) IsPlainMove() bool {
	return m.NormalMove && !m.EnterEdge && !m.LeaveEdge && !m.TransferToRemote && !m.ReturnToLocal
}

// Mouse and key actions
const (
	ActionClick = "click"
	ActionDown  = "down"
	ActionUp    = "up"
)

// MouseClick is the payload for TypeMouseClick
type MouseClick struct {
	Button string `json:"button"`           // "left", "right", "middle"
	Action string `json:"action,omitempty"` // click (default), down, up
	Double bool   `json:"double,omitempty"`
}

// KeyPress is the payload for TypeKeyPress
type KeyPress struct {
	Key       string   `json:"key"`
	Action    string   `json:"action,omitempty"` // click (default), down, up
	Modifiers []string `json:"modifiers,omitempty"`
}

// ClipboardChange is the payload for TypeClipboardChange
type ClipboardChange struct {
	Format  string `json:"type"` // "text", "image", "files"
	Content string `json:"content"`
	Hash    string `json:"hash,omitempty"`
}

// Handshake is the payload for TypeHandshake
type Handshake struct {
	Name         string        `json:"name,omitempty"`
	Role         string        `json:"role,omitempty"`
	Secure       bool          `json:"secure"`
	ScreenBounds *ScreenBounds `json:"screenBounds,omitempty"`
}

// FileTransferStart is the payload for TypeFileTransferStart
type FileTransferStart struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileHash   string `json:"fileHash"`
}

// FileTransferChunk is the payload for TypeFileTransferData.
// Data is base64 on the wire.
type FileTransferChunk struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
	Checksum   string `json:"checksum"`
}

// FileTransferEnd is the payload for TypeFileTransferEnd
type FileTransferEnd struct {
	TransferID string `json:"transferId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}
