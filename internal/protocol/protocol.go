// Package protocol defines the frames exchanged over the session data
// channel. Text frames are JSON envelopes with a type discriminator;
// binary frames are encrypted file chunks with the nonce prefixed, no
// further framing. Unknown frame types are ignored by receivers so newer
// clients can talk to older ones.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mossy-p/peercall/internal/crypto"
)

// FrameType discriminates JSON frames.
type FrameType string

const (
	FrameChat             FrameType = "chat"
	FramePrivacyUpdate    FrameType = "privacy-update"
	FrameFileMeta         FrameType = "file-meta"
	FrameFileAbort        FrameType = "file-abort"
	FrameSessionTerminate FrameType = "session-terminate"
)

// Frame is the JSON envelope. Only the fields for the frame's type are
// populated; the rest are omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// chat: authenticated-encrypted UTF-8 message.
	Data string `json:"data,omitempty"`
	IV   string `json:"iv,omitempty"`

	// privacy-update: the peer's current privacy state. Booleans are
	// pointers so false survives serialization.
	Filter       string `json:"filter,omitempty"`
	AudioEnabled *bool  `json:"audioEnabled,omitempty"`
	VideoEnabled *bool  `json:"videoEnabled,omitempty"`

	// file-meta / file-abort: transfer declaration and cancellation.
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Chat builds an encrypted chat frame from EncryptText output.
func Chat(data, iv string) Frame {
	return Frame{Type: FrameChat, Data: data, IV: iv}
}

// PrivacyUpdate builds a privacy-state frame.
func PrivacyUpdate(filter string, audioEnabled, videoEnabled bool) Frame {
	return Frame{
		Type:         FramePrivacyUpdate,
		Filter:       filter,
		AudioEnabled: &audioEnabled,
		VideoEnabled: &videoEnabled,
	}
}

// FileMeta declares the start of a file transfer.
func FileMeta(id, name string, size int64, mimeType string) Frame {
	return Frame{Type: FrameFileMeta, ID: id, Name: name, Size: size, MimeType: mimeType}
}

// FileAbort cancels an in-flight transfer.
func FileAbort(id string) Frame {
	return Frame{Type: FrameFileAbort, ID: id}
}

// SessionTerminate requests orderly teardown.
func SessionTerminate() Frame {
	return Frame{Type: FrameSessionTerminate}
}

// Encode serializes a frame for DataChannel.SendText.
func Encode(frame Frame) (string, error) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	return string(encoded), nil
}

// Decode parses a text frame. Frames with types this client does not know
// decode successfully; dispatch sites log and skip them.
func Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing type")
	}
	return frame, nil
}

// Known reports whether this client understands the frame type.
func (f Frame) Known() bool {
	switch f.Type {
	case FrameChat, FramePrivacyUpdate, FrameFileMeta, FrameFileAbort, FrameSessionTerminate:
		return true
	}
	return false
}

// PackChunk assembles a binary chunk frame: nonce followed immediately by
// ciphertext.
func PackChunk(nonce, ciphertext []byte) []byte {
	frame := make([]byte, 0, len(nonce)+len(ciphertext))
	frame = append(frame, nonce...)
	return append(frame, ciphertext...)
}

// SplitChunk splits a binary chunk frame back into nonce and ciphertext.
func SplitChunk(frame []byte) (nonce, ciphertext []byte, err error) {
	if len(frame) < crypto.NonceSize {
		return nil, nil, fmt.Errorf("chunk frame too short: %d bytes", len(frame))
	}
	return frame[:crypto.NonceSize], frame[crypto.NonceSize:], nil
}
