package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EncodeDescription serializes a session description for the offer/answer
// columns of the signaling record: JSON wrapped in base64 so the store
// only ever sees an opaque string.
func EncodeDescription(description webrtc.SessionDescription) string {
	encoded, _ := json.Marshal(description)
	return base64.StdEncoding.EncodeToString(encoded)
}

// DecodeDescription reverses EncodeDescription.
func DecodeDescription(encoded string) (webrtc.SessionDescription, error) {
	var description webrtc.SessionDescription
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return description, fmt.Errorf("decoding session description: %w", err)
	}
	if err := json.Unmarshal(raw, &description); err != nil {
		return description, fmt.Errorf("parsing session description: %w", err)
	}
	return description, nil
}
