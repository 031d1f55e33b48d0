package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// TranscriptEntry is one raw model reply kept for audit.
type TranscriptEntry struct {
	Role   string `json:"role"`
	Model  string `json:"model"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func EncodeTranscript(entries []TranscriptEntry) ([]byte, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, payload), nil
}

func DecodeTranscript(blob []byte) ([]TranscriptEntry, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return entries, nil
}
