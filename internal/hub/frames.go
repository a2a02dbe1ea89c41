package hub

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Binary frames carry high-rate payloads (PCM audio, FFT magnitudes) with a
// small JSON header: [4-byte LE header length][UTF-8 JSON header][payload].

type audioHeader struct {
	Type        string `json:"type"`
	TalkgroupID int    `json:"talkgroupId"`
	AlphaTag    string `json:"alphaTag,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Description string `json:"description,omitempty"`
}

type fftHeader struct {
	Type        string  `json:"type"`
	SourceIndex int     `json:"sourceIndex"`
	CenterFreq  float64 `json:"centerFreq"`
	SampleRate  float64 `json:"sampleRate"`
	Timestamp   int64   `json:"timestamp"`
	FFTSize     int     `json:"fftSize"`
	MinFreq     float64 `json:"minFreq"`
	MaxFreq     float64 `json:"maxFreq"`
}

// encodeBinaryFrame serializes header to JSON and prepends its length.
func encodeBinaryFrame(header any, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal frame header: %w", err)
	}
	frame := make([]byte, 4+len(hdr)+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(hdr)))
	copy(frame[4:], hdr)
	copy(frame[4+len(hdr):], payload)
	return frame, nil
}
