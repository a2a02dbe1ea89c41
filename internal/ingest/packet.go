// Package ingest receives telemetry datagrams from the trunked-radio decoder
// and turns them into typed audio and spectrum packets.
package ingest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SampleRate is the fixed PCM sample rate of the decoder's audio feed.
const SampleRate = 8000

// FFTMagic is the little-endian magic ("FFTD") opening every spectrum frame.
const FFTMagic = 0x46465444

// maxMetaLen bounds the length-prefix interpretation of an audio frame. A
// prefix at or above this is treated as a raw talkgroup id instead.
const maxMetaLen = 10000

// braceScanLimit bounds how far into a frame the JSON brace scan will look
// for the closing brace of inline metadata.
const braceScanLimit = 1000

// Metadata carries the optional JSON header of an audio frame. Unknown
// fields are ignored.
type Metadata struct {
	Talkgroup int     `json:"talkgroup"`
	TGID      int     `json:"tgid"`
	Src       int64   `json:"src"`
	Freq      float64 `json:"freq"`
	ShortName string  `json:"shortName"`
	Event     string  `json:"event"`
}

// AudioPacket is one decoded voice datagram: 16-bit signed little-endian
// PCM, mono, 8000 Hz.
type AudioPacket struct {
	TalkgroupID int
	PCM         []byte
	Metadata    *Metadata
}

// FFTPacket is one decoded spectrum snapshot.
type FFTPacket struct {
	SourceIndex int     `json:"sourceIndex"`
	CenterFreq  float64 `json:"centerFreq"`
	SampleRate  float64 `json:"sampleRate"`
	Timestamp   int64   `json:"timestamp"`
	FFTSize     int     `json:"fftSize"`
	MinFreq     float64 `json:"minFreq"`
	MaxFreq     float64 `json:"maxFreq"`

	// Magnitudes holds the decoded dB values; MagnitudeData is the same
	// buffer in its original IEEE-754 little-endian wire form, kept so the
	// fan-out paths can forward it without re-encoding.
	Magnitudes    []float32 `json:"-"`
	MagnitudeData []byte    `json:"-"`
}

// fftMeta is the JSON metadata block inside an FFT frame.
type fftMeta struct {
	SourceIndex int     `json:"sourceIndex"`
	CenterFreq  float64 `json:"centerFreq"`
	SampleRate  float64 `json:"sampleRate"`
	Timestamp   int64   `json:"timestamp"`
	MinFreq     float64 `json:"minFreq"`
	MaxFreq     float64 `json:"maxFreq"`
}

// ParseAudioPacket decodes the decoder's ambiguous audio frame format.
//
// The wire format cannot distinguish a JSON-length prefix from a raw
// talkgroup id, so the heuristic ordering below is load-bearing for wire
// compatibility and must not be reordered:
//
//  1. a plausible little-endian length prefix introducing JSON metadata,
//  2. inline JSON found by brace scanning from the first byte,
//  3. the first four bytes as a raw talkgroup id, remainder as PCM.
func ParseAudioPacket(buf []byte) (*AudioPacket, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("audio frame too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[:4])

	if n > 0 && n < maxMetaLen && int(n) < len(buf) {
		var md Metadata
		if err := json.Unmarshal(buf[4:4+n], &md); err == nil {
			return &AudioPacket{
				TalkgroupID: md.Talkgroup,
				PCM:         buf[4+n:],
				Metadata:    &md,
			}, nil
		}
		// Not JSON after all; fall through to the other interpretations.
	}

	if buf[0] == '{' {
		if end := matchBrace(buf); end > 0 {
			var md Metadata
			if err := json.Unmarshal(buf[:end], &md); err == nil {
				tgid := md.Talkgroup
				if tgid == 0 {
					tgid = md.TGID
				}
				return &AudioPacket{
					TalkgroupID: tgid,
					PCM:         buf[end:],
					Metadata:    &md,
				}, nil
			}
		}
	}

	return &AudioPacket{TalkgroupID: int(n), PCM: buf[4:]}, nil
}

// matchBrace returns the index one past the brace matching buf[0], scanning
// at most braceScanLimit bytes, or -1 if no match is found there.
func matchBrace(buf []byte) int {
	limit := len(buf)
	if limit > braceScanLimit {
		limit = braceScanLimit
	}
	depth := 0
	for i := 0; i < limit; i++ {
		switch buf[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// ParseFFTPacket decodes one fixed-layout spectrum frame: magic, metadata
// length, FFT size, JSON metadata, then FFT-size little-endian float32
// magnitudes.
func ParseFFTPacket(buf []byte) (*FFTPacket, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("fft frame too short: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != FFTMagic {
		return nil, fmt.Errorf("bad fft magic 0x%08X", magic)
	}
	metaLen := int64(binary.LittleEndian.Uint32(buf[4:8]))
	fftSize := int64(binary.LittleEndian.Uint32(buf[8:12]))
	if int64(len(buf)) < 12+metaLen+fftSize*4 {
		return nil, fmt.Errorf("fft frame truncated: have %d bytes, need %d",
			len(buf), 12+metaLen+fftSize*4)
	}

	var meta fftMeta
	if metaLen > 0 {
		// Missing or malformed fields default to zero below.
		_ = json.Unmarshal(buf[12:12+metaLen], &meta)
	}
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}

	data := buf[12+metaLen : 12+metaLen+fftSize*4]
	mags := make([]float32, fftSize)
	for i := range mags {
		mags[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}

	return &FFTPacket{
		SourceIndex:   meta.SourceIndex,
		CenterFreq:    meta.CenterFreq,
		SampleRate:    meta.SampleRate,
		Timestamp:     meta.Timestamp,
		FFTSize:       int(fftSize),
		MinFreq:       meta.MinFreq,
		MaxFreq:       meta.MaxFreq,
		Magnitudes:    mags,
		MagnitudeData: data,
	}, nil
}
