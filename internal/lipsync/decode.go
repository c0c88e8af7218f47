package lipsync

import (
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"

	"layeh.com/gopus"
)

// Track is decoded mono audio ready for analysis and playback.
type Track struct {
	// Samples are normalized to [-1, 1].
	Samples []float32

	// SampleRate is in Hz.
	SampleRate int
}

// Duration returns the track length in seconds.
func (t *Track) Duration() float64 {
	if t.SampleRate <= 0 {
		return 0
	}
	return float64(len(t.Samples)) / float64(t.SampleRate)
}

// DecodeError wraps a failure to parse an audio payload.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("lipsync: decoding %s audio: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const (
	opusSampleRate = 48000
	// Largest frame Opus allows at 48 kHz (120 ms).
	opusMaxFrame = 5760

	defaultPCMRate = 16000
)

// Decode parses an audio payload into a Track. The MIME type picks the
// container; when it is empty or unknown the payload is sniffed for a WAV
// header, then tried as length-prefixed Opus packets, then treated as raw
// little-endian PCM16 at 16 kHz.
func Decode(data []byte, mimeType string) (*Track, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Format: "empty", Err: fmt.Errorf("no audio data")}
	}

	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case mediaType == "audio/wav" || mediaType == "audio/x-wav" || mediaType == "audio/wave":
		return decodeWAV(data)
	case mediaType == "audio/opus" || mediaType == "audio/ogg":
		return decodeOpusPackets(data)
	case mediaType == "audio/pcm" || mediaType == "audio/l16":
		rate := defaultPCMRate
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rate = r
		}
		return decodePCM16(data, rate)
	}

	// Unknown type; sniff.
	if len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return decodeWAV(data)
	}
	if track, err := decodeOpusPackets(data); err == nil {
		return track, nil
	}
	return decodePCM16(data, defaultPCMRate)
}

// decodeWAV parses a PCM16 RIFF/WAVE payload. Multi-channel audio is
// downmixed to mono by averaging.
func decodeWAV(data []byte) (*Track, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, &DecodeError{Format: "wav", Err: fmt.Errorf("missing RIFF header")}
	}

	var (
		channels   int
		sampleRate int
		bits       int
		pcm        []byte
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, &DecodeError{Format: "wav", Err: fmt.Errorf("truncated fmt chunk")}
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != 1 {
				return nil, &DecodeError{Format: "wav", Err: fmt.Errorf("unsupported encoding %d, want PCM", format)}
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if sampleRate == 0 || pcm == nil {
		return nil, &DecodeError{Format: "wav", Err: fmt.Errorf("missing fmt or data chunk")}
	}
	if bits != 16 {
		return nil, &DecodeError{Format: "wav", Err: fmt.Errorf("unsupported bit depth %d, want 16", bits)}
	}
	if channels < 1 {
		channels = 1
	}

	frames := len(pcm) / 2 / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			raw := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float32(raw) / 32768
		}
		samples[i] = sum / float32(channels)
	}
	return &Track{Samples: samples, SampleRate: sampleRate}, nil
}

// decodeOpusPackets parses a stream of length-prefixed Opus packets: each
// packet is a 2-byte big-endian length followed by that many bytes.
func decodeOpusPackets(data []byte) (*Track, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		return nil, &DecodeError{Format: "opus", Err: err}
	}

	var samples []float32
	off := 0
	for off+2 <= len(data) {
		n := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if n == 0 || off+n > len(data) {
			return nil, &DecodeError{Format: "opus", Err: fmt.Errorf("bad packet length %d at offset %d", n, off-2)}
		}
		pcm, err := dec.Decode(data[off:off+n], opusMaxFrame, false)
		if err != nil {
			return nil, &DecodeError{Format: "opus", Err: err}
		}
		for _, s := range pcm {
			samples = append(samples, float32(s)/32768)
		}
		off += n
	}
	if off != len(data) || len(samples) == 0 {
		return nil, &DecodeError{Format: "opus", Err: fmt.Errorf("trailing garbage after packets")}
	}
	return &Track{Samples: samples, SampleRate: opusSampleRate}, nil
}

// decodePCM16 interprets data as raw little-endian 16-bit mono PCM.
func decodePCM16(data []byte, sampleRate int) (*Track, error) {
	if len(data) < 2 {
		return nil, &DecodeError{Format: "pcm", Err: fmt.Errorf("payload too short")}
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return &Track{Samples: samples, SampleRate: sampleRate}, nil
}

// pcm16Bytes re-encodes a slice of normalized samples for a playback sink.
func pcm16Bytes(samples []float32, gain float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
