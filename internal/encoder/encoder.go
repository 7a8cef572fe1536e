// Package encoder writes captured PCM to disk formats: a streaming WAV for
// the full recording and FLAC or WAV files for individual segments.
package encoder

import "fmt"

const (
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = 2
	BlockSize      = 4096
	WAVHeaderSize  = 44

	pcmFormat = 1
)

// Segment file formats.
const (
	FormatFLAC = "flac"
	FormatWAV  = "wav"
)

// Encode renders samples in the named format.
func Encode(format string, samples []int16, sampleRate int) ([]byte, error) {
	switch format {
	case FormatFLAC:
		return EncodeFLAC(samples, sampleRate)
	case FormatWAV:
		return EncodeWAV(samples, sampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
}
