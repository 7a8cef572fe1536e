package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVWriter appends PCM to a WAV file, patching the RIFF and data sizes
// after every append so the file is playable at any point.
type WAVWriter struct {
	f          *os.File
	sampleRate int
	dataBytes  uint32
}

// CreateWAV creates path (truncating it) and writes an empty header.
func CreateWAV(path string, sampleRate int) (*WAVWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(wavHeader(sampleRate, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAVWriter{f: f, sampleRate: sampleRate}, nil
}

// Append writes samples at the end of the data chunk and updates the header.
func (w *WAVWriter) Append(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	if _, err := w.f.Seek(int64(WAVHeaderSize)+int64(w.dataBytes), io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(pcmBytes(samples)); err != nil {
		return fmt.Errorf("append wav data: %w", err)
	}
	w.dataBytes += uint32(len(samples) * BytesPerSample)

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], 36+w.dataBytes)
	if _, err := w.f.WriteAt(size[:], 4); err != nil {
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(size[:], w.dataBytes)
	if _, err := w.f.WriteAt(size[:], 40); err != nil {
		return fmt.Errorf("patch data size: %w", err)
	}
	return w.f.Sync()
}

// Samples returns how many samples have been written.
func (w *WAVWriter) Samples() int { return int(w.dataBytes) / BytesPerSample }

func (w *WAVWriter) Close() error { return w.f.Close() }

// EncodeWAV builds a complete in-memory WAV file.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(samples)*BytesPerSample)
	buf.Write(wavHeader(sampleRate, uint32(len(samples)*BytesPerSample)))
	buf.Write(pcmBytes(samples))
	return buf.Bytes()
}

// DecodeWAV returns the samples of a mono 16-bit WAV produced by this package.
func DecodeWAV(data []byte) ([]int16, error) {
	if len(data) < WAVHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a wav file")
	}
	pcm := data[WAVHeaderSize:]
	if n := binary.LittleEndian.Uint32(data[40:44]); int(n) < len(pcm) {
		pcm = pcm[:n]
	}
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

func wavHeader(sampleRate int, dataLen uint32) []byte {
	var buf bytes.Buffer
	byteRate := uint32(sampleRate * Channels * BytesPerSample)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, byteRate)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(Channels*BytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	return buf.Bytes()
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
