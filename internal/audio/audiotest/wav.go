// Package audiotest writes WAV fixtures for tests.
package audiotest

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WritePCM writes an integer PCM WAV file holding frames sample frames. Sample
// values ramp so that chunk boundaries can be checked byte for byte.
func WritePCM(t testing.TB, path string, sampleRate, channels, bits, frames int) {
	t.Helper()
	if frames == 0 {
		WriteHeader(t, path, 1, sampleRate, channels, bits, 0)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	data := make([]int, frames*channels)
	for i := range data {
		data[i] = i % 100
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bits,
	}
	enc := wav.NewEncoder(f, sampleRate, bits, channels, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
}

// WriteHeader writes a canonical 44-byte WAV header with the given format tag
// followed by dataBytes zero bytes of payload.
func WriteHeader(t testing.TB, path string, formatTag, sampleRate, channels, bits, dataBytes int) {
	t.Helper()
	blockAlign := channels * bits / 8
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(36+dataBytes))
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], uint16(formatTag))
	binary.LittleEndian.PutUint16(header[22:], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:], uint16(bits))
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], uint32(dataBytes))

	payload := append(header, make([]byte, dataBytes)...)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write wav header: %v", err)
	}
}

// WriteStreamable writes a mono 16-bit 16 kHz file of the given frame count.
func WriteStreamable(t testing.TB, path string, frames int) {
	t.Helper()
	WritePCM(t, path, 16000, 1, 16, frames)
}
