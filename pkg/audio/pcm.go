package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedAudio is returned when a PCM16 byte buffer cannot be split into
// whole frames for the requested channel count.
var ErrMalformedAudio = errors.New("audio: malformed pcm16 buffer")

// Buffer is decoded, de-interleaved audio ready for playback. Data holds one
// slice per channel, each with Frames() samples in the range [-1, 1].
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Channels returns the number of channels in the buffer.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Channel returns the samples of channel c.
func (b *Buffer) Channel(c int) []float32 { return b.Data[c] }

// Duration is the playback length of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// SamplesToPCM16 converts float samples to little-endian int16 bytes.
//
// Each sample is multiplied by 32768 and truncated toward zero. Values outside
// [-1, 1) are not clamped: they wrap around the int16 range, so 1.0 encodes as
// -32768. NaN encodes as 0.
func SamplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// toInt16 truncates s*32768 and wraps it into int16.
func toInt16(s float32) int16 {
	v := float64(s) * 32768
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	// Reduce modulo 2^16 in int64 space so large values wrap instead of
	// hitting the platform-specific float→int overflow behaviour.
	return int16(int64(math.Mod(math.Trunc(v), 65536)))
}

// PCM16ToBuffer de-interleaves little-endian int16 bytes into a [Buffer].
//
// The buffer has len(data)/2/channels frames; channel c of frame i is
// int16At(i*channels+c) / 32768. It returns [ErrMalformedAudio] when the
// byte length is not a whole multiple of 2*channels.
func PCM16ToBuffer(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedAudio, channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(data), 2*channels)
	}
	frames := len(data) / 2 / channels
	buf := &Buffer{
		SampleRate: sampleRate,
		Data:       make([][]float32, channels),
	}
	for c := range channels {
		ch := make([]float32, frames)
		for i := range frames {
			off := (i*channels + c) * 2
			ch[i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768.0
		}
		buf.Data[c] = ch
	}
	return buf, nil
}

// EncodeTransport returns the base64 form of b used on text-oriented wires.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport reverses [EncodeTransport].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport: %w", err)
	}
	return b, nil
}
