package audio

import "fmt"

// Sample rates used by the live voice link. Microphone audio is sent to the
// model at InputSampleRate; synthesised speech arrives at OutputSampleRate.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// Chunk is a block of PCM16 little-endian audio flowing between the capture
// pipeline, the session transport, and the playback scheduler.
//
// A Chunk is immutable once produced: stages must not modify Data in place.
// Ownership passes downstream with the value and no stage retains a chunk
// after handing it on.
type Chunk struct {
	// Data holds interleaved little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (16000 for microphone input, 24000 for model output).
	SampleRate int

	// Channels is the interleaved channel count. Zero is treated as mono.
	Channels int
}

// MIMEType returns the wire MIME type of the chunk, e.g. "audio/pcm;rate=16000".
func (c Chunk) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// Encoded returns Data in its text-safe transport form.
func (c Chunk) Encoded() string {
	return EncodeTransport(c.Data)
}

// channels returns the effective channel count.
func (c Chunk) channels() int {
	if c.Channels <= 0 {
		return 1
	}
	return c.Channels
}
