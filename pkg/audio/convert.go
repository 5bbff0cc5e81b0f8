package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// IsZero reports whether f is unset.
func (f Format) IsZero() bool { return f.SampleRate == 0 && f.Channels == 0 }

// String renders f as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 0, 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter rewrites PCM16 chunks into Target. It warns once when the
// first conversion happens and once when a misaligned chunk is dropped. Use
// one converter per stream.
type FormatConverter struct {
	Target Format

	warnConvert sync.Once
	warnOdd     sync.Once
}

// Convert returns chunk in the target format. Chunks already in the target
// format are returned as is. A chunk with an odd byte count cannot be PCM16
// and comes back empty.
func (c *FormatConverter) Convert(chunk Chunk) Chunk {
	src := Format{SampleRate: chunk.SampleRate, Channels: chunk.channels()}
	dst := c.Target
	if dst.Channels <= 0 {
		dst.Channels = 1
	}

	if len(chunk.Data)%2 != 0 {
		c.warnOdd.Do(func() {
			slog.Warn("audio: dropping chunk with odd byte count", "bytes", len(chunk.Data), "format", src)
		})
		return Chunk{SampleRate: dst.SampleRate, Channels: dst.Channels}
	}
	if src == dst {
		return chunk
	}
	c.warnConvert.Do(func() {
		slog.Warn("audio: converting stream format", "from", src, "to", dst)
	})

	pcm := Resample16(chunk.Data, src.Channels, src.SampleRate, dst.SampleRate)
	pcm = Remix16(pcm, src.Channels, dst.Channels)
	return Chunk{Data: pcm, SampleRate: dst.SampleRate, Channels: dst.Channels}
}

// Remix16 changes the channel count of interleaved PCM16. Going to mono
// averages all channels of a frame. Going from mono copies the sample into
// every output channel. Any other pair maps channel i to channel i mod from.
func Remix16(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		in := pcm[f*2*from : (f+1)*2*from]
		o := out[f*2*to : (f+1)*2*to]
		if to == 1 {
			var sum int32
			for ch := range from {
				sum += int32(sample16(in, ch))
			}
			putSample16(o, 0, int16(sum/int32(from)))
			continue
		}
		for ch := range to {
			putSample16(o, ch, sample16(in, ch%from))
		}
	}
	return out
}

// Resample16 converts interleaved PCM16 with the given channel count from
// srcRate to dstRate by linear interpolation between neighbouring frames.
// Invalid rates or equal rates return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 {
		channels = 1
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)

		a := pcm[idx*frameBytes : (idx+1)*frameBytes]
		b := pcm[next*frameBytes : (next+1)*frameBytes]
		o := out[i*frameBytes : (i+1)*frameBytes]
		for ch := range channels {
			s0, s1 := float64(sample16(a, ch)), float64(sample16(b, ch))
			putSample16(o, ch, int16(s0+(s1-s0)*frac))
		}
	}
	return out
}

func sample16(frame []byte, ch int) int16 {
	return int16(binary.LittleEndian.Uint16(frame[2*ch:]))
}

func putSample16(frame []byte, ch int, v int16) {
	binary.LittleEndian.PutUint16(frame[2*ch:], uint16(v))
}
