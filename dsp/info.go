// Package dsp holds the PCM format description and the sample processing
// shared by the mixer and the sink fan-out: format conversion, downmix and
// equalization. All PCM is interleaved signed 16-bit little endian.
package dsp

import (
	"errors"
	"fmt"
)

// CanonicalRate is the rate the mixer converts every source to before the
// main and duck paths are summed.
const CanonicalRate = 48000

// ErrUnsupportedFormat is returned for formats the converters cannot handle.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// AudioInfo describes a PCM stream.
type AudioInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Stereo48k is the format the mixer hands to the sink when downmix is on.
var Stereo48k = AudioInfo{SampleRate: CanonicalRate, Channels: 2, BitsPerSample: 16}

func (i AudioInfo) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", i.SampleRate, i.Channels, i.BitsPerSample)
}

// Validate rejects formats the core cannot process.
func (i AudioInfo) Validate() error {
	if i.SampleRate <= 0 || i.Channels <= 0 || i.Channels > 8 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, i)
	}
	if i.BitsPerSample != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, i.BitsPerSample)
	}
	return nil
}

// BytesPerFrame is the size of one sample for every channel.
func (i AudioInfo) BytesPerFrame() int {
	return i.Channels * i.BitsPerSample / 8
}

// BytesToMillis converts a byte count of this format to milliseconds.
func (i AudioInfo) BytesToMillis(n int64) int64 {
	perSecond := int64(i.SampleRate) * int64(i.BytesPerFrame())
	if perSecond == 0 {
		return 0
	}
	return n * 1000 / perSecond
}

// MillisToBytes converts milliseconds to a frame aligned byte count.
func (i AudioInfo) MillisToBytes(ms int64) int64 {
	frames := ms * int64(i.SampleRate) / 1000
	return frames * int64(i.BytesPerFrame())
}

// BytesToSamples converts little-endian PCM16 bytes to samples. A trailing
// odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	return AppendSamples(make([]int16, 0, len(data)/2), data)
}

// AppendSamples decodes data onto dst.
func AppendSamples(dst []int16, data []byte) []int16 {
	for i := 0; i+1 < len(data); i += 2 {
		dst = append(dst, int16(data[i])|int16(data[i+1])<<8)
	}
	return dst
}

// SamplesToBytes converts samples to little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	return AppendBytes(make([]byte, 0, len(samples)*2), samples)
}

// AppendBytes encodes samples onto dst.
func AppendBytes(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}
