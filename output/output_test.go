package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpipe/dsp"
)

func TestSpeakerStream(t *testing.T) {
	s, err := newSpeaker(dsp.Stereo48k, 20*time.Millisecond)
	require.NoError(t, err)

	in := dsp.SamplesToBytes([]int16{16384, -16384, 8192, 0})
	n, err := s.Write(0, in, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, len(in), n)

	samples := make([][2]float64, 4)
	n, ok := s.Stream(samples)
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, [][2]float64{{0.5, -0.5}, {0.25, 0}, {0, 0}, {0, 0}}, samples)
}

func TestSpeakerStreamMono(t *testing.T) {
	s, err := newSpeaker(dsp.AudioInfo{SampleRate: 16000, Channels: 1, BitsPerSample: 16}, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = s.Write(0, dsp.SamplesToBytes([]int16{-32768}), 16, 16)
	require.NoError(t, err)

	samples := make([][2]float64, 1)
	s.Stream(samples)
	assert.Equal(t, [2]float64{-1, -1}, samples[0])
}

func TestSpeakerWriteAfterAbort(t *testing.T) {
	s, err := newSpeaker(dsp.Stereo48k, 20*time.Millisecond)
	require.NoError(t, err)

	s.ring.Abort()
	_, err = s.Write(0, []byte{1, 2, 3, 4}, 16, 16)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestALSAArgs(t *testing.T) {
	args := alsaArgs("hw:2,0", dsp.AudioInfo{SampleRate: 44100, Channels: 2, BitsPerSample: 16})
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", "44100", "-ac", "2", "-i", "pipe:0",
		"-f", "alsa", "-ar", "44100", "-ac", "2", "hw:2,0",
	}, args)

	args = alsaArgs("", dsp.Stereo48k)
	assert.Equal(t, DefaultALSADevice, args[len(args)-1])
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	n, err := w.Write(3, []byte{1, 2, 3, 4}, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 4, w.Written())
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())
	assert.NoError(t, w.Close())
}
