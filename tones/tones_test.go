package tones

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpipe/dsp"
	"voxpipe/playback"
	"voxpipe/ringbuf"
)

// wavFile builds a 16-bit PCM wav file.
func wavFile(rate, channels int, samples []int16) []byte {
	var b bytes.Buffer
	data := len(samples) * 2
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+data))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(data))
	_ = binary.Write(&b, binary.LittleEndian, samples)
	return b.Bytes()
}

func TestBuiltins(t *testing.T) {
	c, err := NewCache(48000)
	require.NoError(t, err)

	assert.Equal(t, []string{Ack, Chime, Error}, c.Names())

	chime, ok := c.Get(Chime)
	require.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, chime.Duration())

	pcm, err := c.PCM(Chime)
	require.NoError(t, err)
	assert.Len(t, pcm, 14400*4)

	samples := dsp.BytesToSamples(pcm)
	peak := int16(0)
	for _, s := range samples {
		peak = max(peak, s)
	}
	assert.InDelta(t, 16384, int(peak), 200)

	_, err = c.PCM("missing")
	assert.ErrorIs(t, err, ErrUnknownTone)
}

func TestLoadDir(t *testing.T) {
	c, err := NewCache(16000)
	require.NoError(t, err)

	fsys := fstest.MapFS{
		"sounds/Réveil Matin.wav": {Data: wavFile(16000, 1, []int16{0, 16384, -16384, 8192})},
		"sounds/broken.mp3":       {Data: []byte("not an mp3")},
		"sounds/readme.txt":       {Data: []byte("hello")},
	}
	err = c.LoadDir(fsys, "sounds")
	assert.Error(t, err)

	pcm, err := c.PCM("reveil-matin")
	require.NoError(t, err)
	want := []int16{0, 0, 16384, 16384, -16384, -16384, 8192, 8192}
	got := dsp.BytesToSamples(pcm)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 2, "sample %d", i)
	}
}

func TestName(t *testing.T) {
	tests := map[string]string{
		"audio/Bonjour.mp3":        "bonjour",
		"Mot de passe correct.wav": "mot-de-passe-correct",
		"élève.mp3":                "eleve",
	}
	for in, want := range tests {
		assert.Equal(t, want, Name(in), in)
	}
}

type recordPlayer struct {
	tones []*playback.Requester
}

func (p *recordPlayer) PlayTone(r *playback.Requester) {
	p.tones = append(p.tones, r)
}

func TestEnginePlay(t *testing.T) {
	c, err := NewCache(48000)
	require.NoError(t, err)
	p := &recordPlayer{}
	e := NewEngine(c, p)

	r, err := e.Play(Ack)
	require.NoError(t, err)
	require.Len(t, p.tones, 1)
	assert.Same(t, r, p.tones[0])
	assert.Equal(t, "tone:ack", r.Name())
	assert.Equal(t, dsp.Stereo48k, r.Info())

	total := 0
	buf := make([]byte, 1000)
	for {
		n, err := r.Read(buf, 0)
		total += n
		if errors.Is(err, ringbuf.ErrDone) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 3840*4, total)
	assert.EqualValues(t, 80, r.CurrentOffset())

	_, err = e.Play("missing")
	assert.ErrorIs(t, err, ErrUnknownTone)
	assert.EqualValues(t, 1, e.Played())
}
