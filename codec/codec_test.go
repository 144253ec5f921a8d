package codec

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpipe/dsp"
	"voxpipe/pipeline"
	"voxpipe/ringbuf"
)

var mono16k = dsp.AudioInfo{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

type events struct {
	mu   sync.Mutex
	list []pipeline.Event
}

func (e *events) add(ev pipeline.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) types() []pipeline.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []pipeline.EventType
	for _, ev := range e.list {
		out = append(out, ev.Type)
	}
	return out
}

func (e *events) info() dsp.AudioInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.list {
		if ev.Type == pipeline.EventSetFreq {
			return ev.Info
		}
	}
	return dsp.AudioInfo{}
}

func newRing(t *testing.T, size int) *ringbuf.Ring {
	t.Helper()
	r, err := ringbuf.New(size)
	require.NoError(t, err)
	return r
}

func readAll(t *testing.T, r *ringbuf.Ring) []byte {
	t.Helper()
	out := make([]byte, r.Filled())
	n, err := r.Read(out, 0)
	if len(out) == 0 {
		return nil
	}
	require.NoError(t, err)
	return out[:n]
}

func TestTypeFromContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        Type
	}{
		{"audio/L16; rate=16000; channels=1", TypePCM},
		{"audio/mpeg", TypeMP3},
		{"AUDIO/MPEG", TypeMP3},
		{"audio/aacp", TypeAAC},
		{"audio/ogg; codecs=opus", TypeOPUS},
		{"audio/x-wav", TypeWAV},
		{"audio/amr", TypeAMR},
		{"text/html", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeFromContentType(tt.contentType))
		})
	}
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "opus", TypeOPUS.String())
	assert.Equal(t, "unknown", Type(99).String())
}

func TestPCMPassthrough(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	in, out := newRing(t, 8192), newRing(t, 8192)
	_, err := in.Write(data, 0)
	require.NoError(t, err)
	in.SignalWriterFinished()

	ev := &events{}
	c := NewPCM(mono16k)
	require.NoError(t, c.Init(in.Read, out.Write, ev.add))
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []pipeline.EventType{
		pipeline.EventStarted,
		pipeline.EventSetFreq,
		pipeline.EventStopped,
	}, ev.types())
	assert.Equal(t, mono16k, ev.info())
	assert.Equal(t, data, readAll(t, out))
}

func TestPCMBigEndian(t *testing.T) {
	in, out := newRing(t, 1024), newRing(t, 1024)

	c := NewPCM(dsp.AudioInfo{})
	require.NoError(t, c.SetFormatFromContentType("audio/l16", map[string]string{"rate": "8000", "channels": "2"}))
	assert.Equal(t, dsp.AudioInfo{SampleRate: 8000, Channels: 2, BitsPerSample: 16}, c.Format())

	ev := &events{}
	require.NoError(t, c.Init(in.Read, out.Write, ev.add))
	require.NoError(t, c.Start())

	// A sample split across two reads must still be swapped as a pair.
	_, err := in.Write([]byte{0x01, 0x02, 0x03}, time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return out.Filled() == 2 }, 2*time.Second, 5*time.Millisecond)
	_, err = in.Write([]byte{0x04}, time.Second)
	require.NoError(t, err)
	in.SignalWriterFinished()
	c.Wait()

	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, readAll(t, out))
}

func TestPCMOffset(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 200)
	}
	in, out := newRing(t, 2048), newRing(t, 2048)
	_, err := in.Write(data, 0)
	require.NoError(t, err)
	in.SignalWriterFinished()

	c := NewPCM(mono16k)
	require.NoError(t, c.SetOffset(10))
	require.NoError(t, c.Init(in.Read, out.Write, func(pipeline.Event) {}))
	require.NoError(t, c.Start())
	c.Wait()

	// 10 ms of 16 kHz mono is 320 bytes.
	assert.Equal(t, data[320:], readAll(t, out))
	assert.Error(t, c.SetOffset(-1))
}

func TestPCMInvalidFormat(t *testing.T) {
	in, out := newRing(t, 64), newRing(t, 64)
	ev := &events{}
	c := NewPCM(dsp.AudioInfo{SampleRate: 16000, Channels: 1, BitsPerSample: 24})
	require.NoError(t, c.Init(in.Read, out.Write, ev.add))
	require.NoError(t, c.Start())
	c.Wait()

	assert.Equal(t, []pipeline.EventType{pipeline.EventFailed}, ev.types())
}

func TestPCMStopAndRestart(t *testing.T) {
	in, out := newRing(t, 64), newRing(t, 64)
	ev := &events{}
	c := NewPCM(mono16k)
	require.NoError(t, c.Init(in.Read, out.Write, ev.add))

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), pipeline.ErrRunning)
	require.NoError(t, c.Stop())
	c.Wait()
	assert.False(t, c.Running())

	require.NoError(t, c.Start())
	require.NoError(t, c.Destroy())
	assert.Equal(t, []pipeline.EventType{
		pipeline.EventStarted, pipeline.EventSetFreq, pipeline.EventStopped,
		pipeline.EventStarted, pipeline.EventSetFreq, pipeline.EventDestroyed,
	}, ev.types())
}

type frames struct {
	list   [][]int16
	closed bool
}

func (f *frames) ProvidePCMFrame() ([]int16, error) {
	if len(f.list) == 0 {
		return nil, io.EOF
	}
	fr := f.list[0]
	f.list = f.list[1:]
	return fr, nil
}

func (f *frames) Close() { f.closed = true }

func TestFrameSource(t *testing.T) {
	p := &frames{list: [][]int16{{1, 2, 3}, {}, {-1}}}
	s := NewFrameSource(p)

	var got []byte
	buf := make([]byte, 4)
	for {
		n, err := s.Read(buf, 0)
		if err != nil {
			assert.ErrorIs(t, err, ringbuf.ErrDone)
			break
		}
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0, 0xff, 0xff}, got)

	s.Close()
	assert.True(t, p.closed)
}

func TestFFmpegArgs(t *testing.T) {
	c := NewFFmpeg()
	c.SetInputFormat(TypeMP3)

	args := c.args("mp3", 1500)
	assert.Contains(t, args, "pipe:0")
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.Subset(t, args, []string{"-f", "mp3", "-ss", "1.500", "s16le"})

	args = c.args("", 0)
	assert.NotContains(t, args, "-ss")
	assert.NotContains(t, args, "mp3")
}
