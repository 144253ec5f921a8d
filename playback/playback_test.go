package playback

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/audio/pcm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

var (
	mono16k    = dsp.AudioInfo{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	stereo441k = dsp.AudioInfo{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
)

type recordSink struct {
	mu    sync.Mutex
	data  []byte
	infos map[dsp.AudioInfo]int
}

func (r *recordSink) Playback(info dsp.AudioInfo, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	if r.infos == nil {
		r.infos = make(map[dsp.AudioInfo]int)
	}
	r.infos[info] += len(p)
	return nil
}

func (r *recordSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func (r *recordSink) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

func ringRequester(t *testing.T, name string, info dsp.AudioInfo, size int) (*Requester, *ringbuf.Ring) {
	t.Helper()
	ring, err := ringbuf.New(size)
	require.NoError(t, err)
	return NewRingRequester(name, info, ring), ring
}

func run(t *testing.T, s *SysPlayback) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("mixer did not stop")
		}
	}
}

func TestFocusIdempotence(t *testing.T) {
	s, err := New(Config{}, &recordSink{})
	require.NoError(t, err)

	a, _ := ringRequester(t, "a", mono16k, 64)
	b, _ := ringRequester(t, "b", mono16k, 64)

	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
	assert.Same(t, s.Silence(), s.Current())

	require.NoError(t, s.Acquire(a))
	assert.ErrorIs(t, s.Acquire(b), ErrAlreadyAcquired)
	assert.Same(t, a, s.Current())

	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrNotAcquired)
	assert.Same(t, s.Silence(), s.Current())

	require.NoError(t, s.Acquire(nil))
	assert.Same(t, s.Silence(), s.Current())
	require.NoError(t, s.Acquire(b))
	assert.Same(t, b, s.Current())
}

func TestRemoveDuckedMatchesPointer(t *testing.T) {
	s, err := New(DefaultConfig(), &recordSink{})
	require.NoError(t, err)

	old, _ := ringRequester(t, "old", mono16k, 64)
	newer, _ := ringRequester(t, "new", mono16k, 64)

	s.PutDucked(old)
	s.PutDucked(newer)
	s.RemoveDucked(old)
	assert.Same(t, newer, s.Ducked())

	s.RemoveDucked(newer)
	assert.Nil(t, s.Ducked())
}

func TestCurrentOffset(t *testing.T) {
	s, err := New(DefaultConfig(), &recordSink{})
	require.NoError(t, err)

	r, _ := ringRequester(t, "r", mono16k, 64)
	r.SetRunningBytes(32000)
	require.NoError(t, s.Acquire(r))
	assert.Equal(t, int64(1000), s.CurrentOffset())
	assert.True(t, s.DownmixSupported())
}

func TestToneInterruptsMusic(t *testing.T) {
	sink := &recordSink{}
	s, err := New(Config{DownmixEnabled: false}, sink)
	require.NoError(t, err)

	music, musicRing := ringRequester(t, "music", mono16k, 64*1024)
	_, err = musicRing.Write(bytes.Repeat([]byte{0x11}, 1024), 0)
	require.NoError(t, err)
	require.NoError(t, s.Acquire(music))

	stop := run(t, s)
	defer stop()

	assert.Eventually(t, func() bool { return sink.len() == 1024 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1024), music.RunningBytes())

	chime, chimeRing := ringRequester(t, "chime", mono16k, 64*1024)
	_, err = chimeRing.Write(bytes.Repeat([]byte{0x22}, 32*1024), 0)
	require.NoError(t, err)
	chimeRing.SignalWriterFinished()
	s.PlayTone(chime)

	assert.Eventually(t, func() bool { return sink.len() > 1024 }, 2*time.Second, time.Millisecond)
	_, err = musicRing.Write(bytes.Repeat([]byte{0x33}, 512), 0)
	require.NoError(t, err)

	total := 1024 + 32*1024 + 512
	assert.Eventually(t, func() bool { return sink.len() == total }, 2*time.Second, 5*time.Millisecond)

	want := append(bytes.Repeat([]byte{0x11}, 1024), bytes.Repeat([]byte{0x22}, 32*1024)...)
	want = append(want, bytes.Repeat([]byte{0x33}, 512)...)
	assert.Equal(t, want, sink.bytes())
	assert.Equal(t, int64(1536), music.RunningBytes())
	assert.Equal(t, int64(32*1024), chime.RunningBytes())
}

func TestToneWithDuckKeepsDuckRunning(t *testing.T) {
	sink := &recordSink{}
	s, err := New(DefaultConfig(), sink)
	require.NoError(t, err)

	music, _ := ringRequester(t, "music", mono16k, 1024)
	require.NoError(t, s.Acquire(music))

	duck, duckRing := ringRequester(t, "duck", stereo441k, 256*1024)
	_, err = duckRing.Write(make([]byte, 200*1024), 0)
	require.NoError(t, err)
	s.PutDucked(duck)

	chime, chimeRing := ringRequester(t, "chime", mono16k, 16*1024)
	_, err = chimeRing.Write(make([]byte, 8*1024), 0)
	require.NoError(t, err)
	chimeRing.SignalWriterFinished()
	s.PlayTone(chime)

	stop := run(t, s)
	defer stop()

	assert.Eventually(t, func() bool { return chime.RunningBytes() == 8*1024 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, duck.RunningBytes())
	assert.Zero(t, music.RunningBytes())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.infos, 1)
	assert.Positive(t, sink.infos[dsp.Stereo48k])
}

func TestIdleHook(t *testing.T) {
	var mu sync.Mutex
	var states []bool
	cfg := DefaultConfig()
	cfg.OnIdle = func(idle bool) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, idle)
	}
	snapshot := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), states...)
	}

	sink := &recordSink{}
	s, err := New(cfg, sink)
	require.NoError(t, err)

	stop := run(t, s)
	defer stop()

	assert.Eventually(t, func() bool { return len(snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Idle())

	music, musicRing := ringRequester(t, "music", mono16k, 4096)
	require.NoError(t, s.Acquire(music))
	_, err = musicRing.Write(make([]byte, 1600), 0)
	require.NoError(t, err)

	// 800 frames at 16 kHz give 2397 frames at 48 kHz until the next frame
	// arrives to interpolate against.
	assert.Eventually(t, func() bool { return sink.len() == 2397*4 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Idle())

	require.NoError(t, s.Release())
	assert.Eventually(t, func() bool { return len(snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, snapshot())
}

func TestRunTwice(t *testing.T) {
	s, err := New(DefaultConfig(), &recordSink{})
	require.NoError(t, err)

	stop := run(t, s)
	assert.Eventually(t, s.Idle, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrRunning)
	stop()
}

func TestDuckCarryContinuity(t *testing.T) {
	const frames = 4410
	ramp := make([]int16, frames*2)
	for i := range ramp {
		ramp[i] = int16(i*3 - 8000)
	}

	duck, duckRing := ringRequester(t, "duck", stereo441k, len(ramp)*2)
	_, err := duckRing.Write(dsp.SamplesToBytes(ramp), 0)
	require.NoError(t, err)

	m := newMixer(dsp.Stereo48k, DefaultChunkSize, 0)

	// Main chunk lengths in frames; none lines up with the duck's
	// resampled chunk length.
	sizes := []int{37, 128, 200, 64, 511, 90, 3, 256, 129, 77}
	var got []int16
	want := 0
	for _, n := range sizes {
		out := m.mixDuck(make([]int16, 2*n), duck, 0)
		require.Len(t, out, 2*n)
		got = append(got, out...)
		want += 2 * n
	}
	require.Len(t, got, want)

	resampled := dsp.NewResampler(44100, 48000, 2).Process(ramp, nil)
	require.GreaterOrEqual(t, len(resampled), len(got)+len(m.duck.remain))
	assert.Equal(t, resampled[:len(got)], got)

	// The carry continues exactly where the output stopped.
	assert.Equal(t, resampled[len(got):len(got)+len(m.duck.remain)], m.duck.remain)
}

func TestDuckOnlyMixesAgainstSilence(t *testing.T) {
	duck, duckRing := ringRequester(t, "duck", dsp.Stereo48k, 4096)
	samples := []int16{10000, -10000, 20000, -20000}
	_, err := duckRing.Write(dsp.SamplesToBytes(samples), 0)
	require.NoError(t, err)

	m := newMixer(dsp.Stereo48k, DefaultChunkSize, dsp.DefaultDuckGainDB)
	out := m.mixDuck(nil, duck, 0)
	assert.Equal(t, []int16{1000, -1000, 2000, -2000}, out)

	assert.Nil(t, m.mixDuck(nil, duck, 0))
	main := []int16{5, 6}
	assert.Equal(t, main, m.mixDuck(main, nil, 0))
}

func TestEndedMainAndDuckDoNotSpin(t *testing.T) {
	var reads atomic.Int64
	ended := func(p []byte, wait time.Duration) (int, error) {
		reads.Inc()
		return 0, ringbuf.ErrDone
	}
	main := NewRequester("main", mono16k, ended, nil)
	duck := NewRequester("duck", mono16k, ended, nil)

	s, err := New(Config{}, &recordSink{})
	require.NoError(t, err)
	require.NoError(t, s.Acquire(main))
	s.PutDucked(duck)
	stop := run(t, s)

	time.Sleep(200 * time.Millisecond)
	stop()
	// One main and one duck read per backoff period.
	assert.Less(t, reads.Load(), int64(100))
}

func TestPacketSource(t *testing.T) {
	src := NewPacketSource("bt", mono16k, 4)
	require.NoError(t, src.ReceivePCMFrame(1, &pcm.Packet{PCM: []int16{1, -1}}))
	assert.Equal(t, 1, src.Users())

	buf := make([]byte, 3)
	n, err := src.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0xff}, buf[:n])
	n, err = src.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, buf[:n])
	assert.Equal(t, int64(4), src.RunningBytes())

	_, err = src.Read(buf, 0)
	assert.ErrorIs(t, err, ringbuf.ErrTimeout)

	src.Wakeup()
	_, err = src.Read(buf, time.Second)
	assert.ErrorIs(t, err, ringbuf.ErrWakeup)

	src.CleanupUser(1)
	assert.Zero(t, src.Users())

	require.NoError(t, src.ReceivePCMFrame(2, &pcm.Packet{PCM: []int16{7}}))
	src.Close()
	assert.ErrorIs(t, src.ReceivePCMFrame(2, &pcm.Packet{}), ErrAlreadyClosed)

	n, err = src.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0}, buf[:n])
	_, err = src.Read(buf, time.Second)
	assert.ErrorIs(t, err, ringbuf.ErrDone)
}
