// Package output holds the hardware sinks the HAL writes to.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("output closed")

const speakerWriteTimeout = time.Second

// Speaker plays PCM on the default sound card through beep's speaker.
// Writes block while the device buffer is full, which paces the mixer to
// the card's clock.
type Speaker struct {
	info dsp.AudioInfo
	ring *ringbuf.Ring
	buf  []byte

	log *slog.Logger
}

// NewSpeaker initialises the speaker for info. latency sets both the
// device buffer and how much audio Write may queue ahead of it.
func NewSpeaker(info dsp.AudioInfo, latency time.Duration) (*Speaker, error) {
	if info.Channels > 2 {
		return nil, fmt.Errorf("%w: speaker takes mono or stereo, got %d channels", dsp.ErrUnsupportedFormat, info.Channels)
	}
	s, err := newSpeaker(info, latency)
	if err != nil {
		return nil, err
	}

	sr := beep.SampleRate(info.SampleRate)
	if err := speaker.Init(sr, sr.N(latency)); err != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", err)
	}
	speaker.Play(s)
	s.log.Info("Speaker ready", "format", info, "latency", latency)
	return s, nil
}

func newSpeaker(info dsp.AudioInfo, latency time.Duration) (*Speaker, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	size := int(info.MillisToBytes(latency.Milliseconds() * 2))
	ring, err := ringbuf.New(max(size, info.BytesPerFrame()*64))
	if err != nil {
		return nil, err
	}
	return &Speaker{
		info: info,
		ring: ring,
		log:  slog.With("component", "speaker"),
	}, nil
}

// Write queues p for the device.
func (s *Speaker) Write(_ int, p []byte, _, _ int) (int, error) {
	n, err := s.ring.Write(p, speakerWriteTimeout)
	if errors.Is(err, ringbuf.ErrAborted) {
		return n, ErrClosed
	}
	return n, err
}

// Stream feeds the device. Missing data is played as silence so the card
// never starves the beep mixer.
func (s *Speaker) Stream(samples [][2]float64) (int, bool) {
	fb := s.info.BytesPerFrame()
	want := len(samples) * fb
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	buf := s.buf[:want]

	got := 0
	for got < want {
		n, err := s.ring.Read(buf[got:], 0)
		got += n
		if err != nil || n == 0 {
			break
		}
	}
	frames := got / fb
	for i := 0; i < frames; i++ {
		frame := buf[i*fb : i*fb+fb]
		l := float64(int16(uint16(frame[0])|uint16(frame[1])<<8)) / 32768
		r := l
		if s.info.Channels > 1 {
			r = float64(int16(uint16(frame[2])|uint16(frame[3])<<8)) / 32768
		}
		samples[i] = [2]float64{l, r}
	}
	for i := frames; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), true
}

func (s *Speaker) Err() error {
	return nil
}

// Close stops the device and fails pending writes.
func (s *Speaker) Close() error {
	s.ring.Abort()
	speaker.Clear()
	speaker.Close()
	return nil
}
