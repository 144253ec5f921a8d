// Package playback arbitrates the sources feeding the single output: one
// foreground requester, at most one ducked requester playing underneath it
// and at most one transient tone that pre-empts both.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

var (
	// ErrAlreadyAcquired is returned by Acquire while another requester
	// holds the focus.
	ErrAlreadyAcquired = errors.New("playback already acquired")
	// ErrNotAcquired is returned by Release when nothing holds the focus.
	ErrNotAcquired = errors.New("playback not acquired")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("playback mixer already running")
)

const (
	DefaultChunkSize         = 512
	DefaultDownmixBufferSize = 16 * 1024

	// duckPoll bounds the main read while a duck source must be serviced.
	duckPoll = 10 * time.Millisecond
	// endedPoll is how often a finished foreground source is re-read.
	endedPoll = 20 * time.Millisecond
)

// Sink receives the final PCM.
type Sink interface {
	Playback(info dsp.AudioInfo, p []byte) error
}

// Config controls the mixer.
type Config struct {
	// DownmixEnabled converts every source to stereo at CanonicalRate and
	// mixes the ducked source in. Without it the active source is written
	// to the sink in its own format and ducking is not possible.
	DownmixEnabled bool
	// ChunkSize is the number of bytes read from the active source per
	// iteration.
	ChunkSize int
	// CanonicalRate is the mix rate.
	CanonicalRate int
	// DuckGainDB is the gain of the ducked source.
	DuckGainDB float64
	// DownmixBufferSize is the capacity of the ring between the mixer and
	// the sink writer.
	DownmixBufferSize int
	// OnIdle is called from the mixer whenever it goes idle (nothing but
	// silence) or busy again.
	OnIdle func(idle bool)
}

// DefaultConfig returns the mixer defaults.
func DefaultConfig() Config {
	return Config{
		DownmixEnabled:    true,
		ChunkSize:         DefaultChunkSize,
		CanonicalRate:     dsp.CanonicalRate,
		DuckGainDB:        dsp.DefaultDuckGainDB,
		DownmixBufferSize: DefaultDownmixBufferSize,
	}
}

// SysPlayback is the focus, duck and tone mixer. There is one per output
// device.
type SysPlayback struct {
	cfg  Config
	sink Sink
	out  dsp.AudioInfo

	// mu guards current and tone.
	mu      sync.Mutex
	current *Requester
	tone    *Requester

	duckMu sync.Mutex
	duck   *Requester

	silence    *Requester
	downmix    *ringbuf.Ring
	changed    chan struct{}
	running    atomic.Bool
	idle       atomic.Bool
	warnedDuck atomic.Bool

	log *slog.Logger
}

// New returns a mixer writing to sink. Zero config fields take their
// defaults.
func New(cfg Config, sink Sink) (*SysPlayback, error) {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.CanonicalRate <= 0 {
		cfg.CanonicalRate = def.CanonicalRate
	}
	if cfg.DownmixBufferSize <= 0 {
		cfg.DownmixBufferSize = def.DownmixBufferSize
	}

	out := dsp.AudioInfo{SampleRate: cfg.CanonicalRate, Channels: 2, BitsPerSample: 16}
	silenceRing, err := ringbuf.New(1)
	if err != nil {
		return nil, err
	}

	s := &SysPlayback{
		cfg:     cfg,
		sink:    sink,
		out:     out,
		silence: NewRingRequester("silence", out, silenceRing),
		changed: make(chan struct{}, 1),
		log:     slog.With("component", "sys-playback"),
	}
	s.current = s.silence

	if cfg.DownmixEnabled {
		s.downmix, err = ringbuf.New(cfg.DownmixBufferSize)
		if err != nil {
			return nil, fmt.Errorf("downmix buffer: %w", err)
		}
	}
	return s, nil
}

// Run mixes until ctx is cancelled. With downmix enabled a second
// goroutine drains the mixed PCM into the sink.
func (s *SysPlayback) Run(ctx context.Context) error {
	if !s.running.CAS(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	if s.downmix != nil {
		s.downmix.Reset()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.wakeAll()
		if s.downmix != nil {
			s.downmix.Abort()
		}
		return nil
	})
	g.Go(func() error {
		return s.mixLoop(gctx)
	})
	if s.downmix != nil {
		g.Go(s.consume)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Acquire gives r the focus. A nil r leaves the silence source in place.
func (s *SysPlayback) Acquire(r *Requester) error {
	s.mu.Lock()
	if s.current != s.silence {
		s.mu.Unlock()
		return ErrAlreadyAcquired
	}
	prev := s.current
	if r != nil {
		s.current = r
	}
	s.mu.Unlock()

	s.log.Debug("Focus acquired", "requester", nameOf(r))
	prev.Wakeup()
	s.signal()
	return nil
}

// Release hands the focus back to the silence source.
func (s *SysPlayback) Release() error {
	s.mu.Lock()
	if s.current == s.silence {
		s.mu.Unlock()
		return ErrNotAcquired
	}
	prev := s.current
	s.current = s.silence
	s.mu.Unlock()

	s.log.Debug("Focus released", "requester", prev.Name())
	prev.Wakeup()
	s.signal()
	return nil
}

// PutDucked plays r underneath the foreground source.
func (s *SysPlayback) PutDucked(r *Requester) {
	s.duckMu.Lock()
	s.duck = r
	s.duckMu.Unlock()

	if !s.cfg.DownmixEnabled && r != nil && !s.warnedDuck.Swap(true) {
		s.log.Warn("Ducking requires downmix, ducked source will not be heard", "requester", r.Name())
	}
	s.wakeActive()
	s.signal()
}

// RemoveDucked clears the ducked source if it is still r.
func (s *SysPlayback) RemoveDucked(r *Requester) {
	s.duckMu.Lock()
	if s.duck != r {
		s.duckMu.Unlock()
		return
	}
	s.duck = nil
	s.duckMu.Unlock()

	s.wakeActive()
	s.signal()
}

// PlayTone plays r ahead of everything else until its reads end.
func (s *SysPlayback) PlayTone(r *Requester) {
	s.mu.Lock()
	prevTone, current := s.tone, s.current
	s.tone = r
	s.mu.Unlock()

	s.log.Debug("Playing tone", "requester", nameOf(r))
	if prevTone != nil {
		prevTone.Wakeup()
	}
	current.Wakeup()
	s.signal()
}

// CurrentOffset is the position of the foreground source in milliseconds.
func (s *SysPlayback) CurrentOffset() int64 {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	return cur.CurrentOffset()
}

// Current returns the foreground source.
func (s *SysPlayback) Current() *Requester {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ducked returns the ducked source, if any.
func (s *SysPlayback) Ducked() *Requester {
	s.duckMu.Lock()
	defer s.duckMu.Unlock()
	return s.duck
}

func (s *SysPlayback) DownmixSupported() bool {
	return s.cfg.DownmixEnabled
}

// Silence returns the source that holds the focus when nobody else does.
func (s *SysPlayback) Silence() *Requester {
	return s.silence
}

// Idle reports whether the mixer is serving nothing but silence.
func (s *SysPlayback) Idle() bool {
	return s.idle.Load()
}

// mixLoop is the mixing goroutine.
func (s *SysPlayback) mixLoop(ctx context.Context) error {
	m := newMixer(s.out, s.cfg.ChunkSize, s.cfg.DuckGainDB)
	buf := make([]byte, s.cfg.ChunkSize)
	var outBytes []byte

	for ctx.Err() == nil {
		s.mu.Lock()
		tone, current := s.tone, s.current
		s.mu.Unlock()
		active := current
		if tone != nil {
			active = tone
		}

		s.duckMu.Lock()
		dk := s.duck
		s.duckMu.Unlock()
		if !s.cfg.DownmixEnabled {
			dk = nil
		}

		s.setIdle(active == s.silence && dk == nil)

		wait := ringbuf.Forever
		if dk != nil {
			wait = duckPoll
		}
		n, err := active.Read(buf, wait)
		mainEnded := false
		if err != nil && !errors.Is(err, ringbuf.ErrTimeout) && !errors.Is(err, ringbuf.ErrWakeup) {
			if active == tone {
				s.toneDone(tone, err)
				continue
			}
			if active != s.silence {
				// The foreground source has ended but still holds the focus.
				if dk == nil {
					s.waitChange(ctx, endedPoll)
					continue
				}
				mainEnded = true
			}
		}

		if !s.cfg.DownmixEnabled {
			if n > 0 {
				if err := s.sink.Playback(active.Info(), buf[:n]); err != nil {
					s.log.Warn("Sink write failed", "error", err)
				}
			}
			continue
		}

		var main []int16
		if n > 0 {
			main = m.convertMain(active, buf[:n])
		}
		if main == nil && dk == nil {
			continue
		}
		mixed := m.mixDuck(main, dk, duckPoll)
		if len(mixed) == 0 {
			if mainEnded && m.duck.ended() {
				s.waitChange(ctx, endedPoll)
			}
			continue
		}

		outBytes = dsp.AppendBytes(outBytes[:0], mixed)
		if _, err := s.downmix.Write(outBytes, ringbuf.Forever); err != nil {
			if errors.Is(err, ringbuf.ErrAborted) {
				return nil
			}
			return fmt.Errorf("downmix write: %w", err)
		}
	}
	return nil
}

// consume drains the downmix ring into the sink.
func (s *SysPlayback) consume() error {
	buf := make([]byte, 4*s.cfg.ChunkSize)
	for {
		n, err := s.downmix.Read(buf, ringbuf.Forever)
		if errors.Is(err, ringbuf.ErrAborted) {
			return nil
		}
		if err != nil {
			continue
		}
		if err := s.sink.Playback(s.out, buf[:n]); err != nil {
			s.log.Warn("Sink write failed", "error", err)
		}
	}
}

func (s *SysPlayback) toneDone(tone *Requester, err error) {
	s.mu.Lock()
	if s.tone == tone {
		s.tone = nil
	}
	s.mu.Unlock()

	if !errors.Is(err, ringbuf.ErrDone) && !errors.Is(err, ringbuf.ErrAborted) {
		s.log.Warn("Tone ended with error", "requester", tone.Name(), "error", err)
		return
	}
	s.log.Debug("Tone finished", "requester", tone.Name())
}

func (s *SysPlayback) setIdle(idle bool) {
	if s.idle.Swap(idle) == idle {
		return
	}
	s.log.Debug("Mixer idle state changed", "idle", idle)
	if s.cfg.OnIdle != nil {
		s.cfg.OnIdle(idle)
	}
}

// signal notes a focus change for waitChange.
func (s *SysPlayback) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *SysPlayback) waitChange(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.changed:
	case <-t.C:
	case <-ctx.Done():
	}
}

// wakeActive unblocks the mixer's current read so it re-evaluates the
// sources.
func (s *SysPlayback) wakeActive() {
	s.mu.Lock()
	tone, current := s.tone, s.current
	s.mu.Unlock()
	if tone != nil {
		tone.Wakeup()
	}
	current.Wakeup()
}

func (s *SysPlayback) wakeAll() {
	s.wakeActive()
	s.silence.Wakeup()
	s.signal()
}

func nameOf(r *Requester) string {
	if r == nil {
		return "<nil>"
	}
	return r.Name()
}
