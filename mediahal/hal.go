// Package mediahal is the last stage before the hardware: it fans the mixed
// PCM out to up to MaxSinks outputs, each in its own format, with an
// optional equalizer pass.
package mediahal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"voxpipe/dsp"
)

// MaxSinks is the number of outputs a HAL can drive at once.
const MaxSinks = 4

var (
	// ErrResourceExhausted is returned by InitPlayback when all sink slots
	// are taken.
	ErrResourceExhausted = errors.New("no free playback sink")
	ErrUnknownSink       = errors.New("unknown playback sink")
)

// WriteFunc hands a converted buffer to the hardware. srcBits is the sample
// width the mixer produced and dstBits the width the sink was configured
// with. It returns the number of bytes consumed.
type WriteFunc func(port int, p []byte, srcBits, dstBits int) (int, error)

// SinkConfig describes one output.
type SinkConfig struct {
	Name string
	Port int
	// Info is the format the output wants. Samples are always 16 bit.
	Info  dsp.AudioInfo
	Write WriteFunc
	// Enabled makes the sink receive audio right away.
	Enabled bool
}

type sink struct {
	id      int
	cfg     SinkConfig
	enabled bool

	conv    *dsp.Converter
	eq      dsp.Equalizer
	samples []int16
	out     []byte
}

// EqualizerFactory builds the equalizer of one sink.
type EqualizerFactory func(bands [10]float64) dsp.Equalizer

type Option func(*HAL)

// WithEqualizer replaces the default beep based equalizer.
func WithEqualizer(f EqualizerFactory) Option {
	return func(h *HAL) {
		h.newEq = f
	}
}

// WithBands sets the initial equalizer gains in dB.
func WithBands(bands [10]float64) Option {
	return func(h *HAL) {
		h.bands = bands
	}
}

// HAL fans PCM out to the registered sinks.
type HAL struct {
	mu        sync.Mutex
	sinks     []*sink
	nextID    int
	newEq     EqualizerFactory
	bands     [10]float64
	eqEnabled bool

	log *slog.Logger
}

func New(opts ...Option) *HAL {
	h := &HAL{
		newEq: func(bands [10]float64) dsp.Equalizer {
			return dsp.NewBandEqualizer(bands)
		},
		log: slog.With("component", "mediahal"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitPlayback registers a sink and returns its id.
func (h *HAL) InitPlayback(cfg SinkConfig) (int, error) {
	if cfg.Write == nil {
		return 0, errors.New("sink needs a write callback")
	}
	if cfg.Info.BitsPerSample == 0 {
		cfg.Info.BitsPerSample = 16
	}
	if err := cfg.Info.Validate(); err != nil {
		return 0, fmt.Errorf("sink %q: %w", cfg.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sinks) >= MaxSinks {
		return 0, ErrResourceExhausted
	}

	h.nextID++
	s := &sink{
		id:      h.nextID,
		cfg:     cfg,
		enabled: cfg.Enabled,
		eq:      h.newEq(h.bands),
	}
	h.sinks = append(h.sinks, s)
	h.log.Info("Registered sink", "id", s.id, "name", cfg.Name, "port", cfg.Port, "format", cfg.Info)
	return s.id, nil
}

// RemovePlayback unregisters a sink and frees its slot.
func (h *HAL) RemovePlayback(id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.sinks {
		if s.id == id {
			h.sinks = append(h.sinks[:i], h.sinks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownSink, id)
}

func (h *HAL) EnablePlayback(id int) error {
	return h.setEnabled(id, true)
}

func (h *HAL) DisablePlayback(id int) error {
	return h.setEnabled(id, false)
}

func (h *HAL) setEnabled(id int, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.find(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSink, id)
	}
	if s.enabled != enabled && s.conv != nil {
		// Do not splice old history into the next burst.
		s.conv.Reset()
	}
	s.enabled = enabled
	return nil
}

func (h *HAL) find(id int) *sink {
	for _, s := range h.sinks {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (h *HAL) EnableEqualizer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eqEnabled = true
}

func (h *HAL) DisableEqualizer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eqEnabled = false
}

func (h *HAL) EqualizerEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eqEnabled
}

// SetEqualizerBands sets the gain of every band in dB.
func (h *HAL) SetEqualizerBands(bands [10]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bands = bands
	for _, s := range h.sinks {
		if b, ok := s.eq.(interface{ SetBands([10]float64) }); ok {
			b.SetBands(bands)
		}
	}
}

func (h *HAL) EqualizerBands() [10]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bands
}

// Playback converts p from info to the format of every enabled sink and
// writes it. A failing sink does not keep the others from playing.
func (h *HAL) Playback(info dsp.AudioInfo, p []byte) error {
	if err := info.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	for _, s := range h.sinks {
		if !s.enabled {
			continue
		}
		if werr := h.playSink(s, info, p); werr != nil {
			err = multierr.Append(err, fmt.Errorf("sink %q: %w", s.cfg.Name, werr))
		}
	}
	return err
}

func (h *HAL) playSink(s *sink, info dsp.AudioInfo, p []byte) error {
	if s.conv == nil || s.conv.In() != info {
		conv, err := dsp.NewConverter(info, s.cfg.Info)
		if err != nil {
			return err
		}
		s.conv = conv
	}

	s.samples = s.conv.Convert(p, s.samples[:0])
	if len(s.samples) == 0 {
		return nil
	}
	if h.eqEnabled {
		s.eq.Process(s.cfg.Info, s.samples)
	}
	// Some codecs pop on a buffer that starts with an exact zero.
	if s.samples[0] == 0 {
		s.samples[0] = 1
	}

	s.out = dsp.AppendBytes(s.out[:0], s.samples)
	n, err := s.cfg.Write(s.cfg.Port, s.out, info.BitsPerSample, s.cfg.Info.BitsPerSample)
	if err != nil {
		return err
	}
	if n < len(s.out) {
		h.log.Debug("Short sink write", "sink", s.cfg.Name, "written", n, "size", len(s.out))
	}
	return nil
}
