package dsp

import (
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

// BandFrequencies are the centre frequencies of the ten equalizer bands.
var BandFrequencies = [10]float64{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// Equalizer filters interleaved samples in place.
type Equalizer interface {
	Process(info AudioInfo, samples []int16)
}

// BandEqualizer is a ten band peaking equalizer. Gains are in dB; a band at
// 0 dB is left out of the filter chain. Filter state carries over between
// Process calls as long as the format stays the same.
type BandEqualizer struct {
	mu    sync.Mutex
	bands [10]float64

	info  AudioInfo
	feed  frames
	eq    beep.Streamer
	dirty bool
	buf   [][2]float64
}

func NewBandEqualizer(bands [10]float64) *BandEqualizer {
	return &BandEqualizer{bands: bands, dirty: true}
}

// SetBands replaces the band gains. Bands above the Nyquist frequency of
// the processed stream are ignored.
func (e *BandEqualizer) SetBands(bands [10]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bands = bands
	e.dirty = true
}

func (e *BandEqualizer) Bands() [10]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bands
}

// Process runs mono and stereo streams through the filter chain. Other
// channel layouts pass through untouched.
func (e *BandEqualizer) Process(info AudioInfo, samples []int16) {
	if info.Channels != 1 && info.Channels != 2 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dirty || e.info != info {
		e.rebuild(info)
	}
	if e.eq == nil {
		return
	}

	n := len(samples) / info.Channels
	e.feed.loadInterleaved(samples, info.Channels, n)
	if cap(e.buf) < n {
		e.buf = make([][2]float64, n)
	}
	out := e.buf[:n]
	got, _ := e.eq.Stream(out)
	for i := 0; i < got; i++ {
		if info.Channels == 1 {
			samples[i] = fromFloat(out[i][0])
			continue
		}
		samples[2*i] = fromFloat(out[i][0])
		samples[2*i+1] = fromFloat(out[i][1])
	}
}

func (e *BandEqualizer) rebuild(info AudioInfo) {
	e.info = info
	e.dirty = false
	e.eq = nil

	var sections effects.MonoEqualizerSections
	nyquist := float64(info.SampleRate) / 2
	for i, g := range e.bands {
		f0 := BandFrequencies[i]
		if g == 0 || f0 >= nyquist {
			continue
		}
		sections = append(sections, effects.MonoEqualizerSection{
			F0: f0,
			Bf: f0 / 1.5,
			GB: g / 2,
			G0: 0,
			G:  g,
		})
	}
	if len(sections) == 0 {
		return
	}
	e.eq = effects.NewEqualizer(&e.feed, beep.SampleRate(info.SampleRate), sections)
}

func (f *frames) loadInterleaved(samples []int16, channels, n int) {
	if channels == 2 {
		f.load(samples, n)
		return
	}
	if cap(f.s) < n {
		f.s = make([][2]float64, n)
	}
	f.s = f.s[:n]
	f.pos = 0
	for i := range f.s {
		v := toFloat(samples[i])
		f.s[i] = [2]float64{v, v}
	}
}
