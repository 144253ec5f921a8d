package dsp

import (
	"math"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

// DefaultDuckGainDB is the attenuation applied to the ducked source.
const DefaultDuckGainDB = -20.0

// Downmixer sums a main and a ducked stereo stream with a fixed gain per
// path.
type Downmixer struct {
	mainGainDB float64
	duckGainDB float64

	main frames
	duck frames
	out  [][2]float64
}

func NewDownmixer(mainGainDB, duckGainDB float64) *Downmixer {
	return &Downmixer{mainGainDB: mainGainDB, duckGainDB: duckGainDB}
}

// Mix appends main*gain(main) + duck*gain(duck) to dst. Both inputs are
// interleaved stereo of the same length; a nil main is treated as silence.
func (d *Downmixer) Mix(main, duck []int16, dst []int16) []int16 {
	n := len(duck) / 2
	if main != nil && len(main)/2 != n {
		n = min(n, len(main)/2)
	}

	d.main.load(main, n)
	d.duck.load(duck, n)
	if cap(d.out) < n {
		d.out = make([][2]float64, n)
	}
	out := d.out[:n]

	mix := beep.Mix(
		&effects.Volume{Streamer: &d.main, Base: 10, Volume: d.mainGainDB / 20},
		&effects.Volume{Streamer: &d.duck, Base: 10, Volume: d.duckGainDB / 20},
	)
	got, _ := mix.Stream(out)
	for _, s := range out[:got] {
		dst = append(dst, fromFloat(s[0]), fromFloat(s[1]))
	}
	return dst
}

// frames streams a fixed slice of stereo samples to beep.
type frames struct {
	s   [][2]float64
	pos int
}

func (f *frames) load(samples []int16, n int) {
	if cap(f.s) < n {
		f.s = make([][2]float64, n)
	}
	f.s = f.s[:n]
	f.pos = 0
	for i := range f.s {
		if samples == nil {
			f.s[i] = [2]float64{}
			continue
		}
		f.s[i] = [2]float64{toFloat(samples[2*i]), toFloat(samples[2*i+1])}
	}
}

func (f *frames) Stream(samples [][2]float64) (int, bool) {
	if f.pos >= len(f.s) {
		return 0, false
	}
	n := copy(samples, f.s[f.pos:])
	f.pos += n
	return n, true
}

func (f *frames) Err() error { return nil }

func toFloat(s int16) float64 {
	return float64(s) / 32768
}

func fromFloat(v float64) int16 {
	v = math.Round(v * 32768)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// AppendFrames encodes stereo float frames as interleaved PCM16 bytes.
func AppendFrames(dst []byte, frames [][2]float64) []byte {
	for _, f := range frames {
		l, r := uint16(fromFloat(f[0])), uint16(fromFloat(f[1]))
		dst = append(dst, byte(l), byte(l>>8), byte(r), byte(r>>8))
	}
	return dst
}
