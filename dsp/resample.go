package dsp

// Resampler converts interleaved frames between two rates by linear
// interpolation. It keeps its phase across calls: feeding a stream in
// arbitrary chunks yields exactly the frames a single call over the whole
// stream would.
//
// Output frame k is taken at source position k*in/out, computed in integers
// so no rounding drift accumulates.
type Resampler struct {
	inRate   int64
	outRate  int64
	channels int

	// hist holds the pending input frames; hist frame 0 is source frame base.
	hist []int16
	base int64
	out  int64
}

func NewResampler(inRate, outRate, channels int) *Resampler {
	return &Resampler{
		inRate:   int64(inRate),
		outRate:  int64(outRate),
		channels: channels,
	}
}

// Process consumes interleaved frames and appends every output frame that
// can be computed so far to dst.
func (r *Resampler) Process(in []int16, dst []int16) []int16 {
	if r.inRate == r.outRate {
		return append(dst, in...)
	}

	ch := int64(r.channels)
	r.hist = append(r.hist, in...)
	frames := int64(len(r.hist)) / ch

	for {
		num := r.out * r.inRate
		idx := num / r.outRate
		frac := num % r.outRate
		rel := idx - r.base
		if rel+1 >= frames {
			break
		}
		for c := int64(0); c < ch; c++ {
			a := int64(r.hist[rel*ch+c])
			b := int64(r.hist[(rel+1)*ch+c])
			dst = append(dst, int16(a+(b-a)*frac/r.outRate))
		}
		r.out++
	}

	// Frames before the next interpolation point are never needed again.
	drop := r.out*r.inRate/r.outRate - r.base
	if drop > frames {
		drop = frames
	}
	if drop > 0 {
		n := copy(r.hist, r.hist[drop*ch:])
		r.hist = r.hist[:n]
		r.base += drop
	}
	return dst
}

// Pending returns the number of buffered input frames.
func (r *Resampler) Pending() int {
	return len(r.hist) / r.channels
}

func (r *Resampler) Reset() {
	r.hist = r.hist[:0]
	r.base = 0
	r.out = 0
}
