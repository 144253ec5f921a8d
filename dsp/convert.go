package dsp

// Converter turns a PCM byte stream of one format into samples of another,
// changing channel count and rate. Bytes that do not complete a frame are
// kept for the next call, so reads of any length can be fed in.
type Converter struct {
	in  AudioInfo
	out AudioInfo

	rs      *Resampler
	pending []byte
	scratch []int16
}

// NewConverter returns a converter from in to out. Only the rate and
// channel count of out are used; output samples are always 16 bit.
func NewConverter(in, out AudioInfo) (*Converter, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if out.SampleRate <= 0 || out.Channels <= 0 {
		return nil, ErrUnsupportedFormat
	}
	return &Converter{
		in:  in,
		out: out,
		rs:  NewResampler(in.SampleRate, out.SampleRate, out.Channels),
	}, nil
}

func (c *Converter) In() AudioInfo  { return c.in }
func (c *Converter) Out() AudioInfo { return c.out }

// Convert appends the converted samples of p to dst.
func (c *Converter) Convert(p []byte, dst []int16) []int16 {
	fb := c.in.BytesPerFrame()
	c.pending = append(c.pending, p...)
	whole := len(c.pending) / fb * fb

	c.scratch = AppendSamples(c.scratch[:0], c.pending[:whole])
	c.pending = c.pending[:copy(c.pending, c.pending[whole:])]

	samples := Remix(c.scratch, c.in.Channels, c.out.Channels)
	return c.rs.Process(samples, dst)
}

// Reset drops partial frames and the resampler history.
func (c *Converter) Reset() {
	c.pending = c.pending[:0]
	c.rs.Reset()
}

// Remix changes the channel count of interleaved samples. Mono is
// duplicated, a mono target averages all channels, otherwise channels are
// copied positionally and missing ones are zero.
func Remix(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := 0; f < frames; f++ {
		src := samples[f*from : f*from+from]
		dst := out[f*to : f*to+to]
		switch {
		case from == 1:
			for c := range dst {
				dst[c] = src[0]
			}
		case to == 1:
			var sum int32
			for _, s := range src {
				sum += int32(s)
			}
			dst[0] = int16(sum / int32(from))
		default:
			copy(dst, src)
		}
	}
	return out
}
