package playback

import (
	"errors"
	"time"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

// mixer is the per-iteration state of the mixing goroutine: converters for
// the main and duck sources, the duck carry and the downmixer.
type mixer struct {
	out   dsp.AudioInfo
	chunk int

	mainReq  *Requester
	mainConv *dsp.Converter
	mainBuf  []int16

	duck duckStage
	down *dsp.Downmixer
	mix  []int16
}

func newMixer(out dsp.AudioInfo, chunk int, duckGainDB float64) *mixer {
	return &mixer{
		out:   out,
		chunk: chunk,
		down:  dsp.NewDownmixer(0, duckGainDB),
	}
}

// convertMain brings a main chunk to the mix format. The converter is
// rebuilt whenever the source or its format changes.
func (m *mixer) convertMain(r *Requester, p []byte) []int16 {
	info := r.Info()
	if r != m.mainReq || m.mainConv == nil || m.mainConv.In() != info {
		conv, err := dsp.NewConverter(info, m.out)
		if err != nil {
			return nil
		}
		m.mainReq, m.mainConv = r, conv
	}
	m.mainBuf = m.mainConv.Convert(p, m.mainBuf[:0])
	return m.mainBuf
}

// mixDuck adds the ducked source under main. A nil main means the main
// source had nothing this round; the duck is then mixed against silence.
// Duck samples not consumed by main are kept for the next round.
func (m *mixer) mixDuck(main []int16, dk *Requester, wait time.Duration) []int16 {
	if dk != m.duck.req {
		m.duck.reset(dk, m.out)
	}
	if dk == nil {
		return main
	}

	if main == nil {
		m.duck.fill(0, m.chunk, wait)
		d := m.duck.take(len(m.duck.remain))
		if len(d) == 0 {
			return nil
		}
		m.mix = m.down.Mix(nil, d, m.mix[:0])
		return m.mix
	}

	m.duck.fill(len(main), m.chunk, 0)
	d := m.duck.take(len(main))
	m.mix = m.down.Mix(main[:len(d)], d, m.mix[:0])
	return append(m.mix, main[len(d):]...)
}

// duckStage converts the ducked source to the mix format and carries the
// converted samples the main path has not used yet.
type duckStage struct {
	req    *Requester
	out    dsp.AudioInfo
	conv   *dsp.Converter
	remain []int16
	taken  []int16
	buf    []byte
	// err is the result of the last read.
	err error
}

func (d *duckStage) reset(r *Requester, out dsp.AudioInfo) {
	d.req = r
	d.out = out
	d.conv = nil
	d.remain = d.remain[:0]
	d.err = nil
}

// ended reports whether the last read found the duck source finished.
func (d *duckStage) ended() bool {
	return d.err != nil && !errors.Is(d.err, ringbuf.ErrTimeout) && !errors.Is(d.err, ringbuf.ErrWakeup)
}

// fill reads enough of the duck source to cover want output samples, or
// one chunk when want is zero. Only the first read may wait.
func (d *duckStage) fill(want, chunk int, wait time.Duration) {
	info := d.req.Info()
	if d.conv == nil || d.conv.In() != info {
		conv, err := dsp.NewConverter(info, d.out)
		if err != nil {
			return
		}
		d.conv = conv
	}

	need := chunk
	if want > 0 {
		missing := (want - len(d.remain)) / d.out.Channels
		if missing <= 0 {
			return
		}
		// Round up and add headroom for the resampler lookahead.
		in, out := info.SampleRate, d.out.SampleRate
		frames := (missing*in+out-1)/out + in/out + 2
		need = frames * info.BytesPerFrame()
	}
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}

	for need > 0 {
		n, err := d.req.Read(d.buf[:need], wait)
		d.err = err
		if n > 0 {
			d.remain = d.conv.Convert(d.buf[:n], d.remain)
			need -= n
		}
		if err != nil || n == 0 {
			return
		}
		wait = 0
	}
}

// take removes up to n samples from the front of the carry.
func (d *duckStage) take(n int) []int16 {
	n = min(n, len(d.remain))
	d.taken = append(d.taken[:0], d.remain[:n]...)
	d.remain = d.remain[:copy(d.remain, d.remain[n:])]
	return d.taken
}
