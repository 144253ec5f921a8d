package playback

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"voxpipe/dsp"
	"voxpipe/pipeline"
	"voxpipe/ringbuf"
)

// Requester is one logical audio source competing for the output. It is
// owned by whoever created it; SysPlayback only borrows it while it is
// acquired, ducked or playing as a tone.
type Requester struct {
	name   string
	read   pipeline.ReadFunc
	wakeup func()

	mu   sync.RWMutex
	info dsp.AudioInfo

	running atomic.Int64
}

// NewRequester wraps a read callback. wakeup must make a blocked read
// return promptly, usually with ringbuf.ErrWakeup.
func NewRequester(name string, info dsp.AudioInfo, read pipeline.ReadFunc, wakeup func()) *Requester {
	if wakeup == nil {
		wakeup = func() {}
	}
	return &Requester{name: name, info: info, read: read, wakeup: wakeup}
}

// NewRingRequester returns a requester reading from ring. Anchors in the
// ring are skipped.
func NewRingRequester(name string, info dsp.AudioInfo, ring *ringbuf.Ring) *Requester {
	read := func(p []byte, wait time.Duration) (int, error) {
		for {
			n, err := ring.Read(p, wait)
			if !errors.Is(err, ringbuf.ErrAnchor) {
				return n, err
			}
			_, _ = ring.GetAnchor()
		}
	}
	return NewRequester(name, info, read, ring.WakeupReader)
}

func (r *Requester) Name() string { return r.name }

// Read pulls PCM in the requester's format and counts the bytes served.
func (r *Requester) Read(p []byte, wait time.Duration) (int, error) {
	n, err := r.read(p, wait)
	if n > 0 {
		r.running.Add(int64(n))
	}
	return n, err
}

// Wakeup unblocks a pending Read.
func (r *Requester) Wakeup() {
	r.wakeup()
}

func (r *Requester) Info() dsp.AudioInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// SetInfo changes the format of the bytes returned by Read.
func (r *Requester) SetInfo(info dsp.AudioInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
}

// RunningBytes is the number of bytes served since the last reset.
func (r *Requester) RunningBytes() int64 {
	return r.running.Load()
}

// SetRunningBytes sets the served byte count, for example to the position
// a stream was resumed at.
func (r *Requester) SetRunningBytes(n int64) {
	r.running.Store(n)
}

// CurrentOffset is the playback position in milliseconds derived from the
// served byte count.
func (r *Requester) CurrentOffset() int64 {
	info := r.Info()
	perMilli := int64(info.SampleRate) / 1000 * int64(info.Channels) * 2
	if perMilli == 0 {
		return 0
	}
	return r.running.Load() / perMilli
}
