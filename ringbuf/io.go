package ringbuf

import (
	"errors"
	"io"
	"time"
)

type reader struct {
	ring *Ring
	wait time.Duration
}

// Reader adapts the ring to io.Reader. The end of stream is reported as
// io.EOF, wakeups are retried, and anchors are skipped.
func (r *Ring) Reader(wait time.Duration) io.Reader {
	return &reader{ring: r, wait: wait}
}

func (rd *reader) Read(p []byte) (int, error) {
	for {
		n, err := rd.ring.Read(p, rd.wait)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, ErrDone):
			return 0, io.EOF
		case errors.Is(err, ErrWakeup):
			continue
		case errors.Is(err, ErrAnchor):
			_, _ = rd.ring.GetAnchor()
			continue
		default:
			return n, err
		}
	}
}

type writer struct {
	ring *Ring
	wait time.Duration
}

// Writer adapts the ring to io.Writer.
func (r *Ring) Writer(wait time.Duration) io.Writer {
	return &writer{ring: r, wait: wait}
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.ring.Write(p, w.wait)
	if errors.Is(err, ErrDone) {
		return n, io.ErrClosedPipe
	}
	return n, err
}
