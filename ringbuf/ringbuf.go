package ringbuf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

// Forever makes Read and Write block until they can make progress.
const Forever time.Duration = -1

var (
	// ErrAborted is returned once the side of the ring an operation needs
	// has been aborted. It stays set until Reset.
	ErrAborted = errors.New("ring buffer aborted")
	// ErrDone is returned to readers after the writer finished and the data
	// is drained, and to writers after SignalWriterFinished.
	ErrDone = errors.New("ring buffer writer finished")
	// ErrTimeout is returned when the wait expired before the operation
	// could complete.
	ErrTimeout = errors.New("ring buffer wait timed out")
	// ErrWakeup is returned to a reader unblocked by WakeupReader.
	ErrWakeup = errors.New("ring buffer reader woken up")
	// ErrResourceExhausted is returned when the arena cannot be created.
	ErrResourceExhausted = errors.New("ring buffer allocation failed")
)

// Ring is a bounded byte FIFO shared by one producer and one consumer
// goroutine. Blocking operations are cancelled cooperatively through the
// abort family; a party learns about cancellation from the error of its next
// Read or Write.
type Ring struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer

	// changed is closed and replaced on every state change.
	changed chan struct{}

	readAborted  bool
	writeAborted bool
	finished     bool
	wakeup       bool

	readTotal  int64
	writeTotal int64
	anchors    []anchor
}

// New creates a ring holding at most capacity bytes.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrResourceExhausted, capacity)
	}
	return &Ring{
		buf:     ringbuffer.New(capacity),
		changed: make(chan struct{}),
	}, nil
}

// Write copies p into the ring, blocking up to wait while it is full. It
// returns the number of bytes accepted; err is nil only when all of p was
// accepted.
func (r *Ring) Write(p []byte, wait time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(wait)
	n := 0
	for {
		if r.writeAborted {
			return n, ErrAborted
		}
		if r.finished {
			return n, ErrDone
		}
		if n == len(p) {
			return n, nil
		}
		if free := r.buf.Free(); free > 0 {
			chunk := min(free, len(p)-n)
			// The chunk fits, the non-blocking write cannot come up short.
			_, _ = r.buf.Write(p[n : n+chunk])
			n += chunk
			r.writeTotal += int64(chunk)
			r.broadcastLocked()
			continue
		}
		if !r.waitLocked(wait, deadline) {
			return n, ErrTimeout
		}
	}
}

// Read copies up to len(p) buffered bytes into p. It returns as soon as any
// data is available, blocking up to wait while the ring is empty. Data reads
// never cross an anchor: when the next stream position carries one, Read
// returns ErrAnchor and the caller must consume it with GetAnchor.
func (r *Ring) Read(p []byte, wait time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(wait)
	for {
		if r.readAborted {
			return 0, ErrAborted
		}
		limit := r.buf.Length()
		if len(r.anchors) > 0 {
			until := r.anchors[0].offset - r.readTotal
			if until <= 0 {
				return 0, ErrAnchor
			}
			if int64(limit) > until {
				limit = int(until)
			}
		}
		if len(p) == 0 {
			return 0, nil
		}
		if limit > 0 {
			n, _ := r.buf.Read(p[:min(len(p), limit)])
			r.readTotal += int64(n)
			r.wakeup = false
			r.broadcastLocked()
			return n, nil
		}
		if r.finished {
			return 0, ErrDone
		}
		if r.wakeup {
			r.wakeup = false
			return 0, ErrWakeup
		}
		if !r.waitLocked(wait, deadline) {
			return 0, ErrTimeout
		}
	}
}

// waitLocked releases the lock until the ring changes or the deadline
// passes. It reports whether the caller should retry.
func (r *Ring) waitLocked(wait time.Duration, deadline time.Time) bool {
	if wait == 0 {
		return false
	}
	ch := r.changed
	r.mu.Unlock()
	defer r.mu.Lock()

	if wait < 0 {
		<-ch
		return true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (r *Ring) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Reset drops buffered data and anchors and re-arms an aborted or finished
// ring. It must not race with a writer that is still mid-write.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Reset()
	r.readAborted = false
	r.writeAborted = false
	r.finished = false
	r.wakeup = false
	r.readTotal = 0
	r.writeTotal = 0
	r.anchors = nil
	r.broadcastLocked()
}

// Abort fails all pending and future reads and writes until Reset.
func (r *Ring) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readAborted = true
	r.writeAborted = true
	r.broadcastLocked()
}

// AbortRead fails pending and future reads until Reset.
func (r *Ring) AbortRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readAborted = true
	r.broadcastLocked()
}

// AbortWrite fails pending and future writes until Reset.
func (r *Ring) AbortWrite() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeAborted = true
	r.broadcastLocked()
}

// SignalWriterFinished tells the reader no more data will come. Buffered
// data can still be read; after that Read returns ErrDone.
func (r *Ring) SignalWriterFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.broadcastLocked()
}

// WakeupReader unblocks a reader waiting on an empty ring. The reader gets
// ErrWakeup with no data.
func (r *Ring) WakeupReader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakeup = true
	r.broadcastLocked()
}

// Filled returns the number of buffered bytes.
func (r *Ring) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Length()
}

// Available returns the free space in bytes.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Free()
}

// Capacity is the size of the ring in bytes.
func (r *Ring) Capacity() int {
	return r.buf.Capacity()
}

// Aborted reports whether either side has been aborted.
func (r *Ring) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readAborted || r.writeAborted
}

// ReadTotal is the absolute stream position of the next byte to be read.
func (r *Ring) ReadTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readTotal
}

// WriteTotal is the absolute stream position of the next byte to be written.
func (r *Ring) WriteTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeTotal
}
