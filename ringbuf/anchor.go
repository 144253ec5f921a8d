package ringbuf

import (
	"errors"
	"sort"
)

var (
	// ErrAnchor is returned by Read when the next stream position carries
	// an anchor instead of data.
	ErrAnchor = errors.New("anchor at read position")
	// ErrNoAnchor is returned by GetAnchor when no anchor is due.
	ErrNoAnchor = errors.New("no anchor at read position")
	// ErrInvalidAnchor is returned for anchors behind the read position.
	ErrInvalidAnchor = errors.New("anchor offset already consumed")
)

// anchor is an out-of-band marker bound to an absolute stream offset.
type anchor struct {
	offset int64
	data   []byte
}

// PutAnchor places a copy of data at the absolute stream offset. Anchors on
// the same offset are delivered in insertion order.
func (r *Ring) PutAnchor(data []byte, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putAnchorLocked(data, offset)
}

// PutAnchorAtCurrent places a copy of data right after the last written byte.
func (r *Ring) PutAnchorAtCurrent(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putAnchorLocked(data, r.writeTotal)
}

func (r *Ring) putAnchorLocked(data []byte, offset int64) error {
	if r.writeAborted {
		return ErrAborted
	}
	if offset < r.readTotal {
		return ErrInvalidAnchor
	}

	a := anchor{offset: offset, data: append([]byte(nil), data...)}
	i := sort.Search(len(r.anchors), func(i int) bool {
		return r.anchors[i].offset > offset
	})
	r.anchors = append(r.anchors, anchor{})
	copy(r.anchors[i+1:], r.anchors[i:])
	r.anchors[i] = a

	r.broadcastLocked()
	return nil
}

// GetAnchor consumes the anchor at the current read position.
func (r *Ring) GetAnchor() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.anchors) == 0 || r.anchors[0].offset > r.readTotal {
		return nil, ErrNoAnchor
	}
	a := r.anchors[0]
	r.anchors = r.anchors[1:]
	r.broadcastLocked()
	return a.data, nil
}

// PendingAnchors returns the number of anchors not consumed yet.
func (r *Ring) PendingAnchors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anchors)
}
