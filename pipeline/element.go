// Package pipeline chains an input stream, an optional codec and an output
// stream through ring buffers and drives them with a small state machine.
package pipeline

import (
	"time"

	"voxpipe/dsp"
)

// PollInterval bounds every blocking ring operation inside an element so
// that a stop request is noticed within one interval.
const PollInterval = 50 * time.Millisecond

// ReadFunc pulls bytes from the upstream side of an element. It has the
// semantics of ringbuf.Ring.Read.
type ReadFunc func(p []byte, wait time.Duration) (int, error)

// WriteFunc pushes bytes to the downstream side of an element. It has the
// semantics of ringbuf.Ring.Write.
type WriteFunc func(p []byte, wait time.Duration) (int, error)

// EventFunc receives element events. It is called from the element's own
// goroutine and may block briefly.
type EventFunc func(Event)

// EventType identifies an element event.
type EventType int

const (
	EventStarted EventType = iota
	EventStopped
	EventFailed
	EventDestroyed
	EventPaused
	EventResumed
	EventSetFreq
	EventCustomData
)

var eventNames = map[EventType]string{
	EventStarted:    "started",
	EventStopped:    "stopped",
	EventFailed:     "failed",
	EventDestroyed:  "destroyed",
	EventPaused:     "paused",
	EventResumed:    "resumed",
	EventSetFreq:    "set_freq",
	EventCustomData: "custom_data",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether the event ends an element run.
func (t EventType) Terminal() bool {
	return t == EventStopped || t == EventFailed || t == EventDestroyed
}

// StreamMeta is what a source stream learnt while connecting.
type StreamMeta struct {
	ContentType string
	Params      map[string]string
	Length      int64
	Offset      int64
}

// Event is emitted by elements and forwarded by the pipeline.
type Event struct {
	Type   EventType
	Source Element

	// Info is set for EventSetFreq.
	Info dsp.AudioInfo
	// Meta is set for EventCustomData.
	Meta StreamMeta
	// Err is set for EventFailed.
	Err error
}

// Element is one stage of a pipeline. Start, Stop, Pause and Resume only
// signal the element's goroutine and return without waiting for it.
// Destroy waits until the element is idle.
//
// After Start an element emits exactly one of EventStarted or EventFailed
// and every run ends with exactly one terminal event.
type Element interface {
	Init(read ReadFunc, write WriteFunc, events EventFunc) error
	Start() error
	Stop() error
	Pause() error
	Resume() error
	Destroy() error
}

// Stream is an I/O endpoint: a source that only writes or a sink that only
// reads.
type Stream interface {
	Element
}

// Codec transforms its input into PCM.
type Codec interface {
	Element
	// SetOffset skips the given playback time before output starts.
	SetOffset(ms int) error
}

// Waiter is implemented by elements that can report when their goroutine
// has exited.
type Waiter interface {
	Wait()
}
