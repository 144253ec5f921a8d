package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"voxpipe/pipeline"
	"voxpipe/ringbuf"
)

// Writer is a terminal stream copying everything it reads into an
// io.Writer.
type Writer struct {
	pipeline.Runner

	mu   sync.Mutex
	w    io.Writer
	read pipeline.ReadFunc
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Init(read pipeline.ReadFunc, _ pipeline.WriteFunc, events pipeline.EventFunc) error {
	if read == nil {
		return errors.New("writer stream needs a read callback")
	}
	s.mu.Lock()
	s.read = read
	s.mu.Unlock()
	s.Bind(s, events)
	return nil
}

func (s *Writer) Start() error {
	s.mu.Lock()
	read, w := s.read, s.w
	s.mu.Unlock()

	return s.Run(func(ctx context.Context) error {
		return s.copy(ctx, read, w)
	})
}

func (s *Writer) copy(ctx context.Context, read pipeline.ReadFunc, w io.Writer) error {
	s.Emit(pipeline.Event{Type: pipeline.EventStarted})

	buf := make([]byte, readChunk)
	for {
		if err := s.Gate(ctx); err != nil {
			return err
		}
		n, err := pipeline.Read(ctx, read, buf)
		if errors.Is(err, ringbuf.ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			if errors.Is(err, ringbuf.ErrAborted) || errors.Is(err, io.ErrClosedPipe) {
				return ringbuf.ErrAborted
			}
			return fmt.Errorf("write: %w", err)
		}
	}
}
