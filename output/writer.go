package output

import (
	"io"
	"sync"

	"go.uber.org/atomic"
)

// Writer copies raw PCM into an io.Writer, for example a file tap.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	written atomic.Int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(_ int, p []byte, _, _ int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.w.Write(p)
	w.written.Add(int64(n))
	return n, err
}

// Written is the number of bytes accepted so far.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Close closes the underlying writer when it is an io.Closer.
func (w *Writer) Close() error {
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
