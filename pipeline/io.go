package pipeline

import (
	"context"
	"errors"

	"voxpipe/ringbuf"
)

// Read pulls from read in PollInterval steps until data arrives, the
// upstream ends or ctx is cancelled. Timeouts and wakeups are retried.
func Read(ctx context.Context, read ReadFunc, p []byte) (int, error) {
	for {
		n, err := read(p, PollInterval)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, ringbuf.ErrTimeout), errors.Is(err, ringbuf.ErrWakeup):
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
		default:
			return n, err
		}
	}
}

// WriteAll pushes p downstream in PollInterval steps until it is accepted
// or ctx is cancelled.
func WriteAll(ctx context.Context, write WriteFunc, p []byte) error {
	for len(p) > 0 {
		n, err := write(p, PollInterval)
		p = p[n:]
		switch {
		case err == nil:
		case errors.Is(err, ringbuf.ErrTimeout):
			if ctx.Err() != nil {
				return ctx.Err()
			}
		default:
			return err
		}
	}
	return nil
}
