package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"voxpipe/pipeline"
	"voxpipe/playback"
	"voxpipe/ringbuf"
	"voxpipe/stream"
)

// ErrDuckUnsupported is returned by Notify when the mixer cannot mix a
// second source.
var ErrDuckUnsupported = errors.New("mixer has no downmix path")

// Notify plays url over the foreground stream, which keeps playing ducked
// underneath. A running notification is replaced.
func (d *Device) Notify(url string) error {
	if d.sys == nil {
		return ErrNotInitialized
	}
	if !d.sys.DownmixSupported() {
		return ErrDuckUnsupported
	}

	ring, err := ringbuf.New(notifyBufferSize)
	if err != nil {
		return err
	}
	src := stream.NewHTTPWithTimeout(d.config.Player.HTTPTimeout)
	src.SetURL(url, 0)
	dec := d.newDecoder()
	sink := stream.NewWriter(ring.Writer(ringbuf.Forever))

	pipe, err := pipeline.New(pipeline.Config{Input: src, Codec: dec, Output: sink})
	if err != nil {
		return fmt.Errorf("failed to build notification pipeline: %w", err)
	}
	n := &notification{
		pipe: pipe,
		ring: ring,
		req:  playback.NewRingRequester("notify", dec.Format(), ring),
		done: make(chan struct{}),
	}
	pipe.RegisterEventCallback(func(e pipeline.Event) {
		if e.Source != sink || !e.Type.Terminal() {
			return
		}
		if e.Type == pipeline.EventFailed {
			d.logger.Warn("Notification failed", slog.String("url", url), slog.Any("error", e.Err))
		}
		ring.SignalWriterFinished()
		d.wg.Go(func() {
			d.retireNotification(n)
		})
	})

	d.notifyMu.Lock()
	prev := d.notify
	d.notify = n
	d.notifyMu.Unlock()
	if prev != nil {
		if err := d.finishNotification(prev); err != nil {
			d.logger.Warn("Failed to tear down notification", slog.Any("error", err))
		}
	}

	d.sys.PutDucked(n.req)
	if err := pipe.Start(); err != nil {
		d.notifyMu.Lock()
		if d.notify == n {
			d.notify = nil
		}
		d.notifyMu.Unlock()
		return multierr.Append(err, d.finishNotification(n))
	}
	d.logger.Info("Playing notification", slog.String("url", url))
	return nil
}

// retireNotification waits for the mixer to play the buffered tail and
// then removes the ducked source.
func (d *Device) retireNotification(n *notification) {
	for n.ring.Filled() > 0 {
		select {
		case <-d.ctx.Done():
		case <-n.done:
			return
		case <-time.After(drainPoll):
			continue
		}
		break
	}

	d.notifyMu.Lock()
	if d.notify == n {
		d.notify = nil
	}
	d.notifyMu.Unlock()

	if err := d.finishNotification(n); err != nil {
		d.logger.Warn("Failed to tear down notification", slog.Any("error", err))
	}
}

// finishNotification removes n from the mixer and destroys its pipeline.
// Only the first call does anything.
func (d *Device) finishNotification(n *notification) error {
	var err error
	n.once.Do(func() {
		close(n.done)
		d.sys.RemoveDucked(n.req)
		n.ring.Abort()
		err = n.pipe.Destroy()
		d.logger.Debug("Notification finished")
	})
	return err
}

// Notifying reports whether a notification is playing.
func (d *Device) Notifying() bool {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	return d.notify != nil
}
