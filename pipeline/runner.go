package pipeline

import (
	"context"
	"errors"
	"sync"

	"voxpipe/ringbuf"
)

// ErrRunning is returned when an element is started twice.
var ErrRunning = errors.New("element already running")

// Runner owns the goroutine of an element. Elements embed it, bind it in
// Init and hand their work loop to Run.
type Runner struct {
	mu        sync.Mutex
	owner     Element
	events    EventFunc
	cancel    context.CancelFunc
	done      chan struct{}
	paused    bool
	resume    chan struct{}
	destroyed bool
}

// Bind sets the element reported as event source and the event sink.
func (r *Runner) Bind(owner Element, events EventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = owner
	r.events = events
}

// Emit sends an event stamped with the bound element.
func (r *Runner) Emit(e Event) {
	r.mu.Lock()
	fn, owner := r.events, r.owner
	r.mu.Unlock()

	if fn == nil {
		return
	}
	e.Source = owner
	fn(e)
}

// Run starts fn on a new goroutine. fn should emit EventStarted once it is
// producing. Its return value selects the terminal event: nil, cancellation
// and ring aborts end the run with EventStopped, anything else with
// EventFailed.
func (r *Runner) Run(fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.paused = false
	r.destroyed = false
	r.mu.Unlock()

	go func() {
		err := fn(ctx)
		cancel()

		r.mu.Lock()
		destroyed := r.destroyed
		r.mu.Unlock()

		switch {
		case destroyed:
			r.Emit(Event{Type: EventDestroyed})
		case err == nil,
			errors.Is(err, context.Canceled),
			errors.Is(err, ringbuf.ErrAborted),
			errors.Is(err, ringbuf.ErrDone):
			r.Emit(Event{Type: EventStopped})
		default:
			r.Emit(Event{Type: EventFailed, Err: err})
		}

		r.mu.Lock()
		r.done = nil
		r.cancel = nil
		r.mu.Unlock()
		close(done)
	}()
	return nil
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Stop cancels the current run. It does not wait.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Pause makes Gate block until Resume.
func (r *Runner) Pause() error {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return nil
	}
	r.paused = true
	r.resume = make(chan struct{})
	r.mu.Unlock()

	r.Emit(Event{Type: EventPaused})
	return nil
}

func (r *Runner) Resume() error {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return nil
	}
	r.paused = false
	close(r.resume)
	r.mu.Unlock()

	r.Emit(Event{Type: EventResumed})
	return nil
}

// Gate blocks while the element is paused.
func (r *Runner) Gate(ctx context.Context) error {
	r.mu.Lock()
	paused, resume := r.paused, r.resume
	r.mu.Unlock()

	if !paused {
		return ctx.Err()
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current run, if any, has emitted its terminal event.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// MarkDestroyed makes the current run end with EventDestroyed, whatever
// stops it.
func (r *Runner) MarkDestroyed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		r.destroyed = true
	}
}

// Destroy cancels the current run and waits for it. The run ends with
// EventDestroyed.
func (r *Runner) Destroy() error {
	r.MarkDestroyed()
	r.Stop()
	r.Wait()
	return nil
}
