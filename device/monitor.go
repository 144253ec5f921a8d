package device

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"
)

// IdleMonitor turns the mixer's idle signal into power management calls:
// onIdle once the mixer has been idle for the timeout, onWake when audio
// comes back after that.
type IdleMonitor struct {
	timeout time.Duration
	onIdle  func()
	onWake  func()
	events  chan bool
	asleep  atomic.Bool
	logger  *slog.Logger
}

// NewIdleMonitor creates a new IdleMonitor instance. A zero timeout
// disables it.
func NewIdleMonitor(timeout time.Duration, onIdle, onWake func()) *IdleMonitor {
	return &IdleMonitor{
		timeout: timeout,
		onIdle:  onIdle,
		onWake:  onWake,
		events:  make(chan bool, 1),
		logger:  slog.With("component", "idle-monitor"),
	}
}

// Notify records the latest idle state. It never blocks, so the mixer can
// call it from its loop.
func (m *IdleMonitor) Notify(idle bool) {
	for {
		select {
		case m.events <- idle:
			return
		default:
		}
		// Replace a state nobody looked at yet.
		select {
		case <-m.events:
		default:
		}
	}
}

// Asleep reports whether onIdle fired without a wake since.
func (m *IdleMonitor) Asleep() bool {
	return m.asleep.Load()
}

// Run watches the idle state until ctx is done.
func (m *IdleMonitor) Run(ctx context.Context) {
	if m.timeout <= 0 {
		m.logger.Info("Idle monitoring disabled")
		return
	}
	m.logger.Info("Starting idle monitoring", slog.Duration("timeout", m.timeout))

	timer := time.NewTimer(m.timeout)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case idle := <-m.events:
			timer.Stop()
			if idle {
				timer.Reset(m.timeout)
				continue
			}
			if m.asleep.Swap(false) {
				m.logger.Debug("Audio resumed")
				m.onWake()
			}
		case <-timer.C:
			if !m.asleep.Swap(true) {
				m.logger.Debug("Idle timeout reached")
				m.onIdle()
			}
		case <-ctx.Done():
			m.logger.Info("Idle monitoring stopped")
			return
		}
	}
}
