package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/disgoorg/ffmpeg-audio"

	"voxpipe/dsp"
)

// DefaultALSADevice is used when no device is configured.
const DefaultALSADevice = "default"

// ALSA plays PCM on an ALSA device through a long running ffmpeg process
// fed on stdin.
type ALSA struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	log *slog.Logger
}

// NewALSA starts ffmpeg writing info formatted PCM to device. Only the Exec
// path of the ffmpeg-audio configuration is used.
func NewALSA(device string, info dsp.AudioInfo, opts ...ffmpeg.ConfigOpt) (*ALSA, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	cfg := ffmpeg.DefaultConfig()
	cfg.Apply(opts)

	ctx, cancel := context.WithCancel(context.Background())
	a := &ALSA{
		cancel: cancel,
		done:   make(chan struct{}),
		log:    slog.With("component", "alsa", "device", device),
	}
	a.cmd = exec.CommandContext(ctx, cfg.Exec, alsaArgs(device, info)...)
	a.cmd.Stderr = &a.stderr

	stdin, err := a.cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	a.stdin = stdin
	if err := a.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go a.monitor()
	return a, nil
}

func alsaArgs(device string, info dsp.AudioInfo) []string {
	if device == "" {
		device = DefaultALSADevice
	}
	rate, channels := strconv.Itoa(info.SampleRate), strconv.Itoa(info.Channels)
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", rate,
		"-ac", channels,
		"-i", "pipe:0",
		"-f", "alsa",
		"-ar", rate,
		"-ac", channels,
		device,
	}
}

func (a *ALSA) monitor() {
	err := a.cmd.Wait()

	a.mu.Lock()
	if err != nil {
		a.err = fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(a.stderr.String()))
		a.log.Error("ffmpeg process exited", "error", err, "stderr", strings.TrimSpace(a.stderr.String()))
	}
	if a.stdin != nil {
		_ = a.stdin.Close()
		a.stdin = nil
	}
	a.mu.Unlock()

	a.cancel()
	close(a.done)
}

// Write hands p to ffmpeg.
func (a *ALSA) Write(_ int, p []byte, _, _ int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stdin == nil {
		if a.err != nil {
			return 0, a.err
		}
		return 0, ErrClosed
	}
	n, err := a.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to ffmpeg stdin: %w", err)
	}
	return n, nil
}

// Close ends the input and waits for ffmpeg to exit.
func (a *ALSA) Close() error {
	a.mu.Lock()
	if a.stdin != nil {
		_ = a.stdin.Close()
		a.stdin = nil
	}
	a.mu.Unlock()

	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
