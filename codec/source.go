package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/audio/pcm"
	ffmpeg "github.com/disgoorg/ffmpeg-audio"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

// FrameSource turns a pcm.FrameProvider into a pipeline read callback, so
// an application can feed a player directly. ProvidePCMFrame blocks on its
// own terms; the wait passed to Read is not honoured.
type FrameSource struct {
	mu       sync.Mutex
	provider pcm.FrameProvider
	pending  []byte
	done     bool
}

func NewFrameSource(provider pcm.FrameProvider) *FrameSource {
	return &FrameSource{provider: provider}
}

// Read has the semantics of ringbuf.Ring.Read. The end of the provider is
// reported as ringbuf.ErrDone.
func (s *FrameSource) Read(p []byte, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if s.done {
			return 0, ringbuf.ErrDone
		}
		frame, err := s.provider.ProvidePCMFrame()
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return 0, err
		}
		s.pending = dsp.AppendBytes(s.pending[:0], frame)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close releases the provider.
func (s *FrameSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.provider.Close()
}

// frameMillis is the duration of one provided frame.
const frameMillis = 20

// FileProvider decodes a local file or URL through ffmpeg and provides it
// as 20 ms PCM frames.
type FileProvider struct {
	cmd      *exec.Cmd
	pipe     io.Closer
	reader   *bufio.Reader
	channels int
	rate     int
	done     context.Context
	doneFunc context.CancelFunc
}

var _ pcm.FrameProvider = (*FileProvider)(nil)

// NewFileProvider starts ffmpeg on input.
func NewFileProvider(ctx context.Context, input string, opts ...ffmpeg.ConfigOpt) (*FileProvider, error) {
	cfg := ffmpeg.DefaultConfig()
	cfg.Apply(opts)

	cmd := exec.CommandContext(ctx, cfg.Exec,
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	cmd.Stderr = os.Stderr
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	done, doneFunc := context.WithCancel(context.Background())
	return &FileProvider{
		cmd:      cmd,
		pipe:     pipe,
		reader:   bufio.NewReaderSize(pipe, cfg.BufferSize),
		channels: cfg.Channels,
		rate:     cfg.SampleRate,
		done:     done,
		doneFunc: doneFunc,
	}, nil
}

// Format is the PCM format of the provided frames.
func (p *FileProvider) Format() dsp.AudioInfo {
	return dsp.AudioInfo{SampleRate: p.rate, Channels: p.channels, BitsPerSample: 16}
}

func (p *FileProvider) ProvidePCMFrame() ([]int16, error) {
	frameSize := p.rate * frameMillis / 1000 * p.channels * 2
	buf := make([]byte, frameSize)

	n, err := io.ReadFull(p.reader, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
		// Short last frame.
		return dsp.BytesToSamples(buf[:n]), nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			p.doneFunc()
			return nil, io.EOF
		}
		return nil, fmt.Errorf("error reading PCM data: %w", err)
	}
	return dsp.BytesToSamples(buf), nil
}

func (p *FileProvider) Close() {
	_ = p.pipe.Close()
	p.doneFunc()
}

// Wait blocks until the provider is drained or closed and ffmpeg exited.
func (p *FileProvider) Wait() error {
	<-p.done.Done()
	return p.cmd.Wait()
}
