package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	ffmpeg "github.com/disgoorg/ffmpeg-audio"
	"golang.org/x/sync/errgroup"

	"voxpipe/dsp"
	"voxpipe/pipeline"
	"voxpipe/ringbuf"
)

// FFmpeg decodes any container ffmpeg understands into s16le PCM by piping
// the input through an ffmpeg process.
type FFmpeg struct {
	pipeline.Runner

	mu       sync.Mutex
	cfg      *ffmpeg.Config
	format   string
	offsetMs int
	read     pipeline.ReadFunc
	write    pipeline.WriteFunc

	log *slog.Logger
}

// NewFFmpeg returns a decoder producing PCM with the rate and channel count
// of the ffmpeg-audio configuration.
func NewFFmpeg(opts ...ffmpeg.ConfigOpt) *FFmpeg {
	cfg := ffmpeg.DefaultConfig()
	cfg.Apply(opts)
	return &FFmpeg{
		cfg: cfg,
		log: slog.With("component", "ffmpeg-codec"),
	}
}

// SetInputFormat forces the ffmpeg demuxer; an empty string lets ffmpeg
// probe the input.
func (c *FFmpeg) SetInputFormat(t Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = t.ffmpegFormat()
}

// Format is the PCM format the decoder emits.
func (c *FFmpeg) Format() dsp.AudioInfo {
	return dsp.AudioInfo{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels, BitsPerSample: 16}
}

func (c *FFmpeg) SetOffset(ms int) error {
	if ms < 0 {
		return errors.New("negative offset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs = ms
	return nil
}

func (c *FFmpeg) Init(read pipeline.ReadFunc, write pipeline.WriteFunc, events pipeline.EventFunc) error {
	c.mu.Lock()
	c.read = read
	c.write = write
	c.mu.Unlock()
	c.Bind(c, events)
	return nil
}

func (c *FFmpeg) Start() error {
	c.mu.Lock()
	format, offset := c.format, c.offsetMs
	read, write := c.read, c.write
	c.offsetMs = 0
	c.mu.Unlock()

	if read == nil || write == nil {
		return errors.New("ffmpeg codec is not initialised")
	}
	return c.Run(func(ctx context.Context) error {
		return c.decode(ctx, c.args(format, offset), read, write)
	})
}

func (c *FFmpeg) args(format string, offsetMs int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-i", "pipe:0")
	if offsetMs > 0 {
		// Output seeking: the pipe is not seekable, ffmpeg decodes and drops.
		args = append(args, "-ss", strconv.FormatFloat(float64(offsetMs)/1000, 'f', 3, 64))
	}
	return append(args,
		"-f", "s16le",
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"pipe:1",
	)
}

func (c *FFmpeg) decode(ctx context.Context, args []string, read pipeline.ReadFunc, write pipeline.WriteFunc) error {
	g, gctx := errgroup.WithContext(ctx)

	cmd := exec.CommandContext(gctx, c.cfg.Exec, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	c.Emit(pipeline.Event{Type: pipeline.EventStarted})
	c.Emit(pipeline.Event{Type: pipeline.EventSetFreq, Info: c.Format()})
	c.log.Debug("ffmpeg started", "args", args)

	// Feed the encoded input.
	g.Go(func() error {
		defer stdin.Close()
		buf := make([]byte, 4096)
		for {
			if err := c.Gate(gctx); err != nil {
				return err
			}
			n, err := pipeline.Read(gctx, read, buf)
			if errors.Is(err, ringbuf.ErrDone) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := stdin.Write(buf[:n]); err != nil {
				// ffmpeg exited; its status is reported by Wait.
				return nil
			}
		}
	})

	// Drain the decoded PCM.
	g.Go(func() error {
		reader := bufio.NewReaderSize(stdout, c.cfg.BufferSize)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if werr := pipeline.WriteAll(gctx, write, buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("error reading PCM data: %w", err)
			}
		}
	})

	gerr := g.Wait()
	werr := cmd.Wait()
	switch {
	case gerr != nil:
		return gerr
	case ctx.Err() != nil:
		return ctx.Err()
	case werr != nil:
		return fmt.Errorf("ffmpeg process exited with error: %w", werr)
	}
	return nil
}
