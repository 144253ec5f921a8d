// Package device wires the audio core into one running speaker: outputs,
// mixer, stream player, tones, notifications and power management.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	ffmpeg "github.com/disgoorg/ffmpeg-audio"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"voxpipe/codec"
	"voxpipe/config"
	"voxpipe/dsp"
	"voxpipe/mediahal"
	"voxpipe/output"
	"voxpipe/pipeline"
	"voxpipe/player"
	"voxpipe/playback"
	"voxpipe/ringbuf"
	"voxpipe/stream"
	"voxpipe/tones"
)

// ErrNotInitialized is returned by operations that need Initialize first.
var ErrNotInitialized = errors.New("device not initialized")

const (
	notifyBufferSize = 64 * 1024
	drainPoll        = 20 * time.Millisecond
)

// decodedTypes are the stream types handed to ffmpeg.
var decodedTypes = []codec.Type{codec.TypeMP3, codec.TypeAAC, codec.TypeOPUS, codec.TypeWAV, codec.TypeAMR}

// Device represents the main application state
type Device struct {
	config *config.Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	errorChan chan error

	hal      *mediahal.HAL
	sys      *playback.SysPlayback
	player   *player.Player
	cache    *tones.Cache
	tones    *tones.Engine
	idle     *IdleMonitor
	notifier *Notifier
	outputs  []io.Closer
	sinkIDs  map[string]int

	// focusMu orders focus changes of the player requester.
	focusMu sync.Mutex
	playGen atomic.Int64
	file    *codec.FrameSource

	notifyMu sync.Mutex
	notify   *notification

	// newSink opens the hardware of one output; replaced in tests.
	newSink func(o config.OutputConfig) (mediahal.WriteFunc, io.Closer, error)
}

// notification is one ducked announcement in flight.
type notification struct {
	pipe *pipeline.Pipeline
	ring *ringbuf.Ring
	req  *playback.Requester
	done chan struct{}
	once sync.Once
}

// New creates a new Device instance
func New(cfg *config.Config) *Device {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Device{
		config:    cfg,
		logger:    slog.With("component", "device"),
		ctx:       ctx,
		cancel:    cancel,
		errorChan: make(chan error, 10),
		notifier:  NewNotifier(cfg.Notify),
		newSink:   openSink,
	}
	d.idle = NewIdleMonitor(cfg.Power.IdleTimeout, d.onIdle, d.onWake)
	return d
}

// Initialize sets up the outputs, the mixer, the player and the tones
func (d *Device) Initialize() error {
	d.logger.Info("Initializing device...")

	d.hal = mediahal.New(mediahal.WithBands(d.config.Equalizer.BandArray()))
	if d.config.Equalizer.Enabled {
		d.hal.EnableEqualizer()
	}
	for _, o := range d.config.Outputs {
		if err := d.addOutput(o); err != nil {
			return fmt.Errorf("failed to open output %q: %w", o.Name, err)
		}
	}

	audio := d.config.Audio
	sys, err := playback.New(playback.Config{
		DownmixEnabled:    audio.Downmix,
		ChunkSize:         audio.ChunkSize,
		CanonicalRate:     audio.SampleRate,
		DuckGainDB:        audio.DuckGainDB,
		DownmixBufferSize: audio.BufferSize,
		OnIdle:            d.idle.Notify,
	}, d.hal)
	if err != nil {
		return fmt.Errorf("failed to create mixer: %w", err)
	}
	d.sys = sys

	d.player, err = player.New(player.Config{
		Name:             "music",
		OutputBufferSize: d.config.Player.OutputBufferSize,
		HTTPBufferSize:   d.config.Player.HTTPBufferSize,
		HTTPClient:       stream.HeaderTimeoutClient(d.config.Player.HTTPTimeout),
		OnEvent:          d.onPlayerEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}
	if err := d.player.AddCodec(codec.TypePCM, codec.NewPCM(dsp.Stereo48k)); err != nil {
		return err
	}
	for _, t := range decodedTypes {
		if err := d.player.AddCodec(t, d.newDecoder()); err != nil {
			return err
		}
	}

	d.cache, err = tones.NewCache(audio.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to build tones: %w", err)
	}
	if dir := d.config.Tones.Dir; dir != "" {
		if err := d.cache.LoadDir(os.DirFS(dir), "."); err != nil {
			d.logger.Warn("Some tones could not be loaded", slog.Any("error", err))
		}
	}
	d.tones = tones.NewEngine(d.cache, d.sys)

	d.logger.Info("Device initialized successfully",
		slog.Int("outputs", len(d.outputs)),
		slog.Bool("downmix", audio.Downmix))
	return nil
}

func (d *Device) newDecoder() *codec.FFmpeg {
	return codec.NewFFmpeg(
		ffmpeg.WithExec(d.config.Audio.FFmpeg),
		ffmpeg.WithChannels(2),
		ffmpeg.WithSampleRate(d.config.Audio.SampleRate),
	)
}

func (d *Device) addOutput(o config.OutputConfig) error {
	write, closer, err := d.newSink(o)
	if err != nil {
		return err
	}
	if closer != nil {
		d.outputs = append(d.outputs, closer)
	}
	id, err := d.hal.InitPlayback(mediahal.SinkConfig{
		Name:    o.Name,
		Port:    o.Port,
		Info:    dsp.AudioInfo{SampleRate: o.SampleRate, Channels: o.Channels, BitsPerSample: 16},
		Write:   write,
		Enabled: o.Enabled,
	})
	if err != nil {
		return err
	}
	if d.sinkIDs == nil {
		d.sinkIDs = make(map[string]int)
	}
	d.sinkIDs[o.Name] = id
	return nil
}

// ApplyConfig applies the settings that can change while running: the
// equalizer and which outputs are enabled. Outputs are matched by name;
// new ones need a restart.
func (d *Device) ApplyConfig(c *config.Config) error {
	if d.hal == nil {
		return ErrNotInitialized
	}

	d.hal.SetEqualizerBands(c.Equalizer.BandArray())
	if c.Equalizer.Enabled != d.hal.EqualizerEnabled() {
		if c.Equalizer.Enabled {
			d.hal.EnableEqualizer()
		} else {
			d.hal.DisableEqualizer()
		}
		d.logger.Info("Equalizer toggled", slog.Bool("enabled", c.Equalizer.Enabled))
	}

	var err error
	for _, o := range c.Outputs {
		id, ok := d.sinkIDs[o.Name]
		if !ok {
			d.logger.Warn("Output not opened, restart to add it", slog.String("output", o.Name))
			continue
		}
		if o.Enabled {
			err = multierr.Append(err, d.hal.EnablePlayback(id))
		} else {
			err = multierr.Append(err, d.hal.DisablePlayback(id))
		}
	}
	return err
}

func openSink(o config.OutputConfig) (mediahal.WriteFunc, io.Closer, error) {
	info := dsp.AudioInfo{SampleRate: o.SampleRate, Channels: o.Channels, BitsPerSample: 16}
	switch o.Type {
	case config.OutputSpeaker:
		latency := o.Latency
		if latency <= 0 {
			latency = 100 * time.Millisecond
		}
		s, err := output.NewSpeaker(info, latency)
		if err != nil {
			return nil, nil, err
		}
		return s.Write, s, nil
	case config.OutputALSA:
		a, err := output.NewALSA(o.Device, info)
		if err != nil {
			return nil, nil, err
		}
		return a.Write, a, nil
	case config.OutputFile:
		f, err := os.Create(o.Path)
		if err != nil {
			return nil, nil, err
		}
		w := output.NewWriter(f)
		return w.Write, w, nil
	default:
		return nil, nil, fmt.Errorf("unknown output type %q", o.Type)
	}
}

// Start begins all device operations
func (d *Device) Start() error {
	if d.sys == nil {
		return ErrNotInitialized
	}
	d.logger.Info("Starting device operations...")

	d.wg.Go(func() {
		if err := d.sys.Run(d.ctx); err != nil {
			d.logger.Error("Mixer stopped", slog.Any("error", err))
			d.reportError(err)
		}
	})
	d.wg.Go(func() {
		d.idle.Run(d.ctx)
	})

	d.logger.Info("Device started successfully")
	return nil
}

// Stop gracefully shuts down the device
func (d *Device) Stop() error {
	d.logger.Info("Stopping device...")

	var err error
	if d.player != nil {
		err = multierr.Append(err, d.player.Destroy())
	}
	d.notifyMu.Lock()
	n := d.notify
	d.notify = nil
	d.notifyMu.Unlock()
	if n != nil {
		err = multierr.Append(err, d.finishNotification(n))
	}
	d.closeFile()

	// Cancel context to stop all operations
	d.cancel()
	d.wg.Wait()

	for _, c := range d.outputs {
		err = multierr.Append(err, c.Close())
	}

	d.logger.Info("Device stopped")
	return err
}

// Error returns the error channel for monitoring errors
func (d *Device) Error() <-chan error {
	return d.errorChan
}

func (d *Device) reportError(err error) {
	select {
	case d.errorChan <- err:
	default:
	}
}

// HAL exposes the output stage, for equalizer changes.
func (d *Device) HAL() *mediahal.HAL {
	return d.hal
}

// Mixer exposes the focus mixer.
func (d *Device) Mixer() *playback.SysPlayback {
	return d.sys
}

// Play streams url in the foreground.
func (d *Device) Play(url string) error {
	return d.play(player.PlayConfig{URL: url})
}

// PlayFile decodes a local file or URL with ffmpeg and plays it in the
// foreground.
func (d *Device) PlayFile(ctx context.Context, input string) error {
	provider, err := codec.NewFileProvider(ctx, input,
		ffmpeg.WithExec(d.config.Audio.FFmpeg),
		ffmpeg.WithChannels(2),
		ffmpeg.WithSampleRate(d.config.Audio.SampleRate),
	)
	if err != nil {
		return err
	}
	src := codec.NewFrameSource(provider)
	err = d.play(player.PlayConfig{Read: src.Read, Codec: codec.TypePCM, Info: provider.Format()})
	if err != nil {
		src.Close()
		return err
	}

	d.focusMu.Lock()
	d.file = src
	d.focusMu.Unlock()
	return nil
}

func (d *Device) play(cfg player.PlayConfig) error {
	if d.player == nil {
		return ErrNotInitialized
	}

	d.focusMu.Lock()
	defer d.focusMu.Unlock()

	// Play reports the end of the previous stream, its release must not
	// match this generation.
	err := d.player.Play(cfg)
	d.playGen.Inc()
	if err != nil {
		return err
	}
	d.closeFileLocked()

	req := d.player.Requester()
	if d.sys.Current() == req {
		return nil
	}
	if err := d.sys.Acquire(req); err != nil {
		if !errors.Is(err, playback.ErrAlreadyAcquired) {
			return err
		}
		_ = d.sys.Release()
		return d.sys.Acquire(req)
	}
	return nil
}

// OpenPacketSource hands the focus to a source of pushed PCM packets,
// such as a Bluetooth sink. The stream player is stopped first.
func (d *Device) OpenPacketSource(name string, info dsp.AudioInfo, queue int) (*playback.PacketSource, error) {
	if d.player == nil {
		return nil, ErrNotInitialized
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	src := playback.NewPacketSource(name, info, queue)

	d.focusMu.Lock()
	defer d.focusMu.Unlock()

	err := d.player.Stop()
	d.playGen.Inc()
	if err != nil && !errors.Is(err, player.ErrNotPlaying) {
		return nil, err
	}
	d.closeFileLocked()

	if d.sys.Current() != d.sys.Silence() {
		_ = d.sys.Release()
	}
	if err := d.sys.Acquire(src.Requester); err != nil {
		return nil, err
	}
	d.logger.Info("Packet source attached", slog.String("name", name), slog.Any("format", info))
	return src, nil
}

// ClosePacketSource ends src and gives its focus back.
func (d *Device) ClosePacketSource(src *playback.PacketSource) error {
	src.Close()

	d.focusMu.Lock()
	defer d.focusMu.Unlock()
	if d.sys.Current() != src.Requester {
		return nil
	}
	return d.sys.Release()
}

// StopPlayback stops the foreground stream and gives up the focus.
func (d *Device) StopPlayback() error {
	if d.player == nil {
		return ErrNotInitialized
	}

	d.focusMu.Lock()
	defer d.focusMu.Unlock()

	d.playGen.Inc()
	err := d.player.Stop()
	d.closeFileLocked()
	if d.sys.Current() == d.player.Requester() {
		err = multierr.Append(err, d.sys.Release())
	}
	return err
}

func (d *Device) closeFile() {
	d.focusMu.Lock()
	defer d.focusMu.Unlock()
	d.closeFileLocked()
}

// closeFileLocked closes a file source the player is done with.
func (d *Device) closeFileLocked() {
	if d.file == nil {
		return
	}
	d.file.Close()
	d.file = nil
}

// PlayTone interrupts whatever plays with a cached tone.
func (d *Device) PlayTone(name string) error {
	if d.tones == nil {
		return ErrNotInitialized
	}
	_, err := d.tones.Play(name)
	return err
}

func (d *Device) onPlayerEvent(e player.Event) {
	d.logger.Info("Player event", slog.String("event", e.Type.String()), slog.Any("error", e.Err))

	if d.notifier.Enabled() {
		ev := Notification{Event: e.Type.String(), Source: "music", Time: time.Now()}
		if e.Err != nil {
			ev.Error = e.Err.Error()
		}
		d.wg.Go(func() {
			if err := d.notifier.Send(d.ctx, ev); err != nil {
				d.logger.Warn("Failed to post player event", slog.Any("error", err))
			}
		})
	}

	if e.Type == player.EventStopped || e.Type == player.EventFailed {
		gen := d.playGen.Load()
		d.wg.Go(func() {
			d.releaseWhenDrained(gen)
		})
	}
}

// releaseWhenDrained gives up the focus once the mixer has played what the
// finished stream left buffered, unless a new stream was started meanwhile.
func (d *Device) releaseWhenDrained(gen int64) {
	req := d.player.Requester()
	for d.player.Buffered() > 0 {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(drainPoll):
		}
		if d.playGen.Load() != gen {
			return
		}
	}

	d.focusMu.Lock()
	defer d.focusMu.Unlock()
	if d.playGen.Load() != gen || d.sys.Current() != req {
		return
	}
	if err := d.sys.Release(); err != nil {
		d.logger.Debug("Focus already released", slog.Any("error", err))
		return
	}
	d.logger.Debug("Released focus after stream end")
}

func (d *Device) onIdle() {
	d.logger.Info("Entering low power mode", slog.Duration("idle_for", d.config.Power.IdleTimeout))
}

func (d *Device) onWake() {
	d.logger.Info("Leaving low power mode")
}
