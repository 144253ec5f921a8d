// Package player implements a stream player: an HTTP source or an
// application callback feeding one of several codecs, whose PCM is served
// to the mixer through a single requester.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"voxpipe/codec"
	"voxpipe/dsp"
	"voxpipe/pipeline"
	"voxpipe/playback"
	"voxpipe/ringbuf"
	"voxpipe/stream"
)

var (
	// ErrNotPlaying is returned by Stop when nothing is playing.
	ErrNotPlaying = errors.New("player is not playing")
	// ErrNoCodec is returned when no codec is registered for a stream.
	ErrNoCodec = errors.New("no codec for stream")
	// ErrCodecExists is returned by AddCodec for an already registered type.
	ErrCodecExists = errors.New("codec already registered")
	// ErrCodecBusy is returned by RemoveCodec for the playing codec.
	ErrCodecBusy = errors.New("codec is playing")
)

const (
	DefaultOutputBufferSize = 32 * 1024
	DefaultHTTPBufferSize   = 64 * 1024
)

// Method is how a player is fed.
type Method int

const (
	MethodNone Method = iota
	// MethodCallback feeds the codec from an application read callback.
	MethodCallback
	// MethodURL feeds the codec from an HTTP stream.
	MethodURL
)

// EventType is what the application is told about playback.
type EventType int

const (
	EventStarted EventType = iota
	EventStopped
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to Config.OnEvent.
type Event struct {
	Type EventType
	// Info is the negotiated format, set for EventStarted.
	Info dsp.AudioInfo
	Err  error
}

// Config configures a player.
type Config struct {
	Name             string
	OutputBufferSize int
	HTTPBufferSize   int
	HTTPClient       *http.Client

	// OnEvent receives application events. It is called from internal
	// goroutines and must not call Play or Stop.
	OnEvent func(Event)
	// OnAnchor receives anchors reached by the requester.
	OnAnchor func(data []byte)
}

// PlayConfig selects what to play. Exactly one of URL and Read is set.
type PlayConfig struct {
	URL string

	// Read is an application source in the format of Codec. It reports
	// the end of the stream with ringbuf.ErrDone.
	Read  pipeline.ReadFunc
	Codec codec.Type
	// Info is the PCM format of Read when Codec is TypePCM.
	Info dsp.AudioInfo

	// Offset is where playback starts, in milliseconds.
	Offset int
}

// Player plays one stream at a time.
type Player struct {
	cfg Config

	out      *ringbuf.Ring
	httpRing *ringbuf.Ring
	http     *stream.HTTP
	req      *playback.Requester

	// mu serialises Play, Stop and Destroy.
	mu sync.Mutex

	// codecMu guards the codec table, current and stopping.
	codecMu  sync.Mutex
	codecs   map[codec.Type]pipeline.Codec
	current  pipeline.Codec
	stopping bool

	method       atomic.Int32
	playing      atomic.Bool
	httpStopped  atomic.Bool
	codecStopped atomic.Bool
	seekMs       atomic.Int64

	stopMu        sync.Mutex
	stopEventSent bool

	log *slog.Logger
}

// New creates a player with its two rings and HTTP source.
func New(cfg Config) (*Player, error) {
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = DefaultOutputBufferSize
	}
	if cfg.HTTPBufferSize <= 0 {
		cfg.HTTPBufferSize = DefaultHTTPBufferSize
	}
	if cfg.Name == "" {
		cfg.Name = "player"
	}

	out, err := ringbuf.New(cfg.OutputBufferSize)
	if err != nil {
		return nil, fmt.Errorf("output buffer: %w", err)
	}
	httpRing, err := ringbuf.New(cfg.HTTPBufferSize)
	if err != nil {
		return nil, fmt.Errorf("http buffer: %w", err)
	}

	p := &Player{
		cfg:      cfg,
		out:      out,
		httpRing: httpRing,
		http:     stream.NewHTTP(cfg.HTTPClient),
		codecs:   make(map[codec.Type]pipeline.Codec),
		log:      slog.With("component", "player", "name", cfg.Name),
	}
	p.httpStopped.Store(true)
	p.codecStopped.Store(true)
	p.req = playback.NewRequester(cfg.Name, dsp.Stereo48k, p.read, out.WakeupReader)

	if err := p.http.Init(nil, httpRing.Write, p.httpEvent); err != nil {
		return nil, err
	}
	return p, nil
}

// AddCodec registers c for streams of type t.
func (p *Player) AddCodec(t codec.Type, c pipeline.Codec) error {
	p.codecMu.Lock()
	defer p.codecMu.Unlock()
	if _, ok := p.codecs[t]; ok {
		return fmt.Errorf("%w: %s", ErrCodecExists, t)
	}
	p.codecs[t] = c
	return nil
}

// RemoveCodec unregisters and destroys the codec for t.
func (p *Player) RemoveCodec(t codec.Type) error {
	p.codecMu.Lock()
	c, ok := p.codecs[t]
	if !ok {
		p.codecMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCodec, t)
	}
	if c == p.current {
		p.codecMu.Unlock()
		return fmt.Errorf("%w: %s", ErrCodecBusy, t)
	}
	delete(p.codecs, t)
	p.codecMu.Unlock()

	return c.Destroy()
}

// Requester is the source to hand to the mixer.
func (p *Player) Requester() *playback.Requester {
	return p.req
}

// Playing reports whether a stream has been started and not stopped.
func (p *Player) Playing() bool {
	return p.playing.Load()
}

// Play stops whatever is playing and starts cfg.
func (p *Player) Play(cfg PlayConfig) error {
	if (cfg.URL == "") == (cfg.Read == nil) {
		return errors.New("play needs exactly one of url and read callback")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.stopLocked(); err != nil && !errors.Is(err, ErrNotPlaying) {
		return err
	}

	p.out.Reset()
	p.req.SetRunningBytes(0)
	p.seekMs.Store(int64(cfg.Offset))
	p.stopMu.Lock()
	p.stopEventSent = false
	p.stopMu.Unlock()

	if cfg.Read != nil {
		return p.playCallback(cfg)
	}
	return p.playURL(cfg)
}

func (p *Player) playCallback(cfg PlayConfig) error {
	p.codecMu.Lock()
	defer p.codecMu.Unlock()

	c, ok := p.codecs[cfg.Codec]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCodec, cfg.Codec)
	}
	if pc, ok := c.(*codec.PCM); ok && cfg.Info != (dsp.AudioInfo{}) {
		if err := pc.SetFormat(cfg.Info, false); err != nil {
			return err
		}
	}
	if err := c.Init(cfg.Read, p.out.Write, p.codecEvent); err != nil {
		return fmt.Errorf("init codec: %w", err)
	}

	p.method.Store(int32(MethodCallback))
	p.httpStopped.Store(true)
	p.codecStopped.Store(false)
	p.current = c
	p.playing.Store(true)

	p.log.Info("Playing from callback", "codec", cfg.Codec)
	if err := c.Start(); err != nil {
		p.current = nil
		p.codecStopped.Store(true)
		p.playing.Store(false)
		return fmt.Errorf("start codec: %w", err)
	}
	return nil
}

func (p *Player) playURL(cfg PlayConfig) error {
	p.httpRing.Reset()
	p.method.Store(int32(MethodURL))
	p.httpStopped.Store(false)
	p.codecStopped.Store(true)
	p.playing.Store(true)

	p.log.Info("Playing url", "url", cfg.URL, "offset_ms", cfg.Offset)
	p.http.SetURL(cfg.URL, 0)
	if err := p.http.Start(); err != nil {
		p.httpStopped.Store(true)
		p.playing.Store(false)
		return fmt.Errorf("start http stream: %w", err)
	}
	return nil
}

// Stop stops the stream and waits until the HTTP source and the codec have
// both confirmed before the rings are reset.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Player) stopLocked() error {
	if !p.playing.Load() {
		return ErrNotPlaying
	}

	p.codecMu.Lock()
	p.stopping = true
	c := p.current
	p.codecMu.Unlock()

	if Method(p.method.Load()) == MethodURL {
		p.http.Stop()
		p.httpRing.Abort()
	}
	if c != nil {
		c.Stop()
		p.out.Abort()
	}

	p.waitStopped()
	p.http.Wait()
	if w, ok := c.(pipeline.Waiter); ok {
		w.Wait()
	}

	p.out.Reset()
	p.httpRing.Reset()

	p.codecMu.Lock()
	p.current = nil
	p.stopping = false
	p.codecMu.Unlock()

	p.method.Store(int32(MethodNone))
	p.playing.Store(false)
	p.sendTerminal(Event{Type: EventStopped})
	p.log.Info("Stopped")
	return nil
}

// waitStopped polls the stop confirmations with a growing delay.
func (p *Player) waitStopped() {
	delay := 5 * time.Millisecond
	start := time.Now()
	for !p.httpStopped.Load() || !p.codecStopped.Load() {
		time.Sleep(delay)
		if delay < 200*time.Millisecond {
			delay *= 2
		}
		if time.Since(start) > time.Second {
			p.log.Warn("Waiting for stop confirmation",
				"http_stopped", p.httpStopped.Load(),
				"codec_stopped", p.codecStopped.Load(),
				"waited", time.Since(start).Round(time.Millisecond))
		}
	}
}

// httpEvent handles events of the HTTP source.
func (p *Player) httpEvent(e pipeline.Event) {
	switch e.Type {
	case pipeline.EventCustomData:
		p.startCodec(e.Meta)
	case pipeline.EventStopped:
		p.httpStopped.Store(true)
		p.httpRing.SignalWriterFinished()
	case pipeline.EventFailed:
		p.log.Error("HTTP stream failed", "error", e.Err)
		p.httpRing.SignalWriterFinished()
		p.httpStopped.Store(true)
		p.sendTerminal(Event{Type: EventFailed, Err: e.Err})
	case pipeline.EventDestroyed:
		p.httpStopped.Store(true)
	}
}

// startCodec picks the codec once the content type is known.
func (p *Player) startCodec(meta pipeline.StreamMeta) {
	p.codecMu.Lock()
	defer p.codecMu.Unlock()

	if p.stopping || !p.playing.Load() {
		return
	}

	t := codec.TypeFromContentType(meta.ContentType)
	c, ok := p.codecs[t]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoCodec, meta.ContentType)
		p.log.Error("Cannot play stream", "error", err)
		p.http.Stop()
		p.httpRing.Abort()
		p.sendTerminal(Event{Type: EventFailed, Err: err})
		return
	}

	switch cc := c.(type) {
	case *codec.PCM:
		if err := cc.SetFormatFromContentType(meta.ContentType, meta.Params); err != nil {
			p.log.Warn("Ignoring pcm parameters", "error", err)
		}
	case *codec.FFmpeg:
		cc.SetInputFormat(t)
	}
	if err := c.Init(p.httpRing.Read, p.out.Write, p.codecEvent); err != nil {
		p.failCodecStart(err)
		return
	}
	if seek := p.seekMs.Load(); seek > 0 {
		if err := c.SetOffset(int(seek)); err != nil {
			p.log.Warn("Codec cannot seek", "error", err)
		}
	}

	p.codecStopped.Store(false)
	p.current = c
	p.log.Debug("Starting codec", "codec", t, "content_type", meta.ContentType, "length", meta.Length)
	if err := c.Start(); err != nil {
		p.current = nil
		p.codecStopped.Store(true)
		p.failCodecStart(err)
	}
}

func (p *Player) failCodecStart(err error) {
	p.log.Error("Failed to start codec", "error", err)
	p.http.Stop()
	p.httpRing.Abort()
	p.sendTerminal(Event{Type: EventFailed, Err: err})
}

// codecEvent handles events of the playing codec.
func (p *Player) codecEvent(e pipeline.Event) {
	p.codecMu.Lock()
	stale := e.Source != nil && e.Source != p.current
	stopping := p.stopping
	p.codecMu.Unlock()
	if stale {
		return
	}

	switch e.Type {
	case pipeline.EventStarted:
		p.codecStopped.Store(false)
	case pipeline.EventSetFreq:
		p.req.SetInfo(e.Info)
		start := e.Info.MillisToBytes(p.seekMs.Load())
		p.req.SetRunningBytes(start)
		p.log.Debug("Stream format negotiated", "format", e.Info, "start_bytes", start)
		if !stopping {
			p.emit(Event{Type: EventStarted, Info: e.Info})
		}
	case pipeline.EventStopped:
		p.codecFinished()
		p.sendTerminal(Event{Type: EventStopped})
	case pipeline.EventFailed:
		p.log.Error("Codec failed", "error", e.Err)
		p.codecFinished()
		p.sendTerminal(Event{Type: EventFailed, Err: e.Err})
	case pipeline.EventDestroyed:
		p.codecStopped.Store(true)
	}
}

func (p *Player) codecFinished() {
	p.out.SignalWriterFinished()
	if Method(p.method.Load()) == MethodURL {
		p.httpRing.Abort()
	}
	p.codecStopped.Store(true)
}

// sendTerminal emits a stopped or failed event once per play.
func (p *Player) sendTerminal(e Event) {
	p.stopMu.Lock()
	if p.stopEventSent {
		p.stopMu.Unlock()
		return
	}
	p.stopEventSent = true
	p.stopMu.Unlock()

	p.emit(e)
}

func (p *Player) emit(e Event) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(e)
	}
}

// read serves the requester. Anchors reached in the output are handed to
// OnAnchor and skipped.
func (p *Player) read(b []byte, wait time.Duration) (int, error) {
	for {
		n, err := p.out.Read(b, wait)
		if !errors.Is(err, ringbuf.ErrAnchor) {
			return n, err
		}
		data, aerr := p.out.GetAnchor()
		if aerr == nil && p.cfg.OnAnchor != nil {
			p.cfg.OnAnchor(data)
		}
	}
}

// PutAnchor places data at an absolute byte offset of the PCM output.
func (p *Player) PutAnchor(data []byte, offset int64) error {
	return p.out.PutAnchor(data, offset)
}

// PutAnchorAtCurrent places data after the last decoded byte.
func (p *Player) PutAnchorAtCurrent(data []byte) error {
	return p.out.PutAnchorAtCurrent(data)
}

// GetAnchor consumes the anchor at the current read position.
func (p *Player) GetAnchor() ([]byte, error) {
	return p.out.GetAnchor()
}

// Buffered is the decoded PCM not yet read by the mixer.
func (p *Player) Buffered() int {
	return p.out.Filled()
}

// CurrentOffset is the playback position in milliseconds.
func (p *Player) CurrentOffset() int64 {
	return p.req.CurrentOffset()
}

// Destroy stops playback and destroys the codecs and the HTTP source.
func (p *Player) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if serr := p.stopLocked(); serr != nil && !errors.Is(serr, ErrNotPlaying) {
		err = multierr.Append(err, serr)
	}

	p.out.Abort()
	p.httpRing.Abort()
	err = multierr.Append(err, p.http.Destroy())

	p.codecMu.Lock()
	codecs := p.codecs
	p.codecs = make(map[codec.Type]pipeline.Codec)
	p.codecMu.Unlock()
	for t, c := range codecs {
		if derr := c.Destroy(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy %s codec: %w", t, derr))
		}
	}
	return err
}
