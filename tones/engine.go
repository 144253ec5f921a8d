package tones

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"voxpipe/playback"
	"voxpipe/ringbuf"
)

// Player is the mixer slot tones are played through.
type Player interface {
	PlayTone(r *playback.Requester)
}

// Engine plays cached tones.
type Engine struct {
	cache  *Cache
	player Player
	played atomic.Int64

	log *slog.Logger
}

func NewEngine(cache *Cache, player Player) *Engine {
	return &Engine{
		cache:  cache,
		player: player,
		log:    slog.With("component", "tone-engine"),
	}
}

// Play interrupts the foreground source with the tone called name. The
// returned requester is done once the mixer has read it to the end.
func (e *Engine) Play(name string) (*playback.Requester, error) {
	pcm, err := e.cache.PCM(name)
	if err != nil {
		return nil, err
	}

	r := newToneRequester(name, pcm, e.cache)
	e.played.Inc()
	e.log.Debug("Playing tone", "name", name, "bytes", len(pcm))
	e.player.PlayTone(r)
	return r, nil
}

// Played is the number of tones started.
func (e *Engine) Played() int64 {
	return e.played.Load()
}

func newToneRequester(name string, pcm []byte, cache *Cache) *playback.Requester {
	src := bytes.NewReader(pcm)
	read := func(p []byte, _ time.Duration) (int, error) {
		n, err := src.Read(p)
		if errors.Is(err, io.EOF) {
			return 0, ringbuf.ErrDone
		}
		return n, err
	}
	return playback.NewRequester("tone:"+name, cache.Info(), read, nil)
}
