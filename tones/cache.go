// Package tones keeps short prompt sounds decoded in memory and plays them
// through the mixer's tone slot.
package tones

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/generators"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
	"go.uber.org/multierr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"voxpipe/dsp"
)

// ErrUnknownTone is returned for names not in the cache.
var ErrUnknownTone = errors.New("unknown tone")

// Built-in tone names.
const (
	Chime = "chime"
	Ack   = "ack"
	Error = "error"
)

// Tone is a decoded sound at the cache rate.
type Tone struct {
	Name   string
	Buffer *beep.Buffer
}

// Duration is the playing time of the tone.
func (t *Tone) Duration() time.Duration {
	return t.Buffer.Format().SampleRate.D(t.Buffer.Len())
}

// Cache holds decoded tones, all resampled to one rate.
type Cache struct {
	mu    sync.RWMutex
	tones map[string]*Tone
	rate  beep.SampleRate

	log *slog.Logger
}

// NewCache returns a cache at rate holding the built-in tones.
func NewCache(rate int) (*Cache, error) {
	c := &Cache{
		tones: make(map[string]*Tone),
		rate:  beep.SampleRate(rate),
		log:   slog.With("component", "tones"),
	}
	if err := c.synthesize(); err != nil {
		return nil, err
	}
	return c, nil
}

type note struct {
	freq float64
	dur  time.Duration
}

func (c *Cache) synthesize() error {
	builtins := map[string][]note{
		Chime: {{880, 120 * time.Millisecond}, {1320, 180 * time.Millisecond}},
		Ack:   {{1000, 80 * time.Millisecond}},
		Error: {{440, 150 * time.Millisecond}, {0, 50 * time.Millisecond}, {330, 250 * time.Millisecond}},
	}
	for name, notes := range builtins {
		parts := make([]beep.Streamer, 0, len(notes))
		for _, n := range notes {
			if n.freq == 0 {
				parts = append(parts, generators.Silence(c.rate.N(n.dur)))
				continue
			}
			sine, err := generators.SineTone(c.rate, n.freq)
			if err != nil {
				return fmt.Errorf("tone %s: %w", name, err)
			}
			parts = append(parts, beep.Take(c.rate.N(n.dur), sine))
		}
		// Half amplitude.
		quiet := &effects.Volume{Streamer: beep.Seq(parts...), Base: 2, Volume: -1}
		c.store(name, quiet, beep.Format{SampleRate: c.rate, NumChannels: 2, Precision: 2})
	}
	return nil
}

func (c *Cache) store(name string, s beep.Streamer, format beep.Format) {
	if format.SampleRate != c.rate {
		s = beep.Resample(4, format.SampleRate, c.rate, s)
		format.SampleRate = c.rate
	}
	buf := beep.NewBuffer(format)
	buf.Append(s)

	c.mu.Lock()
	c.tones[name] = &Tone{Name: name, Buffer: buf}
	c.mu.Unlock()
}

// LoadDir decodes every mp3 and wav file in dir. A tone is named after its
// file, see Name. Files that fail to decode are reported and skipped.
func (c *Cache) LoadDir(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read tone directory: %w", err)
	}

	var errs error
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := path.Join(dir, entry.Name())
		if err := c.loadFile(fsys, file); err != nil {
			c.log.Warn("Failed to preload tone", "file", file, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		loaded++
	}
	c.log.Info("Preloading complete", "dir", dir, "loaded", loaded)
	return errs
}

func (c *Cache) loadFile(fsys fs.FS, file string) error {
	f, err := fsys.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", file, err)
	}
	defer f.Close()
	return c.Load(Name(file), f, path.Ext(file))
}

// Load decodes r as the container named by ext (".mp3" or ".wav") and
// stores it under name.
func (c *Cache) Load(name string, r io.Reader, ext string) error {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch strings.ToLower(ext) {
	case ".mp3":
		s, format, err = mp3.Decode(rc)
	case ".wav":
		s, format, err = wav.Decode(r)
	default:
		return fmt.Errorf("%w: %q", dsp.ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	defer s.Close()

	c.store(name, s, format)
	c.log.Debug("Loaded tone", "name", name, "rate", format.SampleRate, "channels", format.NumChannels)
	return nil
}

// Get returns the tone called name.
func (c *Cache) Get(name string) (*Tone, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tones[name]
	return t, ok
}

func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tones))
	for name := range c.tones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info is the PCM format of PCM.
func (c *Cache) Info() dsp.AudioInfo {
	return dsp.AudioInfo{SampleRate: int(c.rate), Channels: 2, BitsPerSample: 16}
}

// PCM renders the tone called name as stereo PCM16 at the cache rate.
func (c *Cache) PCM(name string) ([]byte, error) {
	t, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTone, name)
	}

	s := t.Buffer.Streamer(0, t.Buffer.Len())
	out := make([]byte, 0, t.Buffer.Len()*4)
	frames := make([][2]float64, 512)
	for {
		n, ok := s.Stream(frames)
		out = dsp.AppendFrames(out, frames[:n])
		if !ok {
			break
		}
	}
	return out, nil
}

// Name derives a tone name from a file path: the base name without
// extension, lower cased, accents removed and spaces turned into dashes.
func Name(file string) string {
	base := strings.TrimSuffix(path.Base(file), path.Ext(file))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := transform.String(t, base)
	if err != nil {
		ascii = base
	}
	ascii = strings.ToLower(strings.TrimSpace(ascii))
	return strings.Join(strings.Fields(ascii), "-")
}
