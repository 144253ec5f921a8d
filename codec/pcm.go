package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"voxpipe/dsp"
	"voxpipe/pipeline"
	"voxpipe/ringbuf"
)

// PCM passes raw 16-bit PCM through unchanged apart from byte order. It
// announces its format with EventSetFreq before the first byte is written.
type PCM struct {
	pipeline.Runner

	mu        sync.Mutex
	info      dsp.AudioInfo
	bigEndian bool
	offsetMs  int
	read      pipeline.ReadFunc
	write     pipeline.WriteFunc

	log *slog.Logger
}

// NewPCM returns a passthrough codec for little-endian PCM of the given
// format.
func NewPCM(info dsp.AudioInfo) *PCM {
	return &PCM{
		info: info,
		log:  slog.With("component", "pcm-codec"),
	}
}

// SetFormat sets the format of the next run.
func (c *PCM) SetFormat(info dsp.AudioInfo, bigEndian bool) error {
	if err := info.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
	c.bigEndian = bigEndian
	return nil
}

// SetFormatFromContentType configures the codec from a negotiated content
// type. audio/L16 is network byte order; rate and channels default to the
// current format when absent.
func (c *PCM) SetFormatFromContentType(contentType string, params map[string]string) error {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()

	if info.BitsPerSample == 0 {
		info.BitsPerSample = 16
	}
	if v, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: rate %q", dsp.ErrUnsupportedFormat, v)
		}
		info.SampleRate = rate
	}
	if v, ok := params["channels"]; ok {
		ch, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: channels %q", dsp.ErrUnsupportedFormat, v)
		}
		info.Channels = ch
	}
	return c.SetFormat(info, strings.EqualFold(contentType, "audio/l16"))
}

func (c *PCM) Format() dsp.AudioInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SetOffset drops the first ms milliseconds of the next run.
func (c *PCM) SetOffset(ms int) error {
	if ms < 0 {
		return errors.New("negative offset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs = ms
	return nil
}

func (c *PCM) Init(read pipeline.ReadFunc, write pipeline.WriteFunc, events pipeline.EventFunc) error {
	c.mu.Lock()
	c.read = read
	c.write = write
	c.mu.Unlock()
	c.Bind(c, events)
	return nil
}

func (c *PCM) Start() error {
	c.mu.Lock()
	info, bigEndian, offset := c.info, c.bigEndian, c.offsetMs
	read, write := c.read, c.write
	c.offsetMs = 0
	c.mu.Unlock()

	if read == nil || write == nil {
		return errors.New("pcm codec is not initialised")
	}
	return c.Run(func(ctx context.Context) error {
		return c.decode(ctx, info, bigEndian, info.MillisToBytes(int64(offset)), read, write)
	})
}

func (c *PCM) decode(ctx context.Context, info dsp.AudioInfo, bigEndian bool, skip int64, read pipeline.ReadFunc, write pipeline.WriteFunc) error {
	if err := info.Validate(); err != nil {
		return err
	}
	c.Emit(pipeline.Event{Type: pipeline.EventStarted})
	c.Emit(pipeline.Event{Type: pipeline.EventSetFreq, Info: info})
	c.log.Debug("Decoding", "format", info, "skip", skip, "big_endian", bigEndian)

	buf := make([]byte, 1024)
	// carry holds the first byte of a sample split across reads.
	carry := -1
	for {
		if err := c.Gate(ctx); err != nil {
			return err
		}
		start := 0
		if carry >= 0 {
			buf[0] = byte(carry)
			start = 1
		}
		n, err := pipeline.Read(ctx, read, buf[start:])
		if errors.Is(err, ringbuf.ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		n += start

		carry = -1
		if n%2 == 1 {
			carry = int(buf[n-1])
			n--
		}
		out := buf[:n]
		if bigEndian {
			for i := 0; i+1 < len(out); i += 2 {
				out[i], out[i+1] = out[i+1], out[i]
			}
		}
		if skip > 0 {
			drop := min(skip, int64(len(out)))
			out = out[drop:]
			skip -= drop
		}
		if len(out) == 0 {
			continue
		}
		if err := pipeline.WriteAll(ctx, write, out); err != nil {
			return err
		}
	}
}
