// Package stream holds the pipeline endpoints: an HTTP source and a sink
// that copies PCM into an io.Writer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"voxpipe/pipeline"
)

// ErrStatus is returned for responses outside the 2xx range.
var ErrStatus = errors.New("unexpected http status")

const readChunk = 4096

// HTTP streams the body of a GET request into its write callback.
//
// After connecting it emits EventStarted and then EventCustomData with the
// negotiated content type, so a player can pick a codec before the first
// byte reaches it.
type HTTP struct {
	pipeline.Runner

	mu     sync.Mutex
	client *http.Client
	url    string
	offset int64
	write  pipeline.WriteFunc

	log *slog.Logger
}

// NewHTTP returns an HTTP source using client, or http.DefaultClient when
// client is nil.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		client: client,
		log:    slog.With("component", "http-stream"),
	}
}

// SetURL sets the resource to fetch on the next Start. A positive offset is
// requested with a Range header.
func (h *HTTP) SetURL(url string, offset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url = url
	h.offset = offset
}

func (h *HTTP) Init(_ pipeline.ReadFunc, write pipeline.WriteFunc, events pipeline.EventFunc) error {
	if write == nil {
		return errors.New("http stream needs a write callback")
	}
	h.mu.Lock()
	h.write = write
	h.mu.Unlock()
	h.Bind(h, events)
	return nil
}

func (h *HTTP) Start() error {
	h.mu.Lock()
	url, offset, write := h.url, h.offset, h.write
	h.mu.Unlock()

	if url == "" {
		return errors.New("http stream has no url")
	}
	return h.Run(func(ctx context.Context) error {
		return h.fetch(ctx, url, offset, write)
	})
}

func (h *HTTP) fetch(ctx context.Context, url string, offset int64, write pipeline.WriteFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	h.log.Debug("Connecting", "url", url, "offset", offset)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}

	meta := pipeline.StreamMeta{Length: resp.ContentLength}
	if resp.StatusCode == http.StatusPartialContent {
		meta.Offset = offset
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			h.log.Warn("Unparseable content type", "content_type", ct, "error", err)
			mediaType = ct
		}
		meta.ContentType = mediaType
		meta.Params = params
	}

	h.Emit(pipeline.Event{Type: pipeline.EventStarted})
	h.Emit(pipeline.Event{Type: pipeline.EventCustomData, Meta: meta})

	buf := make([]byte, readChunk)
	for {
		if err := h.Gate(ctx); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := pipeline.WriteAll(ctx, write, buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			h.log.Debug("Stream finished", "url", url)
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read body: %w", rerr)
		}
	}
}

// NewHTTPWithTimeout returns an HTTP source that gives up when the server
// does not send response headers within timeout.
func NewHTTPWithTimeout(timeout time.Duration) *HTTP {
	return NewHTTP(HeaderTimeoutClient(timeout))
}

// HeaderTimeoutClient bounds the wait for response headers only; a body
// may stream for as long as the server sends it. Zero means no limit.
func HeaderTimeoutClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		},
	}
}
