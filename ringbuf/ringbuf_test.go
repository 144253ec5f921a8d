package ringbuf

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/256)
	}
	return p
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  bool
	}{
		{name: "valid", capacity: 16},
		{name: "zero", capacity: 0, wantErr: true},
		{name: "negative", capacity: -4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.capacity)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrResourceExhausted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.capacity, r.Capacity())
			assert.Equal(t, tt.capacity, r.Available())
			assert.Equal(t, 0, r.Filled())
		})
	}
}

func TestRing_BackpressureWithoutLoss(t *testing.T) {
	for _, total := range []int{1, 63, 64, 65, 4096, 10007} {
		r, err := New(64)
		require.NoError(t, err)

		src := pattern(total)
		go func() {
			for off := 0; off < len(src); off += 100 {
				end := min(off+100, len(src))
				if _, err := r.Write(src[off:end], Forever); err != nil {
					return
				}
			}
			r.SignalWriterFinished()
		}()

		var got bytes.Buffer
		buf := make([]byte, 37)
		for {
			n, err := r.Read(buf, Forever)
			got.Write(buf[:n])
			if errors.Is(err, ErrDone) {
				break
			}
			require.NoError(t, err)
		}
		assert.Equal(t, src, got.Bytes(), "total=%d", total)
	}
}

func TestRing_WriteTimeoutIsPartial(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	n, err := r.Write(pattern(12), 10*time.Millisecond)
	assert.Equal(t, 8, n)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, r.Available())

	n, err = r.Write([]byte{1}, 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRing_ReadTimeout(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	start := time.Now()
	n, err := r.Read(make([]byte, 4), 20*time.Millisecond)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestRing_AbortIsIdempotentUntilReset(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 4), Forever)
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		r.Abort()
	}

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not released by Abort")
	}

	for i := 0; i < 3; i++ {
		_, err = r.Read(make([]byte, 1), Forever)
		assert.ErrorIs(t, err, ErrAborted)
		_, err = r.Write([]byte{1}, Forever)
		assert.ErrorIs(t, err, ErrAborted)
	}
	assert.True(t, r.Aborted())

	r.Reset()
	assert.False(t, r.Aborted())
	n, err := r.Write([]byte{1, 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRing_AbortReleasesBlockedWriter(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	done := make(chan struct{})
	var n int
	go func() {
		n, err = r.Write(pattern(10), Forever)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	r.AbortWrite()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not released")
	}
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, ErrAborted)

	// The read side is still usable.
	got := make([]byte, 4)
	rn, rerr := r.Read(got, 0)
	require.NoError(t, rerr)
	assert.Equal(t, pattern(4), got[:rn])
}

func TestRing_WriterFinished(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	_, err = r.Write([]byte("hello"), 0)
	require.NoError(t, err)
	r.SignalWriterFinished()

	_, err = r.Write([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrDone)

	buf := make([]byte, 16)
	n, err := r.Read(buf, Forever)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = r.Read(buf, Forever)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrDone)
}

func TestRing_WakeupReader(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	res := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 4), Forever)
		res <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.WakeupReader()

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrWakeup)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken up")
	}

	// The wakeup is consumed.
	_, err = r.Read(make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRing_AnchorRoundTrip(t *testing.T) {
	r, err := New(64)
	require.NoError(t, err)

	first, second := pattern(10), pattern(20)[10:]
	_, err = r.Write(first, 0)
	require.NoError(t, err)

	mark := []byte("resume-here")
	require.NoError(t, r.PutAnchorAtCurrent(mark))
	mark[0] = 'X'

	_, err = r.Write(second, 0)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := r.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, first, buf[:n], "data must stop at the anchor")

	_, err = r.Read(buf, 0)
	assert.ErrorIs(t, err, ErrAnchor)
	assert.Equal(t, int64(10), r.ReadTotal())

	got, err := r.GetAnchor()
	require.NoError(t, err)
	assert.Equal(t, []byte("resume-here"), got)

	_, err = r.GetAnchor()
	assert.ErrorIs(t, err, ErrNoAnchor)

	n, err = r.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, second, buf[:n])
}

func TestRing_AnchorOrdering(t *testing.T) {
	r, err := New(64)
	require.NoError(t, err)

	require.NoError(t, r.PutAnchor([]byte("b"), 4))
	require.NoError(t, r.PutAnchor([]byte("a"), 2))
	require.NoError(t, r.PutAnchor([]byte("b2"), 4))
	assert.Equal(t, 3, r.PendingAnchors())

	_, err = r.Write(pattern(6), 0)
	require.NoError(t, err)

	var seen []string
	buf := make([]byte, 64)
	for len(seen) < 3 {
		_, err := r.Read(buf, 0)
		if errors.Is(err, ErrAnchor) {
			a, err := r.GetAnchor()
			require.NoError(t, err)
			seen = append(seen, string(a))
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "b2"}, seen)
	assert.ErrorIs(t, r.PutAnchor([]byte("late"), 1), ErrInvalidAnchor)
}

func TestRing_ResetClearsEverything(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	_, err = r.Write(pattern(8), 0)
	require.NoError(t, err)
	require.NoError(t, r.PutAnchorAtCurrent([]byte("x")))
	r.SignalWriterFinished()

	r.Reset()
	assert.Equal(t, 0, r.Filled())
	assert.Equal(t, 0, r.PendingAnchors())
	assert.Equal(t, int64(0), r.WriteTotal())

	_, err = r.Write([]byte{1}, 0)
	assert.NoError(t, err)
}

func TestRing_IOAdapters(t *testing.T) {
	r, err := New(32)
	require.NoError(t, err)

	src := pattern(500)
	go func() {
		_, _ = io.Copy(r.Writer(Forever), bytes.NewReader(src))
		r.SignalWriterFinished()
	}()

	got, err := io.ReadAll(r.Reader(Forever))
	require.NoError(t, err)
	assert.Equal(t, src, got)
}
