package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/audio/pcm"
	"github.com/disgoorg/snowflake/v2"

	"voxpipe/dsp"
	"voxpipe/ringbuf"
)

// ErrAlreadyClosed is returned when a packet source is closed twice.
var ErrAlreadyClosed = errors.New("already closed")

// PacketSource is a requester fed with decoded PCM packets, for sources
// that push audio such as a Bluetooth sink or a voice connection. Its
// receive side matches the pcm frame receiver contract, so it can sit
// behind pcm.NewPCMOpusReceiver.
type PacketSource struct {
	*Requester

	packets chan *pcm.Packet
	wake    chan struct{}
	closed  chan struct{}

	mu    sync.Mutex
	users map[snowflake.ID]bool
	done  bool

	readMu  sync.Mutex
	pending []byte
}

// NewPacketSource returns a source buffering up to queue packets.
func NewPacketSource(name string, info dsp.AudioInfo, queue int) *PacketSource {
	s := &PacketSource{
		packets: make(chan *pcm.Packet, queue),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		users:   make(map[snowflake.ID]bool),
	}
	s.Requester = NewRequester(name, info, s.read, s.wakeup)
	return s
}

// ReceivePCMFrame queues a packet. It blocks while the queue is full.
func (s *PacketSource) ReceivePCMFrame(userID snowflake.ID, packet *pcm.Packet) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.users[userID] = true
	s.mu.Unlock()

	select {
	case s.packets <- packet:
		return nil
	case <-s.closed:
		return ErrAlreadyClosed
	}
}

// CleanupUser forgets a sender.
func (s *PacketSource) CleanupUser(userID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// Users returns the number of senders seen since the last cleanup.
func (s *PacketSource) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Close ends the stream. Queued packets are still served.
func (s *PacketSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.closed)
}

func (s *PacketSource) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PacketSource) read(p []byte, wait time.Duration) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) == 0 {
		packet, err := s.next(wait)
		if err != nil {
			return 0, err
		}
		s.pending = dsp.AppendBytes(s.pending[:0], packet.PCM)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// next waits up to wait for a packet.
func (s *PacketSource) next(wait time.Duration) (*pcm.Packet, error) {
	select {
	case packet := <-s.packets:
		return packet, nil
	default:
	}
	if wait == 0 {
		select {
		case <-s.closed:
			return nil, ringbuf.ErrDone
		default:
			return nil, ringbuf.ErrTimeout
		}
	}

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case packet := <-s.packets:
		return packet, nil
	case <-s.wake:
		return nil, ringbuf.ErrWakeup
	case <-s.closed:
		select {
		case packet := <-s.packets:
			return packet, nil
		default:
			return nil, ringbuf.ErrDone
		}
	case <-timeout:
		return nil, ringbuf.ErrTimeout
	}
}
