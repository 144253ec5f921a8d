package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"voxpipe/ringbuf"
)

var (
	// ErrInvalidTransition is returned for a state change the current
	// state does not allow.
	ErrInvalidTransition = errors.New("invalid pipeline transition")
	// ErrResourceExhausted is returned when a pipeline cannot be built.
	ErrResourceExhausted = errors.New("pipeline resources exhausted")
	// ErrNoBlock is returned when a replacement targets a block the
	// pipeline does not have.
	ErrNoBlock = errors.New("no such pipeline block")
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("pipeline destroyed")
)

// DefaultBufferSize is the capacity of each ring between two blocks.
const DefaultBufferSize = 16 * 1024

// State of a pipeline.
type State int

const (
	StateInited State = iota
	StateStarted
	StatePaused
	StateResumed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateStarted:
		return "started"
	case StatePaused:
		return "paused"
	case StateResumed:
		return "resumed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) active() bool {
	return s == StateStarted || s == StatePaused || s == StateResumed
}

// Config describes the chain to build. Exactly one of Input and InputFunc
// must be set.
type Config struct {
	Input     Stream
	InputFunc ReadFunc
	Codec     Codec
	Output    Stream

	// BufferSize is the capacity of each internal ring.
	BufferSize int
}

// Pipeline is a chain of blocks in signal order.
//
// Transitions are serialised by opMu and never run concurrently. mu guards
// the state and the block list; element event handlers only take mu, so an
// element may be stopped or waited for while a transition is in flight.
type Pipeline struct {
	opMu sync.Mutex

	mu        sync.Mutex
	blocks    []*Block
	state     State
	callback  EventFunc
	destroyed bool

	bufferSize int
	log        *slog.Logger
}

// New builds the blocks and the rings between them and initialises every
// element. On failure everything created so far is destroyed.
func New(cfg Config) (*Pipeline, error) {
	if (cfg.Input == nil) == (cfg.InputFunc == nil) {
		return nil, fmt.Errorf("%w: exactly one input is required", ErrResourceExhausted)
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("%w: output stream is required", ErrResourceExhausted)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	p := &Pipeline{
		state:      StateInited,
		bufferSize: cfg.BufferSize,
		log:        slog.With("component", "pipeline"),
	}

	if cfg.Input != nil {
		p.blocks = append(p.blocks, &Block{kind: KindStream, elem: cfg.Input})
	} else {
		p.blocks = append(p.blocks, &Block{kind: KindCustom, input: cfg.InputFunc})
	}
	if cfg.Codec != nil {
		p.blocks = append(p.blocks, &Block{kind: KindCodec, elem: cfg.Codec})
	}
	p.blocks = append(p.blocks, &Block{kind: KindStream, elem: cfg.Output})

	if err := p.wire(); err != nil {
		p.teardown()
		return nil, err
	}
	return p, nil
}

// wire creates the ring on every internal edge and initialises the elements
// with their read and write ends.
func (p *Pipeline) wire() error {
	for i, b := range p.blocks {
		if i < len(p.blocks)-1 && b.kind != KindCustom {
			ring, err := ringbuf.New(p.bufferSize)
			if err != nil {
				return fmt.Errorf("%w: block %d ring: %v", ErrResourceExhausted, i, err)
			}
			b.ring = ring
			b.write = ring.Write
		}
		if i > 0 {
			b.read = p.blocks[i-1].output()
		}
	}
	for i, b := range p.blocks {
		if b.elem == nil {
			continue
		}
		if err := b.elem.Init(b.read, b.write, p.handler(b)); err != nil {
			return fmt.Errorf("%w: init block %d (%s): %v", ErrResourceExhausted, i, b.kind, err)
		}
	}
	return nil
}

// destroyMarker is implemented by elements embedding Runner.
type destroyMarker interface {
	MarkDestroyed()
}

// teardown marks every run destroyed before any ring is aborted, so no
// element mistakes the abort for a normal stop.
func (p *Pipeline) teardown() error {
	var err error
	for _, b := range p.blocks {
		if m, ok := b.elem.(destroyMarker); ok {
			m.MarkDestroyed()
		}
	}
	for _, b := range p.blocks {
		if b.ring != nil {
			b.ring.Abort()
		}
	}
	for _, b := range p.blocks {
		if b.elem != nil {
			err = multierr.Append(err, b.elem.Destroy())
		}
	}
	return err
}

// RegisterEventCallback sets the function every element event is
// forwarded to.
func (p *Pipeline) RegisterEventCallback(fn EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Blocks returns the blocks in signal order.
func (p *Pipeline) Blocks() []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Block(nil), p.blocks...)
}

// Start moves INITED or STOPPED to STARTED. Elements left over from a
// previous run are stopped and waited for, the rings are reset and the
// blocks are started from the sink back to the source so every consumer is
// ready before its producer.
func (p *Pipeline) Start() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("start", StateInited, StateStopped)
	if err != nil {
		return err
	}

	for _, b := range blocks {
		if b.elem != nil {
			b.elem.Stop()
		}
		if b.ring != nil {
			b.ring.Abort()
		}
	}
	for _, b := range blocks {
		if w, ok := b.elem.(Waiter); ok {
			w.Wait()
		}
	}
	for _, b := range blocks {
		if b.ring != nil {
			b.ring.Reset()
		}
	}

	p.setState(StateStarted)
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.elem == nil {
			continue
		}
		if err := b.elem.Start(); err != nil {
			for _, started := range blocks[i+1:] {
				if started.elem != nil {
					started.elem.Stop()
				}
			}
			p.setState(StateStopped)
			return fmt.Errorf("start %s block: %w", b.kind, err)
		}
	}
	p.log.Debug("Pipeline started", "blocks", len(blocks))
	return nil
}

// Pause pauses the block nearest the sink. Upstream blocks keep producing
// until their output ring is full.
func (p *Pipeline) Pause() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("pause", StateStarted, StateResumed)
	if err != nil {
		return err
	}
	if err := blocks[len(blocks)-1].elem.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	p.setState(StatePaused)
	return nil
}

// Resume resumes the block nearest the sink.
func (p *Pipeline) Resume() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("resume", StatePaused)
	if err != nil {
		return err
	}
	if err := blocks[len(blocks)-1].elem.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	p.setState(StateResumed)
	return nil
}

// Stop stops the first stream or codec block. The rest of the chain drains
// what is buffered and stops on its own.
func (p *Pipeline) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("stop", StateStarted, StateResumed)
	if err != nil {
		return err
	}

	for _, b := range blocks {
		if b.kind == KindStream || b.kind == KindCodec {
			if err := b.elem.Stop(); err != nil {
				return fmt.Errorf("stop %s block: %w", b.kind, err)
			}
			break
		}
	}
	p.setState(StateStopped)
	return nil
}

// SetInputStream replaces the source. Allowed in INITED and STOPPED only.
func (p *Pipeline) SetInputStream(s Stream) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("set input stream", StateInited, StateStopped)
	if err != nil {
		return err
	}

	head, next := blocks[0], blocks[1]
	if head.kind == KindStream {
		return p.replace(head, s)
	}

	ring, err := ringbuf.New(p.bufferSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	nb := &Block{kind: KindStream, elem: s, ring: ring, write: ring.Write}
	if err := s.Init(nil, nb.write, p.handler(nb)); err != nil {
		return fmt.Errorf("init input stream: %w", err)
	}
	next.read = nb.output()
	if err := next.elem.Init(next.read, next.write, p.handler(next)); err != nil {
		return fmt.Errorf("rewire %s block: %w", next.kind, err)
	}

	p.mu.Lock()
	p.blocks[0] = nb
	p.mu.Unlock()
	return nil
}

// SetInputCallback makes the pipeline pull its input from fn instead of a
// source stream. Allowed in INITED and STOPPED only.
func (p *Pipeline) SetInputCallback(fn ReadFunc) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("set input callback", StateInited, StateStopped)
	if err != nil {
		return err
	}

	head, next := blocks[0], blocks[1]
	if head.kind == KindCustom {
		head.input = fn
		return nil
	}

	nb := &Block{kind: KindCustom, input: fn}
	next.read = nb.output()
	if err := next.elem.Init(next.read, next.write, p.handler(next)); err != nil {
		return fmt.Errorf("rewire %s block: %w", next.kind, err)
	}

	p.mu.Lock()
	p.blocks[0] = nb
	p.mu.Unlock()

	head.ring.Abort()
	if err := head.elem.Destroy(); err != nil {
		p.log.Warn("Failed to destroy replaced input stream", "error", err)
	}
	return nil
}

// SetCodec replaces the codec. Allowed in INITED and STOPPED only.
func (p *Pipeline) SetCodec(c Codec) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	blocks, err := p.check("set codec", StateInited, StateStopped)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b.kind == KindCodec {
			return p.replace(b, c)
		}
	}
	return fmt.Errorf("%w: codec", ErrNoBlock)
}

// replace initialises elem with the wiring of b and destroys the element it
// replaces.
func (p *Pipeline) replace(b *Block, elem Element) error {
	if err := elem.Init(b.read, b.write, p.handler(b)); err != nil {
		return fmt.Errorf("init %s block: %w", b.kind, err)
	}

	p.mu.Lock()
	old := b.elem
	b.elem = elem
	p.mu.Unlock()

	if err := old.Destroy(); err != nil {
		p.log.Warn("Failed to destroy replaced element", "kind", b.kind, "error", err)
	}
	return nil
}

// Destroy stops every block, destroys the elements and releases the rings.
func (p *Pipeline) Destroy() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.state = StateStopped
	p.mu.Unlock()

	return p.teardown()
}

// check validates a transition and returns a snapshot of the blocks.
func (p *Pipeline) check(op string, allowed ...State) ([]*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrDestroyed
	}
	for _, s := range allowed {
		if p.state == s {
			return append([]*Block(nil), p.blocks...), nil
		}
	}
	p.log.Warn("Rejected pipeline transition", "op", op, "state", p.state)
	return nil, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, p.state)
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// handler mirrors element events into the pipeline state and forwards
// them. A finished block marks its output ring as complete so downstream
// drains and stops; a failure aborts every ring.
func (p *Pipeline) handler(b *Block) EventFunc {
	return func(e Event) {
		p.mu.Lock()
		if e.Source != nil && e.Source != b.elem {
			// Late event from a replaced element.
			p.mu.Unlock()
			return
		}
		if e.Type.Terminal() {
			p.finishLocked(b, e)
		}
		cb := p.callback
		p.mu.Unlock()

		if cb != nil {
			cb(e)
		}
	}
}

func (p *Pipeline) finishLocked(b *Block, e Event) {
	idx := -1
	for i, blk := range p.blocks {
		if blk == b {
			idx = i
		}
	}
	if idx < 0 {
		return
	}

	if e.Type == EventFailed {
		p.log.Error("Pipeline block failed", "kind", b.kind, "error", e.Err)
		for _, blk := range p.blocks {
			if blk.ring != nil {
				blk.ring.Abort()
			}
		}
	} else {
		if b.ring != nil {
			b.ring.SignalWriterFinished()
		}
		if idx > 0 && p.blocks[idx-1].ring != nil {
			p.blocks[idx-1].ring.Abort()
		}
	}

	if p.state.active() {
		p.log.Debug("Pipeline stopped by block event", "kind", b.kind, "event", e.Type)
		p.state = StateStopped
	}
}
