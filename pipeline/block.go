package pipeline

import (
	"time"

	"voxpipe/ringbuf"
)

// Kind tags a pipeline block.
type Kind int

const (
	// KindStream wraps a Stream element.
	KindStream Kind = iota
	// KindCodec wraps a Codec element.
	KindCodec
	// KindCustom is an application read callback feeding the next block
	// directly, without a ring.
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindCodec:
		return "codec"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Block is one stage of a pipeline together with its output ring.
type Block struct {
	kind  Kind
	elem  Element
	ring  *ringbuf.Ring
	read  ReadFunc
	write WriteFunc
	input ReadFunc
}

// Kind reports what the block wraps.
func (b *Block) Kind() Kind { return b.kind }

// Element returns the wrapped element, nil for a custom block.
func (b *Block) Element() Element { return b.elem }

// Ring returns the output ring, nil for the last block and custom blocks.
func (b *Block) Ring() *ringbuf.Ring { return b.ring }

// output is the read end the next block is wired to.
func (b *Block) output() ReadFunc {
	if b.kind == KindCustom {
		return func(p []byte, wait time.Duration) (int, error) {
			return b.input(p, wait)
		}
	}
	return b.ring.Read
}
