package db

import (
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	defMinSize     = 4 * kiB
	defMaxSize     = 512 * kiB
	defAverageBits = 16 // 64 KiB average chunk size
)

// Rabin configures restic's content-defined chunker.  Zero fields get
// the defaults, and a zero Poly a random polynomial; a store keeps its
// polynomial in config.json so every release splits the same way.
type Rabin struct {
	Poly        resticRabin.Pol
	C           *resticRabin.Chunker
	MinSize     uint
	MaxSize     uint
	AverageBits int
}

func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.AverageBits == 0 {
		c.AverageBits = defAverageBits
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
	c.C.SetAverageBits(c.AverageBits)
}

// Next returns the next chunk.  chunk.Data shares memory with buf, so
// it is only good until the next call.  After the last chunk Next
// returns io.EOF.
func (c *Rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}
