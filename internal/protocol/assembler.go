package protocol

import (
	"bytes"
	"fmt"
)

// Assembler accumulates accepted chunk data into one contiguous buffer that
// never grows past its limit.
type Assembler struct {
	buf    bytes.Buffer
	limit  int
	chunks int
}

// NewAssembler returns an Assembler capped at limit bytes. A non-positive
// limit means MaxTotalSize.
func NewAssembler(limit int) *Assembler {
	if limit <= 0 {
		limit = MaxTotalSize
	}
	return &Assembler{limit: limit}
}

// Fits reports whether n more bytes can be appended.
func (a *Assembler) Fits(n int) bool {
	return n >= 0 && a.buf.Len()+n <= a.limit
}

// Append adds chunk data. It fails without modifying the buffer if the
// result would exceed the limit.
func (a *Assembler) Append(data []byte) error {
	if !a.Fits(len(data)) {
		return NewError(KindProtocol, "assemble",
			fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrTotalTooLarge, a.buf.Len(), len(data), a.limit))
	}
	if a.buf.Cap() == 0 && len(data) > 0 {
		a.buf.Grow(len(data))
	}
	a.buf.Write(data)
	a.chunks++
	return nil
}

// Len returns the number of bytes assembled so far.
func (a *Assembler) Len() int {
	return a.buf.Len()
}

// Chunks returns the number of chunks appended.
func (a *Assembler) Chunks() int {
	return a.chunks
}

// Bytes returns the assembled payload. The Assembler must not be used after.
func (a *Assembler) Bytes() []byte {
	return a.buf.Bytes()
}
