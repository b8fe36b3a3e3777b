package ber

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/oid"
)

// Buffer is a fixed-capacity encode target. Each Encode call replaces the
// whole content; a call that would not fit returns ErrCapacity and leaves
// the previous content intact.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer allocates a Buffer that can never hold more than capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Len returns the encoded length.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the encoded TLV. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Reset drops the content.
func (b *Buffer) Reset() { b.n = 0 }

func (b *Buffer) fits(op string, size int) error {
	if size > len(b.data) {
		return capacityError(op, fmt.Errorf("%w: need %d bytes, have %d", ErrCapacity, size, len(b.data)))
	}
	return nil
}

func (b *Buffer) commit(encoded []byte) {
	b.n = len(encoded)
}

// EncodeInteger writes v as an INTEGER.
func EncodeInteger(b *Buffer, v int32) error {
	if err := b.fits("integer", 2+IntegerSize(v)); err != nil {
		return err
	}
	b.commit(AppendInteger(b.data[:0], v))
	return nil
}

// EncodeUnsigned writes v as Counter32, Gauge32 or TimeTicks depending on tag.
func EncodeUnsigned(b *Buffer, tag byte, v uint32) error {
	if err := b.fits("unsigned", 2+UnsignedSize(v)); err != nil {
		return err
	}
	b.commit(AppendUnsigned(b.data[:0], tag, v))
	return nil
}

// EncodeOctetString writes s as an OCTET STRING.
func EncodeOctetString(b *Buffer, s []byte) error {
	if s == nil {
		return invalidError("octet string", ErrNilValue)
	}

	hdr, err := LengthHeaderSize(len(s))
	if err != nil {
		return capacityError("octet string", ErrLengthOverflow)
	}
	if err := b.fits("octet string", 1+hdr+len(s)); err != nil {
		return err
	}

	encoded, err := AppendOctetString(b.data[:0], s)
	if err != nil {
		return err
	}
	b.commit(encoded)
	return nil
}

// EncodeOID writes o as an OBJECT IDENTIFIER.
func EncodeOID(b *Buffer, o oid.OID) error {
	if o == nil {
		return invalidError("oid", ErrNilValue)
	}

	size, err := o.WireLength()
	if err != nil {
		if n, cerr := o.ContentLength(); cerr == nil && n > MaxLength {
			return capacityError("oid", ErrLengthOverflow)
		}
		return invalidError("oid", fmt.Errorf("%w: %v", ErrInvalidOID, err))
	}
	if err := b.fits("oid", size); err != nil {
		return err
	}

	encoded, err := AppendOID(b.data[:0], o)
	if err != nil {
		return err
	}
	b.commit(encoded)
	return nil
}
