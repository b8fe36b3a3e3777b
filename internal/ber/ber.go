// Package ber encodes SNMP scalar values as BER type-length-value fields.
//
// Every encoder comes in two forms: an Append variant that grows a byte
// slice (used to assemble whole messages) and an Encode variant that
// rewrites a fixed-capacity Buffer in place (used by MIB values). Encode
// variants size the result before writing, so a failed call never leaves a
// partially written buffer behind.
package ber

import (
	"errors"
	"fmt"

	"github.com/geekxflood/proteus/internal/oid"
)

// Universal and SNMP application tags.
const (
	TagInteger          byte = 0x02
	TagOctetString      byte = 0x04
	TagNull             byte = 0x05
	TagObjectIdentifier byte = 0x06
	TagSequence         byte = 0x30
	TagIPAddress        byte = 0x40
	TagCounter32        byte = 0x41
	TagGauge32          byte = 0x42
	TagTimeTicks        byte = 0x43

	// SNMPv2 exception values
	TagNoSuchObject   byte = 0x80
	TagNoSuchInstance byte = 0x81
	TagEndOfMibView   byte = 0x82
)

// MaxLength is the largest content length the length header can express.
const MaxLength = 0xFFFF

// Kind classifies codec errors.
type Kind int

const (
	// KindInvalid covers missing values and unsupported inputs.
	KindInvalid Kind = iota + 1
	// KindCapacity covers values that do not fit the length header or the buffer.
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

var (
	ErrLengthOverflow = errors.New("length exceeds 65535 bytes")
	ErrCapacity       = errors.New("buffer capacity exceeded")
	ErrNilValue       = errors.New("nil value")
	ErrInvalidOID     = errors.New("invalid object identifier")
)

// Error is returned by every encoder in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ber %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCapacity reports whether err is an encoding-capacity error.
func IsCapacity(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCapacity
}

func capacityError(op string, err error) error {
	return &Error{Kind: KindCapacity, Op: op, Err: err}
}

func invalidError(op string, err error) error {
	return &Error{Kind: KindInvalid, Op: op, Err: err}
}

// LengthHeaderSize returns how many bytes the length header for n takes.
func LengthHeaderSize(n int) (int, error) {
	switch {
	case n < 0:
		return 0, capacityError("length", fmt.Errorf("negative length %d", n))
	case n <= 0x7F:
		return 1, nil
	case n <= 0xFF:
		return 2, nil
	case n <= MaxLength:
		return 3, nil
	}
	return 0, capacityError("length", ErrLengthOverflow)
}

// AppendLength appends the short, 0x81 or 0x82 form of n.
func AppendLength(dst []byte, n int) ([]byte, error) {
	size, err := LengthHeaderSize(n)
	if err != nil {
		return dst, err
	}

	switch size {
	case 1:
		return append(dst, byte(n)), nil
	case 2:
		return append(dst, 0x81, byte(n)), nil
	default:
		return append(dst, 0x82, byte(n>>8), byte(n)), nil
	}
}

// IntegerSize is the minimal two's-complement length of v.
func IntegerSize(v int32) int {
	switch {
	case v >= -128 && v <= 127:
		return 1
	case v >= -32768 && v <= 32767:
		return 2
	case v >= -8388608 && v <= 8388607:
		return 3
	default:
		return 4
	}
}

// UnsignedSize is the minimal big-endian length of v.
func UnsignedSize(v uint32) int {
	switch {
	case v&0xFF000000 != 0:
		return 4
	case v&0x00FF0000 != 0:
		return 3
	case v&0x0000FF00 != 0:
		return 2
	default:
		return 1
	}
}

// AppendInteger appends an INTEGER TLV.
func AppendInteger(dst []byte, v int32) []byte {
	return appendInt(dst, TagInteger, v)
}

func appendInt(dst []byte, tag byte, v int32) []byte {
	n := IntegerSize(v)
	dst = append(dst, tag, byte(n))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// AppendUnsigned appends an unsigned TLV under the given application tag.
func AppendUnsigned(dst []byte, tag byte, v uint32) []byte {
	n := UnsignedSize(v)
	dst = append(dst, tag, byte(n))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// AppendOctetString appends an OCTET STRING TLV.
func AppendOctetString(dst []byte, s []byte) ([]byte, error) {
	if s == nil {
		return dst, invalidError("octet string", ErrNilValue)
	}
	if len(s) > MaxLength {
		return dst, capacityError("octet string", ErrLengthOverflow)
	}

	dst = append(dst, TagOctetString)
	dst, _ = AppendLength(dst, len(s))
	return append(dst, s...), nil
}

// AppendOID appends an OBJECT IDENTIFIER TLV.
func AppendOID(dst []byte, o oid.OID) ([]byte, error) {
	if o == nil {
		return dst, invalidError("oid", ErrNilValue)
	}

	n, err := o.ContentLength()
	if err != nil {
		return dst, invalidError("oid", fmt.Errorf("%w: %v", ErrInvalidOID, err))
	}
	if n > MaxLength {
		return dst, capacityError("oid", ErrLengthOverflow)
	}

	dst = append(dst, TagObjectIdentifier)
	dst, _ = AppendLength(dst, n)
	dst = append(dst, byte(o[0]*40+o[1]))
	for _, v := range o[2:] {
		for i := oid.SubIDSize(v) - 1; i > 0; i-- {
			dst = append(dst, byte(v>>(7*i))|0x80)
		}
		dst = append(dst, byte(v&0x7F))
	}
	return dst, nil
}

// AppendNull appends a NULL TLV, or an SNMPv2 exception when tag says so.
func AppendNull(dst []byte, tag byte) []byte {
	return append(dst, tag, 0x00)
}

// AppendHeader appends a constructed tag and length; content follows.
func AppendHeader(dst []byte, tag byte, contentLen int) ([]byte, error) {
	dst = append(dst, tag)
	return AppendLength(dst, contentLen)
}
