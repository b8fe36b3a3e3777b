package mib

import (
	"errors"
	"fmt"

	"github.com/geekxflood/proteus/internal/ber"
	"github.com/geekxflood/proteus/internal/oid"
)

// Kind separates configuration mistakes from values that outgrew their encoding.
type Kind int

const (
	// KindConfig is a broken declaration or a violated ordering/type invariant.
	KindConfig Kind = iota + 1
	// KindCapacity is a value that does not fit its length header or buffer.
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Error describes a failed build or update and the cell it concerns.
// Both kinds are fatal to the operation that returned them.
type Error struct {
	Kind   Kind
	Op     string
	Prefix oid.OID
	Column uint32
	Row    uint32
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mib %s %s.%d.%d: %s error: %v", e.Op, e.Prefix, e.Column, e.Row, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a mib.Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func newError(kind Kind, op string, prefix oid.OID, column, row uint32, err error) *Error {
	return &Error{Kind: kind, Op: op, Prefix: prefix, Column: column, Row: row, Err: err}
}

// codecError keeps capacity failures apart from the rest.
func codecError(op string, prefix oid.OID, column, row uint32, err error) *Error {
	if ber.IsCapacity(err) {
		return newError(KindCapacity, op, prefix, column, row, err)
	}
	return newError(KindConfig, op, prefix, column, row, err)
}

var (
	ErrTableFull       = errors.New("MIB table is full")
	ErrUnsupportedType = errors.New("unsupported value type")
	ErrTypeMismatch    = errors.New("value does not match entry type")
	ErrOutOfOrder      = errors.New("entry is not greater than its predecessor")
	ErrNotFound        = errors.New("entry not found ahead of update cursor")
)
