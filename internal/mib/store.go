// Package mib holds the agent's Management Information Base: an ordered,
// pre-encoded table of variables that GET and GETNEXT resolve against.
//
// Entries are kept in the order they were built. Build rejects a
// declaration that does not sort after the previous one but never re-sorts,
// and the Updater cursor only moves forward, so declaration tables and
// refresh sources must both walk the MIB in ascending OID order.
package mib

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/ber"
	"github.com/geekxflood/proteus/internal/oid"
)

const (
	// MaxEntries bounds the table size.
	MaxEntries = 128

	// EndOfTable is returned by Find and FindNext when nothing matches.
	EndOfTable = -1

	// room for tag, length and a four byte payload
	scalarCapacity = 6
	oidCapacity    = oid.MaxSubIDs*5 + 4
)

// Type is the BER tag of an entry's value.
type Type byte

const (
	TypeInteger     = Type(ber.TagInteger)
	TypeOctetString = Type(ber.TagOctetString)
	TypeOID         = Type(ber.TagObjectIdentifier)
	TypeCounter     = Type(ber.TagCounter32)
	TypeGauge       = Type(ber.TagGauge32)
	TypeTimeTicks   = Type(ber.TagTimeTicks)
)

func (t Type) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeOctetString:
		return "OCTET STRING"
	case TypeOID:
		return "OBJECT IDENTIFIER"
	case TypeCounter:
		return "Counter32"
	case TypeGauge:
		return "Gauge32"
	case TypeTimeTicks:
		return "TimeTicks"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// Declaration names one MIB cell: prefix.column.row with its type and default.
//
// Default must be an int32 for INTEGER, a uint32 for the unsigned types,
// a []byte or string for OCTET STRING and an oid.OID for OBJECT IDENTIFIER.
type Declaration struct {
	Prefix  oid.OID
	Column  uint32
	Row     uint32
	Type    Type
	Default any
}

// Value is one MIB entry with its current encoding.
type Value struct {
	oid  oid.OID
	name []byte
	typ  Type
	buf  *ber.Buffer
}

// OID returns the entry's identifier. Callers must not modify it.
func (v *Value) OID() oid.OID { return v.oid }

// WireLength is the encoded size of the entry's OID TLV.
func (v *Value) WireLength() int { return len(v.name) }

// EncodedOID returns the OID TLV computed at build time.
func (v *Value) EncodedOID() []byte { return v.name }

// Type returns the entry's BER type.
func (v *Value) Type() Type { return v.typ }

// Encoded returns the current value TLV. It is valid until the next refresh.
func (v *Value) Encoded() []byte { return v.buf.Bytes() }

// Cap returns the buffer capacity fixed at build time.
func (v *Value) Cap() int { return v.buf.Cap() }

// Store is the ordered table of MIB values.
type Store struct {
	entries []Value
}

// Build creates a store from decls, which must be in ascending OID order.
// Any failing declaration aborts the whole build.
func Build(decls []Declaration) (*Store, error) {
	s := &Store{entries: make([]Value, 0, len(decls))}

	for _, d := range decls {
		if err := s.add(d); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) add(d Declaration) error {
	if len(s.entries) >= MaxEntries {
		return newError(KindConfig, "build", d.Prefix, d.Column, d.Row, ErrTableFull)
	}

	full, err := d.Prefix.Append(d.Column, d.Row)
	if err != nil {
		return newError(KindConfig, "build", d.Prefix, d.Column, d.Row, err)
	}

	wireLen, err := full.WireLength()
	if err != nil {
		return newError(KindConfig, "build", d.Prefix, d.Column, d.Row, err)
	}

	if n := len(s.entries); n > 0 && oid.Compare(s.entries[n-1].oid, full) >= 0 {
		return newError(KindConfig, "build", d.Prefix, d.Column, d.Row,
			fmt.Errorf("%w: %s after %s", ErrOutOfOrder, full, s.entries[n-1].oid))
	}

	capacity, err := capacityFor(d.Type, d.Default)
	if err != nil {
		return newError(KindConfig, "build", d.Prefix, d.Column, d.Row, err)
	}

	name, err := ber.AppendOID(make([]byte, 0, wireLen), full)
	if err != nil {
		return codecError("build", d.Prefix, d.Column, d.Row, err)
	}

	v := Value{oid: full, name: name, typ: d.Type, buf: ber.NewBuffer(capacity)}
	if err := encode(v.buf, d.Type, d.Default); err != nil {
		return codecError("build", d.Prefix, d.Column, d.Row, err)
	}

	s.entries = append(s.entries, v)
	return nil
}

// capacityFor sizes the buffer for the largest value the entry can hold.
func capacityFor(t Type, def any) (int, error) {
	switch t {
	case TypeInteger, TypeCounter, TypeGauge, TypeTimeTicks:
		return scalarCapacity, nil
	case TypeOctetString:
		switch s := def.(type) {
		case []byte:
			if s == nil {
				return 0, ber.ErrNilValue
			}
			return len(s) + 4, nil
		case string:
			return len(s) + 4, nil
		case nil:
			return 0, ber.ErrNilValue
		}
		return 0, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, def, t)
	case TypeOID:
		switch o := def.(type) {
		case oid.OID:
			if o == nil {
				return 0, ber.ErrNilValue
			}
			return oidCapacity, nil
		case nil:
			return 0, ber.ErrNilValue
		}
		return 0, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, def, t)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

func encode(buf *ber.Buffer, t Type, value any) error {
	switch t {
	case TypeInteger:
		v, ok := value.(int32)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, value, t)
		}
		return ber.EncodeInteger(buf, v)
	case TypeCounter, TypeGauge, TypeTimeTicks:
		v, ok := value.(uint32)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, value, t)
		}
		return ber.EncodeUnsigned(buf, byte(t), v)
	case TypeOctetString:
		switch v := value.(type) {
		case []byte:
			return ber.EncodeOctetString(buf, v)
		case string:
			return ber.EncodeOctetString(buf, []byte(v))
		case nil:
			return ber.EncodeOctetString(buf, nil)
		}
		return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, value, t)
	case TypeOID:
		switch v := value.(type) {
		case oid.OID:
			return ber.EncodeOID(buf, v)
		case nil:
			return ber.EncodeOID(buf, nil)
		}
		return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, value, t)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// Entry returns the entry at index i.
func (s *Store) Entry(i int) *Value { return &s.entries[i] }

// Find returns the first entry that equals o or lies below it, or EndOfTable.
func (s *Store) Find(o oid.OID) int {
	for i := range s.entries {
		if s.entries[i].oid.HasPrefix(o) {
			return i
		}
	}
	return EndOfTable
}

// FindNext returns the first entry strictly after o, or EndOfTable.
// Since entries are ascending this is also the smallest such entry.
func (s *Store) FindNext(o oid.OID) int {
	for i := range s.entries {
		if oid.Compare(s.entries[i].oid, o) > 0 {
			return i
		}
	}
	return EndOfTable
}
