// Package oid implements the object identifier model used by the MIB store.
package oid

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxSubIDs is the longest OID the agent can hold.
const MaxSubIDs = 14

// OID is an object identifier as a sequence of subidentifiers.
type OID []uint32

// Parse converts dotted notation (with or without a leading dot) into an OID.
func Parse(s string) (OID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return nil, fmt.Errorf("empty OID")
	}

	parts := strings.Split(s, ".")
	if len(parts) > MaxSubIDs {
		return nil, fmt.Errorf("OID %s has %d subidentifiers, maximum is %d", s, len(parts), MaxSubIDs)
	}

	o := make(OID, 0, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid subidentifier %q at position %d: %w", part, i, err)
		}
		o = append(o, uint32(v))
	}

	return o, nil
}

// MustParse is Parse for package-level tables; it panics on error.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// String returns the dotted representation.
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}

	var b strings.Builder
	for i, v := range o {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return b.String()
}

// Compare orders OIDs lexicographically. A strict prefix sorts first.
func Compare(a, b OID) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Equal reports whether both OIDs have the same subidentifiers.
func (o OID) Equal(other OID) bool {
	return Compare(o, other) == 0
}

// HasPrefix reports whether prefix is a leading part of o (or equal to it).
func (o OID) HasPrefix(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i, v := range prefix {
		if o[i] != v {
			return false
		}
	}
	return true
}

// Append returns a new OID with subids added; o is left untouched.
func (o OID) Append(subids ...uint32) (OID, error) {
	if len(o)+len(subids) > MaxSubIDs {
		return nil, fmt.Errorf("OID %s would exceed %d subidentifiers", o, MaxSubIDs)
	}

	out := make(OID, 0, len(o)+len(subids))
	out = append(out, o...)
	return append(out, subids...), nil
}

// SubIDSize is the number of base-128 bytes needed for v.
func SubIDSize(v uint32) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	case v < 1<<28:
		return 4
	default:
		return 5
	}
}

// ContentLength is the size of the BER content of o, without tag and length.
func (o OID) ContentLength() (int, error) {
	if len(o) < 2 {
		return 0, fmt.Errorf("OID %s needs at least two subidentifiers", o)
	}
	// the first two arcs share one byte
	if o[0] > 2 || (o[0] < 2 && o[1] >= 40) || o[0]*40+o[1] > 0x7F {
		return 0, fmt.Errorf("OID %s has invalid leading arcs", o)
	}

	n := 1
	for _, v := range o[2:] {
		n += SubIDSize(v)
	}
	return n, nil
}

// WireLength is the size of the full TLV encoding of o.
func (o OID) WireLength() (int, error) {
	n, err := o.ContentLength()
	if err != nil {
		return 0, err
	}

	switch {
	case n <= 0x7F:
		return n + 2, nil
	case n <= 0xFF:
		return n + 3, nil
	case n <= 0xFFFF:
		return n + 4, nil
	}
	return 0, fmt.Errorf("OID %s is too long to encode", o)
}
