package mib

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/oid"
)

// Source supplies fresh values during a refresh pass. It must call Set in
// the same ascending order the entries were built in.
type Source interface {
	Refresh(u *Updater, full bool) error
}

// Updater re-encodes entries in place during one refresh pass.
//
// It keeps a cursor that only moves forward: each Set resumes scanning where
// the previous one stopped, which makes a full pass linear in the table
// size. Setting an entry that lies behind the cursor fails with ErrNotFound.
type Updater struct {
	store *Store
	pos   int
}

// Updater starts a new refresh pass at the first entry.
func (s *Store) Updater() *Updater {
	return &Updater{store: s}
}

// Set replaces the value of prefix.column.row.
func (u *Updater) Set(prefix oid.OID, column, row uint32, t Type, value any) error {
	target, err := prefix.Append(column, row)
	if err != nil {
		return newError(KindConfig, "update", prefix, column, row, err)
	}

	entries := u.store.entries
	for u.pos < len(entries) && !entries[u.pos].oid.Equal(target) {
		u.pos++
	}
	if u.pos == len(entries) {
		return newError(KindConfig, "update", prefix, column, row, ErrNotFound)
	}

	e := &entries[u.pos]
	if e.typ != t {
		return newError(KindConfig, "update", prefix, column, row,
			fmt.Errorf("%w: entry is %s, got %s", ErrTypeMismatch, e.typ, t))
	}

	if err := encode(e.buf, t, value); err != nil {
		return codecError("update", prefix, column, row, err)
	}

	u.pos++
	return nil
}

// Update runs one refresh pass fed by src. full selects between the
// complete refresh and the cheaper partial one; which entries a partial pass
// touches is up to src.
func (s *Store) Update(full bool, src Source) error {
	if err := src.Refresh(s.Updater(), full); err != nil {
		return fmt.Errorf("refresh (full=%t) failed: %w", full, err)
	}
	return nil
}
