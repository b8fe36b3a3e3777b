package mib

import (
	"math/rand"
	"time"

	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/oid"
)

var (
	// SystemPrefix is the MIB-II system group.
	SystemPrefix = oid.MustParse("1.3.6.1.2.1.1")
	// DemoPrefix holds two demo values that change on every full refresh.
	DemoPrefix = oid.MustParse("1.3.6.1.4.1.125")
	// DevicePrefix holds the sensor board readings.
	DevicePrefix = oid.MustParse("1.3.6.1.4.1.126.3")
)

// Columns under DevicePrefix.
const (
	ColumnDryContact   = 1
	ColumnTemp         = 2
	ColumnHW           = 3
	ColumnSW           = 4
	ColumnRelay        = 5
	ColumnOpticalRelay = 6
)

// Columns under SystemPrefix.
const (
	ColumnSysDescr    = 1
	ColumnSysObjectID = 2
	ColumnSysUpTime   = 3
	ColumnSysContact  = 4
	ColumnSysName     = 5
	ColumnSysLocation = 6
)

// SystemInfo carries the static system group values.
type SystemInfo struct {
	Description string
	ObjectID    oid.OID
	Contact     string
	Name        string
	Location    string
}

// Snapshots is what the refresher reads device values from.
type Snapshots interface {
	Snapshot() device.Snapshot
}

// Layout selects which groups the agent exposes. The groups are emitted in
// ascending prefix order: system, demo, device.
type Layout struct {
	System *SystemInfo
	Demo   bool
}

// Declarations returns the build table for the layout.
func (l Layout) Declarations() []Declaration {
	var decls []Declaration

	if l.System != nil {
		decls = append(decls, SystemTable(*l.System)...)
	}
	if l.Demo {
		decls = append(decls, DemoTable()...)
	}
	return append(decls, DeviceTable()...)
}

// SystemTable declares sysDescr through sysLocation.
func SystemTable(info SystemInfo) []Declaration {
	objectID := info.ObjectID
	if objectID == nil {
		objectID = DevicePrefix
	}

	return []Declaration{
		{Prefix: SystemPrefix, Column: ColumnSysDescr, Type: TypeOctetString, Default: info.Description},
		{Prefix: SystemPrefix, Column: ColumnSysObjectID, Type: TypeOID, Default: objectID},
		{Prefix: SystemPrefix, Column: ColumnSysUpTime, Type: TypeTimeTicks, Default: uint32(0)},
		{Prefix: SystemPrefix, Column: ColumnSysContact, Type: TypeOctetString, Default: info.Contact},
		{Prefix: SystemPrefix, Column: ColumnSysName, Type: TypeOctetString, Default: info.Name},
		{Prefix: SystemPrefix, Column: ColumnSysLocation, Type: TypeOctetString, Default: info.Location},
	}
}

// DemoTable declares the two demo values.
func DemoTable() []Declaration {
	return []Declaration{
		{Prefix: DemoPrefix, Column: 1, Type: TypeInteger, Default: int32(0)},
		{Prefix: DemoPrefix, Column: 2, Type: TypeInteger, Default: int32(0)},
	}
}

// DeviceTable declares every board reading, all INTEGER defaulting to zero.
func DeviceTable() []Declaration {
	decls := make([]Declaration, 0, device.DryContacts+4+device.OpticalRelays)

	for row := uint32(0); row < device.DryContacts; row++ {
		decls = append(decls, Declaration{Prefix: DevicePrefix, Column: ColumnDryContact, Row: row, Type: TypeInteger, Default: int32(0)})
	}
	for _, column := range []uint32{ColumnTemp, ColumnHW, ColumnSW, ColumnRelay} {
		decls = append(decls, Declaration{Prefix: DevicePrefix, Column: column, Type: TypeInteger, Default: int32(0)})
	}
	for row := uint32(0); row < device.OpticalRelays; row++ {
		decls = append(decls, Declaration{Prefix: DevicePrefix, Column: ColumnOpticalRelay, Row: row, Type: TypeInteger, Default: int32(0)})
	}

	return decls
}

// Refresher is the Source matching a Layout. A partial pass only advances
// sysUpTime; a full pass also copies the device snapshot.
type Refresher struct {
	layout    Layout
	start     time.Time
	snapshots Snapshots
	rng       *rand.Rand
}

// NewRefresher returns the refresh source for l. Uptime counts from start.
func (l Layout) NewRefresher(start time.Time, snapshots Snapshots) *Refresher {
	return &Refresher{
		layout:    l,
		start:     start,
		snapshots: snapshots,
		rng:       rand.New(rand.NewSource(start.UnixNano())),
	}
}

// Refresh implements Source.
func (r *Refresher) Refresh(u *Updater, full bool) error {
	if r.layout.System != nil {
		if err := u.Set(SystemPrefix, ColumnSysUpTime, 0, TypeTimeTicks, UptimeTicks(r.start, time.Now())); err != nil {
			return err
		}
	}

	if !full {
		return nil
	}

	if r.layout.Demo {
		for column := uint32(1); column <= 2; column++ {
			if err := u.Set(DemoPrefix, column, 0, TypeInteger, r.rng.Int31()); err != nil {
				return err
			}
		}
	}

	snap := r.snapshots.Snapshot()

	for row, v := range snap.DryContact {
		if err := u.Set(DevicePrefix, ColumnDryContact, uint32(row), TypeInteger, v); err != nil {
			return err
		}
	}

	scalars := []struct {
		column uint32
		value  int32
	}{
		{ColumnTemp, snap.Temp},
		{ColumnHW, snap.HW},
		{ColumnSW, snap.SW},
		{ColumnRelay, snap.Relay},
	}
	for _, s := range scalars {
		if err := u.Set(DevicePrefix, s.column, 0, TypeInteger, s.value); err != nil {
			return err
		}
	}

	for row, v := range snap.OpticalRelay {
		if err := u.Set(DevicePrefix, ColumnOpticalRelay, uint32(row), TypeInteger, v); err != nil {
			return err
		}
	}

	return nil
}

// UptimeTicks is the time between start and now in hundredths of a second.
func UptimeTicks(start, now time.Time) uint32 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return uint32(d / (10 * time.Millisecond))
}
