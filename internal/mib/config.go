package mib

import (
	"fmt"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/proteus/internal/oid"
)

// LoadLayout reads the mib.* keys. The system group is on unless
// mib.system.enabled is false.
func LoadLayout(cfg config.Provider) (Layout, error) {
	var layout Layout

	if demo, err := cfg.GetBool("mib.demo"); err == nil {
		layout.Demo = demo
	}

	if enabled, err := cfg.GetBool("mib.system.enabled"); err == nil && !enabled {
		return layout, nil
	}

	info := SystemInfo{
		Description: "proteus SNMP agent",
		Name:        "proteus",
	}

	if descr, err := cfg.GetString("mib.system.description"); err == nil {
		info.Description = descr
	}

	if contact, err := cfg.GetString("mib.system.contact"); err == nil {
		info.Contact = contact
	}

	if name, err := cfg.GetString("mib.system.name"); err == nil {
		info.Name = name
	}

	if location, err := cfg.GetString("mib.system.location"); err == nil {
		info.Location = location
	}

	if objectID, err := cfg.GetString("mib.system.object_id"); err == nil && objectID != "" {
		parsed, err := oid.Parse(objectID)
		if err != nil {
			return layout, fmt.Errorf("invalid mib.system.object_id: %w", err)
		}
		info.ObjectID = parsed
	}

	layout.System = &info
	return layout, nil
}
