// Package types provides common SNMP types and constants.
package types

import (
	"fmt"
	"time"

	"github.com/geekxflood/proteus/internal/oid"
)

// SNMP version constants as they appear on the wire.
const (
	VersionSNMPv1  = 0
	VersionSNMPv2c = 1
)

// SNMP PDU type constants, relative to the 0xA0 context tag.
const (
	PDUTypeGetRequest     = 0
	PDUTypeGetNextRequest = 1
	PDUTypeGetResponse    = 2
	PDUTypeSetRequest     = 3
	PDUTypeTrapV1         = 4
	PDUTypeGetBulkRequest = 5
	PDUTypeInformRequest  = 6
	PDUTypeTrapV2         = 7
	PDUTypeReport         = 8
)

// PDUTagBase is the context-specific constructed tag of PDU type 0.
const PDUTagBase = 0xA0

// SNMP error status constants
const (
	ErrorStatusNoError     = 0
	ErrorStatusTooBig      = 1
	ErrorStatusNoSuchName  = 2
	ErrorStatusBadValue    = 3
	ErrorStatusReadOnly    = 4
	ErrorStatusGenErr      = 5
	ErrorStatusNoAccess    = 6
	ErrorStatusNotWritable = 17
)

// SNMPPacket represents a decoded v1/v2c request.
type SNMPPacket struct {
	Version     int       `json:"version"`
	Community   string    `json:"community"`
	PDUType     int       `json:"pdu_type"`
	RequestID   int32     `json:"request_id"`
	ErrorStatus int       `json:"error_status,omitempty"`
	ErrorIndex  int       `json:"error_index,omitempty"`
	Varbinds    []Varbind `json:"varbinds"`
	Timestamp   time.Time `json:"timestamp"`
}

// NonRepeaters returns the GetBulk non-repeaters field, which shares its
// position with the error status.
func (p *SNMPPacket) NonRepeaters() int {
	return p.ErrorStatus
}

// MaxRepetitions returns the GetBulk max-repetitions field.
func (p *SNMPPacket) MaxRepetitions() int {
	return p.ErrorIndex
}

// Varbind represents an SNMP variable binding. Value holds the raw content
// octets of whatever the request carried; agents only read the OID.
type Varbind struct {
	OID   oid.OID `json:"oid"`
	Type  byte    `json:"type"`
	Value []byte  `json:"value,omitempty"`
}

// GetVersionName returns the human-readable name of an SNMP version.
func GetVersionName(version int) string {
	switch version {
	case VersionSNMPv1:
		return "SNMPv1"
	case VersionSNMPv2c:
		return "SNMPv2c"
	default:
		return fmt.Sprintf("Unknown(%d)", version)
	}
}

// GetPDUTypeName returns the human-readable name of a PDU type.
func GetPDUTypeName(pduType int) string {
	switch pduType {
	case PDUTypeGetRequest:
		return "GetRequest"
	case PDUTypeGetNextRequest:
		return "GetNextRequest"
	case PDUTypeGetResponse:
		return "GetResponse"
	case PDUTypeSetRequest:
		return "SetRequest"
	case PDUTypeTrapV1:
		return "Trap"
	case PDUTypeGetBulkRequest:
		return "GetBulkRequest"
	case PDUTypeInformRequest:
		return "InformRequest"
	case PDUTypeTrapV2:
		return "TrapV2"
	case PDUTypeReport:
		return "Report"
	default:
		return fmt.Sprintf("Unknown(%d)", pduType)
	}
}

// ValidationError represents an SNMP request validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// ParseError represents an SNMP packet parsing error.
type ParseError struct {
	Offset  int
	Message string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Message)
}
