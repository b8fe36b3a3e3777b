// Package parser decodes SNMP v1/v2c request messages.
package parser

import (
	"fmt"
	"time"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// ASN.1 BER tag constants
const (
	tagInteger          = 0x02
	tagOctetString      = 0x04
	tagObjectIdentifier = 0x06
	tagSequence         = 0x30
)

// SNMP PDU context-specific tags
const (
	tagGetRequest     = 0xA0
	tagGetNextRequest = 0xA1
	tagSetRequest     = 0xA3
	tagGetBulkRequest = 0xA5
)

// maxRequestSubIDs bounds OIDs read from the wire. Longer names than the MIB
// can hold are still decoded so they can be answered with an exception.
const maxRequestSubIDs = 128

// SNMPParser handles parsing of SNMP packets
type SNMPParser struct {
	data   []byte
	offset int
}

// NewSNMPParser creates a new SNMP parser for the given data
func NewSNMPParser(data []byte) *SNMPParser {
	return &SNMPParser{
		data:   data,
		offset: 0,
	}
}

func (p *SNMPParser) errorf(format string, args ...any) error {
	return types.ParseError{Offset: p.offset, Message: fmt.Sprintf(format, args...)}
}

// ParseSNMPPacket parses a request message and returns the structured data.
// Bytes after the outer sequence are ignored.
func (p *SNMPParser) ParseSNMPPacket() (*types.SNMPPacket, error) {
	// Reset parser state
	p.offset = 0

	// Parse the outer sequence
	if err := p.expectTag(tagSequence); err != nil {
		return nil, fmt.Errorf("expected SNMP sequence: %w", err)
	}

	length, err := p.parseLength()
	if err != nil {
		return nil, fmt.Errorf("failed to parse sequence length: %w", err)
	}

	if p.offset+length > len(p.data) {
		return nil, p.errorf("sequence length %d exceeds packet size", length)
	}
	p.data = p.data[:p.offset+length]

	// Parse SNMP version
	version, err := p.parseInteger()
	if err != nil {
		return nil, fmt.Errorf("failed to parse SNMP version: %w", err)
	}

	if version != types.VersionSNMPv1 && version != types.VersionSNMPv2c {
		return nil, types.ValidationError{Field: "version", Message: fmt.Sprintf("unsupported SNMP version: %d", version)}
	}

	// Parse community string
	community, err := p.parseOctetString()
	if err != nil {
		return nil, fmt.Errorf("failed to parse community string: %w", err)
	}

	packet, err := p.parseRequestPDU(int(version))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDU: %w", err)
	}

	packet.Version = int(version)
	packet.Community = string(community)
	packet.Timestamp = time.Now()

	return packet, nil
}

// parseRequestPDU parses the PDU shared by GetRequest, GetNextRequest,
// SetRequest and (v2c only) GetBulkRequest.
func (p *SNMPParser) parseRequestPDU(version int) (*types.SNMPPacket, error) {
	if p.offset >= len(p.data) {
		return nil, p.errorf("unexpected end of data")
	}

	tag := p.data[p.offset]
	switch tag {
	case tagGetRequest, tagGetNextRequest, tagSetRequest:
	case tagGetBulkRequest:
		if version == types.VersionSNMPv1 {
			return nil, types.ValidationError{Field: "pdu_type", Message: "GetBulkRequest is not valid in SNMPv1"}
		}
	default:
		return nil, types.ValidationError{Field: "pdu_type", Message: fmt.Sprintf("unsupported PDU 0x%02x", tag)}
	}
	p.offset++

	// Parse PDU length
	length, err := p.parseLength()
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDU length: %w", err)
	}
	if p.offset+length > len(p.data) {
		return nil, p.errorf("PDU length %d exceeds packet size", length)
	}

	// Parse request ID
	requestID, err := p.parseInteger()
	if err != nil {
		return nil, fmt.Errorf("failed to parse request ID: %w", err)
	}

	// Parse error status (non-repeaters for GetBulk)
	errorStatus, err := p.parseInteger()
	if err != nil {
		return nil, fmt.Errorf("failed to parse error status: %w", err)
	}

	// Parse error index (max-repetitions for GetBulk)
	errorIndex, err := p.parseInteger()
	if err != nil {
		return nil, fmt.Errorf("failed to parse error index: %w", err)
	}

	// Parse varbind list
	varbinds, err := p.parseVarbindList()
	if err != nil {
		return nil, fmt.Errorf("failed to parse varbinds: %w", err)
	}

	return &types.SNMPPacket{
		PDUType:     int(tag - types.PDUTagBase),
		RequestID:   int32(requestID),
		ErrorStatus: int(errorStatus),
		ErrorIndex:  int(errorIndex),
		Varbinds:    varbinds,
	}, nil
}

// parseVarbindList parses a sequence of varbinds
func (p *SNMPParser) parseVarbindList() ([]types.Varbind, error) {
	// Expect sequence tag
	if err := p.expectTag(tagSequence); err != nil {
		return nil, fmt.Errorf("expected varbind sequence: %w", err)
	}

	length, err := p.parseLength()
	if err != nil {
		return nil, fmt.Errorf("failed to parse varbind sequence length: %w", err)
	}

	endOffset := p.offset + length
	if endOffset > len(p.data) {
		return nil, p.errorf("varbind list length %d exceeds packet size", length)
	}

	var varbinds []types.Varbind
	for p.offset < endOffset {
		varbind, err := p.parseVarbind()
		if err != nil {
			return nil, fmt.Errorf("failed to parse varbind %d: %w", len(varbinds)+1, err)
		}
		varbinds = append(varbinds, varbind)
	}

	return varbinds, nil
}

// parseVarbind parses a single varbind
func (p *SNMPParser) parseVarbind() (types.Varbind, error) {
	// Expect sequence tag
	if err := p.expectTag(tagSequence); err != nil {
		return types.Varbind{}, fmt.Errorf("expected varbind sequence: %w", err)
	}

	_, err := p.parseLength()
	if err != nil {
		return types.Varbind{}, fmt.Errorf("failed to parse varbind length: %w", err)
	}

	name, err := p.parseObjectIdentifier()
	if err != nil {
		return types.Varbind{}, fmt.Errorf("failed to parse varbind OID: %w", err)
	}

	valueType, value, err := p.parseRawValue()
	if err != nil {
		return types.Varbind{}, fmt.Errorf("failed to parse varbind value: %w", err)
	}

	return types.Varbind{
		OID:   name,
		Type:  valueType,
		Value: value,
	}, nil
}

// parseRawValue returns the tag and content octets of the next TLV.
func (p *SNMPParser) parseRawValue() (byte, []byte, error) {
	if p.offset >= len(p.data) {
		return 0, nil, p.errorf("unexpected end of data")
	}

	tag := p.data[p.offset]
	p.offset++

	length, err := p.parseLength()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse value length: %w", err)
	}

	if p.offset+length > len(p.data) {
		return 0, nil, p.errorf("value length exceeds packet size")
	}

	value := p.data[p.offset : p.offset+length]
	p.offset += length

	return tag, value, nil
}

// Helper methods for parsing basic ASN.1 types

// expectTag checks if the current byte matches the expected tag
func (p *SNMPParser) expectTag(expectedTag byte) error {
	if p.offset >= len(p.data) {
		return p.errorf("unexpected end of data")
	}

	if p.data[p.offset] != expectedTag {
		return p.errorf("expected tag 0x%02x, got 0x%02x", expectedTag, p.data[p.offset])
	}

	p.offset++
	return nil
}

// parseLength parses ASN.1 BER length encoding
func (p *SNMPParser) parseLength() (int, error) {
	length, n, err := decodeLength(p.data[p.offset:])
	if err != nil {
		return 0, p.errorf("%v", err)
	}
	p.offset += n
	return length, nil
}

// parseInteger parses an ASN.1 INTEGER
func (p *SNMPParser) parseInteger() (int64, error) {
	if err := p.expectTag(tagInteger); err != nil {
		return 0, err
	}

	length, err := p.parseLength()
	if err != nil {
		return 0, err
	}

	if length == 0 {
		return 0, nil
	}

	if length > 8 {
		return 0, p.errorf("integer too long: %d bytes", length)
	}

	if p.offset+length > len(p.data) {
		return 0, p.errorf("integer length exceeds packet size")
	}

	value := int64(0)
	for i := 0; i < length; i++ {
		value = (value << 8) | int64(p.data[p.offset])
		p.offset++
	}

	// Handle negative numbers (two's complement)
	if p.data[p.offset-length]&0x80 != 0 && length < 8 {
		for i := length; i < 8; i++ {
			value |= int64(0xFF) << (i * 8)
		}
	}

	return value, nil
}

// parseOctetString parses an ASN.1 OCTET STRING
func (p *SNMPParser) parseOctetString() ([]byte, error) {
	if err := p.expectTag(tagOctetString); err != nil {
		return nil, err
	}

	length, err := p.parseLength()
	if err != nil {
		return nil, err
	}

	if p.offset+length > len(p.data) {
		return nil, p.errorf("octet string length exceeds packet size")
	}

	value := make([]byte, length)
	copy(value, p.data[p.offset:p.offset+length])
	p.offset += length

	return value, nil
}

// parseObjectIdentifier parses an ASN.1 OBJECT IDENTIFIER
func (p *SNMPParser) parseObjectIdentifier() (oid.OID, error) {
	if err := p.expectTag(tagObjectIdentifier); err != nil {
		return nil, err
	}

	length, err := p.parseLength()
	if err != nil {
		return nil, err
	}

	if p.offset+length > len(p.data) {
		return nil, p.errorf("OID length exceeds packet size")
	}

	oidData := p.data[p.offset : p.offset+length]
	decoded, err := DecodeObjectIdentifier(oidData)
	if err != nil {
		return nil, p.errorf("%v", err)
	}
	p.offset += length

	return decoded, nil
}

// DecodeObjectIdentifier decodes the content octets of an OID.
func DecodeObjectIdentifier(data []byte) (oid.OID, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty OID")
	}

	// First byte encodes first two sub-identifiers
	firstByte := data[0]
	if firstByte&0x80 != 0 {
		return nil, fmt.Errorf("multi-byte leading arcs not supported")
	}
	decoded := oid.OID{uint32(firstByte / 40), uint32(firstByte % 40)}
	if firstByte >= 80 {
		decoded = oid.OID{2, uint32(firstByte - 80)}
	}

	i := 1
	for i < len(data) {
		value := uint64(0)
		for i < len(data) && data[i]&0x80 != 0 {
			value = (value << 7) | uint64(data[i]&0x7F)
			i++
		}
		if i == len(data) {
			return nil, fmt.Errorf("truncated subidentifier")
		}
		value = (value << 7) | uint64(data[i]&0x7F)
		i++

		if value > 0xFFFFFFFF {
			return nil, fmt.Errorf("subidentifier %d overflows 32 bits", value)
		}
		if len(decoded) == maxRequestSubIDs {
			return nil, fmt.Errorf("OID longer than %d subidentifiers", maxRequestSubIDs)
		}
		decoded = append(decoded, uint32(value))
	}

	return decoded, nil
}
