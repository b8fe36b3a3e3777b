package agent

import (
	"fmt"

	"github.com/geekxflood/proteus/internal/ber"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// binding is one response varbind as two ready-made TLVs.
type binding struct {
	name  []byte
	value []byte
}

func (b binding) content() int {
	return len(b.name) + len(b.value)
}

func (b binding) size() int {
	n, _ := tlvSize(b.content())
	return n
}

func entryBinding(v *mib.Value) binding {
	return binding{name: v.EncodedOID(), value: v.Encoded()}
}

func exceptionBinding(name oid.OID, tag byte) (binding, error) {
	encoded, err := ber.AppendOID(nil, name)
	if err != nil {
		return binding{}, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return binding{name: encoded, value: ber.AppendNull(nil, tag)}, nil
}

// echoBinding re-encodes a request varbind unchanged.
func echoBinding(vb types.Varbind) (binding, error) {
	encoded, err := ber.AppendOID(nil, vb.OID)
	if err != nil {
		return binding{}, fmt.Errorf("failed to encode %s: %w", vb.OID, err)
	}

	value, err := ber.AppendHeader(nil, vb.Type, len(vb.Value))
	if err != nil {
		return binding{}, err
	}
	return binding{name: encoded, value: append(value, vb.Value...)}, nil
}

// response is a GetResponse PDU under construction.
type response struct {
	version   int
	community []byte
	requestID int32
	status    int
	index     int
	bindings  []binding
}

func newResponse(packet *types.SNMPPacket) *response {
	return &response{
		version:   packet.Version,
		community: []byte(packet.Community),
		requestID: packet.RequestID,
	}
}

func (r *response) add(b binding) {
	r.bindings = append(r.bindings, b)
}

// tlvSize is the encoded size of a TLV with n content bytes.
func tlvSize(n int) (int, error) {
	h, err := ber.LengthHeaderSize(n)
	if err != nil {
		return 0, err
	}
	return 1 + h + n, nil
}

func integerSize(v int32) int {
	return 2 + ber.IntegerSize(v)
}

type layout struct {
	list, pdu, message, total int
}

func (r *response) layout() (layout, error) {
	var l layout

	for _, b := range r.bindings {
		n, err := tlvSize(b.content())
		if err != nil {
			return l, err
		}
		l.list += n
	}

	list, err := tlvSize(l.list)
	if err != nil {
		return l, err
	}
	l.pdu = integerSize(r.requestID) + integerSize(int32(r.status)) + integerSize(int32(r.index)) + list

	pdu, err := tlvSize(l.pdu)
	if err != nil {
		return l, err
	}
	community, err := tlvSize(len(r.community))
	if err != nil {
		return l, err
	}
	l.message = integerSize(int32(r.version)) + community + pdu

	if l.total, err = tlvSize(l.message); err != nil {
		return l, err
	}
	return l, nil
}

func (r *response) size() (int, error) {
	l, err := r.layout()
	return l.total, err
}

// encode writes the whole message in one allocation.
func (r *response) encode() ([]byte, error) {
	l, err := r.layout()
	if err != nil {
		return nil, fmt.Errorf("failed to size response: %w", err)
	}

	out := make([]byte, 0, l.total)
	out, _ = ber.AppendHeader(out, ber.TagSequence, l.message)
	out = ber.AppendInteger(out, int32(r.version))
	out, _ = ber.AppendHeader(out, ber.TagOctetString, len(r.community))
	out = append(out, r.community...)
	out, _ = ber.AppendHeader(out, types.PDUTagBase+types.PDUTypeGetResponse, l.pdu)
	out = ber.AppendInteger(out, r.requestID)
	out = ber.AppendInteger(out, int32(r.status))
	out = ber.AppendInteger(out, int32(r.index))
	out, _ = ber.AppendHeader(out, ber.TagSequence, l.list)

	for _, b := range r.bindings {
		out, _ = ber.AppendHeader(out, ber.TagSequence, b.content())
		out = append(out, b.name...)
		out = append(out, b.value...)
	}

	return out, nil
}
