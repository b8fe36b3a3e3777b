// Package agent answers SNMP v1/v2c requests from the MIB store.
//
// Replies are assembled by splicing the pre-encoded OID and value TLVs held
// by the store, so answering a GET costs a lookup and a few copies.
package agent

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/ber"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/parser"
	"github.com/geekxflood/proteus/internal/types"
)

// DefaultMaxReplySize matches the default server buffer.
const DefaultMaxReplySize = 2048

// ErrReplyTooLarge is returned when not even a tooBig reply fits.
var ErrReplyTooLarge = errors.New("reply exceeds maximum message size")

// Options configures an Agent.
type Options struct {
	Access       *AccessConfig
	MaxReplySize int
	Logger       logging.Logger
	Metrics      *metrics.MetricsManager
}

// Agent is the PDU dispatcher. It reads the MIB store without locking and
// must only be called from the goroutine that owns the store.
type Agent struct {
	store    *mib.Store
	access   atomic.Pointer[AccessValidator]
	maxReply int
	logger   logging.Logger
	metrics  *metrics.AgentMetrics
}

// New creates an agent serving store.
func New(store *mib.Store, opts Options) (*Agent, error) {
	if store == nil {
		return nil, fmt.Errorf("MIB store cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	maxReply := opts.MaxReplySize
	if maxReply <= 0 {
		maxReply = DefaultMaxReplySize
	}

	a := &Agent{
		store:    store,
		maxReply: maxReply,
		logger:   opts.Logger.With("component", "agent"),
		metrics:  opts.Metrics.GetAgentMetrics(),
	}
	a.access.Store(NewAccessValidator(opts.Access))

	return a, nil
}

// SetAccess swaps the admission policy. It is safe to call from any goroutine.
func (a *Agent) SetAccess(cfg *AccessConfig) {
	a.access.Store(NewAccessValidator(cfg))
	a.logger.Info("Access policy updated",
		"communities", len(cfg.Communities),
		"allowed_sources", len(cfg.AllowedSources))
}

// MessageComplete reports whether buf holds a whole message: 1 when it
// does, 0 when more bytes are needed and -1 when it never will.
func (a *Agent) MessageComplete(buf []byte) int {
	return parser.MessageComplete(buf)
}

// Handle decodes one request and returns the encoded response. A nil reply
// means nothing should be sent; the error, if any, says why.
func (a *Agent) Handle(req []byte, from net.Addr) ([]byte, error) {
	start := time.Now()
	if a.metrics != nil {
		a.metrics.PacketSize.Observe(float64(len(req)))
	}

	packet, err := parser.NewSNMPParser(req).ParseSNMPPacket()
	if err != nil {
		var verr types.ValidationError
		if errors.As(err, &verr) {
			a.dropped(verr.Field)
		} else {
			a.dropped("malformed")
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RequestsReceived.WithLabelValues(
			types.GetVersionName(packet.Version),
			types.GetPDUTypeName(packet.PDUType)).Inc()
	}

	if err := a.access.Load().ValidateRequest(packet, addrIP(from)); err != nil {
		var verr types.ValidationError
		if errors.As(err, &verr) {
			a.dropped(verr.Field)
		}
		return nil, err
	}

	resp, err := a.answer(packet)
	if err != nil {
		a.dropped("encoding")
		return nil, err
	}

	reply, err := resp.encode()
	if err != nil || len(reply) > a.maxReply {
		a.logger.Debug("Reply too large, answering tooBig",
			"request_id", packet.RequestID,
			"varbinds", len(resp.bindings))

		reply, err = a.tooBig(packet).encode()
		if err == nil && len(reply) > a.maxReply {
			err = ErrReplyTooLarge
		}
		if err != nil {
			a.dropped("too_big")
			return nil, err
		}
		resp.status = types.ErrorStatusTooBig
	}

	if a.metrics != nil {
		a.metrics.ResponsesSent.Inc()
		if resp.status != types.ErrorStatusNoError {
			a.metrics.ErrorResponses.WithLabelValues(errorStatusName(resp.status)).Inc()
		}
		a.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}

	return reply, nil
}

func (a *Agent) dropped(reason string) {
	if a.metrics != nil {
		a.metrics.RequestsDropped.WithLabelValues(reason).Inc()
	}
}

// answer resolves every varbind of the request against the store.
func (a *Agent) answer(packet *types.SNMPPacket) (*response, error) {
	resp := newResponse(packet)

	if len(packet.Varbinds) > a.access.Load().Config().MaxVarbinds {
		return a.tooBig(packet), nil
	}

	switch packet.PDUType {
	case types.PDUTypeGetRequest:
		return a.get(packet, resp)
	case types.PDUTypeGetNextRequest:
		return a.getNext(packet, resp)
	case types.PDUTypeGetBulkRequest:
		return a.getBulk(packet, resp)
	case types.PDUTypeSetRequest:
		status := types.ErrorStatusNotWritable
		if packet.Version == types.VersionSNMPv1 {
			status = types.ErrorStatusReadOnly
		}
		return a.failed(packet, status, 1)
	}

	return nil, fmt.Errorf("unsupported PDU type %s", types.GetPDUTypeName(packet.PDUType))
}

func (a *Agent) get(packet *types.SNMPPacket, resp *response) (*response, error) {
	for i, vb := range packet.Varbinds {
		idx := a.store.Find(vb.OID)
		if idx != mib.EndOfTable && a.store.Entry(idx).OID().Equal(vb.OID) {
			resp.add(entryBinding(a.store.Entry(idx)))
			continue
		}

		if packet.Version == types.VersionSNMPv1 {
			return a.failed(packet, types.ErrorStatusNoSuchName, i+1)
		}

		// a match below the requested name means the object exists but the
		// instance does not
		tag := ber.TagNoSuchObject
		if idx != mib.EndOfTable {
			tag = ber.TagNoSuchInstance
		}
		b, err := exceptionBinding(vb.OID, tag)
		if err != nil {
			return nil, err
		}
		resp.add(b)
	}

	return resp, nil
}

func (a *Agent) getNext(packet *types.SNMPPacket, resp *response) (*response, error) {
	for i, vb := range packet.Varbinds {
		idx := a.store.FindNext(vb.OID)
		if idx != mib.EndOfTable {
			resp.add(entryBinding(a.store.Entry(idx)))
			continue
		}

		if packet.Version == types.VersionSNMPv1 {
			return a.failed(packet, types.ErrorStatusNoSuchName, i+1)
		}

		b, err := exceptionBinding(vb.OID, ber.TagEndOfMibView)
		if err != nil {
			return nil, err
		}
		resp.add(b)
	}

	return resp, nil
}

// getBulk answers the non-repeaters like GETNEXT, then walks the remaining
// varbinds max-repetitions times. Repetitions stop early when every column
// has run off the end of the MIB or the reply would outgrow the size limit.
func (a *Agent) getBulk(packet *types.SNMPPacket, resp *response) (*response, error) {
	nonRepeaters := max(0, min(packet.NonRepeaters(), len(packet.Varbinds)))
	maxRepetitions := max(0, min(packet.MaxRepetitions(), a.access.Load().Config().MaxRepetitions))

	empty, err := resp.size()
	if err != nil {
		return nil, err
	}
	// headers of the enclosing sequences may each grow by two bytes
	budget := a.maxReply - empty - 6

	next := func(name oid.OID) (binding, oid.OID, error) {
		idx := a.store.FindNext(name)
		if idx == mib.EndOfTable {
			b, err := exceptionBinding(name, ber.TagEndOfMibView)
			return b, nil, err
		}
		e := a.store.Entry(idx)
		return entryBinding(e), e.OID(), nil
	}

	for _, vb := range packet.Varbinds[:nonRepeaters] {
		b, _, err := next(vb.OID)
		if err != nil {
			return nil, err
		}
		if budget -= b.size(); budget < 0 {
			return a.tooBig(packet), nil
		}
		resp.add(b)
	}

	cursors := make([]oid.OID, 0, len(packet.Varbinds)-nonRepeaters)
	for _, vb := range packet.Varbinds[nonRepeaters:] {
		cursors = append(cursors, vb.OID)
	}

	for rep := 0; rep < maxRepetitions && len(cursors) > 0; rep++ {
		exhausted := true
		for j, cursor := range cursors {
			b, found, err := next(cursor)
			if err != nil {
				return nil, err
			}
			if budget -= b.size(); budget < 0 {
				return resp, nil
			}
			resp.add(b)
			if found != nil {
				cursors[j] = found
				exhausted = false
			}
		}
		if exhausted {
			break
		}
	}

	return resp, nil
}

// failed builds an error response echoing the request's varbinds.
func (a *Agent) failed(packet *types.SNMPPacket, status, index int) (*response, error) {
	resp := newResponse(packet)
	resp.status = status
	resp.index = index

	for _, vb := range packet.Varbinds {
		b, err := echoBinding(vb)
		if err != nil {
			return nil, err
		}
		resp.add(b)
	}
	return resp, nil
}

// tooBig builds the reply for a request whose answer does not fit. SNMPv1
// echoes the request varbinds, SNMPv2c sends none.
func (a *Agent) tooBig(packet *types.SNMPPacket) *response {
	if packet.Version == types.VersionSNMPv1 {
		if resp, err := a.failed(packet, types.ErrorStatusTooBig, 0); err == nil {
			return resp
		}
	}

	resp := newResponse(packet)
	resp.status = types.ErrorStatusTooBig
	return resp
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	return nil
}

func errorStatusName(status int) string {
	switch status {
	case types.ErrorStatusTooBig:
		return "tooBig"
	case types.ErrorStatusNoSuchName:
		return "noSuchName"
	case types.ErrorStatusReadOnly:
		return "readOnly"
	case types.ErrorStatusNotWritable:
		return "notWritable"
	default:
		return fmt.Sprintf("status%d", status)
	}
}
