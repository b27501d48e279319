package ipc

import (
	"context"
	"strconv"

	"github.com/wonderland/bridge/pkg/limbo"
	"github.com/wonderland/bridge/pkg/packet"
	"github.com/wonderland/bridge/pkg/types"
)

// Dispatch tables for each side of the bridge
var (
	handshakeTable = packet.Table{Ops: map[packet.Op]packet.Shape{
		packet.OpHello:  {Min: 2, Max: 2},
		packet.OpAttach: {Min: 1, Max: 1},
	}}

	observerTable = packet.Table{Ops: map[packet.Op]packet.Shape{
		packet.OpCommand:    {Min: 1, Max: 3},
		packet.OpLimboQuery: {Min: 2, Max: 2},
		packet.OpPing:       {Min: 0, Max: 1},
	}}

	serviceTable = packet.Table{
		Ops: map[packet.Op]packet.Shape{
			packet.OpLimboAccept: {Min: 2, Max: 2},
			packet.OpLimboDeny:   {Min: 3, Max: 3},
			packet.OpTerminate:   {Min: 1, Max: 1},
			packet.OpPing:        {Min: 0, Max: 1},
		},
		Events: true,
	}

	// clientTable accepts everything the bridge sends to a peer
	clientTable = packet.Table{
		Ops: map[packet.Op]packet.Shape{
			packet.OpWelcome:    {Min: 1, Max: 1},
			packet.OpAck:        {Min: 1, Max: 1},
			packet.OpError:      {Min: 2, Max: 2},
			packet.OpPing:       {Min: 0, Max: 1},
			packet.OpDirective:  {Min: 2, Max: 4},
			packet.OpLimboQuery: {Min: 2, Max: 2},
		},
		Events: true,
	}
)

// Origin identifies the observer a packet came from
type Origin struct {
	CommID uint64
	Peer   limbo.Peer
	Cred   *PeerCred
}

// Reply is what a Service returns for an observer packet
type Reply struct {
	// Response is written back to the observer when non-nil
	Response *packet.Packet
	// Events are published to every observer
	Events []*packet.Event
}

// Service is the in-process seam to the authoritative service. When a
// Server has one, observer commands and limbo queries go to it instead of
// to an attached service connection.
type Service interface {
	HandlePacket(ctx context.Context, origin Origin, pkt packet.Packet) (Reply, error)
}

// ServiceFunc is a function adapter for Service
type ServiceFunc func(ctx context.Context, origin Origin, pkt packet.Packet) (Reply, error)

// HandlePacket implements Service
func (f ServiceFunc) HandlePacket(ctx context.Context, origin Origin, pkt packet.Packet) (Reply, error) {
	return f(ctx, origin, pkt)
}

func ackPacket(op packet.Op) []byte {
	return packet.MustCompile(packet.OpAck, strconv.FormatUint(uint64(op), 10))
}

// ResponseHandler applies one packet from the service and returns the
// body to write back to it
func (s *Server) ResponseHandler(ctx context.Context, pkt packet.Packet) []byte {
	switch {
	case pkt.Op.IsEvent():
		event, err := packet.EventFromPacket(pkt)
		if err != nil {
			return packet.ErrorPacket(err)
		}
		if err := s.Publish(event); err != nil {
			return packet.ErrorPacket(err)
		}
		return ackPacket(pkt.Op)

	case pkt.Op == packet.OpLimboAccept:
		peer, err := limbo.ParsePeer(pkt.Field(0), pkt.Field(1))
		if err != nil {
			return packet.ErrorPacket(err)
		}
		s.ledger.Accept(peer, limbo.SourceService)
		s.auditDecision(peer, limbo.VerdictAccept, "")
		return ackPacket(pkt.Op)

	case pkt.Op == packet.OpLimboDeny:
		peer, err := limbo.ParsePeer(pkt.Field(0), pkt.Field(1))
		if err != nil {
			return packet.ErrorPacket(err)
		}
		s.ledger.Deny(peer, pkt.Field(2), limbo.SourceService)
		s.auditDecision(peer, limbo.VerdictDeny, pkt.Field(2))
		return ackPacket(pkt.Op)

	case pkt.Op == packet.OpTerminate:
		id, err := strconv.ParseUint(pkt.Field(0), 10, 64)
		if err != nil {
			return packet.ErrorPacket(types.NewError(types.ErrCodeInvalidArgument, "invalid comm id: "+pkt.Field(0)))
		}
		if err := s.Disconnect(id); err != nil {
			return packet.ErrorPacket(err)
		}
		return ackPacket(pkt.Op)

	case pkt.Op == packet.OpPing:
		return packet.MustCompile(packet.OpPing, pkt.Fields...)

	default:
		return packet.ErrorPacket(types.NewError(types.ErrCodeMalformedPacket, pkt.Op.String()+" is not handled"))
	}
}

// handleObserverPacket answers one packet from an active observer
func (s *Server) handleObserverPacket(ctx context.Context, hole *RabbitHole, pkt packet.Packet) []byte {
	if pkt.Op == packet.OpPing {
		return packet.MustCompile(packet.OpPing, pkt.Fields...)
	}

	if s.service != nil {
		return s.callService(ctx, hole, pkt)
	}
	return s.forwardToService(hole, pkt)
}

func (s *Server) callService(ctx context.Context, hole *RabbitHole, pkt packet.Packet) []byte {
	origin := Origin{CommID: hole.ID(), Peer: hole.Peer(), Cred: hole.Cred()}

	reply, err := s.service.HandlePacket(ctx, origin, pkt)
	if err != nil {
		return packet.ErrorPacket(err)
	}

	for _, e := range reply.Events {
		if err := s.Publish(e); err != nil {
			s.logger.Warn("Failed to publish service event", "event", e.String(), "error", err)
		}
	}

	if reply.Response == nil {
		return ackPacket(pkt.Op)
	}
	body, err := reply.Response.Encode()
	if err != nil {
		return packet.ErrorPacket(err)
	}
	return body
}

// forwardToService relays an observer packet to the attached service:
// Command becomes Directive tagged with the comm id, LimboQuery goes
// through unchanged
func (s *Server) forwardToService(hole *RabbitHole, pkt packet.Packet) []byte {
	link := s.serviceLink()
	if link == nil {
		return packet.ErrorPacket(types.NewError(types.ErrCodeUnavailable, "no service attached"))
	}

	var body []byte
	var err error
	switch pkt.Op {
	case packet.OpCommand:
		body, err = packet.Compile(packet.OpDirective, append([]string{hole.CommPath()}, pkt.Fields...)...)
	default:
		body, err = pkt.Encode()
	}
	if err != nil {
		return packet.ErrorPacket(err)
	}

	if err := link.Send(body); err != nil {
		s.logger.Warn("Failed to forward to service", "comm_id", hole.ID(), "op", pkt.Op.String(), "error", err)
		return packet.ErrorPacket(types.WrapError(types.ErrCodeUnavailable, "service unreachable", err))
	}
	return ackPacket(pkt.Op)
}

func (s *Server) auditDecision(peer limbo.Peer, verdict limbo.Verdict, reason string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogDecision(peer, verdict, reason, limbo.SourceService); err != nil {
		s.logger.Warn("Failed to audit decision", "peer", peer.String(), "error", err)
	}
}
