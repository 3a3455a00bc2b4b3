// Package transport carries mDNS datagrams between the engine and the network.
//
// Each address family has its own Transport bound to port 5353 (RFC 6762 §5).
// A Link joins the multicast groups on one interface, sends the engine's
// messages over every family it holds, and feeds received datagrams back to a
// Handler.
package transport

import (
	"context"
	"net/netip"
	"time"
)

// Packet is one received datagram.
type Packet struct {
	Data []byte
	Src  netip.AddrPort

	// IfIndex is the receiving interface, zero when the platform does not
	// report it.
	IfIndex int

	// Multicast is false when the datagram was addressed to us directly.
	Multicast bool
}

// Transport is a UDP socket of one address family.
type Transport interface {
	// Send transmits packet to dest. A non-zero ifIndex selects the outgoing
	// interface.
	Send(ctx context.Context, packet []byte, dest netip.AddrPort, ifIndex int) error

	// Receive waits for a datagram. The context deadline is applied to the socket.
	Receive(ctx context.Context) (Packet, error)

	// JoinGroup and LeaveGroup control multicast membership on an interface.
	JoinGroup(ifIndex int) error
	LeaveGroup(ifIndex int) error

	// Group is the multicast destination of this family.
	Group() netip.AddrPort

	// SetReadDeadline unblocks a pending Receive when t is in the past.
	SetReadDeadline(t time.Time) error

	Close() error
}
