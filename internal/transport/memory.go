package transport

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

const memoryInboxSize = 256

// MemoryNetwork is an in-process link layer. Multicasts reach every joined
// member of the same family, the sender included, and unicasts reach the
// member with the destination address. Datagrams to a full inbox are lost.
type MemoryNetwork struct {
	mu      sync.Mutex
	members []*MemoryTransport
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{}
}

// NewTransport adds a member with the given source address. The address
// family of addr decides which group it uses.
func (n *MemoryNetwork) NewTransport(addr netip.Addr) *MemoryTransport {
	group := groupIPv6
	if addr.Is4() {
		group = groupIPv4
	}
	t := &MemoryTransport{
		network:   n,
		addr:      netip.AddrPortFrom(addr, protocol.Port),
		group:     group,
		inbox:     make(chan Packet, memoryInboxSize),
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	n.mu.Lock()
	n.members = append(n.members, t)
	n.mu.Unlock()
	return t
}

func (n *MemoryNetwork) deliver(from *MemoryTransport, data []byte, dest netip.AddrPort) {
	n.mu.Lock()
	members := append([]*MemoryTransport(nil), n.members...)
	n.mu.Unlock()

	multicast := dest == from.group
	for _, m := range members {
		if m.group != from.group {
			continue
		}
		ifIndex, ok := m.accepts(dest, multicast)
		if !ok {
			continue
		}
		p := Packet{
			Data:      append([]byte(nil), data...),
			Src:       from.addr,
			IfIndex:   ifIndex,
			Multicast: multicast,
		}
		select {
		case m.inbox <- p:
		default:
		}
	}
}

// MemoryTransport is one member of a MemoryNetwork. It implements Transport.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    netip.AddrPort
	group   netip.AddrPort

	inbox     chan Packet
	interrupt chan struct{}

	mu     sync.Mutex
	joined []int
	closed bool
	done   chan struct{}
}

// Addr is the member's source address.
func (t *MemoryTransport) Addr() netip.AddrPort { return t.addr }

func (t *MemoryTransport) Group() netip.AddrPort { return t.group }

func (t *MemoryTransport) accepts(dest netip.AddrPort, multicast bool) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, false
	}
	if multicast {
		if len(t.joined) == 0 {
			return 0, false
		}
		return t.joined[0], true
	}
	if dest.Addr().WithZone("") != t.addr.Addr() {
		return 0, false
	}
	if len(t.joined) > 0 {
		return t.joined[0], true
	}
	return 0, true
}

func (t *MemoryTransport) JoinGroup(ifIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range t.joined {
		if i == ifIndex {
			return &errors.NetworkError{Operation: "join group", Err: os.ErrExist, Details: t.group.Addr().String()}
		}
	}
	t.joined = append(t.joined, ifIndex)
	return nil
}

func (t *MemoryTransport) LeaveGroup(ifIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, j := range t.joined {
		if j == ifIndex {
			t.joined = append(t.joined[:i], t.joined[i+1:]...)
			return nil
		}
	}
	return &errors.NetworkError{Operation: "leave group", Err: os.ErrNotExist, Details: t.group.Addr().String()}
}

func (t *MemoryTransport) Send(ctx context.Context, packet []byte, dest netip.AddrPort, _ int) error {
	if err := checkContext(ctx, "send"); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return &errors.NetworkError{Operation: "send", Err: net.ErrClosed}
	}
	t.network.deliver(t, packet, dest)
	return nil
}

func (t *MemoryTransport) Receive(ctx context.Context) (Packet, error) {
	if err := checkContext(ctx, "receive"); err != nil {
		return Packet{}, err
	}
	select {
	case p := <-t.inbox:
		return p, nil
	case <-t.interrupt:
		return Packet{}, readError(os.ErrDeadlineExceeded)
	case <-t.done:
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: net.ErrClosed}
	case <-ctx.Done():
		return Packet{}, &errors.NetworkError{Operation: "receive", Err: ctx.Err()}
	}
}

// SetReadDeadline only supports interrupting: a time not in the future wakes
// a blocked Receive.
func (t *MemoryTransport) SetReadDeadline(d time.Time) error {
	if d.IsZero() || d.After(time.Now()) {
		return nil
	}
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
