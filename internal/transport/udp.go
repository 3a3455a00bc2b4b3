package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// readBufferSize is the kernel receive buffer requested for each socket.
const readBufferSize = 65536

var (
	groupIPv4 = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv4), protocol.Port)
	groupIPv6 = netip.AddrPortFrom(netip.MustParseAddr(protocol.MulticastAddrIPv6), protocol.Port)
)

func listen(ctx context.Context, network, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: control}
	conn, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "create socket",
			Err:       err,
			Details:   "failed to bind " + addr,
		}
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		if err := udp.SetReadBuffer(readBufferSize); err != nil {
			_ = conn.Close()
			return nil, &errors.NetworkError{
				Operation: "configure socket",
				Err:       err,
				Details:   "failed to set read buffer size",
			}
		}
	}
	return conn, nil
}

func checkContext(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return &errors.NetworkError{Operation: op, Err: ctx.Err(), Details: "context canceled"}
	default:
		return nil
	}
}

func applyDeadline(ctx context.Context, conn net.PacketConn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return &errors.NetworkError{
			Operation: "set read timeout",
			Err:       err,
			Details:   fmt.Sprintf("failed to set deadline %v", deadline),
		}
	}
	return nil
}

func readError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &errors.NetworkError{Operation: "receive", Err: err, Details: "timeout"}
	}
	return &errors.NetworkError{Operation: "receive", Err: err, Details: "failed to read from socket"}
}

func sendResult(n, want int, err error, dest netip.AddrPort) error {
	if err != nil {
		return &errors.NetworkError{
			Operation: "send",
			Err:       err,
			Details:   fmt.Sprintf("failed to send %d bytes to %s", want, dest),
		}
	}
	if n != want {
		return &errors.NetworkError{
			Operation: "send",
			Err:       fmt.Errorf("partial write: %d/%d bytes", n, want),
			Details:   "incomplete transmission",
		}
	}
	return nil
}

func srcAddrPort(addr net.Addr) netip.AddrPort {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func lookupInterface(ifIndex int) (*net.Interface, error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, &errors.NetworkError{
			Operation: "lookup interface",
			Err:       err,
			Details:   fmt.Sprintf("interface index %d", ifIndex),
		}
	}
	return ifi, nil
}

// copyPacket returns a copy the caller owns; the pool keeps buf.
func copyPacket(buf []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

// UDPv4Transport is the IPv4 socket bound to 0.0.0.0:5353.
type UDPv4Transport struct {
	conn net.PacketConn
	pc   *ipv4.PacketConn
}

// NewUDPv4Transport binds the IPv4 mDNS port. Group membership is added per
// interface with JoinGroup.
func NewUDPv4Transport(ctx context.Context) (*UDPv4Transport, error) {
	conn, err := listen(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)

	// Control messages are best effort. Without them IfIndex is zero and
	// every datagram is taken as multicast.
	_ = pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true)

	if err := pc.SetMulticastTTL(255); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast TTL"}
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast loopback"}
	}
	return &UDPv4Transport{conn: conn, pc: pc}, nil
}

// Group returns 224.0.0.251:5353.
func (t *UDPv4Transport) Group() netip.AddrPort { return groupIPv4 }

func (t *UDPv4Transport) JoinGroup(ifIndex int) error {
	ifi, err := lookupInterface(ifIndex)
	if err != nil {
		return err
	}
	if err := t.pc.JoinGroup(ifi, &net.UDPAddr{IP: groupIPv4.Addr().AsSlice()}); err != nil {
		return &errors.NetworkError{Operation: "join group", Err: err, Details: protocol.MulticastAddrIPv4 + " on " + ifi.Name}
	}
	return nil
}

func (t *UDPv4Transport) LeaveGroup(ifIndex int) error {
	ifi, err := lookupInterface(ifIndex)
	if err != nil {
		return err
	}
	if err := t.pc.LeaveGroup(ifi, &net.UDPAddr{IP: groupIPv4.Addr().AsSlice()}); err != nil {
		return &errors.NetworkError{Operation: "leave group", Err: err, Details: protocol.MulticastAddrIPv4 + " on " + ifi.Name}
	}
	return nil
}

func (t *UDPv4Transport) Send(ctx context.Context, packet []byte, dest netip.AddrPort, ifIndex int) error {
	if err := checkContext(ctx, "send"); err != nil {
		return err
	}
	var cm *ipv4.ControlMessage
	if ifIndex != 0 {
		cm = &ipv4.ControlMessage{IfIndex: ifIndex}
	}
	n, err := t.pc.WriteTo(packet, cm, net.UDPAddrFromAddrPort(dest))
	return sendResult(n, len(packet), err, dest)
}

func (t *UDPv4Transport) Receive(ctx context.Context) (Packet, error) {
	if err := checkContext(ctx, "receive"); err != nil {
		return Packet{}, err
	}
	if err := applyDeadline(ctx, t.conn); err != nil {
		return Packet{}, err
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buf := *bufPtr

	n, cm, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return Packet{}, readError(err)
	}
	p := Packet{Data: copyPacket(buf, n), Src: srcAddrPort(src), Multicast: true}
	if cm != nil {
		p.IfIndex = cm.IfIndex
		if cm.Dst != nil {
			p.Multicast = cm.Dst.IsMulticast()
		}
	}
	return p, nil
}

func (t *UDPv4Transport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

func (t *UDPv4Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{Operation: "close socket", Err: err, Details: "udp4"}
	}
	return nil
}

// UDPv6Transport is the IPv6 socket bound to [::]:5353.
type UDPv6Transport struct {
	conn net.PacketConn
	pc   *ipv6.PacketConn
}

// NewUDPv6Transport binds the IPv6 mDNS port.
func NewUDPv6Transport(ctx context.Context) (*UDPv6Transport, error) {
	conn, err := listen(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(protocol.Port)))
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(conn)
	_ = pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true)

	if err := pc.SetMulticastHopLimit(255); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast hop limit"}
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, &errors.NetworkError{Operation: "configure socket", Err: err, Details: "multicast loopback"}
	}
	return &UDPv6Transport{conn: conn, pc: pc}, nil
}

// Group returns [ff02::fb]:5353.
func (t *UDPv6Transport) Group() netip.AddrPort { return groupIPv6 }

func (t *UDPv6Transport) JoinGroup(ifIndex int) error {
	ifi, err := lookupInterface(ifIndex)
	if err != nil {
		return err
	}
	if err := t.pc.JoinGroup(ifi, &net.UDPAddr{IP: groupIPv6.Addr().AsSlice()}); err != nil {
		return &errors.NetworkError{Operation: "join group", Err: err, Details: protocol.MulticastAddrIPv6 + " on " + ifi.Name}
	}
	return nil
}

func (t *UDPv6Transport) LeaveGroup(ifIndex int) error {
	ifi, err := lookupInterface(ifIndex)
	if err != nil {
		return err
	}
	if err := t.pc.LeaveGroup(ifi, &net.UDPAddr{IP: groupIPv6.Addr().AsSlice()}); err != nil {
		return &errors.NetworkError{Operation: "leave group", Err: err, Details: protocol.MulticastAddrIPv6 + " on " + ifi.Name}
	}
	return nil
}

func (t *UDPv6Transport) Send(ctx context.Context, packet []byte, dest netip.AddrPort, ifIndex int) error {
	if err := checkContext(ctx, "send"); err != nil {
		return err
	}
	var cm *ipv6.ControlMessage
	if ifIndex != 0 {
		cm = &ipv6.ControlMessage{IfIndex: ifIndex}
	}
	addr := net.UDPAddrFromAddrPort(dest)
	if ifIndex != 0 && addr.Zone == "" && dest.Addr().IsLinkLocalMulticast() {
		addr.Zone = strconv.Itoa(ifIndex)
	}
	n, err := t.pc.WriteTo(packet, cm, addr)
	return sendResult(n, len(packet), err, dest)
}

func (t *UDPv6Transport) Receive(ctx context.Context) (Packet, error) {
	if err := checkContext(ctx, "receive"); err != nil {
		return Packet{}, err
	}
	if err := applyDeadline(ctx, t.conn); err != nil {
		return Packet{}, err
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buf := *bufPtr

	n, cm, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return Packet{}, readError(err)
	}
	p := Packet{Data: copyPacket(buf, n), Src: srcAddrPort(src), Multicast: true}
	if cm != nil {
		p.IfIndex = cm.IfIndex
		if cm.Dst != nil {
			p.Multicast = cm.Dst.IsMulticast()
		}
	}
	return p, nil
}

func (t *UDPv6Transport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

func (t *UDPv6Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return &errors.NetworkError{Operation: "close socket", Err: err, Details: "udp6"}
	}
	return nil
}
