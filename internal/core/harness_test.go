package core

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/beacon-mdns/internal/logger"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type sentMessage struct {
	raw     []byte
	msg     *dns.Msg
	unicast bool
	dest    AddressInfo
	at      time.Time
}

func (m sentMessage) isProbe() bool { return !m.msg.Response && len(m.msg.Ns) > 0 }

func (m sentMessage) isQuery() bool { return !m.msg.Response && len(m.msg.Ns) == 0 }

func (m sentMessage) isResponse() bool { return m.msg.Response }

// fakeSocket records what the engine sends. It never calls back into the
// engine, which holds its lock while sending.
type fakeSocket struct {
	t         *testing.T
	clk       *clock.Mock
	sent      []sentMessage
	listening bool
	listenErr error
}

func (s *fakeSocket) record(raw []byte, unicast bool, dest AddressInfo) {
	m := new(dns.Msg)
	require.NoError(s.t, m.Unpack(raw), "engine sent an undecodable message")
	s.sent = append(s.sent, sentMessage{raw: raw, msg: m, unicast: unicast, dest: dest, at: s.clk.Now()})
}

func (s *fakeSocket) SendMulticast(msg []byte, ifIndex uint32) error {
	s.record(msg, false, AddressInfo{IfIndex: ifIndex})
	return nil
}

func (s *fakeSocket) SendUnicast(msg []byte, dest AddressInfo) error {
	s.record(msg, true, dest)
	return nil
}

func (s *fakeSocket) SetListeningEnabled(enable bool, _ uint32) error {
	if s.listenErr != nil {
		return s.listenErr
	}
	s.listening = enable
	return nil
}

type harness struct {
	t    *testing.T
	core *Core
	clk  *clock.Mock
	sock *fakeSocket
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	sock := &fakeSocket{t: t, clk: clk}
	base := []Option{
		WithClock(clk),
		WithLogger(logger.Discard()),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	c, err := New(sock, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.SetEnabled(true, 1))
	return &harness{t: t, core: c, clk: clk, sock: sock}
}

// advance moves the mock clock forward by d, stopping at every wake time
// the engine asks for.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	end := h.clk.Now().Add(d)
	for range 10000 {
		next, ok := h.core.poll()
		if !ok || next.After(end) {
			h.clk.Set(end)
			h.core.poll()
			return
		}
		if next.After(h.clk.Now()) {
			h.clk.Set(next)
		}
	}
	h.t.Fatal("engine kept asking to be polled at the current time")
}

// sentSince returns the messages sent after the first n.
func (h *harness) sentSince(n int) []sentMessage { return h.sock.sent[n:] }

func (h *harness) mark() int { return len(h.sock.sent) }

func peer(addrPort string) AddressInfo {
	return AddressInfo{Addr: netip.MustParseAddrPort(addrPort), IfIndex: 1}
}

var defaultPeer = peer("[fe80::2]:5353")

func (h *harness) receive(m *dns.Msg, from AddressInfo) {
	h.t.Helper()
	raw, err := m.Pack()
	require.NoError(h.t, err)
	h.core.HandleMessage(raw, false, from)
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func responseMsg(answers ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Answer = answers
	return m
}

func queryMsg(name string, qtype uint16, known ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: name, Qtype: qtype, Qclass: dns.ClassINET}}
	m.Answer = known
	return m
}

// registerHost registers a host and collects the outcomes reported to its callback.
func (h *harness) registerHost(name string, addrs ...string) *[]error {
	h.t.Helper()
	host := Host{HostName: name}
	for _, a := range addrs {
		host.Addresses = append(host.Addresses, netip.MustParseAddr(a))
	}
	var results []error
	require.NoError(h.t, h.core.RegisterHost(host, 1, func(_ RequestID, err error) { results = append(results, err) }))
	return &results
}

func answersOfType(m *dns.Msg, rrType uint16) []dns.RR {
	var out []dns.RR
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == rrType {
			out = append(out, rr)
		}
	}
	return out
}

func filter(msgs []sentMessage, keep func(sentMessage) bool) []sentMessage {
	var out []sentMessage
	for _, m := range msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
