package node

import (
	"context"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/beacon-mdns/internal/core"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
	"github.com/joshuafuller/beacon-mdns/internal/transport"
)

// observer is a bare group member that decodes everything sent on the link.
type observer struct {
	t  *testing.T
	tr *transport.MemoryTransport
}

func newObserver(t *testing.T, network *transport.MemoryNetwork) *observer {
	t.Helper()
	tr := network.NewTransport(netip.MustParseAddr("fe80::99"))
	require.NoError(t, tr.JoinGroup(1))
	t.Cleanup(func() { _ = tr.Close() })
	return &observer{t: t, tr: tr}
}

// next returns the first message for which match is true.
func (o *observer) next(match func(*dns.Msg) bool) *dns.Msg {
	o.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
	defer cancel()
	for {
		p, err := o.tr.Receive(ctx)
		require.NoError(o.t, err, "no matching message on the link")
		m := new(dns.Msg)
		if m.Unpack(p.Data) != nil {
			continue
		}
		if match(m) {
			return m
		}
	}
}

func isProbe(m *dns.Msg) bool { return !m.Response && len(m.Ns) > 0 }

func hasAddressAnswer(ttl uint32) func(*dns.Msg) bool {
	return func(m *dns.Msg) bool {
		if !m.Response {
			return false
		}
		for _, rr := range m.Answer {
			if rr.Header().Rrtype == dns.TypeAAAA && rr.Header().Ttl == ttl {
				return true
			}
		}
		return false
	}
}

func TestWire_ProbeAnnounceGoodbye(t *testing.T) {
	if testing.Short() {
		t.Skip("probing takes seconds")
	}
	network := transport.NewMemoryNetwork()
	obs := newObserver(t, network)
	n := startMemoryNode(t, network, "fe80::1")

	host := core.Host{HostName: "node1", Addresses: []netip.Addr{netip.MustParseAddr("fd00::1")}}
	done := make(chan error, 1)
	require.NoError(t, n.Core.RegisterHost(host, 1, func(_ core.RequestID, err error) { done <- err }))

	t.Run("probe asks for a unicast reply and carries the proposed records", func(t *testing.T) {
		probe := obs.next(isProbe)
		require.Len(t, probe.Question, 1)
		q := probe.Question[0]
		assert.Equal(t, "node1.local.", q.Name)
		assert.Equal(t, dns.TypeANY, q.Qtype)
		assert.NotZero(t, q.Qclass&protocol.QUBit, "QU bit")
		require.Len(t, probe.Ns, 1)
		aaaa, ok := probe.Ns[0].(*dns.AAAA)
		require.True(t, ok)
		assert.Equal(t, "fd00::1", aaaa.AAAA.String())
		assert.Equal(t, protocol.ClassIN, aaaa.Hdr.Class)
	})

	require.NoError(t, waitResult(t, done, "registration"))

	t.Run("announcement sets the cache-flush bit", func(t *testing.T) {
		ann := obs.next(hasAddressAnswer(protocol.TTLHostname))
		assert.True(t, ann.Authoritative)
		assert.Zero(t, ann.Id)
		var flushed bool
		for _, rr := range ann.Answer {
			if rr.Header().Rrtype == dns.TypeAAAA {
				flushed = rr.Header().Class == protocol.ClassIN|protocol.CacheFlushBit
			}
		}
		assert.True(t, flushed)
	})

	t.Run("unregistering sends a goodbye", func(t *testing.T) {
		require.NoError(t, n.Core.UnregisterHost(host))
		bye := obs.next(hasAddressAnswer(0))
		assert.True(t, bye.Response)
	})
}
