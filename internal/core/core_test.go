package core

import (
	goerrors "errors"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		sock Socket
		opts []Option
	}{
		{name: "nil socket", sock: nil},
		{name: "message size too small", sock: &fakeSocket{}, opts: []Option{WithMaxMessageSize(100)}},
		{name: "message size too large", sock: &fakeSocket{}, opts: []Option{WithMaxMessageSize(10000)}},
		{name: "nil rand", sock: &fakeSocket{}, opts: []Option{WithRand(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.sock, tt.opts...)
			assert.ErrorIs(t, err, errors.ErrInvalidArgs)
		})
	}
}

func TestSetEnabled(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.sock.listening)
	assert.ErrorIs(t, h.core.SetEnabled(true, 1), errors.ErrAlready)

	h.registerHost("node1", "fd00::1")
	require.Len(t, h.core.Hosts(), 1)

	require.NoError(t, h.core.SetEnabled(false, 1))
	assert.False(t, h.sock.listening)
	assert.ErrorIs(t, h.core.SetEnabled(false, 1), errors.ErrAlready)

	// Disabling drops everything without goodbyes.
	n := h.mark()
	h.advance(5 * time.Second)
	assert.Empty(t, h.sentSince(n))

	require.NoError(t, h.core.SetEnabled(true, 1))
	assert.Empty(t, h.core.Hosts())
}

func TestSetEnabled_SocketError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.SetEnabled(false, 1))

	h.sock.listenErr = goerrors.New("no such interface")
	err := h.core.SetEnabled(true, 7)

	var netErr *errors.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "set listening", netErr.Operation)
	assert.False(t, h.core.IsEnabled())
}

func TestOperationsWhileDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.core.SetEnabled(false, 1))

	noop := func(RequestID, error) {}
	host := Host{HostName: "node1", Addresses: []netip.Addr{netip.MustParseAddr("fd00::1")}}
	svc := Service{HostName: "node1", ServiceInstance: "inst", ServiceType: "_test._udp"}
	browser := &Browser{ServiceType: "_test._udp", Callback: func(BrowseResult) {}}

	tests := []struct {
		name string
		call func() error
	}{
		{"RegisterHost", func() error { return h.core.RegisterHost(host, 1, noop) }},
		{"UnregisterHost", func() error { return h.core.UnregisterHost(host) }},
		{"RegisterService", func() error { return h.core.RegisterService(svc, 1, noop) }},
		{"UnregisterService", func() error { return h.core.UnregisterService(svc) }},
		{"RegisterKey", func() error { return h.core.RegisterKey(Key{Name: "node1", KeyData: []byte{1}}, 1, noop) }},
		{"StartBrowser", func() error { return h.core.StartBrowser(browser) }},
		{"StopBrowser", func() error { return h.core.StopBrowser(browser) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), errors.ErrInvalidState)
		})
	}
}

func TestRegister_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	noop := func(RequestID, error) {}

	tests := []struct {
		name string
		call func() error
	}{
		{"empty host name", func() error { return h.core.RegisterHost(Host{}, 1, noop) }},
		{"invalid address", func() error {
			return h.core.RegisterHost(Host{HostName: "a", Addresses: []netip.Addr{{}}}, 1, noop)
		}},
		{"service without type", func() error {
			return h.core.RegisterService(Service{ServiceInstance: "x", HostName: "a"}, 1, noop)
		}},
		{"key without data", func() error { return h.core.RegisterKey(Key{Name: "a"}, 1, noop) }},
		{"txt string overruns data", func() error {
			return h.core.RegisterService(Service{ServiceInstance: "x", ServiceType: "_x._tcp", HostName: "a", TXTData: []byte("\x07paper=a4x\x05ab")}, 1, noop)
		}},
		{"txt length past end", func() error {
			return h.core.RegisterService(Service{ServiceInstance: "x", ServiceType: "_x._tcp", HostName: "a", TXTData: []byte("\x09paper=a4")}, 1, noop)
		}},
		{"empty txt string in set", func() error {
			return h.core.RegisterService(Service{ServiceInstance: "x", ServiceType: "_x._tcp", HostName: "a", TXTData: []byte("\x03a=1\x00")}, 1, noop)
		}},
		{"nil browser", func() error { return h.core.StartBrowser(nil) }},
		{"browser without callback", func() error { return h.core.StartBrowser(&Browser{ServiceType: "_x._tcp"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), errors.ErrInvalidArgs)
		})
	}
}

func TestRegisterHost_ProbesThenAnnounces(t *testing.T) {
	h := newHarness(t)
	results := h.registerHost("node1", "fd00::1")

	// The outcome is never reported from inside the call.
	assert.Empty(t, *results)

	h.advance(6 * time.Second)
	require.Equal(t, []error{nil}, *results)

	sent := h.sock.sent
	require.GreaterOrEqual(t, len(sent), 4)

	probes := sent[:3]
	for i, p := range probes {
		require.True(t, p.isProbe(), "message %d", i)
		require.Len(t, p.msg.Question, 1)
		q := p.msg.Question[0]
		assert.Equal(t, "node1.local.", q.Name)
		assert.Equal(t, dns.TypeANY, q.Qtype)
		assert.Equal(t, i == 0, q.Qclass&protocol.QUBit != 0, "QU bit only on the first probe")

		require.Len(t, p.msg.Ns, 1)
		aaaa, ok := p.msg.Ns[0].(*dns.AAAA)
		require.True(t, ok)
		assert.Equal(t, "fd00::1", aaaa.AAAA.String())
	}
	assert.Equal(t, protocol.ProbeWaitTime, probes[1].at.Sub(probes[0].at))
	assert.Equal(t, protocol.ProbeWaitTime, probes[2].at.Sub(probes[1].at))
	first := probes[0].at.Sub(epoch)
	assert.GreaterOrEqual(t, first, protocol.MinProbeDelay)
	assert.LessOrEqual(t, first, protocol.MaxProbeDelay)

	announces := filter(sent[3:], sentMessage.isResponse)
	require.Len(t, announces, protocol.NumAnnounces)
	assert.Equal(t, protocol.ProbeWaitTime, announces[0].at.Sub(probes[2].at))
	for _, a := range announces {
		records := answersOfType(a.msg, dns.TypeAAAA)
		require.Len(t, records, 1)
		hdr := records[0].Header()
		assert.Equal(t, "node1.local.", hdr.Name)
		assert.Equal(t, protocol.TTLHostname, hdr.Ttl)
		assert.Equal(t, protocol.ClassIN|protocol.CacheFlushBit, hdr.Class)
	}
	assert.Equal(t, time.Second, announces[1].at.Sub(announces[0].at))
	assert.Equal(t, 2*time.Second, announces[2].at.Sub(announces[1].at))

	hosts := h.core.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, EntryRegistered, hosts[0].State)
}

func TestRegisterHost_ProbesAggregate(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.registerHost("node2", "fd00::2", "192.168.1.2")
	h.advance(2 * time.Second)

	probes := filter(h.sock.sent, sentMessage.isProbe)
	require.Len(t, probes, protocol.NumProbes)
	for _, p := range probes {
		assert.Len(t, p.msg.Question, 2)
		assert.Len(t, p.msg.Ns, 3)
	}
}

func TestUnregister_WhileProbingSendsNothing(t *testing.T) {
	h := newHarness(t)
	results := h.registerHost("node1", "fd00::1")
	h.advance(10 * time.Millisecond)

	require.NoError(t, h.core.UnregisterHost(Host{HostName: "node1"}))
	h.advance(10 * time.Second)

	assert.Empty(t, h.sock.sent)
	assert.Empty(t, *results)
	assert.Empty(t, h.core.Hosts())
}

func TestUnregister_RegisteredSendsGoodbyes(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)

	n := h.mark()
	require.NoError(t, h.core.UnregisterHost(Host{HostName: "node1"}))
	h.advance(10 * time.Second)

	goodbyes := h.sentSince(n)
	require.Len(t, goodbyes, protocol.NumAnnounces)
	for _, g := range goodbyes {
		require.True(t, g.isResponse())
		records := answersOfType(g.msg, dns.TypeAAAA)
		require.Len(t, records, 1)
		assert.Zero(t, records[0].Header().Ttl)
	}
	assert.Equal(t, time.Second, goodbyes[1].at.Sub(goodbyes[0].at))
	assert.Equal(t, 2*time.Second, goodbyes[2].at.Sub(goodbyes[1].at))
	assert.Empty(t, h.core.Hosts())
}

func TestConflict_DuringProbing(t *testing.T) {
	h := newHarness(t)
	var conflicts [][2]string
	h.core.SetConflictCallback(func(name, serviceType string) {
		conflicts = append(conflicts, [2]string{name, serviceType})
	})
	results := h.registerHost("dup", "fd00::1")
	h.advance(300 * time.Millisecond)
	require.NotEmpty(t, h.sock.sent)

	h.receive(responseMsg(mustRR(t, "dup.local. 120 IN AAAA fd00::99")), defaultPeer)
	assert.Equal(t, [][2]string{{"dup", ""}}, conflicts)

	n := h.mark()
	h.advance(5 * time.Second)
	assert.Empty(t, h.sentSince(n), "an entry in conflict stays silent")
	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0], errors.ErrDuplicated)

	hosts := h.core.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, EntryConflict, hosts[0].State)
}

func TestConflict_IdenticalRecordIsNotAConflict(t *testing.T) {
	h := newHarness(t)
	var conflicts int
	h.core.SetConflictCallback(func(string, string) { conflicts++ })
	results := h.registerHost("node1", "fd00::1")
	h.advance(100 * time.Millisecond)

	h.receive(responseMsg(mustRR(t, "node1.local. 120 IN AAAA fd00::1")), defaultPeer)
	h.advance(6 * time.Second)

	assert.Zero(t, conflicts)
	assert.Equal(t, []error{nil}, *results)
}

func TestConflict_AfterRegistration(t *testing.T) {
	h := newHarness(t)
	var conflicts []string
	h.core.SetConflictCallback(func(name, _ string) { conflicts = append(conflicts, name) })
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)

	h.receive(responseMsg(mustRR(t, "node1.local. 120 IN AAAA fd00::5")), defaultPeer)
	h.receive(responseMsg(mustRR(t, "node1.local. 120 IN AAAA fd00::6")), defaultPeer)

	assert.Equal(t, []string{"node1"}, conflicts, "reported once")
	assert.Equal(t, EntryConflict, h.core.Hosts()[0].State)
}

func TestSimultaneousProbeTieBreak(t *testing.T) {
	tests := []struct {
		name      string
		theirs    string
		wantDefer bool
	}{
		{name: "peer data greater, we lose", theirs: "fd00::2", wantDefer: true},
		{name: "peer data smaller, we win", theirs: "fd00::0", wantDefer: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			results := h.registerHost("tie", "fd00::1")
			h.advance(protocol.MaxProbeDelay)
			require.Len(t, h.sock.sent, 1)

			probe := new(dns.Msg)
			probe.Question = []dns.Question{{Name: "tie.local.", Qtype: dns.TypeANY, Qclass: dns.ClassINET}}
			probe.Ns = []dns.RR{mustRR(t, "tie.local. 120 IN AAAA "+tt.theirs)}
			h.receive(probe, defaultPeer)

			n := h.mark()
			h.advance(900 * time.Millisecond)
			early := filter(h.sentSince(n), sentMessage.isProbe)
			if tt.wantDefer {
				assert.Empty(t, early)
				h.advance(2 * time.Second)
				assert.Len(t, filter(h.sentSince(n), sentMessage.isProbe), protocol.NumProbes)
			} else {
				assert.Len(t, early, protocol.NumProbes-1)
			}
			h.advance(5 * time.Second)
			assert.Equal(t, []error{nil}, *results)
		})
	}
}

func TestKnownAnswerSuppression(t *testing.T) {
	tests := []struct {
		name       string
		known      string
		wantAnswer bool
	}{
		{name: "no known answer", known: "", wantAnswer: true},
		{name: "full ttl known", known: "node1.local. 120 IN AAAA fd00::1", wantAnswer: false},
		{name: "half ttl known", known: "node1.local. 60 IN AAAA fd00::1", wantAnswer: false},
		{name: "less than half ttl known", known: "node1.local. 59 IN AAAA fd00::1", wantAnswer: true},
		{name: "different address known", known: "node1.local. 120 IN AAAA fd00::2", wantAnswer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.registerHost("node1", "fd00::1")
			h.advance(6 * time.Second)

			var known []dns.RR
			if tt.known != "" {
				known = append(known, mustRR(t, tt.known))
			}
			n := h.mark()
			h.receive(queryMsg("node1.local.", dns.TypeAAAA, known...), defaultPeer)
			h.advance(time.Second)

			responses := filter(h.sentSince(n), sentMessage.isResponse)
			if !tt.wantAnswer {
				assert.Empty(t, responses)
				return
			}
			require.Len(t, responses, 1)
			assert.Len(t, answersOfType(responses[0].msg, dns.TypeAAAA), 1)
			assert.Equal(t, h.clk.Now().Add(-time.Second), responses[0].at, "unique answers go out at once")
		})
	}
}

func TestQuery_NsecForMissingType(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)

	n := h.mark()
	h.receive(queryMsg("node1.local.", dns.TypeTXT), defaultPeer)
	h.advance(time.Second)

	responses := h.sentSince(n)
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0].msg.Answer)
	require.Len(t, responses[0].msg.Extra, 1)
	nsec, ok := responses[0].msg.Extra[0].(*dns.NSEC)
	require.True(t, ok)
	assert.Equal(t, []uint16{dns.TypeAAAA}, nsec.TypeBitMap)
}

func TestQuery_AnswersOnlyAskedFamily(t *testing.T) {
	h := newHarness(t)
	h.registerHost("dual", "fd00::1", "192.168.1.5")
	h.advance(6 * time.Second)

	tests := []struct {
		name     string
		qtype    uint16
		wantType uint16
		wantAddr string
	}{
		{"aaaa question", dns.TypeAAAA, dns.TypeAAAA, "fd00::1"},
		{"a question right after", dns.TypeA, dns.TypeA, "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := h.mark()
			h.receive(queryMsg("dual.local.", tt.qtype), defaultPeer)
			h.advance(200 * time.Millisecond)

			responses := h.sentSince(n)
			require.Len(t, responses, 1)
			require.Len(t, responses[0].msg.Answer, 1)
			rr := responses[0].msg.Answer[0]
			assert.Equal(t, tt.wantType, rr.Header().Rrtype)
			switch v := rr.(type) {
			case *dns.AAAA:
				assert.Equal(t, tt.wantAddr, v.AAAA.String())
			case *dns.A:
				assert.Equal(t, tt.wantAddr, v.A.String())
			}
		})
	}
}

func TestQuery_UnicastRequested(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)

	n := h.mark()
	q := queryMsg("node1.local.", dns.TypeAAAA)
	q.Question[0].Qclass |= protocol.QUBit
	h.receive(q, defaultPeer)
	h.advance(time.Second)

	sent := h.sentSince(n)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].unicast)
	assert.Equal(t, defaultPeer, sent[0].dest)
}

func TestLegacyUnicastQuery(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)
	legacy := peer("[fe80::2]:40000")

	t.Run("answered directly", func(t *testing.T) {
		n := h.mark()
		q := queryMsg("node1.local.", dns.TypeAAAA)
		q.Id = 0x1234
		h.receive(q, legacy)

		sent := h.sentSince(n)
		require.Len(t, sent, 1)
		m := sent[0]
		assert.True(t, m.unicast)
		assert.Equal(t, legacy, m.dest)
		assert.Equal(t, uint16(0x1234), m.msg.Id)
		require.Len(t, m.msg.Question, 1)
		assert.Equal(t, "node1.local.", m.msg.Question[0].Name)
		records := answersOfType(m.msg, dns.TypeAAAA)
		require.Len(t, records, 1)
		assert.Equal(t, protocol.TTLLegacyUnicastMax, records[0].Header().Ttl)
		assert.Equal(t, protocol.ClassIN, records[0].Header().Class)
	})

	t.Run("two questions dropped", func(t *testing.T) {
		n := h.mark()
		q := queryMsg("node1.local.", dns.TypeAAAA)
		q.Question = append(q.Question, dns.Question{Name: "node1.local.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
		h.receive(q, legacy)
		h.advance(time.Second)
		assert.Empty(t, h.sentSince(n))
	})
}

func TestResponseFromOtherPortIgnored(t *testing.T) {
	h := newHarness(t)
	var results []BrowseResult
	b := &Browser{ServiceType: "_test._udp", Callback: func(r BrowseResult) { results = append(results, r) }}
	require.NoError(t, h.core.StartBrowser(b))

	h.receive(responseMsg(mustRR(t, "_test._udp.local. 120 IN PTR instance1._test._udp.local.")), peer("[fe80::2]:40000"))
	assert.Empty(t, results)
}

func TestMalformedMessageDropped(t *testing.T) {
	h := newHarness(t)
	h.registerHost("node1", "fd00::1")
	h.advance(6 * time.Second)

	n := h.mark()
	h.core.HandleMessage([]byte{0x00, 0x01, 0x02}, false, defaultPeer)
	h.advance(time.Second)
	assert.Empty(t, h.sentSince(n))
}

func TestTruncatedQueryWaitsForKnownAnswers(t *testing.T) {
	tests := []struct {
		name         string
		continuation bool
		wantAnswer   bool
	}{
		{name: "continuation lists the answer", continuation: true, wantAnswer: false},
		{name: "no continuation", continuation: false, wantAnswer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.registerHost("node1", "fd00::1")
			h.advance(6 * time.Second)

			n := h.mark()
			q := queryMsg("node1.local.", dns.TypeAAAA)
			q.Truncated = true
			h.receive(q, defaultPeer)
			h.advance(100 * time.Millisecond)
			assert.Empty(t, h.sentSince(n), "a truncated query waits")

			if tt.continuation {
				c := new(dns.Msg)
				c.Answer = []dns.RR{mustRR(t, "node1.local. 120 IN AAAA fd00::1")}
				h.receive(c, defaultPeer)
			}
			h.advance(time.Second)

			responses := filter(h.sentSince(n), sentMessage.isResponse)
			if tt.wantAnswer {
				assert.Len(t, responses, 1)
			} else {
				assert.Empty(t, responses)
			}
		})
	}
}

func TestRegisterService_AnswersBrowseAndEnumeration(t *testing.T) {
	h := newHarness(t)
	h.registerHost("printer", "fd00::1")
	var results []error
	svc := Service{
		HostName:        "printer",
		ServiceInstance: "My Printer",
		ServiceType:     "_ipp._tcp",
		SubTypeLabels:   []string{"_color"},
		TXTData:         []byte("\x08paper=A4"),
		Port:            631,
	}
	require.NoError(t, h.core.RegisterService(svc, 7, func(id RequestID, err error) {
		assert.Equal(t, RequestID(7), id)
		results = append(results, err)
	}))
	h.advance(6 * time.Second)
	require.Equal(t, []error{nil}, results)

	tests := []struct {
		name      string
		question  string
		wantOwner string
		wantPtr   string
	}{
		{"service type", "_ipp._tcp.local.", "_ipp._tcp.local.", `My\ Printer._ipp._tcp.local.`},
		{"subtype", "_color._sub._ipp._tcp.local.", "_color._sub._ipp._tcp.local.", `My\ Printer._ipp._tcp.local.`},
		{"enumeration", "_services._dns-sd._udp.local.", "_services._dns-sd._udp.local.", "_ipp._tcp.local."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.advance(2 * time.Second)
			n := h.mark()
			h.receive(queryMsg(tt.question, dns.TypePTR), defaultPeer)
			h.advance(200 * time.Millisecond)

			responses := h.sentSince(n)
			require.Len(t, responses, 1)
			delay := responses[0].at.Sub(h.clk.Now().Add(-200 * time.Millisecond))
			assert.GreaterOrEqual(t, delay, protocol.MinResponseDelay, "shared answers are delayed")

			ptrs := answersOfType(responses[0].msg, dns.TypePTR)
			require.Len(t, ptrs, 1)
			assert.Equal(t, tt.wantOwner, ptrs[0].Header().Name)
			assert.Equal(t, tt.wantPtr, ptrs[0].(*dns.PTR).Ptr)
		})
	}

	t.Run("additional records", func(t *testing.T) {
		h.advance(2 * time.Second)
		n := h.mark()
		h.receive(queryMsg("_ipp._tcp.local.", dns.TypePTR), defaultPeer)
		h.advance(200 * time.Millisecond)

		responses := h.sentSince(n)
		require.Len(t, responses, 1)
		types := map[uint16]int{}
		for _, rr := range responses[0].msg.Extra {
			types[rr.Header().Rrtype]++
		}
		assert.Equal(t, 1, types[dns.TypeSRV])
		assert.Equal(t, 1, types[dns.TypeTXT])
		assert.Equal(t, 1, types[dns.TypeAAAA])
	})
}

func TestBrowser_QueriesAndReports(t *testing.T) {
	h := newHarness(t)
	var results []BrowseResult
	b := &Browser{ServiceType: "_test._udp", Callback: func(r BrowseResult) { results = append(results, r) }}
	require.NoError(t, h.core.StartBrowser(b))
	assert.ErrorIs(t, h.core.StartBrowser(b), errors.ErrAlready)

	h.advance(200 * time.Millisecond)
	require.Len(t, h.sock.sent, 1)
	q := h.sock.sent[0]
	require.True(t, q.isQuery())
	require.Len(t, q.msg.Question, 1)
	assert.Equal(t, "_test._udp.local.", q.msg.Question[0].Name)
	assert.Equal(t, dns.TypePTR, q.msg.Question[0].Qtype)

	h.receive(responseMsg(mustRR(t, "_test._udp.local. 120 IN PTR instance1._test._udp.local.")), defaultPeer)
	require.Len(t, results, 1)
	assert.Equal(t, "instance1", results[0].ServiceInstance)
	assert.Equal(t, uint32(120), results[0].TTL)
	assert.Equal(t, uint32(1), results[0].IfIndex)

	// Later initial queries carry the instance as a known answer.
	n := h.mark()
	h.advance(3 * time.Second)
	queries := filter(h.sentSince(n), sentMessage.isQuery)
	require.NotEmpty(t, queries)
	ptrs := answersOfType(queries[0].msg, dns.TypePTR)
	require.Len(t, ptrs, 1)
	assert.Equal(t, "instance1._test._udp.local.", ptrs[0].(*dns.PTR).Ptr)

	// A second browser gets the cached instance.
	var second []BrowseResult
	b2 := &Browser{ServiceType: "_test._udp", Callback: func(r BrowseResult) { second = append(second, r) }}
	require.NoError(t, h.core.StartBrowser(b2))
	require.Len(t, second, 1)
	assert.Equal(t, "instance1", second[0].ServiceInstance)

	h.receive(responseMsg(mustRR(t, "_test._udp.local. 0 IN PTR instance1._test._udp.local.")), defaultPeer)
	require.Len(t, results, 2)
	assert.Zero(t, results[1].TTL)

	require.NoError(t, h.core.StopBrowser(b))
	require.NoError(t, h.core.StopBrowser(b2))
	h.receive(responseMsg(mustRR(t, "_test._udp.local. 120 IN PTR instance2._test._udp.local.")), defaultPeer)
	assert.Len(t, results, 2)
}

func TestSrvResolver_RefreshAndExpiry(t *testing.T) {
	h := newHarness(t)
	var results []SrvResult
	r := &SrvResolver{ServiceInstance: "inst", ServiceType: "_test._udp", Callback: func(s SrvResult) { results = append(results, s) }}
	require.NoError(t, h.core.StartSrvResolver(r))

	h.advance(200 * time.Millisecond)
	h.receive(responseMsg(mustRR(t, "inst._test._udp.local. 120 IN SRV 1 2 8080 host1.local.")), defaultPeer)
	require.Len(t, results, 1)
	assert.Equal(t, "host1", results[0].HostName)
	assert.Equal(t, uint16(8080), results[0].Port)
	assert.Equal(t, uint16(1), results[0].Priority)
	assert.Equal(t, uint16(2), results[0].Weight)

	n := h.mark()
	h.advance(119 * time.Second)
	refreshes := filter(h.sentSince(n), func(m sentMessage) bool {
		return m.isQuery() && len(m.msg.Question) > 0 && m.msg.Question[0].Qtype == dns.TypeSRV
	})
	assert.Len(t, refreshes, protocol.MaxRefreshQueries)
	for _, q := range refreshes {
		assert.GreaterOrEqual(t, q.at.Sub(epoch.Add(200*time.Millisecond)), 96*time.Second)
	}
	require.Len(t, results, 1, "not expired yet")

	h.advance(2 * time.Second)
	require.Len(t, results, 2)
	assert.Zero(t, results[1].TTL)
}

func TestSrvResolver_RefreshKeepsRecord(t *testing.T) {
	h := newHarness(t)
	var results []SrvResult
	r := &SrvResolver{ServiceInstance: "inst", ServiceType: "_test._udp", Callback: func(s SrvResult) { results = append(results, s) }}
	require.NoError(t, h.core.StartSrvResolver(r))
	h.advance(200 * time.Millisecond)

	srv := "inst._test._udp.local. 120 IN SRV 0 0 8080 host1.local."
	h.receive(responseMsg(mustRR(t, srv)), defaultPeer)
	h.advance(100 * time.Second)
	h.receive(responseMsg(mustRR(t, srv)), defaultPeer)
	h.advance(60 * time.Second)

	assert.Len(t, results, 1, "an unchanged refresh is not reported")
}

func TestTxtResolver(t *testing.T) {
	h := newHarness(t)
	var results []TxtResult
	r := &TxtResolver{ServiceInstance: "inst", ServiceType: "_test._udp", Callback: func(s TxtResult) { results = append(results, s) }}
	require.NoError(t, h.core.StartTxtResolver(r))
	h.advance(200 * time.Millisecond)

	h.receive(responseMsg(mustRR(t, `inst._test._udp.local. 120 IN TXT "a=1" "b=2"`)), defaultPeer)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("\x03a=1\x03b=2"), results[0].TXTData)
}

func TestAddressResolver_CommitsPerResponse(t *testing.T) {
	h := newHarness(t)
	var results []AddressResult
	r := &AddressResolver{HostName: "host1", Callback: func(a AddressResult) { results = append(results, a) }}
	require.NoError(t, h.core.StartIp6AddressResolver(r))
	h.advance(200 * time.Millisecond)

	addrs := func(res AddressResult) []string {
		var out []string
		for _, a := range res.Addresses {
			out = append(out, a.Address.String())
		}
		return out
	}

	flush := func(rr dns.RR) dns.RR {
		rr.Header().Class |= protocol.CacheFlushBit
		return rr
	}

	h.receive(responseMsg(
		flush(mustRR(t, "host1.local. 120 IN AAAA fd00::1")),
		flush(mustRR(t, "host1.local. 120 IN AAAA fd00::2")),
	), defaultPeer)
	require.Len(t, results, 1, "one callback per response")
	assert.ElementsMatch(t, []string{"fd00::1", "fd00::2"}, addrs(results[0]))

	h.advance(2 * time.Second)
	h.receive(responseMsg(flush(mustRR(t, "host1.local. 120 IN AAAA fd00::3"))), defaultPeer)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"fd00::3"}, addrs(results[1]), "cache flush replaces the set")

	h.receive(responseMsg(mustRR(t, "host1.local. 120 IN AAAA fd00::4")), defaultPeer)
	require.Len(t, results, 3)
	assert.ElementsMatch(t, []string{"fd00::3", "fd00::4"}, addrs(results[2]))

	h.receive(responseMsg(mustRR(t, "host1.local. 0 IN AAAA fd00::3")), defaultPeer)
	require.Len(t, results, 4)
	assert.Equal(t, []string{"fd00::4"}, addrs(results[3]))

	// IPv4 records are ignored by an IPv6 resolver.
	h.receive(responseMsg(mustRR(t, "host1.local. 120 IN A 192.168.1.9")), defaultPeer)
	assert.Len(t, results, 4)
}

func TestPassiveCaches(t *testing.T) {
	h := newHarness(t)
	var browsed []BrowseResult
	require.NoError(t, h.core.StartBrowser(&Browser{ServiceType: "_test._udp", Callback: func(r BrowseResult) { browsed = append(browsed, r) }}))
	h.advance(200 * time.Millisecond)

	h.receive(responseMsg(
		mustRR(t, "_test._udp.local. 120 IN PTR inst._test._udp.local."),
		mustRR(t, "inst._test._udp.local. 120 IN SRV 0 0 9 host1.local."),
		mustRR(t, `inst._test._udp.local. 120 IN TXT "k=v"`),
		mustRR(t, "host1.local. 120 IN AAAA fd00::1"),
	), defaultPeer)
	require.Len(t, browsed, 1)

	// Resolvers started afterwards are answered from the passive caches.
	var srv []SrvResult
	var addrs []AddressResult
	require.NoError(t, h.core.StartSrvResolver(&SrvResolver{ServiceInstance: "inst", ServiceType: "_test._udp", Callback: func(r SrvResult) { srv = append(srv, r) }}))
	require.NoError(t, h.core.StartIp6AddressResolver(&AddressResolver{HostName: "host1", Callback: func(r AddressResult) { addrs = append(addrs, r) }}))
	require.Len(t, srv, 1)
	assert.Equal(t, "host1", srv[0].HostName)
	require.Len(t, addrs, 1)
	assert.Equal(t, "fd00::1", addrs[0].Addresses[0].Address.String())
}

func TestPassiveCacheIsDeleted(t *testing.T) {
	h := newHarness(t)
	r := &SrvResolver{ServiceInstance: "inst", ServiceType: "_test._udp", Callback: func(SrvResult) {}}
	require.NoError(t, h.core.StartSrvResolver(r))
	require.NoError(t, h.core.StopSrvResolver(r))
	h.advance(time.Second)
	require.Len(t, h.core.srvCaches, 1)

	h.advance(protocol.NonActiveDeleteDelay)
	assert.Empty(t, h.core.srvCaches)
}

func TestMessageSplitAtSizeLimit(t *testing.T) {
	h := newHarness(t, WithMaxMessageSize(MinMaxMessageSize))
	for i := range 12 {
		svc := Service{
			HostName:        "host1",
			ServiceInstance: "service instance number " + string(rune('a'+i)),
			ServiceType:     "_split._tcp",
			TXTData:         []byte("\x0fsome=text=value"),
			Port:            uint16(1000 + i),
		}
		require.NoError(t, h.core.RegisterService(svc, RequestID(i), func(RequestID, error) {}))
	}
	h.advance(6 * time.Second)

	probes := filter(h.sock.sent, sentMessage.isProbe)
	assert.Greater(t, len(probes), protocol.NumProbes, "probes were split")
	instances := map[string]bool{}
	for _, m := range h.sock.sent {
		assert.LessOrEqual(t, len(m.raw), MinMaxMessageSize)
		for _, rr := range answersOfType(m.msg, dns.TypePTR) {
			if rr.Header().Name == "_split._tcp.local." {
				instances[rr.(*dns.PTR).Ptr] = true
			}
		}
	}
	assert.Len(t, instances, 12)
}

func TestResultCallbacksMayReenterEngine(t *testing.T) {
	h := newHarness(t)
	var b *Browser
	stopped := false
	b = &Browser{ServiceType: "_test._udp", Callback: func(BrowseResult) {
		require.NoError(t, h.core.StopBrowser(b))
		stopped = true
	}}
	require.NoError(t, h.core.StartBrowser(b))
	h.advance(200 * time.Millisecond)

	h.receive(responseMsg(mustRR(t, "_test._udp.local. 120 IN PTR instance1._test._udp.local.")), defaultPeer)
	assert.True(t, stopped)
}

func TestKeys(t *testing.T) {
	h := newHarness(t)
	var results []error
	cb := func(_ RequestID, err error) { results = append(results, err) }
	require.NoError(t, h.core.RegisterKey(Key{Name: "node1", KeyData: []byte{0x01, 0x00, 0x03, 0x0d, 0xaa, 0xbb}}, 1, cb))
	require.NoError(t, h.core.RegisterKey(Key{Name: "inst", ServiceType: "_test._udp", KeyData: []byte{0x01, 0x00, 0x03, 0x0d, 0xcc}}, 2, cb))
	h.advance(6 * time.Second)

	assert.Equal(t, []error{nil, nil}, results)
	keys := h.core.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "node1", keys[0].Name)
	assert.Equal(t, "_test._udp", keys[1].ServiceType)

	n := h.mark()
	h.receive(queryMsg("node1.local.", dns.TypeKEY), defaultPeer)
	h.advance(time.Second)
	responses := h.sentSince(n)
	require.Len(t, responses, 1)
	assert.Len(t, answersOfType(responses[0].msg, dns.TypeKEY), 1)
}

func TestHost_IPv4Addresses(t *testing.T) {
	h := newHarness(t)
	results := h.registerHost("dual", "fd00::1", "192.168.1.5")
	h.advance(6 * time.Second)
	require.Equal(t, []error{nil}, *results)

	tests := []struct {
		name  string
		check func(t *testing.T)
	}{
		{"probe proposes both families", func(t *testing.T) {
			probe := filter(h.sock.sent, sentMessage.isProbe)[0]
			types := map[uint16]int{}
			for _, rr := range probe.msg.Ns {
				types[rr.Header().Rrtype]++
			}
			assert.Equal(t, map[uint16]int{dns.TypeAAAA: 1, dns.TypeA: 1}, types)
		}},
		{"announcement flushes both families", func(t *testing.T) {
			ann := filter(h.sock.sent, sentMessage.isResponse)[0]
			a := answersOfType(ann.msg, dns.TypeA)
			require.Len(t, a, 1)
			assert.Equal(t, "192.168.1.5", a[0].(*dns.A).A.String())
			assert.Equal(t, protocol.ClassIN|protocol.CacheFlushBit, a[0].Header().Class)
			assert.Equal(t, protocol.TTLHostname, a[0].Header().Ttl)
			assert.Len(t, answersOfType(ann.msg, dns.TypeAAAA), 1)
		}},
		{"nsec lists both families", func(t *testing.T) {
			h.advance(2 * time.Second)
			n := h.mark()
			h.receive(queryMsg("dual.local.", dns.TypeTXT), defaultPeer)
			h.advance(time.Second)

			responses := h.sentSince(n)
			require.Len(t, responses, 1)
			require.Len(t, responses[0].msg.Extra, 1)
			nsec, ok := responses[0].msg.Extra[0].(*dns.NSEC)
			require.True(t, ok)
			assert.Equal(t, []uint16{dns.TypeA, dns.TypeAAAA}, nsec.TypeBitMap)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.check)
	}
}

func TestBrowser_SubType(t *testing.T) {
	h := newHarness(t)
	var results []BrowseResult
	b := &Browser{ServiceType: "_test._udp", SubTypeLabel: "_printer", Callback: func(r BrowseResult) { results = append(results, r) }}
	require.NoError(t, h.core.StartBrowser(b))

	h.advance(200 * time.Millisecond)
	require.Len(t, h.sock.sent, 1)
	require.Len(t, h.sock.sent[0].msg.Question, 1)
	assert.Equal(t, "_printer._sub._test._udp.local.", h.sock.sent[0].msg.Question[0].Name)

	tests := []struct {
		name      string
		rr        string
		wantCount int
	}{
		{"plain type is not the subtype", "_test._udp.local. 120 IN PTR plain._test._udp.local.", 0},
		{"other subtype", "_scanner._sub._test._udp.local. 120 IN PTR scan._test._udp.local.", 0},
		{"matching subtype", "_printer._sub._test._udp.local. 120 IN PTR color._test._udp.local.", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results = nil
			h.receive(responseMsg(mustRR(t, tt.rr)), defaultPeer)
			require.Len(t, results, tt.wantCount)
			if tt.wantCount > 0 {
				assert.Equal(t, "color", results[0].ServiceInstance)
				assert.Equal(t, "_printer", results[0].SubTypeLabel)
				assert.Equal(t, "_test._udp", results[0].ServiceType)
			}
		})
	}
}

func TestIp4AddressResolver(t *testing.T) {
	h := newHarness(t)
	var results []AddressResult
	r := &AddressResolver{HostName: "host1", Callback: func(a AddressResult) { results = append(results, a) }}
	require.NoError(t, h.core.StartIp4AddressResolver(r))
	assert.ErrorIs(t, h.core.StartIp4AddressResolver(r), errors.ErrAlready)

	h.advance(200 * time.Millisecond)
	queries := filter(h.sock.sent, sentMessage.isQuery)
	require.NotEmpty(t, queries)
	assert.Equal(t, dns.TypeA, queries[0].msg.Question[0].Qtype)

	tests := []struct {
		name string
		rr   string
		want []string
	}{
		{"aaaa ignored", "host1.local. 120 IN AAAA fd00::1", nil},
		{"a reported", "host1.local. 120 IN A 192.168.1.9", []string{"192.168.1.9"}},
		{"a removed", "host1.local. 0 IN A 192.168.1.9", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results = nil
			h.receive(responseMsg(mustRR(t, tt.rr)), defaultPeer)
			if tt.want == nil {
				assert.Empty(t, results)
				return
			}
			require.Len(t, results, 1)
			got := []string{}
			for _, a := range results[0].Addresses {
				got = append(got, a.Address.String())
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "host1", results[0].HostName)
		})
	}

	require.NoError(t, h.core.StopIp4AddressResolver(r))
	results = nil
	h.receive(responseMsg(mustRR(t, "host1.local. 120 IN A 192.168.1.10")), defaultPeer)
	assert.Empty(t, results)
}
