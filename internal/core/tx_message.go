package core

import (
	"encoding/binary"
	"encoding/hex"
	"maps"
	"net"
	"net/netip"
	"slices"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

type section uint8

const (
	questionSection section = iota
	answerSection
	authoritySection
	additionalSection
)

type txMessageType uint8

const (
	multicastProbe txMessageType = iota
	multicastQuery
	multicastResponse
	unicastResponse
	legacyUnicastResponse
)

func (t txMessageType) String() string {
	switch t {
	case multicastProbe:
		return metrics.KindProbe
	case multicastQuery:
		return metrics.KindQuery
	case multicastResponse:
		return metrics.KindMulticastResponse
	case unicastResponse:
		return metrics.KindUnicastResponse
	case legacyUnicastResponse:
		return metrics.KindLegacyResponse
	}
	return "unknown"
}

const (
	headerLen = 12

	flagResponse      = 1 << 15
	flagAuthoritative = 1 << 10
)

// txMessage builds one outgoing message.
//
// Records of the message's primary sections are packed straight into buf
// and their names seed the compression map. Records of the secondary
// section (authority for probes, known answers for queries, additional data
// for responses) are held as RRs and packed after buf when the message is
// sent, so their names are never compression targets while the message is
// still growing.
type txMessage struct {
	core    *Core
	typ     txMessageType
	dest    AddressInfo
	queryID uint16

	counts      [4]uint16
	buf         []byte
	off         int
	compression map[string]int
	extra       []dns.RR
	// extraSize is the packed length of extra, compressed against the
	// names in buf at the time each record was added. It never
	// undercounts what bytes produces.
	extraSize int
	scratch   []byte

	legacyQuestion *dns.Question
}

// txCheckpoint is a saved builder position. Restoring it truncates buf and
// drops every compression target recorded after it.
type txCheckpoint struct {
	off         int
	counts      [4]uint16
	extraLen    int
	extraSize   int
	compression map[string]int
}

func newTxMessage(c *Core, typ txMessageType) *txMessage {
	t := &txMessage{
		core: c,
		typ:  typ,
		buf:  make([]byte, dns.MaxMsgSize),
	}
	t.reset()
	return t
}

func newUnicastTxMessage(c *Core, typ txMessageType, dest AddressInfo, queryID uint16) *txMessage {
	t := newTxMessage(c, typ)
	t.dest = dest
	t.queryID = queryID
	return t
}

func (t *txMessage) reset() {
	t.off = headerLen
	t.counts = [4]uint16{}
	t.compression = make(map[string]int)
	t.extra = t.extra[:0]
	t.extraSize = 0
	if t.legacyQuestion != nil {
		t.appendQuestion(t.legacyQuestion.Name, t.legacyQuestion.Qtype, t.legacyQuestion.Qclass)
	}
}

// setLegacyQuestion copies the single question of a legacy unicast query.
func (t *txMessage) setLegacyQuestion(q dns.Question) {
	t.legacyQuestion = &q
	t.appendQuestion(q.Name, q.Qtype, q.Qclass)
}

func (t *txMessage) inMain(sec section) bool {
	switch t.typ {
	case multicastProbe, multicastQuery:
		return sec == questionSection
	case multicastResponse, unicastResponse:
		return sec == answerSection
	case legacyUnicastResponse:
		return sec == questionSection || sec == answerSection
	}
	return false
}

func (t *txMessage) appendQuestion(name string, qtype, qclass uint16) {
	cp := t.checkpoint()
	off, err := dns.PackDomainName(name, t.buf, t.off, t.compression, true)
	if err != nil || off+4 > len(t.buf) {
		t.restore(cp)
		t.core.log.Debug("question does not fit", "name", name, "err", err)
		return
	}
	binary.BigEndian.PutUint16(t.buf[off:], qtype)
	binary.BigEndian.PutUint16(t.buf[off+2:], qclass)
	t.off = off + 4
	t.counts[questionSection]++
}

// appendRecord adds rr to sec, normalising TTL and class for legacy responses.
func (t *txMessage) appendRecord(sec section, rr dns.RR) {
	if t.typ == legacyUnicastResponse {
		hdr := rr.Header()
		hdr.Class &= protocol.ClassMask
		hdr.Ttl = min(hdr.Ttl, protocol.TTLLegacyUnicastMax)
	}
	if !t.inMain(sec) {
		n, err := t.packedLen(rr)
		if err != nil {
			t.core.log.Debug("record does not fit", "name", rr.Header().Name, "err", err)
			return
		}
		t.extra = append(t.extra, rr)
		t.extraSize += n
		t.counts[sec]++
		return
	}

	cp := t.checkpoint()
	off, err := dns.PackRR(rr, t.buf, t.off, t.compression, true)
	if err != nil {
		t.restore(cp)
		t.core.log.Debug("record does not fit", "name", rr.Header().Name, "err", err)
		return
	}
	t.off = off
	t.counts[sec]++
}

func (t *txMessage) checkpoint() txCheckpoint {
	return txCheckpoint{
		off:         t.off,
		counts:      t.counts,
		extraLen:    len(t.extra),
		extraSize:   t.extraSize,
		compression: maps.Clone(t.compression),
	}
}

func (t *txMessage) restore(cp txCheckpoint) {
	t.off = cp.off
	t.counts = cp.counts
	clear(t.extra[cp.extraLen:])
	t.extra = t.extra[:cp.extraLen]
	t.extraSize = cp.extraSize
	t.compression = cp.compression
}

// isEmpty ignores the copied question of a legacy response.
func (t *txMessage) isEmpty() bool {
	if t.typ == legacyUnicastResponse {
		return t.counts[answerSection] == 0 && t.counts[authoritySection] == 0 && t.counts[additionalSection] == 0
	}
	return t.counts == [4]uint16{}
}

// bytes returns the encoded message: header, main buffer, then the
// secondary-section records.
func (t *txMessage) bytes() ([]byte, error) {
	out := make([]byte, len(t.buf))
	copy(out, t.buf[:t.off])
	comp := maps.Clone(t.compression)
	off := t.off
	for _, rr := range t.extra {
		var err error
		if off, err = dns.PackRR(rr, out, off, comp, true); err != nil {
			return nil, err
		}
	}

	var flags uint16
	switch t.typ {
	case multicastProbe, multicastQuery:
	case multicastResponse, unicastResponse, legacyUnicastResponse:
		flags = flagResponse | flagAuthoritative
	}
	binary.BigEndian.PutUint16(out[0:], t.queryID)
	binary.BigEndian.PutUint16(out[2:], flags)
	for i, n := range t.counts {
		binary.BigEndian.PutUint16(out[4+2*i:], n)
	}
	return out[:off], nil
}

func (t *txMessage) size() int { return t.off + t.extraSize }

// packedLen packs rr into scratch space to measure it.
func (t *txMessage) packedLen(rr dns.RR) (int, error) {
	if t.scratch == nil {
		t.scratch = make([]byte, dns.MaxMsgSize)
	}
	return dns.PackRR(rr, t.scratch, 0, maps.Clone(t.compression), true)
}

// checkSizeLimitToPrepareAgain flushes the part of the message before cp
// when the latest contribution pushed it over the size limit. It reports
// whether the caller must prepare its records again into the fresh message.
// A second attempt is never split further.
func (t *txMessage) checkSizeLimitToPrepareAgain(cp txCheckpoint, prepareAgain bool) bool {
	if prepareAgain {
		return false
	}
	if t.size() <= t.core.maxMessageSize {
		return false
	}
	t.restore(cp)
	t.send()
	t.reinit()
	return true
}

// reinit empties the message after a split flush and clears the append
// state of entries whose records may have gone out in the flushed part.
func (t *txMessage) reinit() {
	t.reset()
	c := t.core
	for _, h := range c.hosts {
		if t.shouldClearAppendStateOnReinit(&h.entry) {
			h.clearAppendState()
		}
	}
	for _, s := range c.services {
		if t.shouldClearAppendStateOnReinit(&s.entry) {
			s.clearAppendState()
		}
	}
	switch t.typ {
	case multicastResponse, unicastResponse, legacyUnicastResponse:
		for _, st := range c.serviceTypes {
			st.clearAppendState()
		}
	case multicastProbe, multicastQuery:
	}
}

func (t *txMessage) shouldClearAppendStateOnReinit(e *entry) bool {
	switch e.state {
	case EntryProbing:
		return t.typ == multicastProbe
	case EntryRegistered:
		return t.typ == multicastResponse || t.typ == unicastResponse || t.typ == legacyUnicastResponse
	case EntryConflict, EntryRemoving:
		return true
	}
	return false
}

func (t *txMessage) send() {
	if t.isEmpty() {
		return
	}
	msg, err := t.bytes()
	if err != nil {
		t.core.log.Warn("failed to encode message", "type", t.typ.String(), "err", err)
		return
	}
	c := t.core
	c.txHistory.add(msg, c.now())
	c.metrics.MessageSent(t.typ.String())

	switch t.typ {
	case multicastProbe, multicastQuery, multicastResponse:
		err = c.socket.SendMulticast(msg, c.ifIndex)
	case unicastResponse, legacyUnicastResponse:
		err = c.socket.SendUnicast(msg, t.dest)
	}
	if err != nil {
		c.log.Warn("send failed", "type", t.typ.String(), "err", err)
	}
}

// Record constructors.

func rrHeader(name string, rrType uint16, ttl uint32, cacheFlush bool) dns.RR_Header {
	class := protocol.ClassIN
	if cacheFlush {
		class |= protocol.CacheFlushBit
	}
	return dns.RR_Header{Name: name, Rrtype: rrType, Class: class, Ttl: ttl}
}

func newAddrRR(name string, addr netip.Addr, ttl uint32, cacheFlush bool) dns.RR {
	if addr.Is4() {
		return &dns.A{Hdr: rrHeader(name, dns.TypeA, ttl, cacheFlush), A: net.IP(addr.AsSlice())}
	}
	return &dns.AAAA{Hdr: rrHeader(name, dns.TypeAAAA, ttl, cacheFlush), AAAA: net.IP(addr.AsSlice())}
}

func newPtrRR(name, target string, ttl uint32) dns.RR {
	return &dns.PTR{Hdr: rrHeader(name, dns.TypePTR, ttl, false), Ptr: target}
}

func newSrvRR(name string, ttl uint32, cacheFlush bool, priority, weight, port uint16, target string) dns.RR {
	return &dns.SRV{
		Hdr:      rrHeader(name, dns.TypeSRV, ttl, cacheFlush),
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

// newOpaqueRR carries rdata verbatim (TXT and KEY).
func newOpaqueRR(name string, rrType uint16, ttl uint32, cacheFlush bool, rdata []byte) dns.RR {
	return &dns.RFC3597{Hdr: rrHeader(name, rrType, ttl, cacheFlush), Rdata: hex.EncodeToString(rdata)}
}

func newNsecRR(name string, cacheFlush bool, types []uint16) dns.RR {
	types = slices.Clone(types)
	slices.Sort(types)
	return &dns.NSEC{
		Hdr:        rrHeader(name, dns.TypeNSEC, protocol.TTLNsec, cacheFlush),
		NextDomain: name,
		TypeBitMap: slices.Compact(types),
	}
}
