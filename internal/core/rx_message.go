package core

import (
	"bytes"
	goerrors "errors"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// Reasons a received message is dropped before processing.
var (
	errUnsupportedMessage = goerrors.New("unsupported opcode or response code")
	errBadSourcePort      = goerrors.New("response not sent from the mDNS port")
	errLegacyQuestions    = goerrors.New("legacy query must carry exactly one question")
)

func dropReason(err error) string {
	switch {
	case goerrors.Is(err, errUnsupportedMessage):
		return "unsupported"
	case goerrors.Is(err, errBadSourcePort):
		return "bad_source_port"
	case goerrors.Is(err, errLegacyQuestions):
		return "legacy_questions"
	}
	return "malformed"
}

type processOutcome uint8

const (
	processed processOutcome = iota
	saveAsMultiPacket
)

// rxMessage is one parsed incoming message.
type rxMessage struct {
	core *Core
	msg  *dns.Msg

	isQuery        bool
	isUnicast      bool
	isLegacy       bool
	truncated      bool
	selfOriginated bool
	sender         AddressInfo

	questions []rxQuestion

	// continuations are the known-answer packets that followed a truncated
	// query from the same sender.
	continuations []*rxMessage
}

type rxQuestion struct {
	question        dns.Question
	labels          []string
	unicastResponse bool
	isClassIN       bool
	isProbe         bool

	canAnswer     bool
	isUnique      bool
	host          *hostEntry
	service       *serviceEntry
	isServiceType bool
	isAllServices bool
	subLabel      string
	baseLabels    []string
}

func (q *rxQuestion) clearProcessState() {
	q.canAnswer = false
	q.isUnique = false
	q.host = nil
	q.service = nil
	q.isServiceType = false
	q.isAllServices = false
	q.subLabel = ""
	q.baseLabels = nil
}

// parseRxMessage decodes raw and classifies it.
//
// Queries from a port other than 5353 are legacy unicast queries
// (RFC 6762 §6.7) and must carry one question. Responses from other ports
// are dropped.
func (c *Core) parseRxMessage(raw []byte, isUnicast bool, sender AddressInfo, now time.Time) (*rxMessage, error) {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, &errors.WireFormatError{Operation: "unpack message", Offset: -1, Err: err}
	}
	if m.Opcode != dns.OpcodeQuery || m.Rcode != dns.RcodeSuccess {
		return nil, errUnsupportedMessage
	}

	rx := &rxMessage{
		core:      c,
		msg:       m,
		isQuery:   !m.Response,
		isUnicast: isUnicast,
		truncated: m.Truncated,
		sender:    sender,
	}
	if sender.Addr.Port() != protocol.Port {
		if !rx.isQuery {
			return nil, errBadSourcePort
		}
		if len(m.Question) != 1 {
			return nil, errLegacyQuestions
		}
		rx.isLegacy = true
	}

	rx.questions = make([]rxQuestion, 0, len(m.Question))
	for _, q := range m.Question {
		class := q.Qclass & protocol.ClassMask
		labels := splitName(q.Name)
		rx.questions = append(rx.questions, rxQuestion{
			question:        q,
			labels:          labels,
			unicastResponse: rx.isLegacy || isUnicast || q.Qclass&protocol.QUBit != 0,
			isClassIN:       class == protocol.ClassIN || class == protocol.ClassANY,
			isProbe: slices.ContainsFunc(m.Ns, func(rr dns.RR) bool {
				return labelsEqual(splitName(rr.Header().Name), labels)
			}),
		})
	}
	rx.selfOriginated = c.txHistory.contains(raw, now)
	return rx, nil
}

func (rx *rxMessage) kind() string {
	switch {
	case !rx.isQuery:
		return metrics.KindResponse
	case rx.isLegacy:
		return metrics.KindLegacyQuery
	}
	return metrics.KindQuery
}

// processQuery answers the questions this host can answer. The answers of
// a message are delayed 20-120 ms unless every answerable question is for
// a unique record (RFC 6762 §6). Truncated queries wait for their
// continuation packets unless processTruncated is set.
func (rx *rxMessage) processQuery(processTruncated bool, now time.Time) processOutcome {
	shouldDelay, canAnswer, needUnicast := false, false, false
	for i := range rx.questions {
		q := &rx.questions[i]
		q.clearProcessState()
		rx.processQuestion(q, now)
		if !q.canAnswer || !q.isUnique {
			shouldDelay = true
		}
		if q.canAnswer {
			canAnswer = true
			if q.unicastResponse {
				needUnicast = true
			}
		}
	}
	if !canAnswer {
		return processed
	}
	if rx.truncated && !processTruncated {
		return saveAsMultiPacket
	}

	answerTime := now
	if shouldDelay && !rx.isLegacy {
		answerTime = now.Add(rx.core.randomDuration(protocol.MinResponseDelay, protocol.MaxResponseDelay))
	}
	for i := range rx.questions {
		rx.answerQuestion(&rx.questions[i], answerTime, now)
	}
	if needUnicast {
		rx.sendUnicastResponse(now)
	}
	return processed
}

func (rx *rxMessage) processQuestion(q *rxQuestion, now time.Time) {
	c := rx.core
	if !q.isClassIN {
		return
	}

	if labelsEqual(q.labels, servicesDnssdLabels) {
		if questionMatches(q.question.Qtype, dns.TypePTR) && len(c.serviceTypes) > 0 {
			q.canAnswer = true
			q.isAllServices = true
		}
		return
	}

	if h := c.findHostByLabels(q.labels); h != nil {
		q.host = h
		rx.processEntryQuestion(q, h, now)
		return
	}
	if s := c.findServiceByLabels(q.labels); s != nil {
		q.service = s
		rx.processEntryQuestion(q, s, now)
		return
	}

	if !questionMatches(q.question.Qtype, dns.TypePTR) {
		return
	}
	sub, base := parseSubTypeLabels(q.labels)
	for _, s := range c.services {
		if s.state != EntryRegistered || !s.matchesServiceType(base) {
			continue
		}
		if sub != "" && !s.canAnswerSubType(sub) {
			continue
		}
		q.canAnswer = true
		q.service = s
		q.isServiceType = true
		q.subLabel = sub
		q.baseLabels = base
		return
	}
}

func (rx *rxMessage) processEntryQuestion(q *rxQuestion, k entryKind, now time.Time) {
	switch k.base().state {
	case EntryProbing:
		if q.isProbe && !rx.selfOriginated {
			rx.resolveSimultaneousProbe(q, k, now)
		}
	case EntryRegistered:
		q.canAnswer = true
		q.isUnique = true
	case EntryConflict, EntryRemoving:
	}
}

// resolveSimultaneousProbe compares our probe records with the authority
// records of a peer probing the same name (RFC 6762 §8.2). The loser
// restarts probing one second later.
func (rx *rxMessage) resolveSimultaneousProbe(q *rxQuestion, k entryKind, now time.Time) {
	c := rx.core
	var theirs []dns.RR
	for _, rr := range rx.msg.Ns {
		if labelsEqual(splitName(rr.Header().Name), q.labels) {
			theirs = append(theirs, rr)
		}
	}
	if compareProbeSets(c.toProbeRecords(k.probeRecords()), c.toProbeRecords(theirs)) < 0 {
		c.log.Debug("lost simultaneous probe tie-break", "entry", describeEntry(k), "from", rx.sender.Addr)
		k.base().deferProbing(now)
	}
}

// parseSubTypeLabels splits "<sub>._sub.<type>.local" into the subtype
// label and the base type labels. Other names are returned unchanged.
func parseSubTypeLabels(labels []string) (string, []string) {
	if len(labels) >= 3 && strings.EqualFold(labels[1], subTypeLabel) {
		return labels[0], labels[2:]
	}
	return "", labels
}

func (rx *rxMessage) answerQuestion(q *rxQuestion, answerTime, now time.Time) {
	if !q.canAnswer {
		return
	}
	info := &answerInfo{
		questionType:    q.question.Qtype,
		answerTime:      answerTime,
		isProbe:         q.isProbe,
		unicastResponse: q.unicastResponse,
		rx:              rx,
	}
	switch {
	case q.isAllServices:
		rx.answerAllServicesQuestion(info)
	case q.host != nil:
		q.host.answerQuestion(info, now)
	case q.isServiceType:
		rx.answerServiceTypeQuestion(q, info)
	case q.service != nil:
		q.service.answerServiceNameQuestion(info, now)
	}
}

func (rx *rxMessage) answerServiceTypeQuestion(q *rxQuestion, info *answerInfo) {
	for _, s := range rx.core.services {
		if s.state != EntryRegistered || !s.matchesServiceType(q.baseLabels) {
			continue
		}
		if q.subLabel != "" && !s.canAnswerSubType(q.subLabel) {
			continue
		}
		if rr, ttl, ok := s.typePTR(q.subLabel); ok && rx.knowsAllAnswers([]dns.RR{rr}, ttl) {
			continue
		}
		s.answerServiceTypeQuestion(info, q.subLabel)
	}
}

func (rx *rxMessage) answerAllServicesQuestion(info *answerInfo) {
	for _, st := range rx.core.serviceTypes {
		ttl := st.servicesPtr.ttl
		if rx.knowsAllAnswers([]dns.RR{newPtrRR(servicesDnssdName, st.fqdn, ttl)}, ttl) {
			continue
		}
		st.answerQuestion(info)
	}
}

// knowsAllAnswers reports whether the querier listed every one of rrs as a
// known answer with at least half of ttl remaining (RFC 6762 §7.1), in this
// message or one of its continuation packets.
func (rx *rxMessage) knowsAllAnswers(rrs []dns.RR, ttl uint32) bool {
	if rx == nil || len(rrs) == 0 {
		return false
	}
	for _, rr := range rrs {
		if !rx.knowsAnswer(rr, ttl) {
			return false
		}
	}
	return true
}

func (rx *rxMessage) knowsAnswer(rr dns.RR, ttl uint32) bool {
	want, err := rx.core.rdata(rr)
	if err != nil {
		return false
	}
	hdr := rr.Header()
	labels := splitName(hdr.Name)
	for _, m := range append([]*rxMessage{rx}, rx.continuations...) {
		for _, known := range m.msg.Answer {
			kh := known.Header()
			if kh.Rrtype != hdr.Rrtype || 2*uint64(kh.Ttl) < uint64(ttl) {
				continue
			}
			if !labelsEqual(splitName(kh.Name), labels) {
				continue
			}
			if got, err := rx.core.rdata(known); err == nil && bytes.Equal(got, want) {
				return true
			}
		}
	}
	return false
}

// sendUnicastResponse sends every answer scheduled for unicast straight
// back to the querier.
func (rx *rxMessage) sendUnicastResponse(now time.Time) {
	c := rx.core
	var resp *txMessage
	if rx.isLegacy {
		resp = newUnicastTxMessage(c, legacyUnicastResponse, rx.sender, rx.msg.Id)
		resp.setLegacyQuestion(rx.msg.Question[0])
	} else {
		resp = newUnicastTxMessage(c, unicastResponse, rx.sender, 0)
	}
	for _, h := range c.hosts {
		h.clearAppendState()
		h.prepareResponse(resp, now)
	}
	for _, s := range c.services {
		s.clearAppendState()
		s.prepareResponse(resp, now)
	}
	for _, st := range c.serviceTypes {
		st.clearAppendState()
		st.prepareResponse(resp, now)
	}
	resp.send()
}

// processResponse checks the records of a response for conflicts with
// local entries, then feeds them to the caches. Each record type is a
// separate pass so that caches created from PTR and SRV records see the
// SRV, TXT and address records of the same message.
func (rx *rxMessage) processResponse(now time.Time) {
	c := rx.core
	records := make([]dns.RR, 0, len(rx.msg.Answer)+len(rx.msg.Extra))
	for _, rr := range slices.Concat(rx.msg.Answer, rx.msg.Extra) {
		class := rr.Header().Class & protocol.ClassMask
		if class == protocol.ClassIN || class == protocol.ClassANY {
			records = append(records, rr)
		}
	}

	if !rx.selfOriginated {
		for _, rr := range records {
			rx.processRecordForConflict(rr)
		}
	}

	if len(c.browseCaches) > 0 {
		for _, rr := range records {
			if ptr, ok := rr.(*dns.PTR); ok {
				if b := c.findBrowseCacheByLabels(splitName(ptr.Hdr.Name)); b != nil {
					b.processResponseRecord(ptr, now)
				}
			}
		}
	}
	if len(c.srvCaches) > 0 {
		for _, rr := range records {
			if srv, ok := rr.(*dns.SRV); ok {
				if s := c.findSrvCacheByLabels(splitName(srv.Hdr.Name)); s != nil {
					s.processResponseRecord(srv, now)
				}
			}
		}
	}
	if len(c.txtCaches) > 0 {
		for _, rr := range records {
			if rr.Header().Rrtype != dns.TypeTXT {
				continue
			}
			if t := c.findTxtCacheByLabels(splitName(rr.Header().Name)); t != nil {
				t.processResponseRecord(rr, now)
			}
		}
	}
	rx.processAddressRecords(records, dns.TypeAAAA, c.ip6Caches, now)
	rx.processAddressRecords(records, dns.TypeA, c.ip4Caches, now)
}

func (rx *rxMessage) processAddressRecords(records []dns.RR, rrType uint16, caches []*addrCache, now time.Time) {
	if len(caches) == 0 {
		return
	}
	for _, rr := range records {
		hdr := rr.Header()
		if hdr.Rrtype != rrType {
			continue
		}
		addr, ok := addrFromRR(rr)
		if !ok {
			continue
		}
		if a := findAddrCacheByLabels(caches, splitName(hdr.Name)); a != nil {
			a.addNewResponseAddress(addr, hdr.Ttl, hdr.Class&protocol.CacheFlushBit != 0, now)
		}
	}
	for _, a := range caches {
		if a.hasNewEntries() {
			a.commitNewResponseEntries(now)
		}
	}
}

// processRecordForConflict flags a local entry whose name appears in a
// peer's response with data we do not publish ourselves.
func (rx *rxMessage) processRecordForConflict(rr dns.RR) {
	c := rx.core
	hdr := rr.Header()
	if hdr.Ttl == 0 {
		return
	}
	labels := splitName(hdr.Name)
	if h := c.findHostByLabels(labels); h != nil && !rx.ownsRecord(h, rr) {
		c.log.Warn("conflicting record received", "entry", describeEntry(h), "type", dns.TypeToString[hdr.Rrtype], "from", rx.sender.Addr)
		h.handleConflict()
	}
	if s := c.findServiceByLabels(labels); s != nil && !rx.ownsRecord(s, rr) {
		c.log.Warn("conflicting record received", "entry", describeEntry(s), "type", dns.TypeToString[hdr.Rrtype], "from", rx.sender.Addr)
		s.handleConflict()
	}
}

// ownsRecord reports whether k publishes a record identical to rr, as
// happens when two interfaces of one host see each other's announcements.
func (rx *rxMessage) ownsRecord(k entryKind, rr dns.RR) bool {
	theirs, err := rx.core.rdata(rr)
	if err != nil {
		return false
	}
	for _, ours := range k.recordsOfType(rr.Header().Rrtype) {
		if data, err := rx.core.rdata(ours); err == nil && bytes.Equal(data, theirs) {
			return true
		}
	}
	return false
}
