package core

import (
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// hostEntry owns the address records (AAAA and A) and optional KEY record
// of one "<host>.local" name.
type hostEntry struct {
	entry

	name string
	fqdn string

	addr6Record recordInfo
	addresses6  []netip.Addr
	addr4Record recordInfo
	addresses4  []netip.Addr
}

func newHostEntry(c *Core, name string) *hostEntry {
	return &hostEntry{
		entry: entry{core: c, state: EntryProbing},
		name:  name,
		fqdn:  hostFQDN(name),
	}
}

func (h *hostEntry) matchesLabels(labels []string) bool {
	return matchesLocal(labels, dottedLabels(h.name))
}

func (h *hostEntry) isEmpty() bool {
	return !h.addr6Record.present && !h.addr4Record.present && !h.keyRecord.present
}

func (h *hostEntry) hasAddresses() bool {
	return h.addr6Record.present || h.addr4Record.present
}

func splitAddresses(addrs []netip.Addr) (v6, v4 []netip.Addr) {
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	return v6, v4
}

func (h *hostEntry) register(host Host, cb registration, now time.Time) {
	if h.state == EntryRemoving {
		h.startProbing()
	}
	h.setCallback(cb)

	if len(host.Addresses) == 0 {
		h.unregister(now)
		return
	}

	ttl := ttlOrDefault(host.TTL, protocol.TTLHostname)
	v6, v4 := splitAddresses(host.Addresses)
	h.updateFamily(&h.addr6Record, &h.addresses6, v6, ttl, now)
	h.updateFamily(&h.addr4Record, &h.addresses4, v4, ttl, now)

	h.determineNextFireTime()
	h.scheduleTimer()
}

// updateFamily applies the registered addresses of one family. A family
// that disappears from the registration says goodbye if it was announced.
func (h *hostEntry) updateFamily(r *recordInfo, prop *[]netip.Addr, addrs []netip.Addr, ttl uint32, now time.Time) {
	if len(addrs) > 0 {
		r.updateTTL(ttl, now)
		r.updateAddresses(prop, addrs, now)
		return
	}
	if !r.present {
		return
	}
	if h.state == EntryRegistered {
		r.updateTTL(0, now)
		return
	}
	r.clear()
	*prop = nil
}

func (h *hostEntry) registerKey(k Key, cb registration, now time.Time) {
	h.entry.registerKey(k, cb, now)
	h.determineNextFireTime()
	h.scheduleTimer()
}

func (h *hostEntry) unregister(now time.Time) {
	if !h.hasAddresses() {
		return
	}
	h.callback = registration{}
	switch h.state {
	case EntryRegistered:
		if h.addr6Record.present {
			h.addr6Record.updateTTL(0, now)
		}
		if h.addr4Record.present {
			h.addr4Record.updateTTL(0, now)
		}
		h.determineNextFireTime()
		h.scheduleTimer()
	case EntryProbing, EntryConflict:
		h.clearHost()
		h.scheduleToRemoveIfEmpty()
	case EntryRemoving:
	}
}

func (h *hostEntry) unregisterKey(now time.Time) {
	h.entry.unregisterKey(now)
	h.determineNextFireTime()
	h.scheduleTimer()
	h.scheduleToRemoveIfEmpty()
}

func (h *hostEntry) clearHost() {
	h.addr6Record.clear()
	h.addresses6 = nil
	h.addr4Record.clear()
	h.addresses4 = nil
}

func (h *hostEntry) scheduleToRemoveIfEmpty() {
	if h.isEmpty() {
		h.setStateToRemoving()
		h.core.postEntryTask()
	}
}

func (h *hostEntry) handleConflict() {
	old := h.state
	h.setStateToConflict()
	if old == EntryProbing || old == EntryRegistered {
		h.core.invokeConflictCallback(h.name, "")
	}
}

func (h *hostEntry) answerRecords() []recordAndType {
	return []recordAndType{
		{&h.addr6Record, dns.TypeAAAA},
		{&h.addr4Record, dns.TypeA},
		{&h.keyRecord, dns.TypeKEY},
	}
}

func (h *hostEntry) answerQuestion(info *answerInfo, now time.Time) {
	if h.state != EntryRegistered {
		return
	}
	if info.isProbe {
		h.answerProbe(info, h.answerRecords(), now)
	} else {
		h.answerNonProbe(h, info, h.answerRecords())
	}
	h.determineNextFireTime()
	h.scheduleTimer()
}

func (h *hostEntry) clearAppendState() {
	h.clearEntryAppendState()
	h.addr6Record.markAsNotAppended()
	h.addr4Record.markAsNotAppended()
}

func (h *hostEntry) prepareProbe(probe *txMessage) {
	for again := false; ; again = true {
		cp := probe.checkpoint()
		h.appendQuestionTo(probe, h.fqdn)
		h.appendAddressRecordsTo(probe, authoritySection)
		h.appendKeyRecordTo(probe, authoritySection, h.fqdn)
		if !probe.checkSizeLimitToPrepareAgain(cp, again) {
			return
		}
	}
}

func (h *hostEntry) startAnnouncing(now time.Time) {
	h.addr6Record.startAnnouncing(now)
	h.addr4Record.startAnnouncing(now)
	h.keyRecord.startAnnouncing(now)
}

func (h *hostEntry) prepareResponse(resp *txMessage, now time.Time) {
	for again := false; ; again = true {
		cp := resp.checkpoint()
		h.prepareResponseRecords(resp, now)
		if !resp.checkSizeLimitToPrepareAgain(cp, again) {
			break
		}
	}
	h.updateRecordsState(resp, now)
}

func (h *hostEntry) prepareResponseRecords(resp *txMessage, now time.Time) {
	want6 := h.addr6Record.shouldAppendTo(resp, now)
	want4 := h.addr4Record.shouldAppendTo(resp, now)
	appendNsec := want6 || want4
	if want6 {
		h.appendAddressFamilyTo(resp, answerSection, &h.addr6Record, h.addresses6)
	}
	if want4 {
		h.appendAddressFamilyTo(resp, answerSection, &h.addr4Record, h.addresses4)
	}
	if h.keyRecord.shouldAppendTo(resp, now) {
		h.appendKeyRecordTo(resp, answerSection, h.fqdn)
		appendNsec = true
	}
	if appendNsec || h.shouldAnswerNsec(resp, now) {
		h.appendNsecRecordTo(resp, additionalSection, h.fqdn, h.nsecTypes())
	}
}

func (h *hostEntry) updateRecordsState(resp *txMessage, now time.Time) {
	h.updateEntryRecordsState(resp, now)
	h.addr6Record.updateStateAfterAnswer(resp, now)
	h.addr4Record.updateStateAfterAnswer(resp, now)
	if h.isEmpty() {
		h.setStateToRemoving()
	}
}

func (h *hostEntry) determineNextFireTime() {
	if h.state != EntryRegistered {
		return
	}
	now := h.core.now()
	h.determineEntryNextFireTime(now)
	h.addr6Record.updateFireTimeOn(&h.fireTime, now)
	h.addr4Record.updateFireTimeOn(&h.fireTime, now)
}

// markAddressesForAdditionalData is used by services whose SRV target is this host.
func (h *hostEntry) markAddressesForAdditionalData() {
	h.addr6Record.markToAppendInAdditionalData()
	h.addr4Record.markToAppendInAdditionalData()
}

func (h *hostEntry) shouldAppendAddressesInAdditionalData() bool {
	return h.addr6Record.shouldAppendInAdditionalDataSection() || h.addr4Record.shouldAppendInAdditionalDataSection()
}

func (h *hostEntry) appendAddressRecordsTo(msg *txMessage, sec section) {
	h.appendAddressFamilyTo(msg, sec, &h.addr6Record, h.addresses6)
	h.appendAddressFamilyTo(msg, sec, &h.addr4Record, h.addresses4)
}

func (h *hostEntry) appendAddressFamilyTo(msg *txMessage, sec section, record *recordInfo, addrs []netip.Addr) {
	if !record.canAppend() {
		return
	}
	record.markAsAppended(msg, sec, h.core.now())
	for _, a := range addrs {
		msg.appendRecord(sec, newAddrRR(h.fqdn, a, record.ttl, sec != authoritySection))
	}
}

func (h *hostEntry) nsecTypes() []uint16 {
	var types []uint16
	if h.addr6Record.canAnswer() {
		types = append(types, dns.TypeAAAA)
	}
	if h.addr4Record.canAnswer() {
		types = append(types, dns.TypeA)
	}
	if h.keyRecord.canAnswer() {
		types = append(types, dns.TypeKEY)
	}
	return types
}

func (h *hostEntry) addressRRs(r *recordInfo, addrs []netip.Addr) []dns.RR {
	if !r.present {
		return nil
	}
	out := make([]dns.RR, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, newAddrRR(h.fqdn, a, r.ttl, true))
	}
	return out
}

func (h *hostEntry) recordsOfType(rrType uint16) []dns.RR {
	switch rrType {
	case dns.TypeAAAA:
		return h.addressRRs(&h.addr6Record, h.addresses6)
	case dns.TypeA:
		return h.addressRRs(&h.addr4Record, h.addresses4)
	case dns.TypeKEY:
		return h.keyRecords(h.fqdn)
	}
	return nil
}

func (h *hostEntry) probeRecords() []dns.RR {
	var out []dns.RR
	out = append(out, h.addressRRs(&h.addr6Record, h.addresses6)...)
	out = append(out, h.addressRRs(&h.addr4Record, h.addresses4)...)
	if h.keyRecord.present {
		out = append(out, newOpaqueRR(h.fqdn, dns.TypeKEY, h.keyRecord.ttl, false, h.keyData))
	}
	return out
}

func (h *hostEntry) info() (HostInfo, bool) {
	if !h.hasAddresses() {
		return HostInfo{}, false
	}
	ttl := h.addr6Record.ttl
	if !h.addr6Record.present {
		ttl = h.addr4Record.ttl
	}
	return HostInfo{
		Host: Host{
			HostName:  h.name,
			Addresses: slices.Concat(h.addresses6, h.addresses4),
			TTL:       ttl,
		},
		State: h.state,
	}, true
}

func (h *hostEntry) keyInfo() (KeyInfo, bool) {
	if !h.keyRecord.present {
		return KeyInfo{}, false
	}
	return KeyInfo{
		Key:   Key{Name: h.name, KeyData: slices.Clone(h.keyData), TTL: h.keyRecord.ttl},
		State: h.state,
	}, true
}
