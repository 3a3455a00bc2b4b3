package core

import (
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// serviceEntry owns the PTR, SRV, TXT and optional KEY records of one
// service instance, plus one PTR per registered subtype.
type serviceEntry struct {
	entry

	instance    string
	serviceType string
	fqdn        string
	typeFQDN    string

	ptrRecord recordInfo
	srvRecord recordInfo
	txtRecord recordInfo
	subTypes  []*subType

	hostName string
	priority uint16
	weight   uint16
	port     uint16
	txtData  []byte

	addedInServiceTypes bool
}

type subType struct {
	label     string
	fqdn      string
	ptrRecord recordInfo
}

var emptyTxtData = []byte{0}

func newServiceEntry(c *Core, instance, serviceType string) *serviceEntry {
	return &serviceEntry{
		entry:       entry{core: c, state: EntryProbing},
		instance:    instance,
		serviceType: serviceType,
		fqdn:        serviceFQDN(instance, serviceType),
		typeFQDN:    serviceTypeFQDN(serviceType),
	}
}

func (s *serviceEntry) matches(instance, serviceType string) bool {
	return nameEqual(s.instance, instance) && nameEqual(s.serviceType, serviceType)
}

func (s *serviceEntry) matchesLabels(labels []string) bool {
	return matchesLocal(labels, []string{s.instance}, dottedLabels(s.serviceType))
}

func (s *serviceEntry) matchesServiceType(labels []string) bool {
	return s.ptrRecord.canAnswer() && matchesLocal(labels, dottedLabels(s.serviceType))
}

func (s *serviceEntry) findSubType(label string) *subType {
	for _, st := range s.subTypes {
		if nameEqual(st.label, label) {
			return st
		}
	}
	return nil
}

func (s *serviceEntry) canAnswerSubType(label string) bool {
	if !s.ptrRecord.canAnswer() {
		return false
	}
	st := s.findSubType(label)
	return st != nil && st.ptrRecord.canAnswer()
}

func (s *serviceEntry) isEmpty() bool {
	return !s.ptrRecord.present && !s.keyRecord.present
}

func (s *serviceEntry) register(svc Service, cb registration, now time.Time) {
	ttl := ttlOrDefault(svc.TTL, protocol.TTLService)
	if s.state == EntryRemoving {
		s.startProbing()
	}
	s.setCallback(cb)

	for _, st := range s.subTypes {
		subTTL := uint32(0)
		if slices.ContainsFunc(svc.SubTypeLabels, func(l string) bool { return nameEqual(l, st.label) }) {
			subTTL = ttl
		}
		st.ptrRecord.updateTTL(subTTL, now)
	}
	for _, label := range svc.SubTypeLabels {
		if s.findSubType(label) != nil {
			continue
		}
		st := &subType{label: label, fqdn: subTypeFQDN(label, s.serviceType)}
		st.ptrRecord.updateTTL(ttl, now)
		s.subTypes = append(s.subTypes, st)
	}

	s.ptrRecord.updateTTL(ttl, now)
	s.srvRecord.updateTTL(ttl, now)
	s.srvRecord.updateString(&s.hostName, svc.HostName, now)
	s.srvRecord.updateUint16(&s.priority, svc.Priority, now)
	s.srvRecord.updateUint16(&s.weight, svc.Weight, now)
	s.srvRecord.updateUint16(&s.port, svc.Port, now)
	s.txtRecord.updateTTL(ttl, now)
	if len(svc.TXTData) == 0 {
		s.txtRecord.updateBytes(&s.txtData, emptyTxtData, now)
	} else {
		s.txtRecord.updateBytes(&s.txtData, svc.TXTData, now)
	}

	s.updateServiceTypes()
	s.determineNextFireTime()
	s.scheduleTimer()
}

func (s *serviceEntry) registerKey(k Key, cb registration, now time.Time) {
	s.entry.registerKey(k, cb, now)
	s.determineNextFireTime()
	s.scheduleTimer()
}

func (s *serviceEntry) unregister(now time.Time) {
	if !s.ptrRecord.present {
		return
	}
	s.callback = registration{}
	switch s.state {
	case EntryRegistered:
		for _, st := range s.subTypes {
			st.ptrRecord.updateTTL(0, now)
		}
		s.ptrRecord.updateTTL(0, now)
		s.srvRecord.updateTTL(0, now)
		s.txtRecord.updateTTL(0, now)
		s.determineNextFireTime()
		s.scheduleTimer()
	case EntryProbing, EntryConflict:
		s.clearService()
		s.scheduleToRemoveIfEmpty()
	case EntryRemoving:
	}
	s.updateServiceTypes()
}

func (s *serviceEntry) unregisterKey(now time.Time) {
	s.entry.unregisterKey(now)
	s.determineNextFireTime()
	s.scheduleTimer()
	s.scheduleToRemoveIfEmpty()
}

func (s *serviceEntry) clearService() {
	s.ptrRecord.clear()
	s.srvRecord.clear()
	s.txtRecord.clear()
	s.subTypes = nil
	s.hostName = ""
	s.txtData = nil
}

func (s *serviceEntry) removeEmptySubTypes() {
	s.subTypes = slices.DeleteFunc(s.subTypes, func(st *subType) bool { return !st.ptrRecord.present })
}

func (s *serviceEntry) scheduleToRemoveIfEmpty() {
	s.removeEmptySubTypes()
	if s.isEmpty() {
		s.setStateToRemoving()
		s.core.postEntryTask()
	}
}

func (s *serviceEntry) handleConflict() {
	old := s.state
	s.setStateToConflict()
	s.updateServiceTypes()
	if old == EntryProbing || old == EntryRegistered {
		s.core.invokeConflictCallback(s.instance, s.serviceType)
	}
}

func (s *serviceEntry) answerRecords() []recordAndType {
	return []recordAndType{
		{&s.srvRecord, dns.TypeSRV},
		{&s.txtRecord, dns.TypeTXT},
		{&s.keyRecord, dns.TypeKEY},
	}
}

func (s *serviceEntry) answerServiceNameQuestion(info *answerInfo, now time.Time) {
	if s.state != EntryRegistered {
		return
	}
	if info.isProbe {
		s.answerProbe(info, s.answerRecords(), now)
	} else {
		s.answerNonProbe(s, info, s.answerRecords())
	}
	s.determineNextFireTime()
	s.scheduleTimer()
}

// answerServiceTypeQuestion schedules the PTR for "<type>.local", or for
// "<sub>._sub.<type>.local" when subLabel is set.
func (s *serviceEntry) answerServiceTypeQuestion(info *answerInfo, subLabel string) {
	if s.state != EntryRegistered {
		return
	}
	if subLabel == "" {
		s.ptrRecord.scheduleAnswer(info)
	} else {
		st := s.findSubType(subLabel)
		if st == nil {
			return
		}
		st.ptrRecord.scheduleAnswer(info)
	}
	s.determineNextFireTime()
	s.scheduleTimer()
}

// typePTR returns the PTR record answering a (sub)type question.
func (s *serviceEntry) typePTR(subLabel string) (dns.RR, uint32, bool) {
	if subLabel == "" {
		return newPtrRR(s.typeFQDN, s.fqdn, s.ptrRecord.ttl), s.ptrRecord.ttl, true
	}
	st := s.findSubType(subLabel)
	if st == nil {
		return nil, 0, false
	}
	return newPtrRR(st.fqdn, s.fqdn, st.ptrRecord.ttl), st.ptrRecord.ttl, true
}

func (s *serviceEntry) clearAppendState() {
	s.clearEntryAppendState()
	s.ptrRecord.markAsNotAppended()
	s.srvRecord.markAsNotAppended()
	s.txtRecord.markAsNotAppended()
	for _, st := range s.subTypes {
		st.ptrRecord.markAsNotAppended()
	}
}

func (s *serviceEntry) prepareProbe(probe *txMessage) {
	for again := false; ; again = true {
		cp := probe.checkpoint()
		s.appendQuestionTo(probe, s.fqdn)
		s.appendSrvRecordTo(probe, authoritySection)
		s.appendTxtRecordTo(probe, authoritySection)
		s.appendKeyRecordTo(probe, authoritySection, s.fqdn)
		if !probe.checkSizeLimitToPrepareAgain(cp, again) {
			return
		}
	}
}

func (s *serviceEntry) startAnnouncing(now time.Time) {
	for _, st := range s.subTypes {
		st.ptrRecord.startAnnouncing(now)
	}
	s.ptrRecord.startAnnouncing(now)
	s.srvRecord.startAnnouncing(now)
	s.txtRecord.startAnnouncing(now)
	s.keyRecord.startAnnouncing(now)
	s.updateServiceTypes()
}

func (s *serviceEntry) prepareResponse(resp *txMessage, now time.Time) {
	for again := false; ; again = true {
		cp := resp.checkpoint()
		s.prepareResponseRecords(resp, now)
		if !resp.checkSizeLimitToPrepareAgain(cp, again) {
			break
		}
	}
	s.updateRecordsState(resp, now)
}

// host returns the local host entry named by the SRV target, if it is in
// the same state as this service.
func (s *serviceEntry) host() *hostEntry {
	h := s.core.findHost(s.hostName)
	if h == nil || h.state != s.state {
		return nil
	}
	return h
}

func (s *serviceEntry) prepareResponseRecords(resp *txMessage, now time.Time) {
	appendNsec := false
	host := s.host()

	if s.ptrRecord.shouldAppendTo(resp, now) {
		s.appendPtrRecordTo(resp, answerSection, nil)
		if s.ptrRecord.ttl > 0 {
			s.srvRecord.markToAppendInAdditionalData()
			s.txtRecord.markToAppendInAdditionalData()
			if host != nil {
				host.markAddressesForAdditionalData()
			}
		}
	}
	for _, st := range s.subTypes {
		if st.ptrRecord.shouldAppendTo(resp, now) {
			s.appendPtrRecordTo(resp, answerSection, st)
		}
	}
	if s.srvRecord.shouldAppendTo(resp, now) {
		s.appendSrvRecordTo(resp, answerSection)
		appendNsec = true
		if s.srvRecord.ttl > 0 && host != nil {
			host.markAddressesForAdditionalData()
		}
	}
	if s.txtRecord.shouldAppendTo(resp, now) {
		s.appendTxtRecordTo(resp, answerSection)
		appendNsec = true
	}
	if s.keyRecord.shouldAppendTo(resp, now) {
		s.appendKeyRecordTo(resp, answerSection, s.fqdn)
		appendNsec = true
	}

	if s.srvRecord.shouldAppendInAdditionalDataSection() {
		s.appendSrvRecordTo(resp, additionalSection)
	}
	if s.txtRecord.shouldAppendInAdditionalDataSection() {
		s.appendTxtRecordTo(resp, additionalSection)
	}
	if host != nil && host.shouldAppendAddressesInAdditionalData() {
		host.appendAddressRecordsTo(resp, additionalSection)
	}
	if appendNsec || s.shouldAnswerNsec(resp, now) {
		s.appendNsecRecordTo(resp, additionalSection, s.fqdn, s.nsecTypes())
	}
}

func (s *serviceEntry) updateRecordsState(resp *txMessage, now time.Time) {
	s.updateEntryRecordsState(resp, now)
	s.ptrRecord.updateStateAfterAnswer(resp, now)
	s.srvRecord.updateStateAfterAnswer(resp, now)
	s.txtRecord.updateStateAfterAnswer(resp, now)
	for _, st := range s.subTypes {
		st.ptrRecord.updateStateAfterAnswer(resp, now)
	}
	s.removeEmptySubTypes()
	if s.isEmpty() {
		s.setStateToRemoving()
	}
}

func (s *serviceEntry) determineNextFireTime() {
	if s.state != EntryRegistered {
		return
	}
	now := s.core.now()
	s.determineEntryNextFireTime(now)
	s.ptrRecord.updateFireTimeOn(&s.fireTime, now)
	s.srvRecord.updateFireTimeOn(&s.fireTime, now)
	s.txtRecord.updateFireTimeOn(&s.fireTime, now)
	for _, st := range s.subTypes {
		st.ptrRecord.updateFireTimeOn(&s.fireTime, now)
	}
}

// updateServiceTypes keeps this service counted in its service type while
// it is Registered with an answerable PTR.
func (s *serviceEntry) updateServiceTypes() {
	shouldAdd := s.state == EntryRegistered && s.ptrRecord.canAnswer()
	if shouldAdd == s.addedInServiceTypes {
		return
	}
	s.addedInServiceTypes = shouldAdd

	c := s.core
	st := c.findServiceType(s.serviceType)
	if shouldAdd && st == nil {
		st = newServiceType(c, s.serviceType)
		c.serviceTypes = append(c.serviceTypes, st)
	}
	if st == nil {
		return
	}
	if shouldAdd {
		st.numEntries++
		return
	}
	st.numEntries--
	if st.numEntries == 0 {
		c.removeServiceType(st)
	}
}

func (s *serviceEntry) srvRR(ttl uint32, cacheFlush bool) dns.RR {
	return newSrvRR(s.fqdn, ttl, cacheFlush, s.priority, s.weight, s.port, hostFQDN(s.hostName))
}

func (s *serviceEntry) appendSrvRecordTo(msg *txMessage, sec section) {
	if !s.srvRecord.canAppend() {
		return
	}
	s.srvRecord.markAsAppended(msg, sec, s.core.now())
	msg.appendRecord(sec, s.srvRR(s.srvRecord.ttl, sec != authoritySection))
}

func (s *serviceEntry) appendTxtRecordTo(msg *txMessage, sec section) {
	if !s.txtRecord.canAppend() {
		return
	}
	s.txtRecord.markAsAppended(msg, sec, s.core.now())
	msg.appendRecord(sec, newOpaqueRR(s.fqdn, dns.TypeTXT, s.txtRecord.ttl, sec != authoritySection, s.txtData))
}

func (s *serviceEntry) appendPtrRecordTo(msg *txMessage, sec section, st *subType) {
	record, name := &s.ptrRecord, s.typeFQDN
	if st != nil {
		record, name = &st.ptrRecord, st.fqdn
	}
	if !record.canAppend() {
		return
	}
	record.markAsAppended(msg, sec, s.core.now())
	msg.appendRecord(sec, newPtrRR(name, s.fqdn, record.ttl))
}

func (s *serviceEntry) nsecTypes() []uint16 {
	var types []uint16
	if s.srvRecord.canAnswer() {
		types = append(types, dns.TypeSRV)
	}
	if s.txtRecord.canAnswer() {
		types = append(types, dns.TypeTXT)
	}
	if s.keyRecord.canAnswer() {
		types = append(types, dns.TypeKEY)
	}
	return types
}

func (s *serviceEntry) recordsOfType(rrType uint16) []dns.RR {
	switch rrType {
	case dns.TypeSRV:
		if s.srvRecord.present {
			return []dns.RR{s.srvRR(s.srvRecord.ttl, true)}
		}
	case dns.TypeTXT:
		if s.txtRecord.present {
			return []dns.RR{newOpaqueRR(s.fqdn, dns.TypeTXT, s.txtRecord.ttl, true, s.txtData)}
		}
	case dns.TypeKEY:
		return s.keyRecords(s.fqdn)
	}
	return nil
}

func (s *serviceEntry) probeRecords() []dns.RR {
	var out []dns.RR
	out = append(out, s.recordsOfType(dns.TypeSRV)...)
	out = append(out, s.recordsOfType(dns.TypeTXT)...)
	if s.keyRecord.present {
		out = append(out, newOpaqueRR(s.fqdn, dns.TypeKEY, s.keyRecord.ttl, false, s.keyData))
	}
	return out
}

func (s *serviceEntry) info() (ServiceInfo, bool) {
	if !s.ptrRecord.present {
		return ServiceInfo{}, false
	}
	labels := make([]string, 0, len(s.subTypes))
	for _, st := range s.subTypes {
		labels = append(labels, st.label)
	}
	return ServiceInfo{
		Service: Service{
			HostName:        s.hostName,
			ServiceInstance: s.instance,
			ServiceType:     s.serviceType,
			SubTypeLabels:   labels,
			TXTData:         slices.Clone(s.txtData),
			Port:            s.port,
			Priority:        s.priority,
			Weight:          s.weight,
			TTL:             s.ptrRecord.ttl,
		},
		State: s.state,
	}, true
}

func (s *serviceEntry) keyInfo() (KeyInfo, bool) {
	if !s.keyRecord.present {
		return KeyInfo{}, false
	}
	return KeyInfo{
		Key: Key{
			Name:        s.instance,
			ServiceType: s.serviceType,
			KeyData:     slices.Clone(s.keyData),
			TTL:         s.keyRecord.ttl,
		},
		State: s.state,
	}, true
}
