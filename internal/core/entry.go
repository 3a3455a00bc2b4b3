package core

import (
	"bytes"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// registration is a pending outcome callback.
type registration struct {
	id RequestID
	fn RegisterCallback
}

func (r *registration) isEmpty() bool { return r.fn == nil }

// entryKind is implemented by hostEntry and serviceEntry; handleEntryTimer
// drives both through it.
type entryKind interface {
	base() *entry
	clearAppendState()
	prepareProbe(probe *txMessage)
	startAnnouncing(now time.Time)
	prepareResponse(resp *txMessage, now time.Time)
	determineNextFireTime()
	// probeRecords returns the records this entry claims, as sent in the
	// authority section of its probes.
	probeRecords() []dns.RR
	// recordsOfType returns the answerable records of one type, for
	// known-answer comparison.
	recordsOfType(rrType uint16) []dns.RR
}

type recordAndType struct {
	record *recordInfo
	rrType uint16
}

// entry holds what hosts and services share: the state machine, the key
// record, registration callbacks, and negative-answer (NSEC) scheduling.
type entry struct {
	core *Core
	fireTime

	state      EntryState
	probeCount uint8

	multicastNsecPending bool
	unicastNsecPending   bool
	appendedNsec         bool
	nsecAnswerTime       time.Time

	keyRecord recordInfo
	keyData   []byte

	callback    registration
	keyCallback registration
}

func (e *entry) base() *entry { return e }

func (e *entry) setState(s EntryState) {
	e.state = s
	e.scheduleCallbackTask()
}

func (e *entry) registerKey(k Key, cb registration, now time.Time) {
	if e.state == EntryRemoving {
		e.startProbing()
	}
	e.keyRecord.updateTTL(ttlOrDefault(k.TTL, protocol.TTLHostname), now)
	e.keyRecord.updateBytes(&e.keyData, k.KeyData, now)
	e.keyCallback = cb
	e.scheduleCallbackTask()
}

func (e *entry) unregisterKey(now time.Time) {
	if !e.keyRecord.present {
		return
	}
	e.keyCallback = registration{}
	switch e.state {
	case EntryRegistered:
		e.keyRecord.updateTTL(0, now)
	case EntryProbing, EntryConflict:
		e.clearKey()
	case EntryRemoving:
	}
}

func (e *entry) clearKey() {
	e.keyRecord.clear()
	e.keyData = nil
}

func (e *entry) setCallback(cb registration) {
	e.callback = cb
	e.scheduleCallbackTask()
}

func (e *entry) scheduleCallbackTask() {
	switch e.state {
	case EntryRegistered, EntryConflict:
		if !e.callback.isEmpty() || !e.keyCallback.isEmpty() {
			e.core.postEntryTask()
		}
	case EntryProbing, EntryRemoving:
	}
}

func (e *entry) invokeCallbacks() {
	var err error
	switch e.state {
	case EntryConflict:
		err = errors.ErrDuplicated
	case EntryRegistered:
	case EntryProbing, EntryRemoving:
		return
	}
	for _, cb := range []*registration{&e.keyCallback, &e.callback} {
		if cb.isEmpty() {
			continue
		}
		fn, id := cb.fn, cb.id
		*cb = registration{}
		e.core.deliver(func() { fn(id, err) })
	}
}

func (e *entry) startProbing() {
	e.setState(EntryProbing)
	e.probeCount = 0
	e.clearFireTime()
	e.setFireTime(e.core.randomizeFirstProbeTxTime())
	e.scheduleTimer()
}

// deferProbing restarts probing after losing a simultaneous-probe tie-break
// (RFC 6762 §8.2).
func (e *entry) deferProbing(now time.Time) {
	e.probeCount = 0
	e.clearFireTime()
	e.setFireTime(now.Add(protocol.ProbeTiebreakWait))
	e.scheduleTimer()
}

func (e *entry) setStateToConflict() {
	switch e.state {
	case EntryProbing, EntryRegistered:
		e.setState(EntryConflict)
	case EntryConflict, EntryRemoving:
	}
}

func (e *entry) setStateToRemoving() {
	if e.state != EntryRemoving {
		e.setState(EntryRemoving)
	}
}

func (e *entry) clearEntryAppendState() {
	e.keyRecord.markAsNotAppended()
	e.appendedNsec = false
}

func (e *entry) updateEntryRecordsState(resp *txMessage, now time.Time) {
	e.keyRecord.updateStateAfterAnswer(resp, now)
	if !e.appendedNsec {
		return
	}
	switch resp.typ {
	case multicastResponse:
		e.multicastNsecPending = false
	case unicastResponse, legacyUnicastResponse:
		e.unicastNsecPending = false
	case multicastProbe, multicastQuery:
	}
}

func (e *entry) scheduleNsecAnswer(info *answerInfo) {
	if e.state != EntryRegistered {
		return
	}
	if info.unicastResponse {
		e.unicastNsecPending = true
		return
	}
	if e.multicastNsecPending && !info.answerTime.Before(e.nsecAnswerTime) {
		return
	}
	e.multicastNsecPending = true
	e.nsecAnswerTime = info.answerTime
}

func (e *entry) shouldAnswerNsec(msg *txMessage, now time.Time) bool {
	switch msg.typ {
	case multicastResponse:
		return e.multicastNsecPending && !e.nsecAnswerTime.After(now)
	case unicastResponse, legacyUnicastResponse:
		return e.unicastNsecPending
	}
	return false
}

func questionMatches(questionType, rrType uint16) bool {
	return questionType == rrType || questionType == dns.TypeANY
}

// answerNonProbe schedules every answerable record matching the question.
// A question naming the entry but matching none of its types gets an NSEC.
// Records the querier already holds are skipped (RFC 6762 §7.1).
func (e *entry) answerNonProbe(k entryKind, info *answerInfo, records []recordAndType) {
	allEmptyOrZeroTTL := true
	answerNsec := true
	for _, r := range records {
		if !r.record.canAnswer() {
			continue
		}
		allEmptyOrZeroTTL = false
		if !questionMatches(info.questionType, r.rrType) {
			continue
		}
		answerNsec = false
		if info.rx.knowsAllAnswers(k.recordsOfType(r.rrType), r.record.ttl) {
			continue
		}
		r.record.scheduleAnswer(info)
	}
	if !allEmptyOrZeroTTL && answerNsec {
		e.scheduleNsecAnswer(info)
	}
}

// answerProbe answers a probe for a name this entry owns. Multicast probe
// answers for records multicast in the last 250 ms wait until 250 ms after
// that multicast.
func (e *entry) answerProbe(info *answerInfo, records []recordAndType, now time.Time) {
	probeInfo := *info
	probeInfo.answerTime = now
	allEmptyOrZeroTTL := true
	for _, r := range records {
		if !r.record.canAnswer() {
			continue
		}
		allEmptyOrZeroTTL = false
		if probeInfo.unicastResponse {
			continue
		}
		if r.record.durationSinceLastMulticast(now) >= protocol.MinProbeAnswerSpacing {
			continue
		}
		if last, ok := r.record.lastMulticast(); ok {
			if t := last.Add(protocol.MinProbeAnswerSpacing); t.After(probeInfo.answerTime) {
				probeInfo.answerTime = t
			}
		}
	}
	if allEmptyOrZeroTTL {
		return
	}
	for _, r := range records {
		r.record.scheduleAnswer(&probeInfo)
	}
}

func (e *entry) determineEntryNextFireTime(now time.Time) {
	e.keyRecord.updateFireTimeOn(&e.fireTime, now)
	if e.multicastNsecPending {
		e.setFireTime(e.nsecAnswerTime)
	}
}

func (e *entry) scheduleTimer() {
	if e.hasFireTime() {
		e.core.entryTimer.fireAtIfEarlier(e.at)
	}
}

func (e *entry) appendQuestionTo(msg *txMessage, name string) {
	class := protocol.ClassIN
	if e.probeCount == 1 && e.core.questionUnicastAllowed {
		class |= protocol.QUBit
	}
	msg.appendQuestion(name, dns.TypeANY, class)
}

func (e *entry) appendKeyRecordTo(msg *txMessage, sec section, name string) {
	if !e.keyRecord.canAppend() {
		return
	}
	e.keyRecord.markAsAppended(msg, sec, e.core.now())
	msg.appendRecord(sec, newOpaqueRR(name, dns.TypeKEY, e.keyRecord.ttl, sec != authoritySection, e.keyData))
}

func (e *entry) appendNsecRecordTo(msg *txMessage, sec section, name string, types []uint16) {
	if len(types) == 0 {
		return
	}
	msg.appendRecord(sec, newNsecRR(name, sec != authoritySection, types))
	e.appendedNsec = true
}

func (e *entry) keyRecords(name string) []dns.RR {
	if !e.keyRecord.canAnswer() {
		return nil
	}
	return []dns.RR{newOpaqueRR(name, dns.TypeKEY, e.keyRecord.ttl, false, e.keyData)}
}

// handleEntryTimer advances one entry: the next probe, the transition to
// Registered after the last probe, or due announcements and answers.
func handleEntryTimer(k entryKind, ctx *entryTimerContext) {
	e := k.base()
	k.clearAppendState()

	if e.isDue(ctx.now) {
		e.clearFireTime()
		switch e.state {
		case EntryProbing:
			if e.probeCount < protocol.NumProbes {
				e.probeCount++
				e.setFireTime(ctx.now.Add(protocol.ProbeWaitTime))
				k.prepareProbe(ctx.probe)
				k.determineNextFireTime()
				break
			}
			e.setState(EntryRegistered)
			e.core.log.Debug("entry registered", "entry", describeEntry(k))
			k.startAnnouncing(ctx.now)
			k.prepareResponse(ctx.response, ctx.now)
			k.determineNextFireTime()
		case EntryRegistered:
			k.prepareResponse(ctx.response, ctx.now)
			k.determineNextFireTime()
		case EntryConflict, EntryRemoving:
		}
	}

	ctx.next.updateFrom(&e.fireTime)
}

func describeEntry(k entryKind) string {
	switch e := k.(type) {
	case *hostEntry:
		return "host " + e.name
	case *serviceEntry:
		return e.instance + "." + e.serviceType
	}
	return "entry"
}

// entryTimerContext carries the shared outgoing messages of one entry timer pass.
type entryTimerContext struct {
	now      time.Time
	next     nextFireTime
	probe    *txMessage
	response *txMessage
}

func newEntryTimerContext(c *Core, now time.Time) *entryTimerContext {
	return &entryTimerContext{
		now:      now,
		next:     newNextFireTime(now),
		probe:    newTxMessage(c, multicastProbe),
		response: newTxMessage(c, multicastResponse),
	}
}

// Simultaneous probe tie-break (RFC 6762 §8.2): records are compared by
// class, type, then rdata bytes, after sorting each side; the
// lexicographically later set wins. A set that is a prefix of the other loses.

type probeRecord struct {
	class  uint16
	rrType uint16
	rdata  []byte
}

func (c *Core) toProbeRecords(rrs []dns.RR) []probeRecord {
	out := make([]probeRecord, 0, len(rrs))
	for _, rr := range rrs {
		rdata, err := c.rdata(rr)
		if err != nil {
			continue
		}
		hdr := rr.Header()
		out = append(out, probeRecord{class: hdr.Class & protocol.ClassMask, rrType: hdr.Rrtype, rdata: rdata})
	}
	slices.SortFunc(out, compareProbeRecord)
	return out
}

func compareProbeRecord(a, b probeRecord) int {
	if a.class != b.class {
		return int(a.class) - int(b.class)
	}
	if a.rrType != b.rrType {
		return int(a.rrType) - int(b.rrType)
	}
	return bytes.Compare(a.rdata, b.rdata)
}

// compareProbeSets returns <0 when ours loses, 0 when identical, >0 when ours wins.
func compareProbeSets(ours, theirs []probeRecord) int {
	for i := 0; i < len(ours) && i < len(theirs); i++ {
		if d := compareProbeRecord(ours[i], theirs[i]); d != 0 {
			return d
		}
	}
	return len(ours) - len(theirs)
}

func ttlOrDefault(ttl, def uint32) uint32 {
	if ttl == 0 {
		return def
	}
	return ttl
}
