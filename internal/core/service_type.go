package core

import (
	"time"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// serviceType announces one registered service type under
// "_services._dns-sd._udp.local" (RFC 6763 §9). It lives while at least
// one Registered service of that type exists.
type serviceType struct {
	core *Core
	fireTime

	name        string
	fqdn        string
	servicesPtr recordInfo
	numEntries  int
}

func newServiceType(c *Core, name string) *serviceType {
	now := c.now()
	st := &serviceType{core: c, name: name, fqdn: serviceTypeFQDN(name)}
	st.servicesPtr.updateTTL(protocol.TTLServicesPtr, now)
	st.servicesPtr.startAnnouncing(now)
	st.servicesPtr.updateFireTimeOn(&st.fireTime, now)
	st.scheduleTimer()
	return st
}

func (st *serviceType) matchesLabels(labels []string) bool {
	return matchesLocal(labels, dottedLabels(st.name))
}

func (st *serviceType) scheduleTimer() {
	if st.hasFireTime() {
		st.core.entryTimer.fireAtIfEarlier(st.at)
	}
}

func (st *serviceType) clearAppendState() { st.servicesPtr.markAsNotAppended() }

func (st *serviceType) answerQuestion(info *answerInfo) {
	if !st.servicesPtr.canAnswer() {
		return
	}
	st.servicesPtr.scheduleAnswer(info)
	st.servicesPtr.updateFireTimeOn(&st.fireTime, st.core.now())
	st.scheduleTimer()
}

func (st *serviceType) handleTimer(ctx *entryTimerContext) {
	st.clearAppendState()
	if st.isDue(ctx.now) {
		st.clearFireTime()
		st.prepareResponse(ctx.response, ctx.now)
		st.servicesPtr.updateFireTimeOn(&st.fireTime, ctx.now)
	}
	ctx.next.updateFrom(&st.fireTime)
}

func (st *serviceType) prepareResponse(resp *txMessage, now time.Time) {
	for again := false; ; again = true {
		cp := resp.checkpoint()
		st.prepareResponseRecords(resp, now)
		if !resp.checkSizeLimitToPrepareAgain(cp, again) {
			break
		}
	}
	st.servicesPtr.updateStateAfterAnswer(resp, now)
}

func (st *serviceType) prepareResponseRecords(resp *txMessage, now time.Time) {
	if !st.servicesPtr.shouldAppendTo(resp, now) || !st.servicesPtr.canAppend() {
		return
	}
	st.servicesPtr.markAsAppended(resp, answerSection, now)
	resp.appendRecord(answerSection, newPtrRR(servicesDnssdName, st.fqdn, st.servicesPtr.ttl))
}
