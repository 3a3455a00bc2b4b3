package core

import (
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// browseCache collects the PTR records of one service type, or of one
// subtype of it (RFC 6763 §4 and §7.1).
type browseCache struct {
	cacheEntry

	serviceType  string
	subTypeLabel string
	queryName    string

	ptrEntries []*ptrEntry
	callbacks  callbackList[BrowseResult]
}

type ptrEntry struct {
	instance string
	record   cacheRecordInfo
}

func newBrowseCache(c *Core, serviceType, subTypeLabel string, now time.Time) *browseCache {
	b := &browseCache{serviceType: serviceType, subTypeLabel: subTypeLabel}
	if subTypeLabel == "" {
		b.queryName = serviceTypeFQDN(serviceType)
	} else {
		b.queryName = subTypeFQDN(subTypeLabel, serviceType)
	}
	b.init(c, now)
	return b
}

func (b *browseCache) matches(serviceType, subTypeLabel string) bool {
	return nameEqual(b.serviceType, serviceType) && nameEqual(b.subTypeLabel, subTypeLabel)
}

// matchesLabels reports whether a PTR owner name is the name this cache browses.
func (b *browseCache) matchesLabels(labels []string) bool {
	if b.subTypeLabel == "" {
		return matchesLocal(labels, dottedLabels(b.serviceType))
	}
	return matchesLocal(labels, []string{b.subTypeLabel, subTypeLabel}, dottedLabels(b.serviceType))
}

func (b *browseCache) findPtrEntry(instance string) *ptrEntry {
	for _, p := range b.ptrEntries {
		if nameEqual(p.instance, instance) {
			return p
		}
	}
	return nil
}

func (b *browseCache) add(owner any, fn func(BrowseResult), now time.Time) error {
	cb, err := b.callbacks.add(owner, fn)
	if err != nil {
		return err
	}
	if !b.active {
		activateCache(b, now)
	}
	b.reportResultsTo(cb)
	return nil
}

func (b *browseCache) remove(owner any) bool { return b.callbacks.remove(owner) }

func (b *browseCache) clearEmptyCallbacks() bool { return b.callbacks.clearEmpty() }

func (b *browseCache) shouldStartInitialQueries(time.Time) bool { return true }

func (b *browseCache) processResponseRecord(ptr *dns.PTR, now time.Time) {
	defer func() {
		determineCacheNextFireTime(b, now)
		b.scheduleTimer()
	}()

	instance, typeLabels, ok := parseServiceName(splitName(ptr.Ptr))
	if !ok || !labelsEqual(typeLabels, dottedLabels(b.serviceType)) {
		return
	}

	p := b.findPtrEntry(instance)
	if ptr.Hdr.Ttl == 0 {
		if p == nil || !p.record.isPresent() {
			return
		}
		p.record.refreshTTL(0, now)
	} else {
		if p == nil {
			p = &ptrEntry{instance: instance}
			b.ptrEntries = append(b.ptrEntries, p)
		}
		if !p.record.refreshTTL(ptr.Hdr.Ttl, now) {
			return
		}
	}

	if p.record.isPresent() && b.active {
		b.core.addPassiveSrvTxtCache(p.instance, b.serviceType, now)
	}
	b.callbacks.invoke(b.core, b.result(p))
	if !p.record.isPresent() {
		b.ptrEntries = slices.DeleteFunc(b.ptrEntries, func(e *ptrEntry) bool { return e == p })
	}
}

// prepareQuestion asks for the PTR records and lists the instances still
// more than half fresh as known answers (RFC 6762 §7.1).
func (b *browseCache) prepareQuestion(query *txMessage, now time.Time) {
	query.appendQuestion(b.queryName, dns.TypePTR, protocol.ClassIN)
	for _, p := range b.ptrEntries {
		if !p.record.isPresent() || p.record.lessThanHalfTTLRemains(now) {
			continue
		}
		query.appendRecord(answerSection, newPtrRR(b.queryName, serviceFQDN(p.instance, b.serviceType), p.record.remainingTTL(now)))
	}
}

func (b *browseCache) updateRecordStateAfterQuery(now time.Time) {
	for _, p := range b.ptrEntries {
		p.record.updateStateAfterQuery(now)
	}
}

func (b *browseCache) determineRecordFireTime(now time.Time) {
	for _, p := range b.ptrEntries {
		p.record.updateQueryAndFireTimeOn(&b.cacheEntry, now)
	}
}

func (b *browseCache) processExpiredRecords(now time.Time) {
	var expired []*ptrEntry
	b.ptrEntries = slices.DeleteFunc(b.ptrEntries, func(p *ptrEntry) bool {
		if p.record.shouldExpire(now) {
			expired = append(expired, p)
			return true
		}
		return false
	})
	for _, p := range expired {
		p.record.refreshTTL(0, now)
		b.callbacks.invoke(b.core, b.result(p))
	}
}

func (b *browseCache) reportResultsTo(cb *resultCallback[BrowseResult]) {
	for _, p := range b.ptrEntries {
		if p.record.isPresent() {
			deliverResult(b.core, cb, b.result(p))
		}
	}
}

func (b *browseCache) result(p *ptrEntry) BrowseResult {
	return BrowseResult{
		ServiceType:     b.serviceType,
		SubTypeLabel:    b.subTypeLabel,
		ServiceInstance: p.instance,
		TTL:             p.record.ttl,
		IfIndex:         b.core.ifIndex,
	}
}
