package core

import (
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// addrCache follows the AAAA (rrType dns.TypeAAAA) or A records of one host.
//
// The address records of a response are staged in newEntries and committed
// together once the response is processed, so several addresses arriving
// in one message produce one callback. A cache-flush bit on any of them
// replaces the committed set (RFC 6762 §10.2).
type addrCache struct {
	cacheEntry

	rrType   uint16
	hostName string
	fqdn     string

	committed   []*addrEntry
	newEntries  []*addrEntry
	shouldFlush bool

	callbacks callbackList[AddressResult]
}

type addrEntry struct {
	addr   netip.Addr
	record cacheRecordInfo
}

func newAddrCache(c *Core, rrType uint16, hostName string, now time.Time) *addrCache {
	a := &addrCache{rrType: rrType, hostName: hostName, fqdn: hostFQDN(hostName)}
	a.init(c, now)
	return a
}

func (a *addrCache) matches(hostName string) bool { return nameEqual(a.hostName, hostName) }

func (a *addrCache) matchesLabels(labels []string) bool {
	return matchesLocal(labels, dottedLabels(a.hostName))
}

func (a *addrCache) add(owner any, fn func(AddressResult), now time.Time) error {
	cb, err := a.callbacks.add(owner, fn)
	if err != nil {
		return err
	}
	if !a.active {
		activateCache(a, now)
	}
	if res := a.result(); len(res.Addresses) > 0 {
		deliverResult(a.core, cb, res)
	}
	return nil
}

func (a *addrCache) remove(owner any) bool { return a.callbacks.remove(owner) }

func (a *addrCache) clearEmptyCallbacks() bool { return a.callbacks.clearEmpty() }

func (a *addrCache) shouldStartInitialQueries(now time.Time) bool {
	if len(a.committed) == 0 {
		return true
	}
	return slices.ContainsFunc(a.committed, func(e *addrEntry) bool {
		return e.record.lessThanHalfTTLRemains(now)
	})
}

func findAddrEntry(entries []*addrEntry, addr netip.Addr) *addrEntry {
	for _, e := range entries {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

func (a *addrCache) hasNewEntries() bool { return len(a.newEntries) > 0 }

// addNewResponseAddress stages one received address until commit.
func (a *addrCache) addNewResponseAddress(addr netip.Addr, ttl uint32, cacheFlush bool, now time.Time) {
	if cacheFlush {
		a.shouldFlush = true
	}
	e := findAddrEntry(a.newEntries, addr)
	if e == nil {
		e = &addrEntry{addr: addr}
		a.newEntries = append(a.newEntries, e)
	}
	e.record.refreshTTL(ttl, now)
}

// commitNewResponseEntries merges the staged addresses into the committed
// set and reports the full set once if anything changed.
func (a *addrCache) commitNewResponseEntries(now time.Time) {
	changed := false
	for _, n := range a.newEntries {
		existing := findAddrEntry(a.committed, n.addr)
		switch {
		case n.record.ttl == 0:
			if existing != nil {
				existing.record.refreshTTL(0, now)
				changed = true
			}
		case existing == nil || existing.record.ttl != n.record.ttl:
			changed = true
		}
	}

	if a.shouldFlush && !changed {
		for _, e := range a.committed {
			if e.record.ttl > 0 && findAddrEntry(a.newEntries, e.addr) == nil {
				changed = true
				break
			}
		}
	}

	if a.shouldFlush {
		a.committed = nil
		a.shouldFlush = false
	} else {
		a.committed = slices.DeleteFunc(a.committed, func(e *addrEntry) bool { return !e.record.isPresent() })
	}

	for _, n := range a.newEntries {
		if n.record.ttl == 0 {
			continue
		}
		if e := findAddrEntry(a.committed, n.addr); e != nil {
			e.record.refreshTTL(n.record.ttl, now)
			continue
		}
		a.committed = append(a.committed, n)
	}
	a.newEntries = nil

	a.stopInitialQueries()
	if changed {
		a.callbacks.invoke(a.core, a.result())
	}
	determineCacheNextFireTime(a, now)
	a.scheduleTimer()
}

func (a *addrCache) prepareQuestion(query *txMessage, _ time.Time) {
	query.appendQuestion(a.fqdn, a.rrType, protocol.ClassIN)
}

func (a *addrCache) updateRecordStateAfterQuery(now time.Time) {
	for _, e := range a.committed {
		e.record.updateStateAfterQuery(now)
	}
}

func (a *addrCache) determineRecordFireTime(now time.Time) {
	for _, e := range a.committed {
		e.record.updateQueryAndFireTimeOn(&a.cacheEntry, now)
	}
}

func (a *addrCache) processExpiredRecords(now time.Time) {
	n := len(a.committed)
	a.committed = slices.DeleteFunc(a.committed, func(e *addrEntry) bool { return e.record.shouldExpire(now) })
	if len(a.committed) != n {
		a.callbacks.invoke(a.core, a.result())
	}
}

func (a *addrCache) result() AddressResult {
	res := AddressResult{HostName: a.hostName, IfIndex: a.core.ifIndex}
	for _, e := range a.committed {
		if e.record.isPresent() {
			res.Addresses = append(res.Addresses, AddressAndTTL{Address: e.addr, TTL: e.record.ttl})
		}
	}
	return res
}

// addrFromRR extracts the address of an A or AAAA record.
func addrFromRR(rr dns.RR) (netip.Addr, bool) {
	switch r := rr.(type) {
	case *dns.AAAA:
		addr, ok := netip.AddrFromSlice(r.AAAA.To16())
		return addr, ok
	case *dns.A:
		ip4 := r.A.To4()
		if ip4 == nil {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(ip4)
		return addr, ok
	}
	return netip.Addr{}, false
}
