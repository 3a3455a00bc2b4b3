package core

import (
	"bytes"
	"slices"
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// serviceCache is the part shared by the SRV and TXT caches of one
// service instance.
type serviceCache struct {
	cacheEntry

	instance    string
	serviceType string
	fqdn        string
	record      cacheRecordInfo
}

func (s *serviceCache) initService(c *Core, instance, serviceType string, now time.Time) {
	s.instance = instance
	s.serviceType = serviceType
	s.fqdn = serviceFQDN(instance, serviceType)
	s.init(c, now)
}

func (s *serviceCache) matches(instance, serviceType string) bool {
	return nameEqual(s.instance, instance) && nameEqual(s.serviceType, serviceType)
}

func (s *serviceCache) matchesLabels(labels []string) bool {
	return matchesLocal(labels, []string{s.instance}, dottedLabels(s.serviceType))
}

func (s *serviceCache) shouldStartInitialQueries(now time.Time) bool {
	return !s.record.isPresent() || s.record.lessThanHalfTTLRemains(now)
}

func (s *serviceCache) updateRecordStateAfterQuery(now time.Time) {
	s.record.updateStateAfterQuery(now)
}

func (s *serviceCache) determineRecordFireTime(now time.Time) {
	s.record.updateQueryAndFireTimeOn(&s.cacheEntry, now)
}

// srvCache follows the SRV record of one instance.
type srvCache struct {
	serviceCache

	hostName string
	port     uint16
	priority uint16
	weight   uint16

	callbacks callbackList[SrvResult]
}

func newSrvCache(c *Core, instance, serviceType string, now time.Time) *srvCache {
	s := &srvCache{}
	s.initService(c, instance, serviceType, now)
	return s
}

func (s *srvCache) add(owner any, fn func(SrvResult), now time.Time) error {
	cb, err := s.callbacks.add(owner, fn)
	if err != nil {
		return err
	}
	if !s.active {
		activateCache(s, now)
	}
	if s.record.isPresent() {
		deliverResult(s.core, cb, s.result())
	}
	return nil
}

func (s *srvCache) remove(owner any) bool { return s.callbacks.remove(owner) }

func (s *srvCache) clearEmptyCallbacks() bool { return s.callbacks.clearEmpty() }

func (s *srvCache) processResponseRecord(srv *dns.SRV, now time.Time) {
	defer func() {
		determineCacheNextFireTime(s, now)
		s.scheduleTimer()
	}()

	host, ok := stripLocal(splitName(srv.Target))
	if !ok {
		return
	}

	changed := false
	if srv.Hdr.Ttl == 0 {
		if !s.record.isPresent() {
			return
		}
		s.hostName = ""
		s.record.refreshTTL(0, now)
		changed = true
	} else {
		present := s.record.isPresent()
		if !present || !nameEqual(s.hostName, host) {
			s.hostName = host
			changed = true
		}
		if !present || s.port != srv.Port || s.priority != srv.Priority || s.weight != srv.Weight {
			s.port, s.priority, s.weight = srv.Port, srv.Priority, srv.Weight
			changed = true
		}
		if s.record.refreshTTL(srv.Hdr.Ttl, now) {
			changed = true
		}
	}
	if !changed {
		return
	}

	if s.record.isPresent() {
		s.stopInitialQueries()
		s.core.addPassiveSrvTxtCache(s.instance, s.serviceType, now)
		s.core.addPassiveAddrCaches(s.hostName, now)
	}
	s.callbacks.invoke(s.core, s.result())
}

func (s *srvCache) prepareQuestion(query *txMessage, _ time.Time) {
	query.appendQuestion(s.fqdn, dns.TypeSRV, protocol.ClassIN)
}

func (s *srvCache) processExpiredRecords(now time.Time) {
	if !s.record.shouldExpire(now) {
		return
	}
	s.record.refreshTTL(0, now)
	s.callbacks.invoke(s.core, s.result())
}

func (s *srvCache) result() SrvResult {
	return SrvResult{
		ServiceInstance: s.instance,
		ServiceType:     s.serviceType,
		HostName:        s.hostName,
		Port:            s.port,
		Priority:        s.priority,
		Weight:          s.weight,
		TTL:             s.record.ttl,
		IfIndex:         s.core.ifIndex,
	}
}

// txtCache follows the TXT record of one instance. txtData holds the raw
// rdata: a sequence of length-prefixed strings.
type txtCache struct {
	serviceCache

	txtData []byte

	callbacks callbackList[TxtResult]
}

func newTxtCache(c *Core, instance, serviceType string, now time.Time) *txtCache {
	t := &txtCache{}
	t.initService(c, instance, serviceType, now)
	return t
}

func (t *txtCache) add(owner any, fn func(TxtResult), now time.Time) error {
	cb, err := t.callbacks.add(owner, fn)
	if err != nil {
		return err
	}
	if !t.active {
		activateCache(t, now)
	}
	if t.record.isPresent() {
		deliverResult(t.core, cb, t.result())
	}
	return nil
}

func (t *txtCache) remove(owner any) bool { return t.callbacks.remove(owner) }

func (t *txtCache) clearEmptyCallbacks() bool { return t.callbacks.clearEmpty() }

func (t *txtCache) processResponseRecord(rr dns.RR, now time.Time) {
	defer func() {
		determineCacheNextFireTime(t, now)
		t.scheduleTimer()
	}()

	changed := false
	if ttl := rr.Header().Ttl; ttl == 0 {
		if !t.record.isPresent() {
			return
		}
		t.txtData = nil
		t.record.refreshTTL(0, now)
		changed = true
	} else {
		data, err := t.core.rdata(rr)
		if err != nil || len(data) == 0 {
			return
		}
		if !t.record.isPresent() || !bytes.Equal(t.txtData, data) {
			t.txtData = data
			changed = true
		}
		if t.record.refreshTTL(ttl, now) {
			changed = true
		}
	}
	if !changed {
		return
	}

	if t.record.isPresent() {
		t.stopInitialQueries()
	}
	t.callbacks.invoke(t.core, t.result())
}

func (t *txtCache) prepareQuestion(query *txMessage, _ time.Time) {
	query.appendQuestion(t.fqdn, dns.TypeTXT, protocol.ClassIN)
}

func (t *txtCache) processExpiredRecords(now time.Time) {
	if !t.record.shouldExpire(now) {
		return
	}
	t.record.refreshTTL(0, now)
	t.callbacks.invoke(t.core, t.result())
}

func (t *txtCache) result() TxtResult {
	return TxtResult{
		ServiceInstance: t.instance,
		ServiceType:     t.serviceType,
		TXTData:         slices.Clone(t.txtData),
		TTL:             t.record.ttl,
		IfIndex:         t.core.ifIndex,
	}
}
