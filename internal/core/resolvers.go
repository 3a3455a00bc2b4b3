package core

import (
	"time"

	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
)

// Browsers and resolvers are identified by their pointer. Starting one
// creates (or activates) the cache it reads, and reports what the cache
// already holds. Stopping removes its callback at once; the cache turns
// passive on the next task run and is deleted after a while without use.

func (c *Core) checkStart(nilTarget bool, hasCallback bool) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	if nilTarget || !hasCallback {
		return errors.ErrInvalidArgs
	}
	return nil
}

func (c *Core) stopped(removed bool) error {
	if !c.enabled {
		return errors.ErrInvalidState
	}
	if removed {
		c.postCacheTask()
	}
	return nil
}

// StartBrowser starts discovering instances of b.ServiceType.
func (c *Core) StartBrowser(b *Browser) error {
	c.lock()
	defer c.unlock()

	if err := c.checkStart(b == nil, b != nil && b.Callback != nil); err != nil {
		return err
	}
	if b.ServiceType == "" {
		return &errors.ValidationError{Field: "ServiceType", Value: "", Message: "must not be empty"}
	}
	now := c.now()
	return c.findOrAddBrowseCache(b.ServiceType, b.SubTypeLabel, now).add(b, b.Callback, now)
}

// StopBrowser stops b.
func (c *Core) StopBrowser(b *Browser) error {
	c.lock()
	defer c.unlock()

	removed := false
	if c.enabled && b != nil {
		if cache := c.findBrowseCache(b.ServiceType, b.SubTypeLabel); cache != nil {
			removed = cache.remove(b)
		}
	}
	return c.stopped(removed)
}

// StartSrvResolver starts following the SRV record of r's instance.
func (c *Core) StartSrvResolver(r *SrvResolver) error {
	c.lock()
	defer c.unlock()

	if err := c.checkStart(r == nil, r != nil && r.Callback != nil); err != nil {
		return err
	}
	if err := validateInstance(r.ServiceInstance, r.ServiceType); err != nil {
		return err
	}
	now := c.now()
	return c.findOrAddSrvCache(r.ServiceInstance, r.ServiceType, now).add(r, r.Callback, now)
}

// StopSrvResolver stops r.
func (c *Core) StopSrvResolver(r *SrvResolver) error {
	c.lock()
	defer c.unlock()

	removed := false
	if c.enabled && r != nil {
		if cache := c.findSrvCache(r.ServiceInstance, r.ServiceType); cache != nil {
			removed = cache.remove(r)
		}
	}
	return c.stopped(removed)
}

// StartTxtResolver starts following the TXT record of r's instance.
func (c *Core) StartTxtResolver(r *TxtResolver) error {
	c.lock()
	defer c.unlock()

	if err := c.checkStart(r == nil, r != nil && r.Callback != nil); err != nil {
		return err
	}
	if err := validateInstance(r.ServiceInstance, r.ServiceType); err != nil {
		return err
	}
	now := c.now()
	return c.findOrAddTxtCache(r.ServiceInstance, r.ServiceType, now).add(r, r.Callback, now)
}

// StopTxtResolver stops r.
func (c *Core) StopTxtResolver(r *TxtResolver) error {
	c.lock()
	defer c.unlock()

	removed := false
	if c.enabled && r != nil {
		if cache := c.findTxtCache(r.ServiceInstance, r.ServiceType); cache != nil {
			removed = cache.remove(r)
		}
	}
	return c.stopped(removed)
}

// StartIp6AddressResolver starts following the AAAA records of r.HostName.
func (c *Core) StartIp6AddressResolver(r *AddressResolver) error {
	return c.startAddressResolver(dns.TypeAAAA, r)
}

// StopIp6AddressResolver stops r.
func (c *Core) StopIp6AddressResolver(r *AddressResolver) error {
	return c.stopAddressResolver(dns.TypeAAAA, r)
}

// StartIp4AddressResolver starts following the A records of r.HostName.
func (c *Core) StartIp4AddressResolver(r *AddressResolver) error {
	return c.startAddressResolver(dns.TypeA, r)
}

// StopIp4AddressResolver stops r.
func (c *Core) StopIp4AddressResolver(r *AddressResolver) error {
	return c.stopAddressResolver(dns.TypeA, r)
}

func (c *Core) startAddressResolver(rrType uint16, r *AddressResolver) error {
	c.lock()
	defer c.unlock()

	if err := c.checkStart(r == nil, r != nil && r.Callback != nil); err != nil {
		return err
	}
	if err := validateName("HostName", r.HostName); err != nil {
		return err
	}
	now := c.now()
	return c.findOrAddAddrCache(rrType, r.HostName, now).add(r, r.Callback, now)
}

func (c *Core) stopAddressResolver(rrType uint16, r *AddressResolver) error {
	c.lock()
	defer c.unlock()

	removed := false
	if c.enabled && r != nil {
		if cache := findAddrCache(*c.addrCaches(rrType), r.HostName); cache != nil {
			removed = cache.remove(r)
		}
	}
	return c.stopped(removed)
}

func validateInstance(instance, serviceType string) error {
	if err := validateName("ServiceInstance", instance); err != nil {
		return err
	}
	return validateName("ServiceType", serviceType)
}

func (c *Core) findBrowseCache(serviceType, subTypeLabel string) *browseCache {
	for _, b := range c.browseCaches {
		if b.matches(serviceType, subTypeLabel) {
			return b
		}
	}
	return nil
}

func (c *Core) findBrowseCacheByLabels(labels []string) *browseCache {
	for _, b := range c.browseCaches {
		if b.matchesLabels(labels) {
			return b
		}
	}
	return nil
}

func (c *Core) findOrAddBrowseCache(serviceType, subTypeLabel string, now time.Time) *browseCache {
	if b := c.findBrowseCache(serviceType, subTypeLabel); b != nil {
		return b
	}
	b := newBrowseCache(c, serviceType, subTypeLabel, now)
	c.browseCaches = append(c.browseCaches, b)
	c.log.Debug("browse cache created", "service_type", serviceType, "sub_type", subTypeLabel)
	return b
}

func (c *Core) findSrvCache(instance, serviceType string) *srvCache {
	for _, s := range c.srvCaches {
		if s.matches(instance, serviceType) {
			return s
		}
	}
	return nil
}

func (c *Core) findSrvCacheByLabels(labels []string) *srvCache {
	for _, s := range c.srvCaches {
		if s.matchesLabels(labels) {
			return s
		}
	}
	return nil
}

func (c *Core) findOrAddSrvCache(instance, serviceType string, now time.Time) *srvCache {
	if s := c.findSrvCache(instance, serviceType); s != nil {
		return s
	}
	s := newSrvCache(c, instance, serviceType, now)
	c.srvCaches = append(c.srvCaches, s)
	c.log.Debug("srv cache created", "instance", instance, "service_type", serviceType)
	return s
}

func (c *Core) findTxtCache(instance, serviceType string) *txtCache {
	for _, t := range c.txtCaches {
		if t.matches(instance, serviceType) {
			return t
		}
	}
	return nil
}

func (c *Core) findTxtCacheByLabels(labels []string) *txtCache {
	for _, t := range c.txtCaches {
		if t.matchesLabels(labels) {
			return t
		}
	}
	return nil
}

func (c *Core) findOrAddTxtCache(instance, serviceType string, now time.Time) *txtCache {
	if t := c.findTxtCache(instance, serviceType); t != nil {
		return t
	}
	t := newTxtCache(c, instance, serviceType, now)
	c.txtCaches = append(c.txtCaches, t)
	c.log.Debug("txt cache created", "instance", instance, "service_type", serviceType)
	return t
}

func (c *Core) addrCaches(rrType uint16) *[]*addrCache {
	if rrType == dns.TypeA {
		return &c.ip4Caches
	}
	return &c.ip6Caches
}

func findAddrCache(caches []*addrCache, hostName string) *addrCache {
	for _, a := range caches {
		if a.matches(hostName) {
			return a
		}
	}
	return nil
}

func findAddrCacheByLabels(caches []*addrCache, labels []string) *addrCache {
	for _, a := range caches {
		if a.matchesLabels(labels) {
			return a
		}
	}
	return nil
}

func (c *Core) findOrAddAddrCache(rrType uint16, hostName string, now time.Time) *addrCache {
	list := c.addrCaches(rrType)
	if a := findAddrCache(*list, hostName); a != nil {
		return a
	}
	a := newAddrCache(c, rrType, hostName, now)
	*list = append(*list, a)
	c.log.Debug("address cache created", "host", hostName, "type", dns.TypeToString[rrType])
	return a
}

// addPassiveSrvTxtCache makes sure SRV and TXT caches exist for an
// instance seen in a response, so a resolver started soon after is
// answered from cache.
func (c *Core) addPassiveSrvTxtCache(instance, serviceType string, now time.Time) {
	c.findOrAddSrvCache(instance, serviceType, now)
	c.findOrAddTxtCache(instance, serviceType, now)
}

// addPassiveAddrCaches does the same for both address families of a host
// named by an SRV record.
func (c *Core) addPassiveAddrCaches(hostName string, now time.Time) {
	if hostName == "" {
		return
	}
	c.findOrAddAddrCache(dns.TypeAAAA, hostName, now)
	c.findOrAddAddrCache(dns.TypeA, hostName, now)
}
