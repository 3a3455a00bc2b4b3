// Package core implements the Multicast DNS engine of RFC 6762 and the
// DNS-SD naming of RFC 6763: probing, announcing, and answering for local
// hosts and services, plus browse and resolve caches fed by received
// responses.
//
// A Core is safe for concurrent use. Its timers are driven by Run, and
// every callback is invoked after the call that caused it has returned,
// with the engine lock released.
package core

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// idleWait is how long Run sleeps when no timer is armed.
const idleWait = time.Hour

// Core is one mDNS engine bound to one interface.
type Core struct {
	mu sync.Mutex

	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	rand    *rand.Rand
	socket  Socket

	enabled                bool
	ifIndex                uint32
	maxMessageSize         int
	questionUnicastAllowed bool

	hosts        []*hostEntry
	services     []*serviceEntry
	serviceTypes []*serviceType

	browseCaches []*browseCache
	srvCaches    []*srvCache
	txtCaches    []*txtCache
	ip6Caches    []*addrCache
	ip4Caches    []*addrCache

	entryTimer       timerGroup
	cacheTimer       timerGroup
	multiPacketTimer timerGroup
	historyTimer     timerGroup

	multiPacket *multiPacketQueue
	txHistory   *txHistory

	entryTaskPending bool
	cacheTaskPending bool

	nextProbeTxTime time.Time
	nextQueryTxTime time.Time

	conflictCallback ConflictCallback

	// pending holds callbacks to run once the lock is released.
	pending []func()
	wake    chan struct{}
	scratch []byte
}

// New creates a disabled engine that sends through sock.
func New(sock Socket, opts ...Option) (*Core, error) {
	if sock == nil {
		return nil, &errors.ValidationError{Field: "Socket", Value: nil, Message: "socket is required"}
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		clock:                  cfg.Clock,
		log:                    cfg.Logger,
		metrics:                cfg.Metrics,
		rand:                   cfg.Rand,
		socket:                 sock,
		maxMessageSize:         cfg.MaxMessageSize,
		questionUnicastAllowed: cfg.QuestionUnicast,
		wake:                   make(chan struct{}, 1),
		scratch:                make([]byte, dns.MaxMsgSize),
	}
	c.multiPacket = newMultiPacketQueue(c, &c.multiPacketTimer)
	c.txHistory = newTxHistory(&c.historyTimer)
	now := c.now()
	c.nextProbeTxTime = now.Add(-time.Millisecond)
	c.nextQueryTxTime = now.Add(-time.Millisecond)
	return c, nil
}

func (c *Core) lock() { c.mu.Lock() }

// release unlocks and runs the callbacks queued while the lock was held.
func (c *Core) release() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// unlock releases the lock and wakes Run so it re-arms its timer.
func (c *Core) unlock() {
	c.release()
	c.kick()
}

func (c *Core) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliver queues fn to run after the lock is released.
func (c *Core) deliver(fn func()) { c.pending = append(c.pending, fn) }

func (c *Core) now() time.Time { return c.clock.Now() }

func (c *Core) randomDuration(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(c.rand.Int64N(int64(hi-lo)+1))
}

// randomizeFirstProbeTxTime returns the time of the first probe of a new
// entry. Entries starting within one random window share it, so their
// probes go out in one message.
func (c *Core) randomizeFirstProbeTxTime() time.Time {
	now := c.now()
	if d := c.nextProbeTxTime.Sub(now); d < 0 || d >= protocol.MaxProbeDelay {
		c.nextProbeTxTime = now.Add(c.randomDuration(protocol.MinProbeDelay, protocol.MaxProbeDelay))
	}
	return c.nextProbeTxTime
}

// randomizeInitialQueryTxTime does the same for the first query of a cache.
func (c *Core) randomizeInitialQueryTxTime() time.Time {
	now := c.now()
	if d := c.nextQueryTxTime.Sub(now); d < 0 || d >= protocol.MaxInitialQueryDelay {
		c.nextQueryTxTime = now.Add(c.randomDuration(protocol.MinInitialQueryDelay, protocol.MaxInitialQueryDelay))
	}
	return c.nextQueryTxTime
}

// rdata returns the uncompressed wire rdata of rr.
func (c *Core) rdata(rr dns.RR) ([]byte, error) {
	cp := dns.Copy(rr)
	cp.Header().Name = "."
	off, err := dns.PackRR(cp, c.scratch, 0, nil, false)
	if err != nil {
		return nil, err
	}
	// Root name (1), type, class, TTL, rdlength.
	const rrHeaderLen = 1 + 2 + 2 + 4 + 2
	return bytes.Clone(c.scratch[rrHeaderLen:off]), nil
}

func (c *Core) postEntryTask() { c.entryTaskPending = true }

func (c *Core) postCacheTask() { c.cacheTaskPending = true }

// SetEnabled starts or stops the engine on interface ifIndex. Stopping
// drops every entry and cache without sending goodbyes.
func (c *Core) SetEnabled(enable bool, ifIndex uint32) error {
	c.lock()
	defer c.unlock()

	if enable == c.enabled {
		return errors.ErrAlready
	}
	if err := c.socket.SetListeningEnabled(enable, ifIndex); err != nil {
		return &errors.NetworkError{Operation: "set listening", Err: err}
	}
	c.enabled = enable
	c.ifIndex = ifIndex

	if enable {
		c.log.Info("enabled", "if_index", ifIndex)
		return nil
	}
	c.log.Info("disabled", "if_index", ifIndex)
	c.hosts = nil
	c.services = nil
	c.serviceTypes = nil
	c.multiPacket.clear()
	c.txHistory.clear()
	c.entryTimer.stop()
	c.browseCaches = nil
	c.srvCaches = nil
	c.txtCaches = nil
	c.ip6Caches = nil
	c.ip4Caches = nil
	c.cacheTimer.stop()
	c.entryTaskPending = false
	c.cacheTaskPending = false
	c.updateGauges()
	return nil
}

// IsEnabled reports whether the engine is running.
func (c *Core) IsEnabled() bool {
	c.lock()
	defer c.unlock()
	return c.enabled
}

// SetQuestionUnicastAllowed controls the QU bit on first probes.
func (c *Core) SetQuestionUnicastAllowed(allow bool) {
	c.lock()
	defer c.unlock()
	c.questionUnicastAllowed = allow
}

// SetMaxMessageSize sets the size at which outgoing messages are split.
func (c *Core) SetMaxMessageSize(n int) error {
	if n < MinMaxMessageSize || n > MaxMaxMessageSize {
		return &errors.ValidationError{Field: "MaxMessageSize", Value: n, Message: "must be between 512 and 9000 bytes"}
	}
	c.lock()
	defer c.unlock()
	c.maxMessageSize = n
	return nil
}

// SetConflictCallback sets the function told about name conflicts.
func (c *Core) SetConflictCallback(cb ConflictCallback) {
	c.lock()
	defer c.unlock()
	c.conflictCallback = cb
}

func (c *Core) invokeConflictCallback(name, serviceType string) {
	c.metrics.Conflict()
	c.log.Warn("name conflict", "name", name, "service_type", serviceType)
	if cb := c.conflictCallback; cb != nil {
		c.deliver(func() { cb(name, serviceType) })
	}
}

// Run drives the engine timers until ctx is done.
func (c *Core) Run(ctx context.Context) error {
	timer := c.clock.Timer(idleWait)
	defer timer.Stop()

	for {
		next, ok := c.poll()
		wait := idleWait
		if ok {
			wait = max(0, next.Sub(c.now()))
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-c.wake:
		}
	}
}

// poll runs every timer group that is due and the deferred tasks, and
// returns the next time poll has work.
func (c *Core) poll() (time.Time, bool) {
	c.lock()
	defer c.release()

	if !c.enabled {
		return time.Time{}, false
	}
	now := c.now()

	if c.entryTimer.isDue(now) {
		c.entryTimer.stop()
		c.handleEntryTimer(now)
	}
	if c.cacheTimer.isDue(now) {
		c.cacheTimer.stop()
		c.handleCacheTimer(now)
	}
	if c.multiPacketTimer.isDue(now) {
		c.multiPacketTimer.stop()
		c.multiPacket.handleTimer(now)
	}
	if c.historyTimer.isDue(now) {
		c.historyTimer.stop()
		c.txHistory.handleTimer(now)
	}
	if c.entryTaskPending {
		c.entryTaskPending = false
		c.handleEntryTask()
	}
	if c.cacheTaskPending {
		c.cacheTaskPending = false
		c.handleCacheTask(now)
	}
	c.updateGauges()
	return c.nextWakeTime(now)
}

func (c *Core) nextWakeTime(now time.Time) (time.Time, bool) {
	if c.entryTaskPending || c.cacheTaskPending {
		return now, true
	}
	next := newNextFireTime(now)
	for _, g := range []*timerGroup{&c.entryTimer, &c.cacheTimer, &c.multiPacketTimer, &c.historyTimer} {
		next.updateFrom(&g.fireTime)
	}
	return next.next, next.set
}

func (c *Core) handleEntryTimer(now time.Time) {
	ctx := newEntryTimerContext(c, now)
	for _, h := range c.hosts {
		handleEntryTimer(h, ctx)
	}
	for _, s := range c.services {
		handleEntryTimer(s, ctx)
	}
	for _, st := range c.serviceTypes {
		st.handleTimer(ctx)
	}
	ctx.probe.send()
	ctx.response.send()
	c.removeEmptyEntries()
	if ctx.next.set {
		c.entryTimer.fireAtIfEarlier(ctx.next.next)
	}
}

func (c *Core) handleEntryTask() {
	for _, h := range c.hosts {
		h.invokeCallbacks()
	}
	for _, s := range c.services {
		s.invokeCallbacks()
	}
	c.removeEmptyEntries()
}

func (c *Core) removeEmptyEntries() {
	c.hosts = slices.DeleteFunc(c.hosts, func(h *hostEntry) bool { return h.state == EntryRemoving })
	c.services = slices.DeleteFunc(c.services, func(s *serviceEntry) bool { return s.state == EntryRemoving })
}

func (c *Core) handleCacheTimer(now time.Time) {
	ctx := newCacheTimerContext(c, now)

	c.browseCaches = slices.DeleteFunc(c.browseCaches, func(b *browseCache) bool { return b.shouldDelete(now) })
	c.srvCaches = slices.DeleteFunc(c.srvCaches, func(s *srvCache) bool { return s.shouldDelete(now) })
	c.txtCaches = slices.DeleteFunc(c.txtCaches, func(t *txtCache) bool { return t.shouldDelete(now) })
	c.ip6Caches = slices.DeleteFunc(c.ip6Caches, func(a *addrCache) bool { return a.shouldDelete(now) })
	c.ip4Caches = slices.DeleteFunc(c.ip4Caches, func(a *addrCache) bool { return a.shouldDelete(now) })

	for _, b := range c.browseCaches {
		handleCacheTimer(b, ctx)
	}
	for _, s := range c.srvCaches {
		handleCacheTimer(s, ctx)
	}
	for _, t := range c.txtCaches {
		handleCacheTimer(t, ctx)
	}
	for _, a := range c.ip6Caches {
		handleCacheTimer(a, ctx)
	}
	for _, a := range c.ip4Caches {
		handleCacheTimer(a, ctx)
	}

	ctx.query.send()
	if ctx.next.set {
		c.cacheTimer.fireAtIfEarlier(ctx.next.next)
	}
}

// handleCacheTask prunes removed callbacks. A cache left without any
// becomes passive and is deleted later by the cache timer.
func (c *Core) handleCacheTask(now time.Time) {
	for _, b := range c.browseCaches {
		clearCacheCallbacks(b, now)
	}
	for _, s := range c.srvCaches {
		clearCacheCallbacks(s, now)
	}
	for _, t := range c.txtCaches {
		clearCacheCallbacks(t, now)
	}
	for _, a := range c.ip6Caches {
		clearCacheCallbacks(a, now)
	}
	for _, a := range c.ip4Caches {
		clearCacheCallbacks(a, now)
	}
}

func (c *Core) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetEntries("host", len(c.hosts))
	c.metrics.SetEntries("service", len(c.services))
	c.metrics.SetEntries("service_type", len(c.serviceTypes))
	c.metrics.SetCaches("browse", len(c.browseCaches))
	c.metrics.SetCaches("srv", len(c.srvCaches))
	c.metrics.SetCaches("txt", len(c.txtCaches))
	c.metrics.SetCaches("ip6", len(c.ip6Caches))
	c.metrics.SetCaches("ip4", len(c.ip4Caches))
}

// HandleMessage processes one received datagram. isUnicast is set when it
// was addressed to this host rather than to the multicast group.
func (c *Core) HandleMessage(msg []byte, isUnicast bool, sender AddressInfo) {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return
	}
	now := c.now()
	rx, err := c.parseRxMessage(msg, isUnicast, sender, now)
	if err != nil {
		c.log.Debug("dropping message", "from", sender.Addr, "err", err)
		c.metrics.MessageDropped(dropReason(err))
		return
	}
	c.metrics.MessageReceived(rx.kind())

	if !rx.isQuery {
		rx.processResponse(now)
		return
	}
	if len(rx.questions) == 0 && len(rx.msg.Answer) > 0 {
		c.multiPacket.addToExisting(rx, now)
		return
	}
	if rx.processQuery(false, now) == saveAsMultiPacket {
		c.multiPacket.addNew(rx, now)
	}
}

func validateName(field, name string) error {
	if name == "" {
		return &errors.ValidationError{Field: field, Value: name, Message: "must not be empty"}
	}
	return nil
}

func validateHost(h Host) error {
	if err := validateName("HostName", h.HostName); err != nil {
		return err
	}
	for _, a := range h.Addresses {
		if !a.IsValid() {
			return &errors.ValidationError{Field: "Addresses", Value: a, Message: "invalid address"}
		}
	}
	return nil
}

func validateService(s Service) error {
	if err := validateName("ServiceInstance", s.ServiceInstance); err != nil {
		return err
	}
	if err := validateName("ServiceType", s.ServiceType); err != nil {
		return err
	}
	if err := validateName("HostName", s.HostName); err != nil {
		return err
	}
	return validateTXTData(s.TXTData)
}

// validateTXTData checks that data is a sequence of length-prefixed
// strings. A lone zero byte is the empty TXT record; elsewhere a zero
// length is rejected.
func validateTXTData(data []byte) error {
	for off := 0; off < len(data); {
		n := int(data[off])
		switch {
		case n == 0 && len(data) > 1:
			return &errors.ValidationError{Field: "TXTData", Value: data, Message: "empty string in TXT data"}
		case off+1+n > len(data):
			return &errors.ValidationError{Field: "TXTData", Value: data, Message: "string overruns TXT data"}
		}
		off += 1 + n
	}
	return nil
}

// RegisterHost publishes the addresses of a host. cb learns whether the
// name was claimed.
func (c *Core) RegisterHost(h Host, id RequestID, cb RegisterCallback) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := validateHost(h); err != nil {
		return err
	}
	c.findOrAddHost(h.HostName).register(h, registration{id: id, fn: cb}, c.now())
	return nil
}

// UnregisterHost withdraws a host's addresses, with goodbyes if they were announced.
func (c *Core) UnregisterHost(h Host) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	if e := c.findHost(h.HostName); e != nil {
		e.unregister(c.now())
	}
	return nil
}

// RegisterService publishes a service instance.
func (c *Core) RegisterService(s Service, id RequestID, cb RegisterCallback) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := validateService(s); err != nil {
		return err
	}
	c.findOrAddService(s.ServiceInstance, s.ServiceType).register(s, registration{id: id, fn: cb}, c.now())
	return nil
}

// UnregisterService withdraws a service instance.
func (c *Core) UnregisterService(s Service) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	if e := c.findService(s.ServiceInstance, s.ServiceType); e != nil {
		e.unregister(c.now())
	}
	return nil
}

// RegisterKey publishes a KEY record for a host, or for a service instance
// when k.ServiceType is set.
func (c *Core) RegisterKey(k Key, id RequestID, cb RegisterCallback) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	if err := validateName("Name", k.Name); err != nil {
		return err
	}
	if len(k.KeyData) == 0 {
		return &errors.ValidationError{Field: "KeyData", Value: nil, Message: "must not be empty"}
	}
	reg, now := registration{id: id, fn: cb}, c.now()
	if k.isForService() {
		c.findOrAddService(k.Name, k.ServiceType).registerKey(k, reg, now)
	} else {
		c.findOrAddHost(k.Name).registerKey(k, reg, now)
	}
	return nil
}

// UnregisterKey withdraws a KEY record.
func (c *Core) UnregisterKey(k Key) error {
	c.lock()
	defer c.unlock()

	if !c.enabled {
		return errors.ErrInvalidState
	}
	now := c.now()
	if k.isForService() {
		if e := c.findService(k.Name, k.ServiceType); e != nil {
			e.unregisterKey(now)
		}
	} else if e := c.findHost(k.Name); e != nil {
		e.unregisterKey(now)
	}
	return nil
}

func (c *Core) findOrAddHost(name string) *hostEntry {
	if h := c.findHost(name); h != nil {
		return h
	}
	h := newHostEntry(c, name)
	h.startProbing()
	c.hosts = append(c.hosts, h)
	c.log.Debug("entry created", "entry", describeEntry(h))
	return h
}

func (c *Core) findOrAddService(instance, serviceType string) *serviceEntry {
	if s := c.findService(instance, serviceType); s != nil {
		return s
	}
	s := newServiceEntry(c, instance, serviceType)
	s.startProbing()
	c.services = append(c.services, s)
	c.log.Debug("entry created", "entry", describeEntry(s))
	return s
}

// Hosts lists the registered hosts.
func (c *Core) Hosts() []HostInfo {
	c.lock()
	defer c.unlock()

	var out []HostInfo
	for _, h := range c.hosts {
		if info, ok := h.info(); ok {
			out = append(out, info)
		}
	}
	return out
}

// Services lists the registered services.
func (c *Core) Services() []ServiceInfo {
	c.lock()
	defer c.unlock()

	var out []ServiceInfo
	for _, s := range c.services {
		if info, ok := s.info(); ok {
			out = append(out, info)
		}
	}
	return out
}

// Keys lists the registered keys of hosts, then of services.
func (c *Core) Keys() []KeyInfo {
	c.lock()
	defer c.unlock()

	var out []KeyInfo
	for _, h := range c.hosts {
		if info, ok := h.keyInfo(); ok {
			out = append(out, info)
		}
	}
	for _, s := range c.services {
		if info, ok := s.keyInfo(); ok {
			out = append(out, info)
		}
	}
	return out
}

func (c *Core) findHost(name string) *hostEntry {
	for _, h := range c.hosts {
		if nameEqual(h.name, name) {
			return h
		}
	}
	return nil
}

func (c *Core) findHostByLabels(labels []string) *hostEntry {
	for _, h := range c.hosts {
		if h.matchesLabels(labels) {
			return h
		}
	}
	return nil
}

func (c *Core) findService(instance, serviceType string) *serviceEntry {
	for _, s := range c.services {
		if s.matches(instance, serviceType) {
			return s
		}
	}
	return nil
}

func (c *Core) findServiceByLabels(labels []string) *serviceEntry {
	for _, s := range c.services {
		if s.matchesLabels(labels) {
			return s
		}
	}
	return nil
}

func (c *Core) findServiceType(name string) *serviceType {
	for _, st := range c.serviceTypes {
		if nameEqual(st.name, name) {
			return st
		}
	}
	return nil
}

func (c *Core) removeServiceType(st *serviceType) {
	c.serviceTypes = slices.DeleteFunc(c.serviceTypes, func(e *serviceType) bool { return e == st })
}
