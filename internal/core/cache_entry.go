package core

import (
	"time"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// cacheRecordInfo tracks one cached record: its TTL, when it was last
// received, and how many refresh queries were sent since (RFC 6762 §5.2).
type cacheRecordInfo struct {
	ttl        uint32
	lastRxTime time.Time
	queryCount int
}

func (r *cacheRecordInfo) isPresent() bool { return r.ttl > 0 }

// refreshTTL records a received TTL and reports whether it changed.
func (r *cacheRecordInfo) refreshTTL(ttl uint32, now time.Time) bool {
	changed := ttl != r.ttl
	r.lastRxTime = now
	r.ttl = ttl
	r.queryCount = 0
	return changed
}

func (r *cacheRecordInfo) clampedTTL() time.Duration {
	return ttlDuration(min(r.ttl, protocol.TTLCacheMax))
}

func (r *cacheRecordInfo) expireTime() time.Time { return r.lastRxTime.Add(r.clampedTTL()) }

func (r *cacheRecordInfo) shouldExpire(now time.Time) bool {
	return r.isPresent() && !r.expireTime().After(now)
}

func (r *cacheRecordInfo) lessThanHalfTTLRemains(now time.Time) bool {
	return r.isPresent() && now.Sub(r.lastRxTime) > r.clampedTTL()/2
}

func (r *cacheRecordInfo) remainingTTL(now time.Time) uint32 {
	if !r.isPresent() {
		return 0
	}
	exp := r.expireTime()
	if !now.Before(exp) {
		return 0
	}
	return uint32(exp.Sub(now) / time.Second)
}

func (r *cacheRecordInfo) queryTime(attempt int) time.Time {
	return r.lastRxTime.Add(r.clampedTTL() * time.Duration(protocol.RefreshQueryPercents[attempt]) / 100)
}

func (r *cacheRecordInfo) updateStateAfterQuery(now time.Time) {
	if !r.lessThanHalfTTLRemains(now) {
		return
	}
	if r.queryCount < protocol.MaxRefreshQueries {
		r.queryCount++
	}
}

// updateQueryAndFireTimeOn arms the expiry and the next refresh query
// still ahead of now, with up to 2% of the TTL added as jitter.
func (r *cacheRecordInfo) updateQueryAndFireTimeOn(e *cacheEntry, now time.Time) {
	if !r.isPresent() {
		return
	}
	e.setFireTime(r.expireTime())
	for attempt := r.queryCount; attempt < protocol.MaxRefreshQueries; attempt++ {
		qt := r.queryTime(attempt)
		if !qt.After(now) {
			continue
		}
		jitter := r.clampedTTL() * protocol.RefreshQueryJitterPercent / 100
		e.scheduleQuery(qt.Add(e.core.randomDuration(0, jitter)))
		break
	}
}

// resultCallback is one browser or resolver attached to a cache. owner is
// the caller's *Browser or resolver; fn is nil once it was stopped.
type resultCallback[T any] struct {
	owner any
	fn    func(T)
}

// callbackList holds the callbacks of one cache. Stopped callbacks stay in
// the list until the cache task prunes them.
type callbackList[T any] struct {
	items []*resultCallback[T]
}

func (l *callbackList[T]) find(owner any) *resultCallback[T] {
	for _, cb := range l.items {
		if cb.fn != nil && cb.owner == owner {
			return cb
		}
	}
	return nil
}

func (l *callbackList[T]) isEmpty() bool { return len(l.items) == 0 }

func (l *callbackList[T]) add(owner any, fn func(T)) (*resultCallback[T], error) {
	if l.find(owner) != nil {
		return nil, errors.ErrAlready
	}
	cb := &resultCallback[T]{owner: owner, fn: fn}
	l.items = append(l.items, cb)
	return cb, nil
}

func (l *callbackList[T]) remove(owner any) bool {
	cb := l.find(owner)
	if cb == nil {
		return false
	}
	cb.fn = nil
	return true
}

// clearEmpty prunes stopped callbacks and reports whether none remain.
func (l *callbackList[T]) clearEmpty() bool {
	kept := l.items[:0]
	for _, cb := range l.items {
		if cb.fn != nil {
			kept = append(kept, cb)
		}
	}
	clear(l.items[len(kept):])
	l.items = kept
	return len(l.items) == 0
}

func (l *callbackList[T]) invoke(c *Core, result T) {
	for _, cb := range l.items {
		deliverResult(c, cb, result)
	}
}

func deliverResult[T any](c *Core, cb *resultCallback[T], result T) {
	if fn := cb.fn; fn != nil {
		c.deliver(func() { fn(result) })
	}
}

// cacheKind is implemented by every cache; the shared life cycle below
// drives them through it.
type cacheKind interface {
	base() *cacheEntry
	shouldStartInitialQueries(now time.Time) bool
	prepareQuestion(query *txMessage, now time.Time)
	updateRecordStateAfterQuery(now time.Time)
	determineRecordFireTime(now time.Time)
	processExpiredRecords(now time.Time)
	// clearEmptyCallbacks prunes stopped callbacks and reports whether the
	// cache has none left.
	clearEmptyCallbacks() bool
}

// cacheEntry is the life cycle shared by all caches: initial and refresh
// query scheduling, active/passive state, and passive expiry.
type cacheEntry struct {
	core *Core
	fireTime

	initialQueries     int
	queryPending       bool
	nextQueryTime      time.Time
	lastQueryTimeValid bool
	lastQueryTime      time.Time
	active             bool
	deleteTime         time.Time
}

func (e *cacheEntry) init(c *Core, now time.Time) {
	e.core = c
	e.deleteTime = now.Add(protocol.NonActiveDeleteDelay)
	e.setFireTime(e.deleteTime)
	e.scheduleTimer()
}

func (e *cacheEntry) base() *cacheEntry { return e }

func (e *cacheEntry) setIsActive(active bool, now time.Time) {
	e.active = active
	if !active {
		e.queryPending = false
		e.deleteTime = now.Add(protocol.NonActiveDeleteDelay)
		e.setFireTime(e.deleteTime)
	}
}

func (e *cacheEntry) shouldDelete(now time.Time) bool {
	return !e.active && !e.deleteTime.After(now)
}

func (e *cacheEntry) startInitialQueries() {
	e.initialQueries = 0
	e.lastQueryTimeValid = false
	e.lastQueryTime = e.core.randomizeInitialQueryTxTime()
	e.scheduleQuery(e.lastQueryTime)
}

func (e *cacheEntry) stopInitialQueries() { e.initialQueries = protocol.NumInitialQueries }

func (e *cacheEntry) shouldQuery(now time.Time) bool {
	return e.queryPending && !e.nextQueryTime.After(now)
}

// scheduleQuery keeps the earliest pending query, at least one second
// after the previous one. Passive caches never query.
func (e *cacheEntry) scheduleQuery(t time.Time) {
	if !e.active {
		return
	}
	if e.queryPending && !t.Before(e.nextQueryTime) {
		return
	}
	if e.lastQueryTimeValid {
		if earliest := e.lastQueryTime.Add(protocol.MinQueryInterval); t.Before(earliest) {
			t = earliest
		}
	}
	e.queryPending = true
	e.nextQueryTime = t
	e.setFireTime(t)
}

func (e *cacheEntry) scheduleTimer() {
	if e.hasFireTime() {
		e.core.cacheTimer.fireAtIfEarlier(e.at)
	}
}

// activateCache runs when a cache gains its first callback.
func activateCache(k cacheKind, now time.Time) {
	e := k.base()
	e.setIsActive(true, now)
	if k.shouldStartInitialQueries(now) {
		e.startInitialQueries()
	}
	determineCacheNextFireTime(k, now)
	e.scheduleTimer()
}

func clearCacheCallbacks(k cacheKind, now time.Time) {
	e := k.base()
	if !k.clearEmptyCallbacks() || !e.active {
		return
	}
	e.setIsActive(false, now)
	determineCacheNextFireTime(k, now)
	e.scheduleTimer()
}

// determineCacheNextFireTime schedules the remaining initial queries
// (0, 1 and 2 seconds apart after the first), the passive delete time, and
// each record's expiry and refresh queries.
func determineCacheNextFireTime(k cacheKind, now time.Time) {
	e := k.base()
	e.queryPending = false
	if e.initialQueries < protocol.NumInitialQueries {
		var interval time.Duration
		if e.initialQueries > 0 {
			interval = time.Duration(1<<(e.initialQueries-1)) * protocol.InitialQueryInterval
		}
		e.scheduleQuery(e.lastQueryTime.Add(interval))
	}
	if !e.active {
		e.setFireTime(e.deleteTime)
	}
	k.determineRecordFireTime(now)
}

func handleCacheTimer(k cacheKind, ctx *cacheTimerContext) {
	e := k.base()
	if e.isDue(ctx.now) && !e.shouldDelete(ctx.now) {
		e.clearFireTime()
		if e.shouldQuery(ctx.now) {
			e.queryPending = false
			prepareCacheQuery(k, ctx)
		}
		k.processExpiredRecords(ctx.now)
		determineCacheNextFireTime(k, ctx.now)
	}
	ctx.next.updateFrom(&e.fireTime)
}

func prepareCacheQuery(k cacheKind, ctx *cacheTimerContext) {
	for again := false; ; again = true {
		cp := ctx.query.checkpoint()
		k.prepareQuestion(ctx.query, ctx.now)
		if !ctx.query.checkSizeLimitToPrepareAgain(cp, again) {
			break
		}
	}
	e := k.base()
	e.lastQueryTimeValid = true
	e.lastQueryTime = ctx.now
	if e.initialQueries < protocol.NumInitialQueries {
		e.initialQueries++
	}
	k.updateRecordStateAfterQuery(ctx.now)
}

// cacheTimerContext carries the shared query message of one cache timer pass.
type cacheTimerContext struct {
	now   time.Time
	next  nextFireTime
	query *txMessage
}

func newCacheTimerContext(c *Core, now time.Time) *cacheTimerContext {
	return &cacheTimerContext{
		now:   now,
		next:  newNextFireTime(now),
		query: newTxMessage(c, multicastQuery),
	}
}
