package core

import "time"

// fireTime is an optional wake-up time that only ever moves earlier until cleared.
type fireTime struct {
	at  time.Time
	set bool
}

func (f *fireTime) setFireTime(t time.Time) {
	if f.set && !t.Before(f.at) {
		return
	}
	f.at = t
	f.set = true
}

func (f *fireTime) clearFireTime() { f.set = false }

func (f *fireTime) hasFireTime() bool { return f.set }

func (f *fireTime) isDue(now time.Time) bool { return f.set && !f.at.After(now) }

// timerGroup is one logical timer (entry, cache, multi-packet, history).
// Run arms a single clock timer at the earliest group.
type timerGroup struct {
	fireTime
}

func (g *timerGroup) fireAtIfEarlier(t time.Time) { g.setFireTime(t) }

func (g *timerGroup) fireAt(t time.Time) {
	g.at = t
	g.set = true
}

func (g *timerGroup) stop() { g.clearFireTime() }

// nextFireTime collects the earliest wake among the items visited by one
// timer pass. Times in the past are clamped to now.
type nextFireTime struct {
	now  time.Time
	next time.Time
	set  bool
}

func newNextFireTime(now time.Time) nextFireTime {
	return nextFireTime{now: now}
}

func (n *nextFireTime) updateIfEarlier(t time.Time) {
	if t.Before(n.now) {
		t = n.now
	}
	if !n.set || t.Before(n.next) {
		n.next = t
		n.set = true
	}
}

// updateFrom folds a fire time into n when it is set.
func (n *nextFireTime) updateFrom(f *fireTime) {
	if f.hasFireTime() {
		n.updateIfEarlier(f.at)
	}
}

// armOn re-arms g at the collected time, or stops it if nothing is pending.
func (n *nextFireTime) armOn(g *timerGroup) {
	if n.set {
		g.fireAt(n.next)
	} else {
		g.stop()
	}
}
