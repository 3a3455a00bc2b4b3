package core

import (
	"slices"
	"time"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// multiPacketQueue holds truncated queries until their known-answer
// continuation packets have arrived (RFC 6762 §7.2). Messages are grouped
// by sender; the first message of a group carries the questions.
type multiPacketQueue struct {
	core   *Core
	timer  *timerGroup
	groups []*multiPacketGroup
}

type multiPacketGroup struct {
	messages    []*rxMessage
	processTime time.Time
}

func newMultiPacketQueue(c *Core, timer *timerGroup) *multiPacketQueue {
	return &multiPacketQueue{core: c, timer: timer}
}

func (q *multiPacketQueue) find(sender AddressInfo) *multiPacketGroup {
	for _, g := range q.groups {
		if g.messages[0].sender == sender {
			return g
		}
	}
	return nil
}

// addToExisting appends a continuation to the group of its sender. It is
// dropped when no truncated query from that sender is pending.
func (q *multiPacketQueue) addToExisting(rx *rxMessage, now time.Time) {
	if g := q.find(rx.sender); g != nil {
		q.add(g, rx, now)
	}
}

// addNew starts a group for a truncated query, replacing any earlier group
// from the same sender.
func (q *multiPacketQueue) addNew(rx *rxMessage, now time.Time) {
	q.groups = slices.DeleteFunc(q.groups, func(g *multiPacketGroup) bool {
		return g.messages[0].sender == rx.sender
	})
	g := &multiPacketGroup{}
	q.add(g, rx, now)
	q.groups = append(q.groups, g)
}

func (q *multiPacketQueue) add(g *multiPacketGroup, rx *rxMessage, now time.Time) {
	if len(g.messages) >= protocol.MaxMultiPacketMessages {
		return
	}
	g.processTime = now
	if rx.truncated {
		g.processTime = now.Add(q.core.randomDuration(protocol.MinMultiPacketDelay, protocol.MaxMultiPacketDelay))
	}
	g.messages = append(g.messages, rx)
	q.timer.fireAtIfEarlier(g.processTime)
}

// handleTimer answers every group whose wait is over, using the known
// answers of all its messages.
func (q *multiPacketQueue) handleTimer(now time.Time) {
	var due []*multiPacketGroup
	q.groups = slices.DeleteFunc(q.groups, func(g *multiPacketGroup) bool {
		if !g.processTime.After(now) {
			due = append(due, g)
			return true
		}
		return false
	})
	for _, g := range due {
		head := g.messages[0]
		head.continuations = g.messages[1:]
		head.processQuery(true, now)
	}

	next := newNextFireTime(now)
	for _, g := range q.groups {
		next.updateIfEarlier(g.processTime)
	}
	if next.set {
		q.timer.fireAtIfEarlier(next.next)
	}
}

func (q *multiPacketQueue) clear() {
	q.groups = nil
	q.timer.stop()
}
