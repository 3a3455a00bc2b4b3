package core

import (
	"math"
	"net/netip"
	"slices"
	"time"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

type appendState uint8

const (
	notAppended appendState = iota
	toAppendInAdditionalData
	appendedInMulticast
	appendedInUnicast
)

// answerInfo describes how a question wants to be answered.
type answerInfo struct {
	questionType    uint16
	answerTime      time.Time
	isProbe         bool
	unicastResponse bool
	// rx is the query being answered; nil when the answer is unsolicited.
	rx *rxMessage
}

// recordInfo tracks one local record: presence, TTL, announce and answer
// scheduling (RFC 6762 §6 and §8.3), and whether it was appended to the
// message under construction.
type recordInfo struct {
	present bool
	ttl     uint32

	announceCounter uint8
	announceTime    time.Time

	multicastAnswerPending bool
	unicastAnswerPending   bool
	answerTime             time.Time

	lastMulticastValid bool
	lastMulticastTime  time.Time

	appendState   appendState
	appendSection section
}

func (r *recordInfo) clear() { *r = recordInfo{} }

func (r *recordInfo) updateTTL(ttl uint32, now time.Time) {
	if !r.present || r.ttl != ttl {
		r.present = true
		r.ttl = ttl
		r.startAnnouncing(now)
	}
}

// updateUint16 updates a scalar property of the record's data.
func (r *recordInfo) updateUint16(prop *uint16, v uint16, now time.Time) {
	if !r.present || *prop != v {
		r.present = true
		*prop = v
		r.startAnnouncing(now)
	}
}

func (r *recordInfo) updateString(prop *string, v string, now time.Time) {
	if !r.present || !nameEqual(*prop, v) {
		r.present = true
		*prop = v
		r.startAnnouncing(now)
	}
}

func (r *recordInfo) updateBytes(prop *[]byte, v []byte, now time.Time) {
	if !r.present || !slices.Equal(*prop, v) {
		r.present = true
		*prop = slices.Clone(v)
		r.startAnnouncing(now)
	}
}

// updateAddresses compares address sets ignoring order.
func (r *recordInfo) updateAddresses(prop *[]netip.Addr, v []netip.Addr, now time.Time) {
	if !r.present || !sameAddresses(*prop, v) {
		r.present = true
		*prop = slices.Clone(v)
		r.startAnnouncing(now)
	}
}

func (r *recordInfo) startAnnouncing(now time.Time) {
	if r.present {
		r.announceCounter = 0
		r.announceTime = now
	}
}

func (r *recordInfo) canAnswer() bool { return r.present && r.ttl > 0 }

func (r *recordInfo) scheduleAnswer(info *answerInfo) {
	if !r.canAnswer() {
		return
	}
	if info.unicastResponse {
		r.unicastAnswerPending = true
		return
	}
	if !info.isProbe && r.durationSinceLastMulticast(info.answerTime) < protocol.MinMulticastInterval {
		return
	}
	if r.multicastAnswerPending && !info.answerTime.Before(r.answerTime) {
		return
	}
	r.multicastAnswerPending = true
	r.answerTime = info.answerTime
}

func (r *recordInfo) shouldAppendTo(msg *txMessage, now time.Time) bool {
	if !r.present {
		return false
	}
	switch msg.typ {
	case multicastResponse:
		if r.announceCounter < protocol.NumAnnounces && !r.announceTime.After(now) {
			return true
		}
		return r.multicastAnswerPending && !r.answerTime.After(now)
	case unicastResponse, legacyUnicastResponse:
		return r.unicastAnswerPending
	default:
		return false
	}
}

func (r *recordInfo) updateStateAfterAnswer(msg *txMessage, now time.Time) {
	if !r.present {
		return
	}
	switch msg.typ {
	case multicastResponse:
		if r.appendState != appendedInMulticast || r.appendSection != answerSection {
			return
		}
		r.multicastAnswerPending = false
		if r.announceCounter < protocol.NumAnnounces {
			r.announceCounter++
			if r.announceCounter < protocol.NumAnnounces {
				delay := time.Duration(1<<(r.announceCounter-1)) * protocol.AnnounceIntervalUnit
				r.announceTime = now.Add(delay)
			} else if r.ttl == 0 {
				// Goodbye sequence finished.
				r.present = false
			}
		}
	case unicastResponse, legacyUnicastResponse:
		if !r.isAppended() || r.appendSection != answerSection {
			return
		}
		r.unicastAnswerPending = false
	}
}

func (r *recordInfo) updateFireTimeOn(f *fireTime, now time.Time) {
	if !r.present {
		return
	}
	if r.announceCounter < protocol.NumAnnounces {
		f.setFireTime(r.announceTime)
	}
	if r.multicastAnswerPending {
		f.setFireTime(r.answerTime)
	}
	if r.lastMulticastValid {
		age := r.lastMulticastTime.Add(protocol.LastMulticastTimeAge)
		if !age.After(now) {
			r.lastMulticastValid = false
		} else {
			f.setFireTime(age)
		}
	}
}

func (r *recordInfo) markAsAppended(msg *txMessage, sec section, now time.Time) {
	r.appendSection = sec
	switch msg.typ {
	case multicastResponse, multicastProbe:
		r.appendState = appendedInMulticast
		if sec == answerSection || sec == additionalSection {
			r.lastMulticastTime = now
			r.lastMulticastValid = true
		}
	case unicastResponse, legacyUnicastResponse:
		r.appendState = appendedInUnicast
	case multicastQuery:
	}
}

func (r *recordInfo) markToAppendInAdditionalData() {
	if r.appendState == notAppended {
		r.appendState = toAppendInAdditionalData
	}
}

func (r *recordInfo) isAppended() bool {
	return r.appendState == appendedInMulticast || r.appendState == appendedInUnicast
}

func (r *recordInfo) canAppend() bool { return r.present && !r.isAppended() }

func (r *recordInfo) shouldAppendInAdditionalDataSection() bool {
	return r.appendState == toAppendInAdditionalData
}

func (r *recordInfo) markAsNotAppended() { r.appendState = notAppended }

// lastMulticast returns the last multicast time if known.
func (r *recordInfo) lastMulticast() (time.Time, bool) {
	if r.present && r.lastMulticastValid {
		return r.lastMulticastTime, true
	}
	return time.Time{}, false
}

func (r *recordInfo) durationSinceLastMulticast(t time.Time) time.Duration {
	if !r.present || !r.lastMulticastValid {
		return time.Duration(math.MaxInt64)
	}
	if !t.After(r.lastMulticastTime) {
		return 0
	}
	return t.Sub(r.lastMulticastTime)
}

func sameAddresses(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for _, addr := range b {
		if !slices.Contains(a, addr) {
			return false
		}
	}
	return true
}
