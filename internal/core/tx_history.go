package core

import (
	"crypto/sha256"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// txHistory remembers hashes of recently sent messages so that our own
// multicasts looped back by the network are not taken as conflicts.
type txHistory struct {
	timer   *timerGroup
	entries *lru.Cache[[sha256.Size]byte, time.Time]
}

func newTxHistory(timer *timerGroup) *txHistory {
	entries, err := lru.New[[sha256.Size]byte, time.Time](protocol.TxHistorySize)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &txHistory{timer: timer, entries: entries}
}

func (h *txHistory) add(msg []byte, now time.Time) {
	expire := now.Add(protocol.TxHistoryExpire)
	h.entries.Add(sha256.Sum256(msg), expire)
	h.timer.fireAtIfEarlier(expire)
}

func (h *txHistory) contains(msg []byte, now time.Time) bool {
	expire, ok := h.entries.Peek(sha256.Sum256(msg))
	return ok && expire.After(now)
}

func (h *txHistory) handleTimer(now time.Time) {
	next := newNextFireTime(now)
	for _, key := range h.entries.Keys() {
		expire, ok := h.entries.Peek(key)
		if !ok {
			continue
		}
		if !expire.After(now) {
			h.entries.Remove(key)
			continue
		}
		next.updateIfEarlier(expire)
	}
	next.armOn(h.timer)
}

func (h *txHistory) clear() {
	h.entries.Purge()
	h.timer.stop()
}
