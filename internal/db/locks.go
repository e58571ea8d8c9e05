package db

import (
	"context"
	"sync"

	"trading-engine/internal/model"
)

// lockTable emulates row-level locks for the in-memory store. A key is
// held by at most one transaction; waiters block until release or until
// their context ends.
type lockTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]chan struct{})}
}

func (lt *lockTable) acquire(ctx context.Context, key string) error {
	for {
		lt.mu.Lock()
		wait, busy := lt.held[key]
		if !busy {
			lt.held[key] = make(chan struct{})
			lt.mu.Unlock()
			return nil
		}
		lt.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return model.Transient(ctx.Err(), "lock "+key)
		}
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if ch, ok := lt.held[key]; ok {
		delete(lt.held, key)
		close(ch)
	}
}

func auctionKey(id string) string { return "auction/" + id }
func negotiationKey(id string) string { return "negotiation/" + id }
func pairKey(listing, buyer string) string { return "pair/" + listing + "/" + buyer }
func cartKey(ref string) string { return "cart/" + ref }
