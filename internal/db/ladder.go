package db

import (
	"sort"

	"github.com/shopspring/decimal"
)

// LadderEntry is a live (ACTIVE or WINNING) bid resting on the ladder.
type LadderEntry struct {
	BidID    string
	BidderID string
	Amount   decimal.Decimal
	Seq      int64
}

// Level is an amount with a FIFO queue of bids, earliest seq first.
type Level struct {
	Amount decimal.Decimal
	Bids   []*LadderEntry
}

// BidLadder ranks one auction's live bids: highest amount first, then
// earliest seq. The in-memory store keeps one per auction and clones it
// into a transaction on first write.
type BidLadder struct {
	levels  map[string]*Level // canonical amount -> Level
	amounts []decimal.Decimal // sorted descending
	index   map[string]*LadderEntry
}

func NewBidLadder() *BidLadder {
	return &BidLadder{
		levels: make(map[string]*Level),
		index:  make(map[string]*LadderEntry),
	}
}

// ── Queries ──────────────────────────────────────────

// Best returns the winning candidate, or nil when the ladder is empty.
func (l *BidLadder) Best() *LadderEntry {
	if len(l.amounts) == 0 {
		return nil
	}
	lv := l.levels[l.amounts[0].String()]
	return lv.Bids[0]
}

func (l *BidLadder) Len() int { return len(l.index) }

// Depth returns the number of bids resting at amount.
func (l *BidLadder) Depth(amount decimal.Decimal) int {
	if lv, ok := l.levels[amount.String()]; ok {
		return len(lv.Bids)
	}
	return 0
}

// ── Add / Remove ─────────────────────────────────────

// Add is a no-op for a bid id already on the ladder.
func (l *BidLadder) Add(e *LadderEntry) {
	if _, exists := l.index[e.BidID]; exists {
		return
	}
	l.index[e.BidID] = e
	key := e.Amount.String()
	lv, ok := l.levels[key]
	if !ok {
		lv = &Level{Amount: e.Amount}
		l.levels[key] = lv
		l.amounts = append(l.amounts, e.Amount)
		sort.Slice(l.amounts, func(i, j int) bool { return l.amounts[i].GreaterThan(l.amounts[j]) })
	}
	i := sort.Search(len(lv.Bids), func(i int) bool { return lv.Bids[i].Seq > e.Seq })
	lv.Bids = append(lv.Bids, nil)
	copy(lv.Bids[i+1:], lv.Bids[i:])
	lv.Bids[i] = e
}

func (l *BidLadder) Remove(bidID string) *LadderEntry {
	e, ok := l.index[bidID]
	if !ok {
		return nil
	}
	delete(l.index, bidID)
	key := e.Amount.String()
	lv := l.levels[key]
	for i, b := range lv.Bids {
		if b.BidID == bidID {
			lv.Bids = append(lv.Bids[:i], lv.Bids[i+1:]...)
			break
		}
	}
	if len(lv.Bids) == 0 {
		delete(l.levels, key)
		for i, a := range l.amounts {
			if a.Equal(e.Amount) {
				l.amounts = append(l.amounts[:i], l.amounts[i+1:]...)
				break
			}
		}
	}
	return e
}

// Clone copies the ladder structure. Entries are shared; they are never
// mutated after Add.
func (l *BidLadder) Clone() *BidLadder {
	c := &BidLadder{
		levels:  make(map[string]*Level, len(l.levels)),
		amounts: append([]decimal.Decimal(nil), l.amounts...),
		index:   make(map[string]*LadderEntry, len(l.index)),
	}
	for k, lv := range l.levels {
		c.levels[k] = &Level{Amount: lv.Amount, Bids: append([]*LadderEntry(nil), lv.Bids...)}
	}
	for k, e := range l.index {
		c.index[k] = e
	}
	return c
}
