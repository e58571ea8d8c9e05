package db

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-engine/internal/model"
)

// Memory is a Store held in process memory. Row locks are emulated with a
// lock table held until the transaction ends; writes are buffered in the
// transaction and applied together on commit.
type Memory struct {
	locks       *lockTable
	lockTimeout time.Duration
	seq         atomic.Int64

	mu           sync.RWMutex
	listings     map[string]model.Listing
	auctions     map[string]model.Auction
	bids         map[string]model.Bid
	auctionBids  map[string][]string // auction id -> bid ids, seq order
	ladders      map[string]*BidLadder
	negotiations map[string]model.Negotiation
	open         map[string]string // pairKey -> non-terminal negotiation id
	cart         map[string]model.CartEntry
	cartRefs     map[string]string // source ref -> entry id
	cartOwners   map[string][]string
}

// NewMemory returns an empty store. lockTimeout bounds each lock wait the
// way statement_timeout bounds a Postgres statement; zero waits on the
// context alone.
func NewMemory(lockTimeout time.Duration) *Memory {
	return &Memory{
		locks:        newLockTable(),
		lockTimeout:  lockTimeout,
		listings:     make(map[string]model.Listing),
		auctions:     make(map[string]model.Auction),
		bids:         make(map[string]model.Bid),
		auctionBids:  make(map[string][]string),
		ladders:      make(map[string]*BidLadder),
		negotiations: make(map[string]model.Negotiation),
		open:         make(map[string]string),
		cart:         make(map[string]model.CartEntry),
		cartRefs:     make(map[string]string),
		cartOwners:   make(map[string][]string),
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return model.Transient(err, "begin")
	}
	t := &memTx{
		s:            m,
		ctx:          ctx,
		held:         make(map[string]bool),
		auctions:     make(map[string]model.Auction),
		bids:         make(map[string]model.Bid),
		newBids:      make(map[string][]string),
		ladders:      make(map[string]*BidLadder),
		negotiations: make(map[string]model.Negotiation),
		cart:         make(map[string]model.CartEntry),
		cartRefs:     make(map[string]string),
	}
	defer t.releaseAll()
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (m *Memory) Close() error { return nil }

// ── Reads ────────────────────────────────────────────

func (m *Memory) SaveListing(_ context.Context, l model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
	return nil
}

func (m *Memory) GetAuction(_ context.Context, id string) (model.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return model.Auction{}, model.NotFound("auction %s not found", id)
	}
	return cloneAuction(a), nil
}

func (m *Memory) ListBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.auctions[auctionID]; !ok {
		return nil, model.NotFound("auction %s not found", auctionID)
	}
	ids := m.auctionBids[auctionID]
	out := make([]model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.bids[id])
	}
	return out, nil
}

func (m *Memory) GetNegotiation(_ context.Context, id string) (model.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return model.Negotiation{}, model.NotFound("negotiation %s not found", id)
	}
	return cloneNegotiation(n), nil
}

func (m *Memory) ListCartEntries(_ context.Context, ownerID string) ([]model.CartEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.cartOwners[ownerID]
	out := make([]model.CartEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.cart[id])
	}
	return out, nil
}

func (m *Memory) DueScheduledAuctions(_ context.Context, now time.Time) ([]string, error) {
	return m.dueAuctions(model.AuctionScheduled, now, func(a model.Auction) time.Time { return a.StartTime }), nil
}

func (m *Memory) DueActiveAuctions(_ context.Context, now time.Time) ([]string, error) {
	return m.dueAuctions(model.AuctionActive, now, func(a model.Auction) time.Time { return a.EndTime }), nil
}

func (m *Memory) dueAuctions(status model.AuctionStatus, now time.Time, at func(model.Auction) time.Time) []string {
	m.mu.RLock()
	var due []model.Auction
	for _, a := range m.auctions {
		if a.Status == status && !at(a).After(now) {
			due = append(due, a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return at(due[i]).Before(at(due[j])) })
	return limitIDs(len(due), func(i int) string { return due[i].ID })
}

func (m *Memory) DueNegotiations(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	var due []model.Negotiation
	for _, id := range m.open {
		n := m.negotiations[id]
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			due = append(due, n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	return limitIDs(len(due), func(i int) string { return due[i].ID }), nil
}

func limitIDs(n int, id func(int) string) []string {
	if n > dueBatch {
		n = dueBatch
	}
	out := make([]string, n)
	for i := range out {
		out[i] = id(i)
	}
	return out
}

// ── Transaction ──────────────────────────────────────

type memTx struct {
	s    *Memory
	ctx  context.Context
	held map[string]bool

	auctions     map[string]model.Auction
	bids         map[string]model.Bid
	newBids      map[string][]string
	ladders      map[string]*BidLadder
	negotiations map[string]model.Negotiation
	cart         map[string]model.CartEntry
	cartRefs     map[string]string
}

func (t *memTx) lock(key string) error {
	if t.held[key] {
		return nil
	}
	ctx := t.ctx
	if t.s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.s.lockTimeout)
		defer cancel()
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	return nil
}

func (t *memTx) releaseAll() {
	for key := range t.held {
		t.s.locks.release(key)
	}
	t.held = nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range t.auctions {
		s.auctions[id] = a
	}
	for id, b := range t.bids {
		s.bids[id] = b
	}
	for auctionID, ids := range t.newBids {
		s.auctionBids[auctionID] = append(s.auctionBids[auctionID], ids...)
	}
	for auctionID, l := range t.ladders {
		s.ladders[auctionID] = l
	}
	for id, n := range t.negotiations {
		s.negotiations[id] = n
		key := pairKey(n.ListingID, n.BuyerID)
		if !n.Status.Terminal() {
			s.open[key] = id
		} else if s.open[key] == id {
			delete(s.open, key)
		}
	}
	for id, e := range t.cart {
		s.cart[id] = e
		s.cartOwners[e.OwnerID] = append(s.cartOwners[e.OwnerID], id)
	}
	for ref, id := range t.cartRefs {
		s.cartRefs[ref] = id
	}
}

func (t *memTx) Listing(_ context.Context, id string) (model.Listing, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	l, ok := t.s.listings[id]
	if !ok {
		return model.Listing{}, model.NotFound("listing %s not found", id)
	}
	return l, nil
}

// ── Auctions & Bids ──────────────────────────────────

func (t *memTx) auction(id string) (model.Auction, bool) {
	if a, ok := t.auctions[id]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.auctions[id]
	return a, ok
}

func (t *memTx) AuctionForUpdate(_ context.Context, id string) (model.Auction, error) {
	if err := t.lock(auctionKey(id)); err != nil {
		return model.Auction{}, err
	}
	a, ok := t.auction(id)
	if !ok {
		return model.Auction{}, model.NotFound("auction %s not found", id)
	}
	return cloneAuction(a), nil
}

func (t *memTx) InsertAuction(_ context.Context, a *model.Auction) error {
	if err := t.lock(auctionKey(a.ID)); err != nil {
		return err
	}
	if _, exists := t.auction(a.ID); exists {
		return model.Conflict("auction %s exists", a.ID)
	}
	t.auctions[a.ID] = cloneAuction(*a)
	t.ladders[a.ID] = NewBidLadder()
	return nil
}

func (t *memTx) UpdateAuction(_ context.Context, a *model.Auction) error {
	if err := t.lock(auctionKey(a.ID)); err != nil {
		return err
	}
	if _, ok := t.auction(a.ID); !ok {
		return model.NotFound("auction %s not found", a.ID)
	}
	t.auctions[a.ID] = cloneAuction(*a)
	return nil
}

func (t *memTx) bid(id string) (model.Bid, bool) {
	if b, ok := t.bids[id]; ok {
		return b, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.bids[id]
	return b, ok
}

// ladder returns the auction's ladder for reading, or a transaction-local
// copy when forWrite is set.
func (t *memTx) ladder(auctionID string, forWrite bool) *BidLadder {
	if l, ok := t.ladders[auctionID]; ok {
		return l
	}
	t.s.mu.RLock()
	l, ok := t.s.ladders[auctionID]
	t.s.mu.RUnlock()
	if !ok {
		l = NewBidLadder()
	}
	if forWrite {
		l = l.Clone()
		t.ladders[auctionID] = l
	}
	return l
}

func (t *memTx) HighestBid(_ context.Context, auctionID string) (*model.Bid, error) {
	best := t.ladder(auctionID, false).Best()
	if best == nil {
		return nil, nil
	}
	b, ok := t.bid(best.BidID)
	if !ok {
		return nil, model.NotFound("bid %s not found", best.BidID)
	}
	return &b, nil
}

func (t *memTx) InsertBid(_ context.Context, b *model.Bid) error {
	if err := t.lock(auctionKey(b.AuctionID)); err != nil {
		return err
	}
	if _, ok := t.auction(b.AuctionID); !ok {
		return model.NotFound("auction %s not found", b.AuctionID)
	}
	b.Seq = t.s.seq.Add(1)
	t.bids[b.ID] = *b
	t.newBids[b.AuctionID] = append(t.newBids[b.AuctionID], b.ID)
	if liveBid(b.Status) {
		t.ladder(b.AuctionID, true).Add(&LadderEntry{BidID: b.ID, BidderID: b.BidderID, Amount: b.Amount, Seq: b.Seq})
	}
	return nil
}

func (t *memTx) SetBidStatus(_ context.Context, bidID string, status model.BidStatus) error {
	b, ok := t.bid(bidID)
	if !ok {
		return model.NotFound("bid %s not found", bidID)
	}
	if err := t.lock(auctionKey(b.AuctionID)); err != nil {
		return err
	}
	b.Status = status
	t.bids[bidID] = b
	l := t.ladder(b.AuctionID, true)
	if liveBid(status) {
		l.Add(&LadderEntry{BidID: b.ID, BidderID: b.BidderID, Amount: b.Amount, Seq: b.Seq})
	} else {
		l.Remove(bidID)
	}
	return nil
}

func (t *memTx) CancelBids(_ context.Context, auctionID string) (int, error) {
	if err := t.lock(auctionKey(auctionID)); err != nil {
		return 0, err
	}
	t.s.mu.RLock()
	ids := append([]string(nil), t.s.auctionBids[auctionID]...)
	t.s.mu.RUnlock()
	ids = append(ids, t.newBids[auctionID]...)

	n := 0
	for _, id := range ids {
		b, _ := t.bid(id)
		if b.Status == model.BidCancelled {
			continue
		}
		b.Status = model.BidCancelled
		t.bids[id] = b
		n++
	}
	t.ladders[auctionID] = NewBidLadder()
	return n, nil
}

func liveBid(s model.BidStatus) bool {
	return s == model.BidActive || s == model.BidWinning
}

// ── Negotiations ─────────────────────────────────────

func (t *memTx) negotiation(id string) (model.Negotiation, bool) {
	if n, ok := t.negotiations[id]; ok {
		return n, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	n, ok := t.s.negotiations[id]
	return n, ok
}

func (t *memTx) NegotiationForUpdate(_ context.Context, id string) (model.Negotiation, error) {
	if err := t.lock(negotiationKey(id)); err != nil {
		return model.Negotiation{}, err
	}
	n, ok := t.negotiation(id)
	if !ok {
		return model.Negotiation{}, model.NotFound("negotiation %s not found", id)
	}
	return cloneNegotiation(n), nil
}

func (t *memTx) OpenNegotiation(_ context.Context, listingID, buyerID string) (*model.Negotiation, error) {
	key := pairKey(listingID, buyerID)
	if err := t.lock(key); err != nil {
		return nil, err
	}
	n, ok := t.openFor(listingID, buyerID)
	if !ok {
		return nil, nil
	}
	c := cloneNegotiation(n)
	return &c, nil
}

func (t *memTx) openFor(listingID, buyerID string) (model.Negotiation, bool) {
	for _, n := range t.negotiations {
		if n.ListingID == listingID && n.BuyerID == buyerID && !n.Status.Terminal() {
			return n, true
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.open[pairKey(listingID, buyerID)]
	t.s.mu.RUnlock()
	if !ok {
		return model.Negotiation{}, false
	}
	n, _ := t.negotiation(id)
	if n.Status.Terminal() {
		return model.Negotiation{}, false
	}
	return n, true
}

func (t *memTx) InsertNegotiation(_ context.Context, n *model.Negotiation) error {
	if err := t.lock(pairKey(n.ListingID, n.BuyerID)); err != nil {
		return err
	}
	if err := t.lock(negotiationKey(n.ID)); err != nil {
		return err
	}
	if _, exists := t.negotiation(n.ID); exists {
		return model.Conflict("negotiation %s exists", n.ID)
	}
	if _, open := t.openFor(n.ListingID, n.BuyerID); open && !n.Status.Terminal() {
		return model.Conflict("buyer %s already negotiating on listing %s", n.BuyerID, n.ListingID)
	}
	t.negotiations[n.ID] = cloneNegotiation(*n)
	return nil
}

func (t *memTx) UpdateNegotiation(_ context.Context, n *model.Negotiation) error {
	if err := t.lock(negotiationKey(n.ID)); err != nil {
		return err
	}
	if _, ok := t.negotiation(n.ID); !ok {
		return model.NotFound("negotiation %s not found", n.ID)
	}
	t.negotiations[n.ID] = cloneNegotiation(*n)
	return nil
}

// ── Cart ─────────────────────────────────────────────

func (t *memTx) InsertCartEntry(_ context.Context, e *model.CartEntry) (bool, error) {
	if e.SourceRef == nil {
		t.cart[e.ID] = *e
		return true, nil
	}
	ref := *e.SourceRef
	if err := t.lock(cartKey(ref)); err != nil {
		return false, err
	}
	if id, ok := t.cartRefs[ref]; ok {
		*e = t.cart[id]
		return false, nil
	}
	t.s.mu.RLock()
	id, ok := t.s.cartRefs[ref]
	existing := t.s.cart[id]
	t.s.mu.RUnlock()
	if ok {
		*e = existing
		return false, nil
	}
	t.cart[e.ID] = *e
	t.cartRefs[ref] = e.ID
	return true, nil
}

// ── Copies ───────────────────────────────────────────

func cloneAuction(a model.Auction) model.Auction {
	a.ReservePrice = clonePtr(a.ReservePrice)
	a.CurrentHighBid = clonePtr(a.CurrentHighBid)
	a.WinnerID = clonePtr(a.WinnerID)
	a.WinningBidID = clonePtr(a.WinningBidID)
	a.ReserveMet = clonePtr(a.ReserveMet)
	return a
}

func cloneNegotiation(n model.Negotiation) model.Negotiation {
	n.CounterAmount = clonePtr(n.CounterAmount)
	n.ExpiresAt = clonePtr(n.ExpiresAt)
	n.CounteredAt = clonePtr(n.CounteredAt)
	return n
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
