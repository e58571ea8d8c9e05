package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

// AuctionEngine owns the auction lifecycle and bid admission.
type AuctionEngine struct {
	store db.Store
	pub   Publisher
	clock clock.Clock
	cart  *CartBridge
	log   *log.Logger
}

func NewAuctionEngine(store db.Store, pub Publisher, clk clock.Clock, cart *CartBridge, logger *log.Logger) *AuctionEngine {
	return &AuctionEngine{store: store, pub: pub, clock: clk, cart: cart, log: prefixed(logger, "auction")}
}

type AuctionParams struct {
	ListingID     string
	Kind          model.AuctionKind
	StartingPrice decimal.Decimal
	ReservePrice  *decimal.Decimal // nil: no reserve
	BidIncrement  decimal.Decimal
	Quantity      int
	StartTime     time.Time
	EndTime       time.Time
}

func (p AuctionParams) validate() error {
	if !p.Kind.Valid() {
		return model.InvalidState("unknown auction kind %q", p.Kind)
	}
	if p.StartingPrice.IsNegative() {
		return model.InvalidAmount("starting price must not be negative")
	}
	if p.BidIncrement.IsNegative() {
		return model.InvalidAmount("bid increment must not be negative")
	}
	if p.ReservePrice != nil && p.ReservePrice.IsNegative() {
		return model.InvalidAmount("reserve price must not be negative")
	}
	if err := checkScale(p.StartingPrice, "starting price"); err != nil {
		return err
	}
	if err := checkScale(p.BidIncrement, "bid increment"); err != nil {
		return err
	}
	if p.ReservePrice != nil {
		if err := checkScale(*p.ReservePrice, "reserve price"); err != nil {
			return err
		}
	}
	if p.Quantity < 0 {
		return model.InvalidAmount("quantity must be positive")
	}
	if !p.EndTime.After(p.StartTime) {
		return model.InvalidState("end time must be after start time")
	}
	return nil
}

// ── Configuration ────────────────────────────────────

// CreateAuction configures a SCHEDULED auction on a listing. The sweep
// starts it once its start time passes.
func (e *AuctionEngine) CreateAuction(ctx context.Context, caller model.Caller, p AuctionParams) (model.Auction, error) {
	if err := p.validate(); err != nil {
		return model.Auction{}, err
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	now := e.clock.Now()
	var a model.Auction
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		l, err := tx.Listing(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if err := requireOwnerOrAdmin(caller, l.SellerID); err != nil {
			return err
		}
		a = model.Auction{
			ID:            uuid.NewString(),
			ListingID:     l.ID,
			SellerID:      l.SellerID,
			Kind:          p.Kind,
			StartingPrice: p.StartingPrice,
			ReservePrice:  p.ReservePrice,
			BidIncrement:  p.BidIncrement,
			Quantity:      p.Quantity,
			StartTime:     p.StartTime,
			EndTime:       p.EndTime,
			Status:        model.AuctionScheduled,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertAuction(ctx, &a)
	})
	if err != nil {
		return model.Auction{}, err
	}
	e.log.Info("auction created", "auction", a.ID, "listing", a.ListingID, "kind", a.Kind)
	return a, nil
}

// CancelAuction withdraws a SCHEDULED or ACTIVE auction. Its bids are
// cancelled with it.
func (e *AuctionEngine) CancelAuction(ctx context.Context, caller model.Caller, auctionID string) (model.Auction, error) {
	var a model.Auction
	var out outbox
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		var err error
		a, err = tx.AuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := requireOwnerOrAdmin(caller, a.SellerID); err != nil {
			return err
		}
		switch a.Status {
		case model.AuctionScheduled, model.AuctionActive:
		default:
			return model.InvalidState("auction %s is %s", a.ID, a.Status)
		}
		if _, err := tx.CancelBids(ctx, a.ID); err != nil {
			return err
		}
		now := e.clock.Now()
		a.Status = model.AuctionCancelled
		a.Version++
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, &a); err != nil {
			return err
		}
		out.add(auctionEvent(model.EventAuctionCancelled, a, now, auctionState(a)), fanout.AuctionTopic(a.ID))
		return nil
	})
	if err != nil {
		return model.Auction{}, err
	}
	out.flush(e.pub)
	e.log.Info("auction cancelled", "auction", a.ID, "by", caller.String())
	return a, nil
}

// RestartAuction reopens an ENDED auction for a fresh SCHEDULED to ACTIVE
// cycle with new times. Bid history is cancelled, not deleted.
func (e *AuctionEngine) RestartAuction(ctx context.Context, caller model.Caller, auctionID string, start, end time.Time) (model.Auction, error) {
	if !end.After(start) {
		return model.Auction{}, model.InvalidState("end time must be after start time")
	}
	var a model.Auction
	var out outbox
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		var err error
		a, err = tx.AuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := requireOwnerOrAdmin(caller, a.SellerID); err != nil {
			return err
		}
		if a.Status != model.AuctionEnded {
			return model.InvalidState("only ended auctions restart; %s is %s", a.ID, a.Status)
		}
		now := e.clock.Now()
		if !end.After(now) {
			return model.InvalidState("end time must be in the future")
		}
		if _, err := tx.CancelBids(ctx, a.ID); err != nil {
			return err
		}
		a.CurrentHighBid = nil
		a.BidCount = 0
		a.WinnerID = nil
		a.WinningBidID = nil
		a.ReserveMet = nil
		a.StartTime = start
		a.EndTime = end
		a.Status = model.AuctionScheduled
		a.Version++
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, &a); err != nil {
			return err
		}
		out.add(auctionEvent(model.EventAuctionRestarted, a, now, auctionState(a)), fanout.AuctionTopic(a.ID))
		return nil
	})
	if err != nil {
		return model.Auction{}, err
	}
	out.flush(e.pub)
	e.log.Info("auction restarted", "auction", a.ID, "start", start, "end", end)
	return a, nil
}

// ── Start ────────────────────────────────────────────

// StartScheduledAuctions activates every SCHEDULED auction whose start
// time has passed, one transaction per auction.
func (e *AuctionEngine) StartScheduledAuctions(ctx context.Context, now time.Time) (BatchResult, error) {
	var res BatchResult
	ids, err := e.store.DueScheduledAuctions(ctx, now)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		started, err := e.startAuction(ctx, id, now)
		res.record(id, started, err, e.log, "start")
	}
	return res, nil
}

func (e *AuctionEngine) startAuction(ctx context.Context, id string, now time.Time) (bool, error) {
	var a model.Auction
	var out outbox
	changed := false
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		changed = false
		var err error
		a, err = tx.AuctionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != model.AuctionScheduled || a.StartTime.After(now) {
			return nil
		}
		a.Status = model.AuctionActive
		a.Version++
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, &a); err != nil {
			return err
		}
		changed = true
		out.add(auctionEvent(model.EventAuctionStarted, a, now, auctionState(a)), fanout.AuctionTopic(a.ID))
		return nil
	})
	if err != nil {
		return false, err
	}
	out.flush(e.pub)
	return changed, nil
}

// ── Bidding ──────────────────────────────────────────

// PlaceBid admits a bid of at least the current high bid plus the
// increment, or the starting price plus the increment when there is no
// bid yet. Every check runs against the locked row, so a racing bid is
// judged against the state it lost to.
func (e *AuctionEngine) PlaceBid(ctx context.Context, caller model.Caller, auctionID string, amount decimal.Decimal) (model.Bid, error) {
	if err := requireTrader(caller); err != nil {
		return model.Bid{}, err
	}
	var bid model.Bid
	var out outbox
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		a, err := tx.AuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if a.Status != model.AuctionActive {
			return model.InvalidState("auction %s is %s", a.ID, a.Status)
		}
		if now.Before(a.StartTime) || !now.Before(a.EndTime) {
			return model.InvalidState("auction %s is not accepting bids at %s", a.ID, now.Format(time.RFC3339))
		}
		if caller.UserID == a.SellerID {
			return model.Forbidden("sellers cannot bid on their own auction")
		}
		if !amount.IsPositive() {
			return model.InvalidAmount("bid must be positive")
		}
		if err := checkScale(amount, "bid"); err != nil {
			return err
		}
		if floor := a.MinimumBid(); amount.LessThan(floor) {
			return model.InvalidAmount("bid %s is below the minimum %s", amount.StringFixed(2), floor.StringFixed(2))
		}

		// Everything strictly below the new amount is superseded. Equal
		// amounts stay live; the earlier one keeps priority.
		var superseded []model.Bid
		for {
			prev, err := tx.HighestBid(ctx, a.ID)
			if err != nil {
				return err
			}
			if prev == nil || !prev.Amount.LessThan(amount) {
				break
			}
			if err := tx.SetBidStatus(ctx, prev.ID, model.BidOutbid); err != nil {
				return err
			}
			superseded = append(superseded, *prev)
		}

		bid = model.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  caller.UserID,
			Amount:    amount,
			Status:    model.BidActive,
			CreatedAt: now,
		}
		if err := tx.InsertBid(ctx, &bid); err != nil {
			return err
		}

		if a.CurrentHighBid == nil || amount.GreaterThan(*a.CurrentHighBid) {
			high := amount
			a.CurrentHighBid = &high
		}
		a.BidCount++
		a.Version++
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, &a); err != nil {
			return err
		}

		out.add(auctionEvent(model.EventAuctionBidPlaced, a, now, bidPlaced(a, bid)), fanout.AuctionTopic(a.ID))
		notified := map[string]bool{caller.UserID: true}
		for _, prev := range superseded {
			if notified[prev.BidderID] {
				continue
			}
			notified[prev.BidderID] = true
			out.add(auctionEvent(model.EventAuctionOutbid, a, now, outbid(a, prev)), fanout.UserTopic(prev.BidderID))
		}
		return nil
	})
	if err != nil {
		return model.Bid{}, err
	}
	out.flush(e.pub)
	e.log.Debug("bid placed", "auction", auctionID, "bid", bid.ID, "bidder", bid.BidderID, "amount", bid.Amount.String())
	return bid, nil
}

// bidPlaced hides amounts on sealed-bid auctions until they end.
func bidPlaced(a model.Auction, b model.Bid) BidPlaced {
	p := BidPlaced{BidID: b.ID, BidderID: b.BidderID, BidCount: a.BidCount}
	if a.Kind != model.KindSealedBid {
		amount, next := b.Amount, a.MinimumBid()
		p.Amount = &amount
		p.HighBid = a.CurrentHighBid
		p.MinimumBid = &next
	}
	return p
}

func outbid(a model.Auction, prev model.Bid) Outbid {
	o := Outbid{AuctionID: a.ID, BidID: prev.ID}
	if a.Kind != model.KindSealedBid {
		o.HighBid = a.CurrentHighBid
	}
	return o
}

// ── End ──────────────────────────────────────────────

// EndDueAuctions closes every ACTIVE auction whose end time has passed.
// An auction already ENDED is left alone, so a repeated pass is a no-op.
func (e *AuctionEngine) EndDueAuctions(ctx context.Context, now time.Time) (BatchResult, error) {
	var res BatchResult
	ids, err := e.store.DueActiveAuctions(ctx, now)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		ended, err := e.EndAuction(ctx, id, now)
		res.record(id, ended, err, e.log, "end")
	}
	return res, nil
}

// EndAuction closes one auction if it is ACTIVE and due at now. The
// winner is the highest live bid when it meets the reserve; the Cart
// Bridge runs in the same transaction.
func (e *AuctionEngine) EndAuction(ctx context.Context, auctionID string, now time.Time) (bool, error) {
	var a model.Auction
	var out outbox
	changed := false
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		changed = false
		var err error
		a, err = tx.AuctionForUpdate(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.Status != model.AuctionActive || a.EndTime.After(now) {
			return nil
		}
		best, err := tx.HighestBid(ctx, a.ID)
		if err != nil {
			return err
		}
		met := best != nil && a.MeetsReserve(best.Amount)
		ended := AuctionEnded{HighBid: a.CurrentHighBid, BidCount: a.BidCount, ReserveMet: met}
		if met {
			if err := tx.SetBidStatus(ctx, best.ID, model.BidWinning); err != nil {
				return err
			}
			winner, bidID := best.BidderID, best.ID
			a.WinnerID = &winner
			a.WinningBidID = &bidID
			entry, err := e.cart.MaterializeFromAuction(ctx, tx, a, *best)
			if err != nil {
				return err
			}
			ended.WinnerID = a.WinnerID
			ended.WinningBidID = a.WinningBidID
			ended.CartEntryID = &entry.ID
		}
		a.ReserveMet = &met
		a.Status = model.AuctionEnded
		a.Version++
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, &a); err != nil {
			return err
		}
		changed = true

		ev := auctionEvent(model.EventAuctionEnded, a, now, ended)
		topics := []fanout.Topic{fanout.AuctionTopic(a.ID), fanout.UserTopic(a.SellerID)}
		if a.WinnerID != nil {
			topics = append(topics, fanout.UserTopic(*a.WinnerID))
		}
		out.add(ev, topics...)
		return nil
	})
	if err != nil {
		return false, err
	}
	out.flush(e.pub)
	if changed {
		e.log.Info("auction ended", "auction", a.ID, "winner", derefOr(a.WinnerID, "none"), "reserve_met", *a.ReserveMet)
	}
	return changed, nil
}

// ── Reads ────────────────────────────────────────────

// GetAuction returns the committed auction. The high bid of a running
// sealed-bid auction is only shown to its seller and admins.
func (e *AuctionEngine) GetAuction(ctx context.Context, caller model.Caller, auctionID string) (model.Auction, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return model.Auction{}, err
	}
	if sealed(a) && !canSeeSealed(caller, a) {
		a.CurrentHighBid = nil
	}
	return a, nil
}

// ListBids returns the auction's bids in submission order. While a
// sealed-bid auction runs, bidders only see their own.
func (e *AuctionEngine) ListBids(ctx context.Context, caller model.Caller, auctionID string) ([]model.Bid, error) {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := e.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !sealed(a) || canSeeSealed(caller, a) {
		return bids, nil
	}
	own := make([]model.Bid, 0, len(bids))
	for _, b := range bids {
		if b.BidderID == caller.UserID {
			own = append(own, b)
		}
	}
	return own, nil
}

func sealed(a model.Auction) bool {
	return a.Kind == model.KindSealedBid && (a.Status == model.AuctionScheduled || a.Status == model.AuctionActive)
}

func canSeeSealed(c model.Caller, a model.Auction) bool {
	switch c.Role {
	case model.RoleAdmin:
		return true
	case model.RoleSeller:
		return c.UserID == a.SellerID
	case model.RoleBuyer:
		return false
	}
	return false
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
