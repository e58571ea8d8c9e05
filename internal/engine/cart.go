package engine

import (
	"context"

	"github.com/google/uuid"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/model"
)

// CartBridge turns a concluded trade into a priced cart entry. It always
// runs inside the transaction of the transition that concluded the trade,
// and the source reference makes it idempotent per bid or negotiation.
type CartBridge struct {
	store db.Store
	clock clock.Clock
}

func NewCartBridge(store db.Store, clk clock.Clock) *CartBridge {
	return &CartBridge{store: store, clock: clk}
}

// MaterializeFromAuction prices the entry at the winning bid.
func (c *CartBridge) MaterializeFromAuction(ctx context.Context, tx db.Tx, a model.Auction, bid model.Bid) (model.CartEntry, error) {
	if bid.AuctionID != a.ID {
		return model.CartEntry{}, model.InvalidState("bid %s is not on auction %s", bid.ID, a.ID)
	}
	ref := bid.ID
	return c.materialize(ctx, tx, model.CartEntry{
		OwnerID:   bid.BidderID,
		ListingID: a.ListingID,
		UnitPrice: bid.Amount,
		Quantity:  a.Quantity,
		Source:    model.SourceAuction,
		SourceRef: &ref,
	})
}

// MaterializeFromNegotiation prices the entry at the seller's counter-offer.
func (c *CartBridge) MaterializeFromNegotiation(ctx context.Context, tx db.Tx, n model.Negotiation) (model.CartEntry, error) {
	if n.CounterAmount == nil {
		return model.CartEntry{}, model.InvalidState("negotiation %s has no counter-offer", n.ID)
	}
	ref := n.ID
	return c.materialize(ctx, tx, model.CartEntry{
		OwnerID:   n.BuyerID,
		ListingID: n.ListingID,
		UnitPrice: *n.CounterAmount,
		Quantity:  n.Quantity,
		Source:    model.SourceNegotiation,
		SourceRef: &ref,
	})
}

func (c *CartBridge) materialize(ctx context.Context, tx db.Tx, e model.CartEntry) (model.CartEntry, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = c.clock.Now()
	if e.Quantity < 1 {
		e.Quantity = 1
	}
	if _, err := tx.InsertCartEntry(ctx, &e); err != nil {
		return model.CartEntry{}, err
	}
	return e, nil
}

// ListCart returns ownerID's entries. Callers see their own cart; admins
// see any.
func (c *CartBridge) ListCart(ctx context.Context, caller model.Caller, ownerID string) ([]model.CartEntry, error) {
	switch caller.Role {
	case model.RoleAdmin:
	case model.RoleBuyer, model.RoleSeller:
		if caller.UserID != ownerID {
			return nil, model.Forbidden("cart of %s", ownerID)
		}
	default:
		return nil, model.Forbidden("unknown role %q", caller.Role)
	}
	return c.store.ListCartEntries(ctx, ownerID)
}
