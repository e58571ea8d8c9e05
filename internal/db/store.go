// Package db is the Trading Store: auctions, bids, negotiations and cart
// entries behind a transactional interface. Every mutating engine
// operation runs inside InTx and reads the entity it changes with a
// *ForUpdate call, which holds that row until the transaction ends.
package db

import (
	"context"
	"time"

	"trading-engine/internal/model"
)

// dueBatch caps how many ids one sweep pass picks up.
const dueBatch = 500

type Store interface {
	// InTx runs fn in one transaction. A nil return commits; anything else
	// rolls back and is returned unchanged.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetAuction(ctx context.Context, id string) (model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetNegotiation(ctx context.Context, id string) (model.Negotiation, error)
	ListCartEntries(ctx context.Context, ownerID string) ([]model.CartEntry, error)

	DueScheduledAuctions(ctx context.Context, now time.Time) ([]string, error)
	DueActiveAuctions(ctx context.Context, now time.Time) ([]string, error)
	DueNegotiations(ctx context.Context, now time.Time) ([]string, error)

	// SaveListing records the catalog projection the engines read.
	SaveListing(ctx context.Context, l model.Listing) error

	Close() error
}

type Tx interface {
	Listing(ctx context.Context, id string) (model.Listing, error)

	AuctionForUpdate(ctx context.Context, id string) (model.Auction, error)
	InsertAuction(ctx context.Context, a *model.Auction) error
	UpdateAuction(ctx context.Context, a *model.Auction) error

	// HighestBid returns the best ACTIVE or WINNING bid, earliest first
	// among equal amounts, or nil when there is none.
	HighestBid(ctx context.Context, auctionID string) (*model.Bid, error)
	// InsertBid assigns b.Seq.
	InsertBid(ctx context.Context, b *model.Bid) error
	SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error
	// CancelBids marks every non-cancelled bid of the auction CANCELLED.
	CancelBids(ctx context.Context, auctionID string) (int, error)

	NegotiationForUpdate(ctx context.Context, id string) (model.Negotiation, error)
	// OpenNegotiation returns the non-terminal negotiation for the pair, or
	// nil. It serializes concurrent offers on the same pair.
	OpenNegotiation(ctx context.Context, listingID, buyerID string) (*model.Negotiation, error)
	InsertNegotiation(ctx context.Context, n *model.Negotiation) error
	UpdateNegotiation(ctx context.Context, n *model.Negotiation) error

	// InsertCartEntry creates e unless an entry with the same SourceRef
	// exists, in which case e is overwritten with the stored entry and
	// created is false.
	InsertCartEntry(ctx context.Context, e *model.CartEntry) (created bool, err error)
}
