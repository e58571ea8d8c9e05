package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type AuctionKind string

const (
	KindAscending  AuctionKind = "ASCENDING"
	KindDescending AuctionKind = "DESCENDING"
	KindSealedBid  AuctionKind = "SEALED_BID"
)

func (k AuctionKind) Valid() bool {
	switch k {
	case KindAscending, KindDescending, KindSealedBid:
		return true
	}
	return false
}

type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "SCHEDULED"
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionEnded     AuctionStatus = "ENDED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidOutbid    BidStatus = "OUTBID"
	BidWinning   BidStatus = "WINNING"
	BidCancelled BidStatus = "CANCELLED"
)

type NegotiationStatus string

const (
	NegotiationPending   NegotiationStatus = "PENDING"
	NegotiationCountered NegotiationStatus = "COUNTERED"
	NegotiationAccepted  NegotiationStatus = "ACCEPTED"
	NegotiationDeclined  NegotiationStatus = "DECLINED"
	NegotiationExpired   NegotiationStatus = "EXPIRED"
	NegotiationCancelled NegotiationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s NegotiationStatus) Terminal() bool {
	switch s {
	case NegotiationPending, NegotiationCountered:
		return false
	}
	return true
}

type CartSource string

const (
	SourceDirect      CartSource = "DIRECT"
	SourceAuction     CartSource = "AUCTION"
	SourceNegotiation CartSource = "NEGOTIATION"
)

// ── Domain Objects ───────────────────────────────────

// Listing is the slice of the catalog entry the trading engine reads.
type Listing struct {
	ID       string `json:"id"`
	SellerID string `json:"seller_id"`
	Title    string `json:"title"`
}

type Auction struct {
	ID             string           `json:"id"`
	ListingID      string           `json:"listing_id"`
	SellerID       string           `json:"seller_id"`
	Kind           AuctionKind      `json:"kind"`
	StartingPrice  decimal.Decimal  `json:"starting_price"`
	ReservePrice   *decimal.Decimal `json:"reserve_price,omitempty"`
	BidIncrement   decimal.Decimal  `json:"bid_increment"`
	CurrentHighBid *decimal.Decimal `json:"current_high_bid"`
	BidCount       int              `json:"bid_count"`
	Quantity       int              `json:"quantity"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Status         AuctionStatus    `json:"status"`
	WinnerID       *string          `json:"winner_id"`
	WinningBidID   *string          `json:"winning_bid_id,omitempty"`
	ReserveMet     *bool            `json:"reserve_met,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MinimumBid is the lowest amount the next bid may carry.
func (a Auction) MinimumBid() decimal.Decimal {
	if a.CurrentHighBid != nil {
		return a.CurrentHighBid.Add(a.BidIncrement)
	}
	return a.StartingPrice.Add(a.BidIncrement)
}

// PriceScale is the number of decimal places money columns store.
const PriceScale = 2

// WholeCents reports whether d is representable at PriceScale without
// rounding.
func WholeCents(d decimal.Decimal) bool { return d.Equal(d.Truncate(PriceScale)) }

// MeetsReserve reports whether amount satisfies the reserve. A nil reserve
// means the auction has none.
func (a Auction) MeetsReserve(amount decimal.Decimal) bool {
	if a.ReservePrice == nil {
		return true
	}
	return amount.GreaterThanOrEqual(*a.ReservePrice)
}

type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    BidStatus       `json:"status"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

type Negotiation struct {
	ID            string            `json:"id"`
	ListingID     string            `json:"listing_id"`
	BuyerID       string            `json:"buyer_id"`
	SellerID      string            `json:"seller_id"`
	OfferAmount   decimal.Decimal   `json:"offer_amount"`
	CounterAmount *decimal.Decimal  `json:"counter_amount"`
	Quantity      int               `json:"quantity"`
	BuyerMessage  string            `json:"buyer_message,omitempty"`
	SellerMessage string            `json:"seller_message,omitempty"`
	Status        NegotiationStatus `json:"status"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CounteredAt   *time.Time        `json:"countered_at,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Party reports whether userID is the buyer or the seller.
func (n Negotiation) Party(userID string) bool {
	return userID == n.BuyerID || userID == n.SellerID
}

type CartEntry struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	ListingID string          `json:"listing_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Source    CartSource      `json:"source"`
	SourceRef *string         `json:"source_ref,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
