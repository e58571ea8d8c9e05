package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

// Event payloads carry what an observer needs to update its view without
// re-fetching.

type AuctionState struct {
	ListingID string            `json:"listing_id"`
	Kind      model.AuctionKind `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
}

type BidPlaced struct {
	BidID      string           `json:"bid_id"`
	BidderID   string           `json:"bidder_id"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	HighBid    *decimal.Decimal `json:"high_bid,omitempty"`
	MinimumBid *decimal.Decimal `json:"minimum_bid,omitempty"`
	BidCount   int              `json:"bid_count"`
}

type Outbid struct {
	AuctionID string           `json:"auction_id"`
	BidID     string           `json:"bid_id"`
	HighBid   *decimal.Decimal `json:"high_bid,omitempty"`
}

type AuctionEnded struct {
	WinnerID     *string          `json:"winner_id"`
	WinningBidID *string          `json:"winning_bid_id,omitempty"`
	HighBid      *decimal.Decimal `json:"high_bid"`
	BidCount     int              `json:"bid_count"`
	ReserveMet   bool             `json:"reserve_met"`
	CartEntryID  *string          `json:"cart_entry_id,omitempty"`
}

type NegotiationState struct {
	ListingID     string           `json:"listing_id"`
	BuyerID       string           `json:"buyer_id"`
	SellerID      string           `json:"seller_id"`
	OfferAmount   decimal.Decimal  `json:"offer_amount"`
	CounterAmount *decimal.Decimal `json:"counter_amount,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	CartEntryID   *string          `json:"cart_entry_id,omitempty"`
}

type Message struct {
	NegotiationID string `json:"negotiation_id"`
	SenderID      string `json:"sender_id"`
	Text          string `json:"text"`
}

type BatchProcessed struct {
	Started int `json:"started"`
	Ended   int `json:"ended"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

func auctionEvent(name string, a model.Auction, at time.Time, data any) fanout.Event {
	return fanout.Event{
		Name:     name,
		EntityID: a.ID,
		Status:   string(a.Status),
		Version:  a.Version,
		At:       at,
		Data:     data,
	}
}

func auctionState(a model.Auction) AuctionState {
	return AuctionState{ListingID: a.ListingID, Kind: a.Kind, StartTime: a.StartTime, EndTime: a.EndTime}
}

func negotiationEvent(name string, n model.Negotiation, at time.Time, cartEntryID *string) fanout.Event {
	return fanout.Event{
		Name:     name,
		EntityID: n.ID,
		Status:   string(n.Status),
		Version:  n.Version,
		At:       at,
		Data: NegotiationState{
			ListingID:     n.ListingID,
			BuyerID:       n.BuyerID,
			SellerID:      n.SellerID,
			OfferAmount:   n.OfferAmount,
			CounterAmount: n.CounterAmount,
			ExpiresAt:     n.ExpiresAt,
			CartEntryID:   cartEntryID,
		},
	}
}

func messageEvent(n model.Negotiation, sender, text string, at time.Time) fanout.Event {
	return fanout.Event{
		Name:     model.EventConversationMessage,
		EntityID: n.ID,
		Status:   string(n.Status),
		At:       at,
		Data:     Message{NegotiationID: n.ID, SenderID: sender, Text: text},
	}
}
