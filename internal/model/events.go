package model

// Event names carried on the real-time transport.
const (
	EventAuctionStarted        = "auction.started"
	EventAuctionBidPlaced      = "auction.bid_placed"
	EventAuctionOutbid         = "auction.outbid"
	EventAuctionEnded          = "auction.ended"
	EventAuctionCancelled      = "auction.cancelled"
	EventAuctionRestarted      = "auction.restarted"
	EventAuctionBatchProcessed = "auction.batch_processed"

	EventNegotiationCreated   = "negotiation.created"
	EventNegotiationCountered = "negotiation.countered"
	EventNegotiationAccepted  = "negotiation.accepted"
	EventNegotiationDeclined  = "negotiation.declined"
	EventNegotiationExpired   = "negotiation.expired"
	EventNegotiationCancelled = "negotiation.cancelled"

	EventConversationMessage = "conversation.message"
)
