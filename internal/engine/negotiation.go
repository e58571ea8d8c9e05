package engine

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

// NegotiationEngine owns the offer / counter-offer state machine:
//
//	PENDING --counter--> COUNTERED --accept--> ACCEPTED
//	                               --decline--> DECLINED
//	PENDING|COUNTERED --expire--> EXPIRED
//	PENDING|COUNTERED --cancel--> CANCELLED
//
// Each transition reads the negotiation under its row lock, so at most
// one of two racing transitions wins.
type NegotiationEngine struct {
	store      db.Store
	pub        Publisher
	clock      clock.Clock
	cart       *CartBridge
	defaultTTL time.Duration
	log        *log.Logger
}

func NewNegotiationEngine(store db.Store, pub Publisher, clk clock.Clock, cart *CartBridge, defaultTTL time.Duration, logger *log.Logger) *NegotiationEngine {
	return &NegotiationEngine{
		store:      store,
		pub:        pub,
		clock:      clk,
		cart:       cart,
		defaultTTL: defaultTTL,
		log:        prefixed(logger, "negotiation"),
	}
}

type OfferParams struct {
	ListingID string
	Amount    decimal.Decimal
	Quantity  int
	Message   string
	// ExpiresAt overrides the default TTL. Nil with a zero TTL means the
	// offer never expires.
	ExpiresAt *time.Time
}

// step is what a transition produced: the event to publish, who besides
// the negotiation topic hears it, and an optional conversation message.
type step struct {
	event       string
	notify      []fanout.Topic
	sender      string
	text        string
	cartEntryID *string
}

// transition runs fn on the locked negotiation and persists the result.
// A nil step means fn changed nothing.
func (e *NegotiationEngine) transition(ctx context.Context, id string, fn func(tx db.Tx, n *model.Negotiation, now time.Time) (*step, error)) (model.Negotiation, bool, error) {
	var n model.Negotiation
	var out outbox
	changed := false
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		changed = false
		var err error
		n, err = tx.NegotiationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		s, err := fn(tx, &n, now)
		if err != nil || s == nil {
			return err
		}
		n.Version++
		n.UpdatedAt = now
		if err := tx.UpdateNegotiation(ctx, &n); err != nil {
			return err
		}
		changed = true
		topics := append([]fanout.Topic{fanout.NegotiationTopic(n.ID)}, s.notify...)
		out.add(negotiationEvent(s.event, n, now, s.cartEntryID), topics...)
		if s.text != "" {
			out.add(messageEvent(n, s.sender, s.text, now), fanout.ConversationTopic(n.ID))
		}
		return nil
	})
	if err != nil {
		return model.Negotiation{}, false, err
	}
	out.flush(e.pub)
	return n, changed, nil
}

// ── Offer ────────────────────────────────────────────

// CreateOffer opens a PENDING negotiation with the caller as buyer.
func (e *NegotiationEngine) CreateOffer(ctx context.Context, caller model.Caller, p OfferParams) (model.Negotiation, error) {
	if err := requireTrader(caller); err != nil {
		return model.Negotiation{}, err
	}
	if !p.Amount.IsPositive() {
		return model.Negotiation{}, model.InvalidAmount("offer must be positive")
	}
	if err := checkScale(p.Amount, "offer"); err != nil {
		return model.Negotiation{}, err
	}
	if p.Quantity < 0 {
		return model.Negotiation{}, model.InvalidAmount("quantity must be positive")
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	now := e.clock.Now()
	expires := p.ExpiresAt
	if expires == nil && e.defaultTTL > 0 {
		at := now.Add(e.defaultTTL)
		expires = &at
	}
	if expires != nil && !expires.After(now) {
		return model.Negotiation{}, model.InvalidState("expiry must be in the future")
	}
	msg := strings.TrimSpace(p.Message)

	var n model.Negotiation
	var out outbox
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		out.reset()
		l, err := tx.Listing(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if l.SellerID == caller.UserID {
			return model.Forbidden("cannot make an offer on your own listing")
		}
		open, err := tx.OpenNegotiation(ctx, l.ID, caller.UserID)
		if err != nil {
			return err
		}
		if open != nil {
			return model.Conflict("negotiation %s is already open on listing %s", open.ID, l.ID)
		}
		n = model.Negotiation{
			ID:           uuid.NewString(),
			ListingID:    l.ID,
			BuyerID:      caller.UserID,
			SellerID:     l.SellerID,
			OfferAmount:  p.Amount,
			Quantity:     p.Quantity,
			BuyerMessage: msg,
			Status:       model.NegotiationPending,
			ExpiresAt:    expires,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertNegotiation(ctx, &n); err != nil {
			return err
		}
		out.add(negotiationEvent(model.EventNegotiationCreated, n, now, nil),
			fanout.NegotiationTopic(n.ID), fanout.UserTopic(n.SellerID))
		if msg != "" {
			out.add(messageEvent(n, n.BuyerID, msg, now), fanout.ConversationTopic(n.ID))
		}
		return nil
	})
	if err != nil {
		return model.Negotiation{}, err
	}
	out.flush(e.pub)
	e.log.Info("offer created", "negotiation", n.ID, "listing", n.ListingID, "buyer", n.BuyerID)
	return n, nil
}

// CounterOffer is the seller's single price revision. It is only valid
// from PENDING, only once, and must exceed the buyer's offer.
func (e *NegotiationEngine) CounterOffer(ctx context.Context, caller model.Caller, negotiationID string, amount decimal.Decimal, message string) (model.Negotiation, error) {
	if err := requireTrader(caller); err != nil {
		return model.Negotiation{}, err
	}
	msg := strings.TrimSpace(message)
	n, _, err := e.transition(ctx, negotiationID, func(_ db.Tx, n *model.Negotiation, now time.Time) (*step, error) {
		if caller.UserID != n.SellerID {
			return nil, model.Forbidden("only the seller may counter")
		}
		if n.CounterAmount != nil {
			return nil, model.InvalidState("negotiation %s has already been countered", n.ID)
		}
		if n.Status != model.NegotiationPending {
			return nil, model.InvalidState("negotiation %s is %s", n.ID, n.Status)
		}
		if err := checkLapsed(*n, now); err != nil {
			return nil, err
		}
		if err := checkScale(amount, "counter"); err != nil {
			return nil, err
		}
		if !amount.GreaterThan(n.OfferAmount) {
			return nil, model.InvalidAmount("counter %s must exceed the offer %s",
				amount.StringFixed(2), n.OfferAmount.StringFixed(2))
		}
		counter := amount
		n.CounterAmount = &counter
		n.SellerMessage = msg
		n.Status = model.NegotiationCountered
		n.CounteredAt = &now
		return &step{
			event:  model.EventNegotiationCountered,
			notify: []fanout.Topic{fanout.UserTopic(n.BuyerID)},
			sender: n.SellerID,
			text:   msg,
		}, nil
	})
	if err != nil {
		return model.Negotiation{}, err
	}
	e.log.Info("offer countered", "negotiation", n.ID, "amount", n.CounterAmount.String())
	return n, nil
}

// Accept takes the seller's counter-offer and puts the listing in the
// buyer's cart at that price, in the same transaction.
func (e *NegotiationEngine) Accept(ctx context.Context, caller model.Caller, negotiationID string) (model.Negotiation, model.CartEntry, error) {
	if err := requireTrader(caller); err != nil {
		return model.Negotiation{}, model.CartEntry{}, err
	}
	var entry model.CartEntry
	n, _, err := e.transition(ctx, negotiationID, func(tx db.Tx, n *model.Negotiation, now time.Time) (*step, error) {
		if caller.UserID != n.BuyerID {
			return nil, model.Forbidden("only the buyer may accept")
		}
		if n.Status != model.NegotiationCountered {
			return nil, model.InvalidState("negotiation %s is %s", n.ID, n.Status)
		}
		if err := checkLapsed(*n, now); err != nil {
			return nil, err
		}
		n.Status = model.NegotiationAccepted
		var err error
		entry, err = e.cart.MaterializeFromNegotiation(ctx, tx, *n)
		if err != nil {
			return nil, err
		}
		return &step{
			event:       model.EventNegotiationAccepted,
			notify:      []fanout.Topic{fanout.UserTopic(n.SellerID)},
			cartEntryID: &entry.ID,
		}, nil
	})
	if err != nil {
		return model.Negotiation{}, model.CartEntry{}, err
	}
	e.log.Info("offer accepted", "negotiation", n.ID, "cart_entry", entry.ID)
	return n, entry, nil
}

// Decline rejects the seller's counter-offer.
func (e *NegotiationEngine) Decline(ctx context.Context, caller model.Caller, negotiationID string) (model.Negotiation, error) {
	if err := requireTrader(caller); err != nil {
		return model.Negotiation{}, err
	}
	n, _, err := e.transition(ctx, negotiationID, func(_ db.Tx, n *model.Negotiation, now time.Time) (*step, error) {
		if caller.UserID != n.BuyerID {
			return nil, model.Forbidden("only the buyer may decline")
		}
		if n.Status != model.NegotiationCountered {
			return nil, model.InvalidState("negotiation %s is %s", n.ID, n.Status)
		}
		if err := checkLapsed(*n, now); err != nil {
			return nil, err
		}
		n.Status = model.NegotiationDeclined
		return &step{
			event:  model.EventNegotiationDeclined,
			notify: []fanout.Topic{fanout.UserTopic(n.SellerID)},
		}, nil
	})
	if err != nil {
		return model.Negotiation{}, err
	}
	e.log.Info("offer declined", "negotiation", n.ID)
	return n, nil
}

// Cancel withdraws a non-terminal negotiation. Either party may cancel;
// so may an admin.
func (e *NegotiationEngine) Cancel(ctx context.Context, caller model.Caller, negotiationID string) (model.Negotiation, error) {
	n, _, err := e.transition(ctx, negotiationID, func(_ db.Tx, n *model.Negotiation, now time.Time) (*step, error) {
		if err := requireParty(caller, *n); err != nil {
			return nil, err
		}
		if n.Status.Terminal() {
			return nil, model.InvalidState("negotiation %s is %s", n.ID, n.Status)
		}
		if err := checkLapsed(*n, now); err != nil {
			return nil, err
		}
		n.Status = model.NegotiationCancelled
		var notify []fanout.Topic
		if caller.UserID != n.BuyerID {
			notify = append(notify, fanout.UserTopic(n.BuyerID))
		}
		if caller.UserID != n.SellerID {
			notify = append(notify, fanout.UserTopic(n.SellerID))
		}
		return &step{event: model.EventNegotiationCancelled, notify: notify}, nil
	})
	if err != nil {
		return model.Negotiation{}, err
	}
	e.log.Info("negotiation cancelled", "negotiation", n.ID, "by", caller.String())
	return n, nil
}

// ── Expiry ───────────────────────────────────────────

// checkLapsed rejects transitions on a negotiation whose expiry has passed
// but which the sweep has not yet moved to EXPIRED.
func checkLapsed(n model.Negotiation, now time.Time) error {
	if n.ExpiresAt != nil && !now.Before(*n.ExpiresAt) {
		return model.InvalidState("negotiation %s expired at %s", n.ID, n.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// ExpireDue moves every PENDING or COUNTERED negotiation past its expiry
// to EXPIRED, one transaction each.
func (e *NegotiationEngine) ExpireDue(ctx context.Context, now time.Time) (BatchResult, error) {
	var res BatchResult
	ids, err := e.store.DueNegotiations(ctx, now)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		_, expired, err := e.transition(ctx, id, func(_ db.Tx, n *model.Negotiation, _ time.Time) (*step, error) {
			if n.Status.Terminal() || n.ExpiresAt == nil || n.ExpiresAt.After(now) {
				return nil, nil
			}
			n.Status = model.NegotiationExpired
			return &step{
				event:  model.EventNegotiationExpired,
				notify: []fanout.Topic{fanout.UserTopic(n.BuyerID), fanout.UserTopic(n.SellerID)},
			}, nil
		})
		res.record(id, expired, err, e.log, "expire")
	}
	return res, nil
}

// ── Conversation ─────────────────────────────────────

// PostMessage relays a chat line between the parties on the
// conversation topic. Messages are not stored.
func (e *NegotiationEngine) PostMessage(ctx context.Context, caller model.Caller, negotiationID, text string) error {
	if err := requireTrader(caller); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return model.InvalidState("empty message")
	}
	n, err := e.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return err
	}
	if !n.Party(caller.UserID) {
		return model.Forbidden("not a party to negotiation %s", n.ID)
	}
	if n.Status.Terminal() {
		return model.InvalidState("negotiation %s is %s", n.ID, n.Status)
	}
	if e.pub != nil {
		e.pub.Publish(fanout.ConversationTopic(n.ID), messageEvent(n, caller.UserID, text, e.clock.Now()))
	}
	return nil
}

// ── Reads ────────────────────────────────────────────

func (e *NegotiationEngine) GetNegotiation(ctx context.Context, caller model.Caller, negotiationID string) (model.Negotiation, error) {
	n, err := e.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return model.Negotiation{}, err
	}
	if err := requireParty(caller, n); err != nil {
		return model.Negotiation{}, err
	}
	return n, nil
}

func requireParty(c model.Caller, n model.Negotiation) error {
	switch c.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleBuyer, model.RoleSeller:
		if n.Party(c.UserID) {
			return nil
		}
		return model.Forbidden("not a party to negotiation %s", n.ID)
	}
	return model.Forbidden("unknown role %q", c.Role)
}
