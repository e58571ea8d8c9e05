package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	seller = model.Caller{UserID: "seller", Role: model.RoleSeller}
	buyerA = model.Caller{UserID: "buyer-a", Role: model.RoleBuyer}
	buyerB = model.Caller{UserID: "buyer-b", Role: model.RoleBuyer}
	admin  = model.Caller{UserID: "ops", Role: model.RoleAdmin}
)

type published struct {
	topic fanout.Topic
	ev    fanout.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(t fanout.Topic, ev fanout.Event) {
	p.mu.Lock()
	p.events = append(p.events, published{topic: t, ev: ev})
	p.mu.Unlock()
}

func (p *recordingPublisher) named(name string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.ev.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	store        *db.Memory
	clock        *clock.Manual
	pub          *recordingPublisher
	cart         *CartBridge
	auctions     *AuctionEngine
	negotiations *NegotiationEngine
}

func quietLogger() *log.Logger { return log.New(io.Discard) }

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, &recordingPublisher{})
}

func newHarnessWith(t *testing.T, pub Publisher) *harness {
	t.Helper()
	h := &harness{
		store: db.NewMemory(2 * time.Second),
		clock: clock.NewManual(t0),
	}
	if rp, ok := pub.(*recordingPublisher); ok {
		h.pub = rp
	}
	h.cart = NewCartBridge(h.store, h.clock)
	h.auctions = NewAuctionEngine(h.store, pub, h.clock, h.cart, quietLogger())
	h.negotiations = NewNegotiationEngine(h.store, pub, h.clock, h.cart, 72*time.Hour, quietLogger())
	require.NoError(t, h.store.SaveListing(context.Background(),
		model.Listing{ID: "listing-1", SellerID: seller.UserID, Title: "Pallet of widgets"}))
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// activeAuction creates an auction running from t0 for an hour and starts it.
func (h *harness) activeAuction(t *testing.T, kind model.AuctionKind, start, inc string, reserve *decimal.Decimal) model.Auction {
	t.Helper()
	ctx := context.Background()
	a, err := h.auctions.CreateAuction(ctx, seller, AuctionParams{
		ListingID:     "listing-1",
		Kind:          kind,
		StartingPrice: dec(start),
		ReservePrice:  reserve,
		BidIncrement:  dec(inc),
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
	})
	require.NoError(t, err)
	res, err := h.auctions.StartScheduledAuctions(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	a, err = h.store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.AuctionActive, a.Status)
	return a
}

func (h *harness) endAll(t *testing.T) BatchResult {
	t.Helper()
	h.clock.Set(t0.Add(time.Hour))
	res, err := h.auctions.EndDueAuctions(context.Background(), h.clock.Now())
	require.NoError(t, err)
	return res
}
