package sweep

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/engine"
	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type publishLog struct {
	mu     sync.Mutex
	events []fanout.Event
	topics []fanout.Topic
	ch     chan fanout.Event
}

func newPublishLog() *publishLog { return &publishLog{ch: make(chan fanout.Event, 64)} }

func (p *publishLog) Publish(t fanout.Topic, ev fanout.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.topics = append(p.topics, t)
	p.mu.Unlock()
	if ev.Name == model.EventAuctionBatchProcessed {
		p.ch <- ev
	}
}

func (p *publishLog) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Name
	}
	return out
}

type stubAuctions struct {
	calls    []string
	startErr error
	end      engine.BatchResult
}

func (s *stubAuctions) StartScheduledAuctions(context.Context, time.Time) (engine.BatchResult, error) {
	s.calls = append(s.calls, "start")
	return engine.BatchResult{}, s.startErr
}

func (s *stubAuctions) EndDueAuctions(context.Context, time.Time) (engine.BatchResult, error) {
	s.calls = append(s.calls, "end")
	return s.end, nil
}

type stubNegotiations struct{ a *stubAuctions }

func (s stubNegotiations) ExpireDue(context.Context, time.Time) (engine.BatchResult, error) {
	s.a.calls = append(s.a.calls, "expire")
	return engine.BatchResult{Processed: 2}, nil
}

func TestTickContinuesPastFailures(t *testing.T) {
	a := &stubAuctions{
		startErr: errors.New("connection reset"),
		end: engine.BatchResult{
			Processed: 3,
			Failed:    []engine.EntityError{{ID: "a-1", Err: model.ErrTransient}},
		},
	}
	pub := newPublishLog()
	job := NewJob(a, stubNegotiations{a}, pub, clock.NewManual(t0), time.Second, log.New(io.Discard))

	sum := job.Tick(context.Background(), t0)

	require.Equal(t, []string{"start", "end", "expire"}, a.calls)
	require.Equal(t, engine.BatchProcessed{Started: 0, Ended: 3, Expired: 2, Failed: 2}, sum)
	require.Len(t, pub.events, 1)
	require.Equal(t, fanout.RoleTopic(model.RoleAdmin), pub.topics[0])
	require.Equal(t, sum, pub.events[0].Data)
}

func TestTickDrivesEngines(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	store := db.NewMemory(time.Second)
	pub := newPublishLog()
	cart := engine.NewCartBridge(store, clk)
	auctions := engine.NewAuctionEngine(store, pub, clk, cart, log.New(io.Discard))
	negotiations := engine.NewNegotiationEngine(store, pub, clk, cart, time.Hour, log.New(io.Discard))
	require.NoError(t, store.SaveListing(ctx, model.Listing{ID: "listing-1", SellerID: "seller"}))

	a, err := auctions.CreateAuction(ctx, model.Caller{UserID: "seller", Role: model.RoleSeller}, engine.AuctionParams{
		ListingID:     "listing-1",
		Kind:          model.KindAscending,
		StartingPrice: decimal.NewFromInt(100),
		BidIncrement:  decimal.NewFromInt(10),
		StartTime:     t0.Add(time.Minute),
		EndTime:       t0.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = negotiations.CreateOffer(ctx, model.Caller{UserID: "buyer", Role: model.RoleBuyer}, engine.OfferParams{
		ListingID: "listing-1",
		Amount:    decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	job := NewJob(auctions, negotiations, pub, clk, time.Minute, log.New(io.Discard))

	require.Equal(t, engine.BatchProcessed{}, job.Tick(ctx, t0))

	clk.Set(t0.Add(time.Minute))
	require.Equal(t, engine.BatchProcessed{Started: 1}, job.Tick(ctx, clk.Now()))

	_, err = auctions.PlaceBid(ctx, model.Caller{UserID: "buyer", Role: model.RoleBuyer}, a.ID, decimal.NewFromInt(110))
	require.NoError(t, err)

	clk.Set(t0.Add(time.Hour))
	require.Equal(t, engine.BatchProcessed{Ended: 1, Expired: 1}, job.Tick(ctx, clk.Now()))

	got, err := store.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.AuctionEnded, got.Status)

	// A repeated tick finds nothing left to do.
	require.Equal(t, engine.BatchProcessed{}, job.Tick(ctx, clk.Now()))
	require.Contains(t, pub.names(), model.EventNegotiationExpired)
}

func TestRunTicksOnInterval(t *testing.T) {
	a := &stubAuctions{}
	pub := newPublishLog()
	clk := clock.NewManual(t0)
	job := NewJob(a, stubNegotiations{a}, pub, clk, 5*time.Second, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)

	clk.Advance(4 * time.Second)
	select {
	case <-pub.ch:
		t.Fatal("ticked before the interval elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Second)
	select {
	case ev := <-pub.ch:
		require.Equal(t, t0.Add(5*time.Second), ev.At)
	case <-time.After(time.Second):
		t.Fatal("no tick after the interval")
	}

	cancel()
	<-done
	require.Equal(t, 0, clk.Tickers())
}
