package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/clock"
	"trading-engine/internal/db"
	"trading-engine/internal/engine"
	"trading-engine/internal/model"
)

const testSecret = "test-secret-at-least-32-characters!!"

var (
	seller = model.Caller{UserID: "seller", Role: model.RoleSeller}
	buyerA = model.Caller{UserID: "buyer-a", Role: model.RoleBuyer}
	buyerB = model.Caller{UserID: "buyer-b", Role: model.RoleBuyer}
	admin  = model.Caller{UserID: "ops", Role: model.RoleAdmin}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testAPI struct {
	t        *testing.T
	srv      *httptest.Server
	auth     *Authenticator
	clock    *clock.Manual
	auctions *engine.AuctionEngine
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	logger := log.New(io.Discard)
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := db.NewMemory(time.Second)
	cart := engine.NewCartBridge(store, clk)
	auctions := engine.NewAuctionEngine(store, nil, clk, cart, logger)
	negotiations := engine.NewNegotiationEngine(store, nil, clk, cart, time.Hour, logger)
	auth := NewAuthenticator(testSecret)
	srv := httptest.NewServer(NewServer(auctions, negotiations, cart, store, nil, auth, opts, logger).Router())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, auth: auth, clock: clk, auctions: auctions}
}

func (a *testAPI) do(c *model.Caller, method, path string, body any, out any) int {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	if c != nil {
		tok, err := a.auth.Issue(*c, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) listing(t *testing.T) {
	t.Helper()
	code := a.do(&admin, http.MethodPut, "/api/admin/listings/listing-1",
		map[string]string{"seller_id": seller.UserID, "title": "Pallet of widgets"}, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestAuctionFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.listing(t)

	var created model.Auction
	code := a.do(&seller, http.MethodPost, "/api/auctions", map[string]any{
		"listing_id":     "listing-1",
		"kind":           "ASCENDING",
		"starting_price": "100",
		"bid_increment":  "10",
		"start_time":     "2026-03-02T09:00:00Z",
		"end_time":       "2026-03-02T10:00:00Z",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, model.AuctionScheduled, created.Status)

	_, err := a.auctions.StartScheduledAuctions(context.Background(), a.clock.Now())
	require.NoError(t, err)

	path := "/api/auctions/" + created.ID + "/bids"
	require.Equal(t, http.StatusCreated, a.do(&buyerA, http.MethodPost, path, map[string]string{"amount": "110"}, nil))

	var problem map[string]string
	require.Equal(t, http.StatusUnprocessableEntity, a.do(&buyerB, http.MethodPost, path, map[string]string{"amount": "115"}, &problem))
	require.Equal(t, "invalid_amount", problem["kind"])

	require.Equal(t, http.StatusForbidden, a.do(&seller, http.MethodPost, path, map[string]string{"amount": "500"}, nil))
	require.Equal(t, http.StatusCreated, a.do(&buyerB, http.MethodPost, path, map[string]string{"amount": "125"}, nil))

	var got model.Auction
	require.Equal(t, http.StatusOK, a.do(&buyerA, http.MethodGet, "/api/auctions/"+created.ID, nil, &got))
	require.True(t, got.CurrentHighBid.Equal(dec("125")))
	require.Equal(t, 2, got.BidCount)

	var bids []model.Bid
	require.Equal(t, http.StatusOK, a.do(&buyerA, http.MethodGet, path, nil, &bids))
	require.Len(t, bids, 2)
	require.Equal(t, model.BidOutbid, bids[0].Status)

	a.clock.Set(created.EndTime)
	_, err = a.auctions.EndDueAuctions(context.Background(), a.clock.Now())
	require.NoError(t, err)

	var cart []model.CartEntry
	require.Equal(t, http.StatusOK, a.do(&buyerB, http.MethodGet, "/api/cart", nil, &cart))
	require.Len(t, cart, 1)
	require.True(t, cart[0].UnitPrice.Equal(dec("125")))

	require.Equal(t, http.StatusConflict, a.do(&buyerB, http.MethodPost, path, map[string]string{"amount": "200"}, nil))
	require.Equal(t, http.StatusForbidden, a.do(&buyerA, http.MethodGet, "/api/carts/buyer-b", nil, nil))
	require.Equal(t, http.StatusOK, a.do(&admin, http.MethodGet, "/api/carts/buyer-b", nil, &cart))
	require.Equal(t, http.StatusNotFound, a.do(&buyerA, http.MethodGet, "/api/auctions/missing", nil, nil))
}

func TestNegotiationFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.listing(t)

	var n model.Negotiation
	require.Equal(t, http.StatusCreated, a.do(&buyerA, http.MethodPost, "/api/negotiations",
		map[string]any{"listing_id": "listing-1", "amount": "50", "message": "bulk price?"}, &n))
	require.Equal(t, http.StatusConflict, a.do(&buyerA, http.MethodPost, "/api/negotiations",
		map[string]any{"listing_id": "listing-1", "amount": "55"}, nil))

	base := "/api/negotiations/" + n.ID
	require.Equal(t, http.StatusOK, a.do(&seller, http.MethodPost, base+"/counter", map[string]string{"amount": "70"}, nil))
	require.Equal(t, http.StatusConflict, a.do(&seller, http.MethodPost, base+"/counter", map[string]string{"amount": "65"}, nil))
	require.Equal(t, http.StatusNoContent, a.do(&seller, http.MethodPost, base+"/messages", map[string]string{"text": "ships Monday"}, nil))
	require.Equal(t, http.StatusForbidden, a.do(&buyerB, http.MethodGet, base, nil, nil))

	var accepted struct {
		Negotiation model.Negotiation `json:"negotiation"`
		CartEntry   model.CartEntry   `json:"cart_entry"`
	}
	require.Equal(t, http.StatusOK, a.do(&buyerA, http.MethodPost, base+"/accept", nil, &accepted))
	require.Equal(t, model.NegotiationAccepted, accepted.Negotiation.Status)
	require.True(t, accepted.CartEntry.UnitPrice.Equal(dec("70")))
	require.Equal(t, model.SourceNegotiation, accepted.CartEntry.Source)

	require.Equal(t, http.StatusConflict, a.do(&buyerA, http.MethodPost, base+"/accept", nil, nil))
	require.Equal(t, http.StatusConflict, a.do(&buyerA, http.MethodPost, base+"/cancel", nil, nil))
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t, Options{})

	require.Equal(t, http.StatusUnauthorized, a.do(nil, http.MethodGet, "/api/cart", nil, nil))
	require.Equal(t, http.StatusOK, a.do(nil, http.MethodGet, "/health", nil, nil))
	require.Equal(t, http.StatusForbidden, a.do(&seller, http.MethodPut, "/api/admin/listings/x",
		map[string]string{"seller_id": "seller"}, nil))

	req, err := http.NewRequest(http.MethodGet, a.srv.URL+"/api/cart", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	a := newTestAPI(t, Options{})
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+"/api/negotiations", bytes.NewBufferString("{"))
	require.NoError(t, err)
	tok, err := a.auth.Issue(buyerA, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMutationsRateLimitedPerCaller(t *testing.T) {
	a := newTestAPI(t, Options{RateLimit: 0.001, RateBurst: 2})
	body := map[string]string{"amount": "1"}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusNotFound, a.do(&buyerA, http.MethodPost, "/api/auctions/none/bids", body, nil))
	}
	require.Equal(t, http.StatusTooManyRequests, a.do(&buyerA, http.MethodPost, "/api/auctions/none/bids", body, nil))
	require.Equal(t, http.StatusNotFound, a.do(&buyerB, http.MethodPost, "/api/auctions/none/bids", body, nil))
	// Reads are not limited.
	require.Equal(t, http.StatusOK, a.do(&buyerA, http.MethodGet, "/api/cart", nil, nil))
}

func TestRetryTransient(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil, Options{RetryMaxElapsed: time.Second}, log.New(io.Discard))

	calls := 0
	err := s.retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return model.Transient(errors.New("could not obtain lock"), "lock auction")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = s.retry(context.Background(), func() error {
		calls++
		return model.InvalidAmount("too low")
	})
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	require.Equal(t, 1, calls)
}

func TestErrorStatusMapping(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil, Options{}, log.New(io.Discard))
	tests := []struct {
		err  error
		code int
	}{
		{model.NotFound("x"), http.StatusNotFound},
		{model.Forbidden("x"), http.StatusForbidden},
		{model.InvalidState("x"), http.StatusConflict},
		{model.InvalidAmount("x"), http.StatusUnprocessableEntity},
		{model.Conflict("x"), http.StatusConflict},
		{model.Transient(errors.New("timeout"), "x"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		s.writeErr(rec, tc.err)
		require.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestAuthenticatorClaims(t *testing.T) {
	auth := NewAuthenticator(testSecret)

	tok, err := auth.Issue(seller, time.Hour)
	require.NoError(t, err)
	c, err := auth.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, seller, c)

	expired, err := auth.Issue(seller, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Parse(expired)
	require.Error(t, err)

	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "role": "GUEST"})
	s, err := bad.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = auth.Parse(s)
	require.ErrorIs(t, err, model.ErrForbidden)

	other, err := NewAuthenticator("another-secret-at-least-32-characters").Issue(seller, time.Hour)
	require.NoError(t, err)
	_, err = auth.Parse(other)
	require.Error(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	c, err = auth.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, seller.UserID, c.UserID)
}
