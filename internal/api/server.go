// Package api is the thin HTTP adapter in front of the engines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trading-engine/internal/engine"
	"trading-engine/internal/model"
)

// Listings receives the catalog projection the engines read.
type Listings interface {
	SaveListing(ctx context.Context, l model.Listing) error
}

type Options struct {
	RetryMaxElapsed time.Duration
	RateLimit       rate.Limit // mutating requests per second per caller
	RateBurst       int
}

type Server struct {
	auctions     *engine.AuctionEngine
	negotiations *engine.NegotiationEngine
	cart         *engine.CartBridge
	listings     Listings
	ws           http.HandlerFunc
	auth         *Authenticator
	opts         Options
	log          *log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(
	auctions *engine.AuctionEngine,
	negotiations *engine.NegotiationEngine,
	cart *engine.CartBridge,
	listings Listings,
	ws http.HandlerFunc,
	auth *Authenticator,
	opts Options,
	logger *log.Logger,
) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 40
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		auctions:     auctions,
		negotiations: negotiations,
		cart:         cart,
		listings:     listings,
		ws:           ws,
		auth:         auth,
		opts:         opts,
		log:          logger.WithPrefix("api"),
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	if s.ws != nil {
		r.Get("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Reads
		r.Get("/api/auctions/{id}", s.getAuction)
		r.Get("/api/auctions/{id}/bids", s.listBids)
		r.Get("/api/negotiations/{id}", s.getNegotiation)
		r.Get("/api/cart", s.getOwnCart)
		r.Get("/api/carts/{owner}", s.getCart)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)

			// Auctions
			r.Post("/api/auctions", s.createAuction)
			r.Post("/api/auctions/{id}/bids", s.placeBid)
			r.Post("/api/auctions/{id}/cancel", s.cancelAuction)
			r.Post("/api/auctions/{id}/restart", s.restartAuction)

			// Negotiations
			r.Post("/api/negotiations", s.createOffer)
			r.Post("/api/negotiations/{id}/counter", s.counterOffer)
			r.Post("/api/negotiations/{id}/accept", s.acceptOffer)
			r.Post("/api/negotiations/{id}/decline", s.declineOffer)
			r.Post("/api/negotiations/{id}/cancel", s.cancelNegotiation)
			r.Post("/api/negotiations/{id}/messages", s.postMessage)

			// Admin
			r.Group(func(r chi.Router) {
				r.Use(adminOnly)
				r.Put("/api/admin/listings/{id}", s.saveListing)
			})
		})
	})

	return r
}

// ── Middleware ────────────────────────────────────────

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := s.auth.Authenticate(r)
		if err != nil {
			jsonErr(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), c)))
	})
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerFrom(r.Context()).Role != model.RoleAdmin {
			jsonErr(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit keeps one token bucket per caller.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter(callerFrom(r.Context()).UserID).Allow() {
			w.Header().Set("Retry-After", "1")
			jsonErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst)
		s.limiters[userID] = l
	}
	return l
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"dur", time.Since(start),
			"req_id", middleware.GetReqID(r.Context()))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Auctions ─────────────────────────────────────────

type createAuctionReq struct {
	ListingID     string            `json:"listing_id"`
	Kind          model.AuctionKind `json:"kind"`
	StartingPrice decimal.Decimal   `json:"starting_price"`
	ReservePrice  *decimal.Decimal  `json:"reserve_price"`
	BidIncrement  decimal.Decimal   `json:"bid_increment"`
	Quantity      int               `json:"quantity"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionReq
	if !decode(w, r, &req) {
		return
	}
	var a model.Auction
	err := s.retry(r.Context(), func() (err error) {
		a, err = s.auctions.CreateAuction(r.Context(), callerFrom(r.Context()), engine.AuctionParams{
			ListingID:     req.ListingID,
			Kind:          req.Kind,
			StartingPrice: req.StartingPrice,
			ReservePrice:  req.ReservePrice,
			BidIncrement:  req.BidIncrement,
			Quantity:      req.Quantity,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
		})
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, a)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.GetAuction(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, a)
}

func (s *Server) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.auctions.ListBids(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	json200(w, bids)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	var bid model.Bid
	err := s.retry(r.Context(), func() (err error) {
		bid, err = s.auctions.PlaceBid(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Amount)
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, bid)
}

func (s *Server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	var a model.Auction
	err := s.retry(r.Context(), func() (err error) {
		a, err = s.auctions.CancelAuction(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, a)
}

func (s *Server) restartAuction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
	}
	if !decode(w, r, &req) {
		return
	}
	var a model.Auction
	err := s.retry(r.Context(), func() (err error) {
		a, err = s.auctions.RestartAuction(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.StartTime, req.EndTime)
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, a)
}

// ── Negotiations ─────────────────────────────────────

type createOfferReq struct {
	ListingID string          `json:"listing_id"`
	Amount    decimal.Decimal `json:"amount"`
	Quantity  int             `json:"quantity"`
	Message   string          `json:"message"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferReq
	if !decode(w, r, &req) {
		return
	}
	var n model.Negotiation
	err := s.retry(r.Context(), func() (err error) {
		n, err = s.negotiations.CreateOffer(r.Context(), callerFrom(r.Context()), engine.OfferParams{
			ListingID: req.ListingID,
			Amount:    req.Amount,
			Quantity:  req.Quantity,
			Message:   req.Message,
			ExpiresAt: req.ExpiresAt,
		})
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, n)
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.negotiations.GetNegotiation(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, n)
}

func (s *Server) counterOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  decimal.Decimal `json:"amount"`
		Message string          `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	var n model.Negotiation
	err := s.retry(r.Context(), func() (err error) {
		n, err = s.negotiations.CounterOffer(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Amount, req.Message)
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, n)
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	var (
		n     model.Negotiation
		entry model.CartEntry
	)
	err := s.retry(r.Context(), func() (err error) {
		n, entry, err = s.negotiations.Accept(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, map[string]any{"negotiation": n, "cart_entry": entry})
}

func (s *Server) declineOffer(w http.ResponseWriter, r *http.Request) {
	s.negotiationAction(w, r, s.negotiations.Decline)
}

func (s *Server) cancelNegotiation(w http.ResponseWriter, r *http.Request) {
	s.negotiationAction(w, r, s.negotiations.Cancel)
}

func (s *Server) negotiationAction(w http.ResponseWriter, r *http.Request, op func(context.Context, model.Caller, string) (model.Negotiation, error)) {
	var n model.Negotiation
	err := s.retry(r.Context(), func() (err error) {
		n, err = op(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
		return err
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, n)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.negotiations.PostMessage(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Text); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Cart ─────────────────────────────────────────────

func (s *Server) getOwnCart(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	s.writeCart(w, r, c.UserID)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	s.writeCart(w, r, chi.URLParam(r, "owner"))
}

func (s *Server) writeCart(w http.ResponseWriter, r *http.Request, owner string) {
	entries, err := s.cart.ListCart(r.Context(), callerFrom(r.Context()), owner)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.CartEntry{}
	}
	json200(w, entries)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) saveListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SellerID string `json:"seller_id"`
		Title    string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.SellerID == "" {
		jsonErr(w, http.StatusBadRequest, "seller_id required")
		return
	}
	l := model.Listing{ID: chi.URLParam(r, "id"), SellerID: req.SellerID, Title: req.Title}
	if err := s.listings.SaveListing(r.Context(), l); err != nil {
		s.writeErr(w, err)
		return
	}
	json200(w, l)
}

// ── Helpers ──────────────────────────────────────────

// retry re-runs op while it fails with a transient store error. Every
// other error is returned at once.
func (s *Server) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = s.opts.RetryMaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 2 * time.Second
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.log.Debug("transient failure, retrying", "attempt", attempt, "err", err)
		return err
	}, backoff.WithContext(b, ctx))
}

var kindStatus = map[model.Kind]int{
	model.KindNotFound:      http.StatusNotFound,
	model.KindForbidden:     http.StatusForbidden,
	model.KindInvalidState:  http.StatusConflict,
	model.KindInvalidAmount: http.StatusUnprocessableEntity,
	model.KindConflict:      http.StatusConflict,
	model.KindTransient:     http.StatusServiceUnavailable,
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		s.log.Error("internal error", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	if kind == model.KindTransient {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind.String()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			jsonErr(w, http.StatusBadRequest, "invalid json")
		} else {
			jsonErr(w, http.StatusBadRequest, "invalid request: "+err.Error())
		}
		return false
	}
	return true
}

func json200(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
