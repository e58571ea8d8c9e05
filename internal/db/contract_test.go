package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/model"
)

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		a := seedAuction(t, s)

		boom := errors.New("boom")
		err := s.InTx(context.Background(), func(tx Tx) error {
			got, err := tx.AuctionForUpdate(context.Background(), a.ID)
			require.NoError(t, err)
			got.BidCount = 9
			require.NoError(t, tx.UpdateAuction(context.Background(), &got))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetAuction(context.Background(), a.ID)
		require.NoError(t, err)
		require.Equal(t, 0, got.BidCount)
	})

	t.Run("missing rows are NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAuction(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.GetNegotiation(context.Background(), uuid.NewString())
		require.ErrorIs(t, err, model.ErrNotFound)
		err = s.InTx(context.Background(), func(tx Tx) error {
			_, err := tx.AuctionForUpdate(context.Background(), uuid.NewString())
			return err
		})
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("malformed ids are NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetAuction(ctx, "not-a-uuid")
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.ListBids(ctx, "not-a-uuid")
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.GetNegotiation(ctx, "not-a-uuid")
		require.ErrorIs(t, err, model.ErrNotFound)
		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.NegotiationForUpdate(ctx, "not-a-uuid")
			return err
		})
		require.ErrorIs(t, err, model.ErrNotFound)
		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.AuctionForUpdate(ctx, "not-a-uuid")
			return err
		})
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("highest bid prefers amount then earliest", func(t *testing.T) {
		s := newStore(t)
		a := seedAuction(t, s)
		ctx := context.Background()

		var first model.Bid
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			none, err := tx.HighestBid(ctx, a.ID)
			require.NoError(t, err)
			require.Nil(t, none)

			first = newBid(a.ID, "b1", "150")
			require.NoError(t, tx.InsertBid(ctx, &first))
			second := newBid(a.ID, "b2", "150")
			require.NoError(t, tx.InsertBid(ctx, &second))
			low := newBid(a.ID, "b3", "120")
			require.NoError(t, tx.InsertBid(ctx, &low))
			require.Greater(t, second.Seq, first.Seq)
			return nil
		}))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			best, err := tx.HighestBid(ctx, a.ID)
			require.NoError(t, err)
			require.Equal(t, first.ID, best.ID)

			require.NoError(t, tx.SetBidStatus(ctx, first.ID, model.BidOutbid))
			best, err = tx.HighestBid(ctx, a.ID)
			require.NoError(t, err)
			require.Equal(t, "b2", best.BidderID)
			return nil
		}))

		bids, err := s.ListBids(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, bids, 3)
		require.Equal(t, model.BidOutbid, bids[0].Status)

		var cancelled int
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			cancelled, err = tx.CancelBids(ctx, a.ID)
			if err != nil {
				return err
			}
			best, err := tx.HighestBid(ctx, a.ID)
			require.NoError(t, err)
			require.Nil(t, best)
			return nil
		}))
		require.Equal(t, 3, cancelled)
	})

	t.Run("cart entry is unique per source", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ref := uuid.NewString()

		var firstID string
		for i := 0; i < 2; i++ {
			e := model.CartEntry{
				ID: uuid.NewString(), OwnerID: "buyer", ListingID: "listing-1",
				UnitPrice: decimal.NewFromInt(70), Quantity: 1,
				Source: model.SourceNegotiation, SourceRef: &ref, CreatedAt: time.Now().UTC(),
			}
			var created bool
			require.NoError(t, s.InTx(ctx, func(tx Tx) error {
				var err error
				created, err = tx.InsertCartEntry(ctx, &e)
				return err
			}))
			if i == 0 {
				require.True(t, created)
				firstID = e.ID
			} else {
				require.False(t, created)
				require.Equal(t, firstID, e.ID)
			}
		}

		entries, err := s.ListCartEntries(ctx, "buyer")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, entries[0].UnitPrice.Equal(decimal.NewFromInt(70)))
	})

	t.Run("one open negotiation per pair", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedListing(t, s, "listing-1", "seller")

		n := newNegotiation("listing-1", "buyer")
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			open, err := tx.OpenNegotiation(ctx, "listing-1", "buyer")
			require.NoError(t, err)
			require.Nil(t, open)
			return tx.InsertNegotiation(ctx, &n)
		}))

		dup := newNegotiation("listing-1", "buyer")
		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertNegotiation(ctx, &dup) })
		require.ErrorIs(t, err, model.ErrConflict)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			got, err := tx.NegotiationForUpdate(ctx, n.ID)
			require.NoError(t, err)
			got.Status = model.NegotiationCancelled
			got.Version++
			return tx.UpdateNegotiation(ctx, &got)
		}))

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			open, err := tx.OpenNegotiation(ctx, "listing-1", "buyer")
			require.NoError(t, err)
			require.Nil(t, open)
			return tx.InsertNegotiation(ctx, &dup)
		}))
	})

	t.Run("due scans", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedAuction(t, s)

		due, err := s.DueScheduledAuctions(ctx, a.StartTime.Add(-time.Second))
		require.NoError(t, err)
		require.NotContains(t, due, a.ID)
		due, err = s.DueScheduledAuctions(ctx, a.StartTime)
		require.NoError(t, err)
		require.Contains(t, due, a.ID)
		due, err = s.DueActiveAuctions(ctx, a.EndTime)
		require.NoError(t, err)
		require.NotContains(t, due, a.ID)

		seedListing(t, s, "listing-2", "seller")
		n := newNegotiation("listing-2", "buyer")
		exp := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
		n.ExpiresAt = &exp
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertNegotiation(ctx, &n) }))

		due, err = s.DueNegotiations(ctx, exp.Add(-time.Minute))
		require.NoError(t, err)
		require.NotContains(t, due, n.ID)
		due, err = s.DueNegotiations(ctx, exp)
		require.NoError(t, err)
		require.Contains(t, due, n.ID)
	})
}

func seedListing(t *testing.T, s Store, id, seller string) {
	t.Helper()
	require.NoError(t, s.SaveListing(context.Background(), model.Listing{ID: id, SellerID: seller, Title: id}))
}

func seedAuction(t *testing.T, s Store) model.Auction {
	t.Helper()
	seedListing(t, s, "listing-1", "seller")
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := model.Auction{
		ID: uuid.NewString(), ListingID: "listing-1", SellerID: "seller", Kind: model.KindAscending,
		StartingPrice: decimal.NewFromInt(100), BidIncrement: decimal.NewFromInt(10), Quantity: 1,
		StartTime: now.Add(time.Minute), EndTime: now.Add(time.Hour), Status: model.AuctionScheduled,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertAuction(context.Background(), &a)
	}))
	return a
}

func newBid(auctionID, bidder, amount string) model.Bid {
	return model.Bid{
		ID: uuid.NewString(), AuctionID: auctionID, BidderID: bidder,
		Amount: decimal.RequireFromString(amount), Status: model.BidActive, CreatedAt: time.Now().UTC(),
	}
}

func newNegotiation(listingID, buyer string) model.Negotiation {
	now := time.Now().UTC()
	return model.Negotiation{
		ID: uuid.NewString(), ListingID: listingID, BuyerID: buyer, SellerID: "seller",
		OfferAmount: decimal.NewFromInt(50), Quantity: 1, Status: model.NegotiationPending,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
}
