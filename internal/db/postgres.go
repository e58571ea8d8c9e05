package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"trading-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	DB               *sql.DB
	statementTimeout time.Duration
}

type PostgresOptions struct {
	MaxOpenConns     int
	StatementTimeout time.Duration
}

func Open(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{DB: db, statementTimeout: opts.StatementTimeout}, nil
}

// Migrate applies the embedded migrations.
func (s *Postgres) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Postgres) Close() error { return s.DB.Close() }

func (s *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin")
	}
	if s.statementTimeout > 0 {
		ms := fmt.Sprintf("%d", s.statementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, `SELECT set_config('statement_timeout', $1, true)`, ms); err != nil {
			tx.Rollback()
			return classify(err, "statement timeout")
		}
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

// classify maps driver failures onto the error taxonomy. Contention and
// timeouts are Transient; unique violations are Conflict.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Transient(err, op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return model.Transient(err, op)
		case "23505":
			return &model.Error{Kind: model.KindConflict, Msg: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ── Columns ──────────────────────────────────────────

const auctionCols = `id,listing_id,seller_id,kind,starting_price,reserve_price,bid_increment,current_high_bid,
	bid_count,quantity,start_time,end_time,status,winner_id,winning_bid_id,reserve_met,version,created_at,updated_at`

const bidCols = `id,auction_id,bidder_id,amount,status,seq,created_at`

const negotiationCols = `id,listing_id,buyer_id,seller_id,offer_amount,counter_amount,quantity,buyer_message,
	seller_message,status,expires_at,countered_at,version,created_at,updated_at`

const cartCols = `id,owner_id,listing_id,unit_price,quantity,source,source_ref,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAuction(row scanner) (model.Auction, error) {
	var a model.Auction
	var reserve, high decimal.NullDecimal
	var winner, winningBid sql.NullString
	var reserveMet sql.NullBool
	err := row.Scan(&a.ID, &a.ListingID, &a.SellerID, &a.Kind, &a.StartingPrice, &reserve, &a.BidIncrement, &high,
		&a.BidCount, &a.Quantity, &a.StartTime, &a.EndTime, &a.Status, &winner, &winningBid, &reserveMet,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.ReservePrice = decimalPtr(reserve)
	a.CurrentHighBid = decimalPtr(high)
	a.WinnerID = stringPtr(winner)
	a.WinningBidID = stringPtr(winningBid)
	if reserveMet.Valid {
		a.ReserveMet = &reserveMet.Bool
	}
	return a, nil
}

func scanBid(row scanner) (model.Bid, error) {
	var b model.Bid
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status, &b.Seq, &b.CreatedAt)
	return b, err
}

func scanNegotiation(row scanner) (model.Negotiation, error) {
	var n model.Negotiation
	var counter decimal.NullDecimal
	var expires, countered sql.NullTime
	err := row.Scan(&n.ID, &n.ListingID, &n.BuyerID, &n.SellerID, &n.OfferAmount, &counter, &n.Quantity,
		&n.BuyerMessage, &n.SellerMessage, &n.Status, &expires, &countered, &n.Version, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return n, err
	}
	n.CounterAmount = decimalPtr(counter)
	n.ExpiresAt = timePtr(expires)
	n.CounteredAt = timePtr(countered)
	return n, nil
}

func scanCartEntry(row scanner) (model.CartEntry, error) {
	var e model.CartEntry
	var ref sql.NullString
	err := row.Scan(&e.ID, &e.OwnerID, &e.ListingID, &e.UnitPrice, &e.Quantity, &e.Source, &ref, &e.CreatedAt)
	e.SourceRef = stringPtr(ref)
	return e, err
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// ── Reads ────────────────────────────────────────────

func (s *Postgres) SaveListing(ctx context.Context, l model.Listing) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO listings (id, seller_id, title) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET seller_id=EXCLUDED.seller_id, title=EXCLUDED.title`,
		l.ID, l.SellerID, l.Title)
	return classify(err, "save listing")
}

// parseID rejects ids that cannot name a row, so lookups compare uuid to
// uuid and stay on the primary key index.
func parseID(id, entity string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, model.NotFound("%s %s not found", entity, id)
	}
	return u, nil
}

func (s *Postgres) GetAuction(ctx context.Context, id string) (model.Auction, error) {
	key, err := parseID(id, "auction")
	if err != nil {
		return model.Auction{}, err
	}
	a, err := scanAuction(s.DB.QueryRowContext(ctx, `SELECT `+auctionCols+` FROM auctions WHERE id=$1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return a, model.NotFound("auction %s not found", id)
	}
	return a, classify(err, "get auction")
}

func (s *Postgres) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	a, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+bidCols+` FROM bids WHERE auction_id=$1 ORDER BY seq`, a.ID)
	if err != nil {
		return nil, classify(err, "list bids")
	}
	defer rows.Close()
	out := []model.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, classify(err, "scan bid")
		}
		out = append(out, b)
	}
	return out, classify(rows.Err(), "list bids")
}

func (s *Postgres) GetNegotiation(ctx context.Context, id string) (model.Negotiation, error) {
	key, err := parseID(id, "negotiation")
	if err != nil {
		return model.Negotiation{}, err
	}
	n, err := scanNegotiation(s.DB.QueryRowContext(ctx, `SELECT `+negotiationCols+` FROM negotiations WHERE id=$1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return n, model.NotFound("negotiation %s not found", id)
	}
	return n, classify(err, "get negotiation")
}

func (s *Postgres) ListCartEntries(ctx context.Context, ownerID string) ([]model.CartEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+cartCols+` FROM cart_entries WHERE owner_id=$1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, classify(err, "list cart")
	}
	defer rows.Close()
	out := []model.CartEntry{}
	for rows.Next() {
		e, err := scanCartEntry(rows)
		if err != nil {
			return nil, classify(err, "scan cart entry")
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "list cart")
}

func (s *Postgres) DueScheduledAuctions(ctx context.Context, now time.Time) ([]string, error) {
	return s.dueIDs(ctx, `SELECT id FROM auctions WHERE status='SCHEDULED' AND start_time <= $1
		ORDER BY start_time LIMIT $2`, now)
}

func (s *Postgres) DueActiveAuctions(ctx context.Context, now time.Time) ([]string, error) {
	return s.dueIDs(ctx, `SELECT id FROM auctions WHERE status='ACTIVE' AND end_time <= $1
		ORDER BY end_time LIMIT $2`, now)
}

func (s *Postgres) DueNegotiations(ctx context.Context, now time.Time) ([]string, error) {
	return s.dueIDs(ctx, `SELECT id FROM negotiations WHERE status IN ('PENDING','COUNTERED')
		AND expires_at IS NOT NULL AND expires_at <= $1 ORDER BY expires_at LIMIT $2`, now)
}

func (s *Postgres) dueIDs(ctx context.Context, q string, now time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, q, now, dueBatch)
	if err != nil {
		return nil, classify(err, "due scan")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "due scan")
		}
		out = append(out, id)
	}
	return out, classify(rows.Err(), "due scan")
}

// ── Transaction ──────────────────────────────────────

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) Listing(ctx context.Context, id string) (model.Listing, error) {
	var l model.Listing
	err := t.tx.QueryRowContext(ctx, `SELECT id, seller_id, title FROM listings WHERE id=$1`, id).
		Scan(&l.ID, &l.SellerID, &l.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return l, model.NotFound("listing %s not found", id)
	}
	return l, classify(err, "get listing")
}

// ── Auctions ─────────────────────────────────────────

func (t *pgTx) AuctionForUpdate(ctx context.Context, id string) (model.Auction, error) {
	key, err := parseID(id, "auction")
	if err != nil {
		return model.Auction{}, err
	}
	a, err := scanAuction(t.tx.QueryRowContext(ctx,
		`SELECT `+auctionCols+` FROM auctions WHERE id=$1 FOR UPDATE`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return a, model.NotFound("auction %s not found", id)
	}
	return a, classify(err, "lock auction")
}

func (t *pgTx) InsertAuction(ctx context.Context, a *model.Auction) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO auctions (`+auctionCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.ListingID, a.SellerID, a.Kind, a.StartingPrice, a.ReservePrice, a.BidIncrement, a.CurrentHighBid,
		a.BidCount, a.Quantity, a.StartTime, a.EndTime, a.Status, a.WinnerID, a.WinningBidID, a.ReserveMet,
		a.Version, a.CreatedAt, a.UpdatedAt)
	return classify(err, "insert auction")
}

func (t *pgTx) UpdateAuction(ctx context.Context, a *model.Auction) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE auctions SET current_high_bid=$2, bid_count=$3, start_time=$4, end_time=$5, status=$6,
		 winner_id=$7, winning_bid_id=$8, reserve_met=$9, version=$10, updated_at=$11
		 WHERE id=$1`,
		a.ID, a.CurrentHighBid, a.BidCount, a.StartTime, a.EndTime, a.Status,
		a.WinnerID, a.WinningBidID, a.ReserveMet, a.Version, a.UpdatedAt)
	if err != nil {
		return classify(err, "update auction")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("auction %s not found", a.ID)
	}
	return nil
}

// ── Bids ─────────────────────────────────────────────

func (t *pgTx) HighestBid(ctx context.Context, auctionID string) (*model.Bid, error) {
	b, err := scanBid(t.tx.QueryRowContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id=$1 AND status IN ('ACTIVE','WINNING')
		 ORDER BY amount DESC, seq ASC LIMIT 1`, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "highest bid")
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *model.Bid) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO bids (id, auction_id, bidder_id, amount, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING seq`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.Status, b.CreatedAt,
	).Scan(&b.Seq)
	return classify(err, "insert bid")
}

func (t *pgTx) SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET status=$1 WHERE id=$2`, status, bidID)
	if err != nil {
		return classify(err, "set bid status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("bid %s not found", bidID)
	}
	return nil
}

func (t *pgTx) CancelBids(ctx context.Context, auctionID string) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE bids SET status='CANCELLED' WHERE auction_id=$1 AND status <> 'CANCELLED'`, auctionID)
	if err != nil {
		return 0, classify(err, "cancel bids")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Negotiations ─────────────────────────────────────

func (t *pgTx) NegotiationForUpdate(ctx context.Context, id string) (model.Negotiation, error) {
	key, err := parseID(id, "negotiation")
	if err != nil {
		return model.Negotiation{}, err
	}
	n, err := scanNegotiation(t.tx.QueryRowContext(ctx,
		`SELECT `+negotiationCols+` FROM negotiations WHERE id=$1 FOR UPDATE`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return n, model.NotFound("negotiation %s not found", id)
	}
	return n, classify(err, "lock negotiation")
}

func (t *pgTx) OpenNegotiation(ctx context.Context, listingID, buyerID string) (*model.Negotiation, error) {
	// The pair lock covers the window before the row exists.
	if _, err := t.tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, listingID, buyerID); err != nil {
		return nil, classify(err, "lock pair")
	}
	n, err := scanNegotiation(t.tx.QueryRowContext(ctx,
		`SELECT `+negotiationCols+` FROM negotiations
		 WHERE listing_id=$1 AND buyer_id=$2 AND status IN ('PENDING','COUNTERED') FOR UPDATE`,
		listingID, buyerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "open negotiation")
	}
	return &n, nil
}

func (t *pgTx) InsertNegotiation(ctx context.Context, n *model.Negotiation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO negotiations (`+negotiationCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		n.ID, n.ListingID, n.BuyerID, n.SellerID, n.OfferAmount, n.CounterAmount, n.Quantity,
		n.BuyerMessage, n.SellerMessage, n.Status, n.ExpiresAt, n.CounteredAt, n.Version, n.CreatedAt, n.UpdatedAt)
	return classify(err, "insert negotiation")
}

func (t *pgTx) UpdateNegotiation(ctx context.Context, n *model.Negotiation) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE negotiations SET counter_amount=$2, seller_message=$3, status=$4, countered_at=$5,
		 version=$6, updated_at=$7 WHERE id=$1`,
		n.ID, n.CounterAmount, n.SellerMessage, n.Status, n.CounteredAt, n.Version, n.UpdatedAt)
	if err != nil {
		return classify(err, "update negotiation")
	}
	if c, _ := res.RowsAffected(); c == 0 {
		return model.NotFound("negotiation %s not found", n.ID)
	}
	return nil
}

// ── Cart ─────────────────────────────────────────────

func (t *pgTx) InsertCartEntry(ctx context.Context, e *model.CartEntry) (bool, error) {
	stored, err := scanCartEntry(t.tx.QueryRowContext(ctx,
		`INSERT INTO cart_entries (`+cartCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (source_ref) DO NOTHING RETURNING `+cartCols,
		e.ID, e.OwnerID, e.ListingID, e.UnitPrice, e.Quantity, e.Source, e.SourceRef, e.CreatedAt))
	if err == nil {
		*e = stored
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, classify(err, "insert cart entry")
	}
	stored, err = scanCartEntry(t.tx.QueryRowContext(ctx,
		`SELECT `+cartCols+` FROM cart_entries WHERE source_ref=$1`, e.SourceRef))
	if err != nil {
		return false, classify(err, "load cart entry")
	}
	*e = stored
	return false, nil
}
