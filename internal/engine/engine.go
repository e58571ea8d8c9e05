// Package engine holds the two trading state machines, auctions and
// negotiations, and the Cart Bridge they share. Each mutating operation
// runs in one store transaction; the events it produces are published
// only once that transaction has committed.
package engine

import (
	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"

	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

// Publisher is the part of the Fan-Out Router the engines use.
type Publisher interface {
	Publish(t fanout.Topic, ev fanout.Event)
}

// ── Outbox ───────────────────────────────────────────

type delivery struct {
	topic fanout.Topic
	ev    fanout.Event
}

// outbox collects events inside a transaction closure. flush is called
// after InTx returns nil; a rolled-back closure's outbox is discarded.
type outbox struct{ items []delivery }

func (o *outbox) reset() { o.items = o.items[:0] }

// add queues the same ev, Data included, for every topic; payloads are
// read-only once added.
func (o *outbox) add(ev fanout.Event, topics ...fanout.Topic) {
	for _, t := range topics {
		o.items = append(o.items, delivery{topic: t, ev: ev})
	}
}

func (o *outbox) flush(p Publisher) {
	if p == nil {
		return
	}
	for _, d := range o.items {
		p.Publish(d.topic, d.ev)
	}
}

// ── Batches ──────────────────────────────────────────

// EntityError is one entity a batch pass could not advance.
type EntityError struct {
	ID  string
	Err error
}

// BatchResult summarizes a sweep pass. A failure on one entity is
// recorded and the pass moves on.
type BatchResult struct {
	Processed int
	Failed    []EntityError
}

func (b *BatchResult) record(id string, changed bool, err error, logger *log.Logger, op string) {
	switch {
	case err != nil:
		b.Failed = append(b.Failed, EntityError{ID: id, Err: err})
		logger.Warn(op+" failed", "id", id, "err", err)
	case changed:
		b.Processed++
	}
}

// ── Roles ────────────────────────────────────────────

// requireTrader admits the roles that may buy or sell.
// checkScale rejects amounts the store would have to round.
func checkScale(d decimal.Decimal, what string) error {
	if !model.WholeCents(d) {
		return model.InvalidAmount("%s %s has more than %d decimal places", what, d.String(), model.PriceScale)
	}
	return nil
}

func requireTrader(c model.Caller) error {
	switch c.Role {
	case model.RoleBuyer, model.RoleSeller:
		if c.UserID == "" {
			return model.Forbidden("anonymous caller")
		}
		return nil
	case model.RoleAdmin:
		return model.Forbidden("admins do not trade")
	}
	return model.Forbidden("unknown role %q", c.Role)
}

// requireOwnerOrAdmin admits the listing's seller acting as a seller, or
// any admin.
func requireOwnerOrAdmin(c model.Caller, sellerID string) error {
	switch c.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleSeller:
		if c.UserID != sellerID {
			return model.Forbidden("%s does not own this listing", c.UserID)
		}
		return nil
	case model.RoleBuyer:
		return model.Forbidden("buyers cannot manage auctions")
	}
	return model.Forbidden("unknown role %q", c.Role)
}

func prefixed(logger *log.Logger, prefix string) *log.Logger {
	if logger == nil {
		logger = log.Default()
	}
	return logger.WithPrefix(prefix)
}
