// Package manager adapts platform purchase events into entitlement state.
// It owns the flow: transaction event -> finish with the platform ->
// temporary activation -> receipt validation -> resolver -> store ->
// reporting sinks.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Viyatek/iap/clock"
	"github.com/Viyatek/iap/entitlement"
	"github.com/Viyatek/iap/log"
	"github.com/Viyatek/iap/products"
	"github.com/Viyatek/iap/receipt"
	"github.com/Viyatek/iap/report"
	"github.com/Viyatek/iap/usage"
)

// TxState is a platform transaction state as delivered by the payment queue.
type TxState byte

const (
	TxPurchasing TxState = iota
	TxPurchased
	TxFailed
	TxRestoring
	TxRestored
	TxDeferred // e.g. pending parental approval; no outcome yet
)

// Transaction is one payment queue callback.
type Transaction struct {
	ID        string
	ProductID string
	State     TxState
	Err       error
	// Cancelled marks a user-initiated abort. A distinct outcome, not an
	// error: it is never reported as a failure.
	Cancelled bool
}

// Queue is the platform payment queue boundary.
type Queue interface {
	// Register subscribes an observer to transaction callbacks. The manager
	// guards against double registration on its side, the platform is not
	// trusted to.
	Register(Observer)
	// Finish acknowledges a delivered transaction with the platform.
	Finish(ctx context.Context, tx Transaction)
}

// Observer receives transaction callbacks.
type Observer interface {
	HandleTransaction(ctx context.Context, tx Transaction)
}

// Fetcher produces the current receipt blob, base64-encoded.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Validator runs a receipt through remote validation and returns the
// normalized outcome. Implemented by receipt.Service.
type Validator interface {
	Validate(ctx context.Context, blob []byte) (receipt.Outcome, error)
}

// Store is the entitlement persistence boundary, see package store.
type Store interface {
	Get() (entitlement.State, error)
	Update(func(entitlement.State) entitlement.State) (entitlement.State, error)
	GrantTemporaryActivation(d time.Duration, now time.Time) error
	SetProductInfo(name, planType string, price float64) error
}

// DefaultTemporaryActivation keeps a fresh purchaser premium while server
// validation is still in flight.
const DefaultTemporaryActivation = 24 * time.Hour

// Config collects the manager's collaborators. Explicit construction, no
// package state.
type Config struct {
	Queue     Queue
	Fetcher   Fetcher
	Validator Validator
	Store     Store
	Catalog   products.Catalog
	Sink      report.Sink
	Clock     clock.Clock

	// TemporaryActivation overrides DefaultTemporaryActivation when positive.
	TemporaryActivation time.Duration
}

// Manager is the purchase/restore event adapter.
type Manager struct {
	cfg Config

	attachOnce sync.Once

	// one validation in flight at a time; concurrent callers share it
	group singleflight.Group

	// completions are ordered by issue time; a completion older than the
	// last applied one is discarded
	seq     uint64
	applyMu sync.Mutex
	applied uint64

	// transaction ids already reported, so platform re-delivery of a
	// finished transaction doesn't double-count revenue
	seenMu sync.Mutex
	seen   map[string]struct{}
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Sink == nil {
		cfg.Sink = report.LogSink{}
	}
	if cfg.TemporaryActivation <= 0 {
		cfg.TemporaryActivation = DefaultTemporaryActivation
	}
	return &Manager{cfg: cfg, seen: map[string]struct{}{}}
}

// Attach registers the manager with the payment queue. Safe to call more
// than once; only the first call registers.
func (m *Manager) Attach() {
	m.attachOnce.Do(func() {
		m.cfg.Queue.Register(m)
	})
}

// HandleTransaction reacts to one payment queue callback.
func (m *Manager) HandleTransaction(ctx context.Context, tx Transaction) {
	ctx = usage.NewContext(ctx, "tx", tx.ID, "product_id", tx.ProductID)

	switch tx.State {
	case TxPurchased:
		m.cfg.Queue.Finish(ctx, tx)
		m.completePurchase(ctx, tx, false)

	case TxRestored:
		m.cfg.Queue.Finish(ctx, tx)
		m.completePurchase(ctx, tx, true)

	case TxFailed:
		m.cfg.Queue.Finish(ctx, tx)
		if tx.Cancelled {
			// user changed their mind, nothing failed
			log.Info(ctx, "purchase cancelled by user")
			return
		}
		log.Error(ctx, "transaction failed", "err", tx.Err)
		m.cfg.Sink.Send(ctx, report.EventPurchaseFailed, report.Props{
			"transaction_id": tx.ID,
			"product_id":     tx.ProductID,
		})

	case TxDeferred:
		// no entitlement change and no terminal reporting event
		log.Info(ctx, "transaction deferred")

	default:
		// Purchasing/Restoring are transient, wait for the terminal state
	}
}

// completePurchase handles the Purchased/Restored terminal states: bridge
// the validation latency with a temporary grant, report, then validate.
func (m *Manager) completePurchase(ctx context.Context, tx Transaction, restored bool) {
	now := m.cfg.Clock.Now()

	if err := m.cfg.Store.GrantTemporaryActivation(m.cfg.TemporaryActivation, now); err != nil {
		log.Error(ctx, "temporary activation failed", "err", err)
	}

	if m.markSeen(tx.ID) {
		m.report(ctx, tx, restored)
	}

	if _, err := m.Refresh(ctx); err != nil {
		// previous state is preserved, the temporary grant covers the gap
		log.Error(ctx, "receipt validation failed after purchase", "err", err)
	}
}

// markSeen returns false if the transaction was already reported.
func (m *Manager) markSeen(txID string) bool {
	if txID == "" {
		return true
	}
	m.seenMu.Lock()
	defer m.seenMu.Unlock()

	if _, ok := m.seen[txID]; ok {
		return false
	}
	m.seen[txID] = struct{}{}
	return true
}

func (m *Manager) report(ctx context.Context, tx Transaction, restored bool) {
	m.cfg.Sink.Send(ctx, report.EventUserStatus, report.Props{
		report.PropUserStatus: string(entitlement.TierPremium),
	})

	if restored {
		m.cfg.Sink.Send(ctx, report.EventRestoreCompleted, report.Props{
			"transaction_id": tx.ID,
			"product_id":     tx.ProductID,
		})
		return
	}

	prod, ok := m.cfg.Catalog.Product(tx.ProductID)
	if !ok {
		log.Error(ctx, "purchased product not in catalog, revenue not reported", "product_id", tx.ProductID)
		return
	}

	if err := m.cfg.Store.SetProductInfo(prod.Title, string(prod.PlanType()), prod.Price); err != nil {
		log.Error(ctx, "unable to persist product info", "err", err)
	}

	revenue := report.Revenue(tx.ID, prod.ID, prod.Price, prod.Currency)
	if products.IsLifetime(prod.ID) {
		m.cfg.Sink.Send(ctx, report.EventLifetimeRevenue, revenue)
		return
	}

	m.cfg.Sink.Send(ctx, report.EventSubscriptionRevenue, revenue)
	if prod.FreeTrial {
		m.cfg.Sink.Send(ctx, report.EventFreeTrialStarted, revenue)
	} else {
		m.cfg.Sink.Send(ctx, report.EventSubscriptionStarted, revenue)
	}
}

// Refresh fetches the receipt, validates it remotely and reconciles the
// store. Concurrent calls are coalesced into a single validation; a stale
// completion never overwrites a newer one.
func (m *Manager) Refresh(ctx context.Context) (entitlement.State, error) {
	v, err, _ := m.group.Do("validate", func() (interface{}, error) {
		st, err := m.refresh(ctx)
		return st, err
	})
	st, _ := v.(entitlement.State)
	return st, err
}

func (m *Manager) refresh(ctx context.Context) (entitlement.State, error) {
	issued := atomic.AddUint64(&m.seq, 1)

	blob, err := m.cfg.Fetcher.Fetch(ctx)
	if err != nil {
		// no receipt is not a downgrade, keep the current state
		log.Error(ctx, "receipt fetch failed", "err", err)
		return m.cfg.Store.Get()
	}

	out, err := m.cfg.Validator.Validate(ctx, blob)
	if err != nil {
		// parse errors and rejected validations preserve state too
		log.Error(ctx, "receipt validation failed", "err", err)
		cur, gerr := m.cfg.Store.Get()
		if gerr != nil {
			return entitlement.State{}, gerr
		}
		return cur, err
	}

	return m.apply(ctx, issued, out)
}

// apply runs the resolver inside the store's read-modify-write and reports
// a user status transition when one happened.
func (m *Manager) apply(ctx context.Context, issued uint64, out receipt.Outcome) (entitlement.State, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if issued <= m.applied {
		// a newer validation already landed
		log.Info(ctx, "discarding stale validation result", "issued", issued, "applied", m.applied)
		return m.cfg.Store.Get()
	}

	now := m.cfg.Clock.Now()

	var prev entitlement.State
	next, err := m.cfg.Store.Update(func(cur entitlement.State) entitlement.State {
		prev = cur
		return entitlement.Resolve(cur, out.Items, out.Grace, now)
	})
	if err != nil {
		return entitlement.State{}, err
	}
	m.applied = issued

	if prevStatus, nextStatus := prev.UserStatus(now), next.UserStatus(now); prevStatus != nextStatus {
		m.cfg.Sink.Send(ctx, report.EventUserStatus, report.Props{
			report.PropUserStatus: nextStatus,
		})
	}

	log.Info(ctx, "entitlement reconciled",
		"tier", string(next.Tier),
		"expires_at", next.ExpiresAt,
		"lifetime", next.IsLifetimeMember,
	)
	return next, nil
}
