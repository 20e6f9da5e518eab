package driftsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ResetPeriod selects the replenishment policy for a governed resource.
type ResetPeriod int

const (
	// ResetNone never replenishes; the balance only moves by credits and
	// spends.
	ResetNone ResetPeriod = iota
	// ResetWeekly replenishes to the full allowance at each ISO week
	// boundary.
	ResetWeekly
)

func (p ResetPeriod) String() string {
	switch p {
	case ResetNone:
		return "none"
	case ResetWeekly:
		return "weekly"
	default:
		return "unknown"
	}
}

// ResourcePolicy describes one quota-governed remote field. Governed fields
// are never staged locally: a buffered stale value could silently permit an
// overspend, so every read and write goes through a remote transaction.
type ResourcePolicy struct {
	// Name identifies the resource in events and stats.
	Name string `yaml:"name" json:"name"`
	// FieldPath addresses the balance within the profile document.
	FieldPath string `yaml:"field_path" json:"field_path"`
	// ResetMarkerPath addresses the stored last-reset period identifier.
	// Required when Reset is not ResetNone.
	ResetMarkerPath string `yaml:"reset_marker_path" json:"reset_marker_path"`
	// Allowance is the full replenishment amount for periodic resets.
	Allowance float64 `yaml:"allowance" json:"allowance"`
	// Reset selects the replenishment policy.
	Reset ResetPeriod `yaml:"reset" json:"reset"`
}

// LedgerStats provides counters about ledger activity.
type LedgerStats struct {
	Spends        int64 `json:"spends"`
	Denials       int64 `json:"denials"`
	Replenishes   int64 `json:"replenishes"`
	RetryFailures int64 `json:"retry_failures"`
}

// Ledger executes admission-controlled spends against quota-governed fields
// of one profile document. Each spend is a serializable read-modify-write
// remote transaction, so two tabs spending the last ticket cannot both
// succeed.
type Ledger struct {
	remote RemoteStore
	docID  string
	sink   EventSink
	now    func() time.Time

	mu    sync.Mutex
	stats LedgerStats
}

// LedgerOption customizes ledger construction.
type LedgerOption func(*Ledger)

// WithLedgerEventSink replaces the default slog-backed event sink.
func WithLedgerEventSink(sink EventSink) LedgerOption {
	return func(l *Ledger) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// WithLedgerClock replaces the wall clock, for tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a ledger over the given remote store and document.
func NewLedger(remote RemoteStore, docID string, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		remote: remote,
		docID:  docID,
		sink:   slogSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spend debits amount from the governed balance. Within one transaction it
// replenishes the balance first when the stored reset marker no longer
// matches the current period, refuses when the (possibly just-replenished)
// balance cannot cover the spend, and otherwise commits the debit.
//
// The boolean is the admission decision: false means no spend occurred,
// whether for insufficiency or exhausted conflict retries (fail closed).
// The error reports only unexpected I/O faults.
func (l *Ledger) Spend(ctx context.Context, policy ResourcePolicy, amount float64) (bool, error) {
	if amount < 0 {
		return false, errors.New("ledger: negative spend amount")
	}

	var replenished bool
	err := l.remote.RunTransaction(ctx, l.docID, func(tx *Txn) error {
		// The store may rerun the function on conflict; only the committed
		// attempt's outcome counts.
		replenished = false
		balance := tx.Number(policy.FieldPath)

		if policy.Reset == ResetWeekly {
			current := WeekID(l.now())
			marker, _ := tx.Value(policy.ResetMarkerPath)
			stored, _ := marker.(string)
			if stored != current {
				balance = policy.Allowance
				if err := tx.Set(policy.ResetMarkerPath, current); err != nil {
					return err
				}
				replenished = true
			}
		}

		if balance < amount {
			return ErrInsufficientBalance
		}
		return tx.Set(policy.FieldPath, balance-amount)
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case err == nil:
		l.stats.Spends++
		if replenished {
			l.stats.Replenishes++
		}
		return true, nil
	case errors.Is(err, ErrInsufficientBalance):
		l.stats.Denials++
		l.sink.Emit(Event{Kind: EventSpendDenied, DocID: l.docID, FieldPath: policy.FieldPath, At: l.now()})
		return false, nil
	case errors.Is(err, ErrConflict):
		// Retries exhausted; reported identically to insufficiency so the
		// caller fails closed without a spend.
		l.stats.RetryFailures++
		l.sink.Emit(Event{Kind: EventSpendDenied, DocID: l.docID, FieldPath: policy.FieldPath, Err: err, At: l.now()})
		return false, nil
	default:
		return false, err
	}
}

// Credit adds amount to the governed balance without admission control.
// Grants and purchases use this; it still runs transactionally so a
// concurrent spend observes either the pre- or post-credit balance.
func (l *Ledger) Credit(ctx context.Context, policy ResourcePolicy, amount float64) error {
	if amount < 0 {
		return errors.New("ledger: negative credit amount")
	}
	return l.remote.RunTransaction(ctx, l.docID, func(tx *Txn) error {
		return tx.Set(policy.FieldPath, tx.Number(policy.FieldPath)+amount)
	})
}

// Balance reads the current governed balance, applying a pending periodic
// reset read-only (the stored value is not modified until the next spend).
func (l *Ledger) Balance(ctx context.Context, policy ResourcePolicy) (float64, error) {
	doc, err := l.remote.Get(ctx, l.docID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if policy.Reset == ResetWeekly {
				return policy.Allowance, nil
			}
			return 0, nil
		}
		return 0, err
	}

	tx := newTxn(doc)
	if policy.Reset == ResetWeekly {
		marker, _ := tx.Value(policy.ResetMarkerPath)
		if stored, _ := marker.(string); stored != WeekID(l.now()) {
			return policy.Allowance, nil
		}
	}
	return tx.Number(policy.FieldPath), nil
}

// Stats returns a copy of the ledger's counters.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
