// Package monitor classifies broadcast escrow operations as confirmed, failed
// or timed out by polling contract state. TON lite servers do not return
// receipts for internal messages, so the classification is effect-based: the
// expected on-chain effect either materializes, or the contract's logical time
// advances past the broadcast anchor without it (a bounce), or nothing moves
// before the deadline.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/ton"
)

// ErrTimedOut reports that the confirmation deadline passed with no observable
// movement on the contract. The operation's fate is still unknown; it is not a
// failure.
var ErrTimedOut = errors.New("monitor: confirmation timed out")

// Outcome is the monitor's verdict on one broadcast operation.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomePending   Outcome = "pending"
)

// Expect describes the on-chain effect that proves an operation landed.
type Expect struct {
	Kind       gig.OpKind
	AmountNano *big.Int // fund only: minimum escrowed balance
}

// StateQuerier reads escrow contract state.
type StateQuerier interface {
	QueryState(ctx context.Context, contractAddr string) (*ton.ContractState, error)
}

// Monitor polls contract state until an operation's fate is known.
type Monitor struct {
	querier      StateQuerier
	logger       *slog.Logger
	pollInterval time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides the base poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// New creates a confirmation monitor.
func New(querier StateQuerier, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		querier:      querier,
		logger:       logger,
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AwaitConfirmation polls until the operation referenced by ref is confirmed
// or failed, or until timeout elapses. Poll spacing doubles from the base
// interval up to 8x to keep lite-server load bounded on slow confirmations.
// Transient query errors are logged and retried within the same deadline.
func (m *Monitor) AwaitConfirmation(ctx context.Context, ref ton.BroadcastRef, expect Expect, timeout time.Duration) (Outcome, error) {
	deadline := time.Now().Add(timeout)
	interval := m.pollInterval
	maxInterval := 8 * m.pollInterval

	for {
		outcome, err := m.LookupOutcome(ctx, ref, expect)
		if err != nil {
			m.logger.Warn("confirmation poll failed",
				"contract", ref.ContractAddr,
				"op", ref.Op.String(),
				"error", err,
			)
		} else if outcome != OutcomePending {
			return outcome, nil
		}

		if time.Now().After(deadline) {
			return OutcomeTimedOut, ErrTimedOut
		}

		select {
		case <-ctx.Done():
			return OutcomeTimedOut, ctx.Err()
		case <-time.After(interval):
		}
		if interval < maxInterval {
			interval *= 2
		}
	}
}

// LookupOutcome takes a single reading of the contract and classifies the
// operation: confirmed when the expected effect is present, failed when the
// contract processed a transaction past the broadcast anchor without producing
// it, pending otherwise.
func (m *Monitor) LookupOutcome(ctx context.Context, ref ton.BroadcastRef, expect Expect) (Outcome, error) {
	st, err := m.querier.QueryState(ctx, ref.ContractAddr)
	if err != nil {
		if errors.Is(err, ton.ErrContractNotFound) {
			// A drained settlement target may be frozen or deleted by
			// the contract itself; absence is the expected effect. For
			// fund the deploy message simply has not landed yet.
			if expect.Kind.Settlement() {
				return OutcomeConfirmed, nil
			}
			return OutcomePending, nil
		}
		return OutcomePending, err
	}

	if effectPresent(st, expect) {
		return OutcomeConfirmed, nil
	}
	if st.LastTxLT > ref.LastTxLT {
		// The contract moved but the effect never appeared: the message
		// bounced or was rejected by contract logic.
		return OutcomeFailed, nil
	}
	return OutcomePending, nil
}

func effectPresent(st *ton.ContractState, expect Expect) bool {
	if expect.Kind.Settlement() {
		return st.Drained()
	}
	// Fund: the contract holds at least the escrowed amount.
	if !st.Deployed || !st.Active || st.BalanceNano == nil {
		return false
	}
	if expect.AmountNano == nil {
		return st.BalanceNano.Sign() > 0
	}
	return st.BalanceNano.Cmp(expect.AmountNano) >= 0
}
