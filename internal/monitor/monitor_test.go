package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/ton"
)

// fakeQuerier replays a scripted sequence of contract states, repeating the
// last entry once exhausted.
type fakeQuerier struct {
	mu     sync.Mutex
	states []queryResult
	calls  int
}

type queryResult struct {
	state *ton.ContractState
	err   error
}

func (f *fakeQuerier) QueryState(ctx context.Context, addr string) (*ton.ContractState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	f.calls++
	return f.states[i].state, f.states[i].err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fundedState(balance int64, lt uint64) *ton.ContractState {
	return &ton.ContractState{Deployed: true, Active: true, BalanceNano: big.NewInt(balance), LastTxLT: lt}
}

func drainedState(lt uint64) *ton.ContractState {
	return &ton.ContractState{Deployed: true, Active: true, BalanceNano: big.NewInt(0), LastTxLT: lt}
}

var testRef = ton.BroadcastRef{ContractAddr: "EQEscrow", Op: ton.OpRelease, MsgHash: "abcd", LastTxLT: 100}

func TestLookupOutcomeFundConfirmed(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{state: fundedState(5_000_000_000, 101)}}}
	m := New(q, testLogger())

	ref := ton.BroadcastRef{ContractAddr: "EQEscrow", Op: ton.OpFund, LastTxLT: 100}
	got, err := m.LookupOutcome(context.Background(), ref, Expect{Kind: gig.OpFund, AmountNano: big.NewInt(5_000_000_000)})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", got)
	}
}

func TestLookupOutcomeFundShortBalanceIsNotConfirmed(t *testing.T) {
	// Deploy value landed but the escrow deposit has not. LT advanced, so
	// without the amount check this would wrongly read as a bounce, and
	// with a zero-amount check it would wrongly read as confirmed. It is a
	// failure: the contract moved past the anchor without the effect.
	q := &fakeQuerier{states: []queryResult{{state: fundedState(50_000_000, 101)}}}
	m := New(q, testLogger())

	ref := ton.BroadcastRef{ContractAddr: "EQEscrow", Op: ton.OpFund, LastTxLT: 100}
	got, err := m.LookupOutcome(context.Background(), ref, Expect{Kind: gig.OpFund, AmountNano: big.NewInt(5_000_000_000)})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", got)
	}
}

func TestLookupOutcomeSettlementDrained(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{state: drainedState(150)}}}
	m := New(q, testLogger())

	got, err := m.LookupOutcome(context.Background(), testRef, Expect{Kind: gig.OpRelease})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", got)
	}
}

func TestLookupOutcomeSettlementContractGoneIsConfirmed(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{err: ton.ErrContractNotFound}}}
	m := New(q, testLogger())

	got, err := m.LookupOutcome(context.Background(), testRef, Expect{Kind: gig.OpRefund})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", got)
	}
}

func TestLookupOutcomeFundContractMissingIsPending(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{err: ton.ErrContractNotFound}}}
	m := New(q, testLogger())

	ref := ton.BroadcastRef{ContractAddr: "EQEscrow", Op: ton.OpFund, LastTxLT: 0}
	got, err := m.LookupOutcome(context.Background(), ref, Expect{Kind: gig.OpFund, AmountNano: big.NewInt(1)})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomePending {
		t.Errorf("outcome = %s, want pending", got)
	}
}

func TestLookupOutcomeBounceDetected(t *testing.T) {
	// LT moved past the broadcast anchor with the balance untouched: the
	// settlement message bounced.
	q := &fakeQuerier{states: []queryResult{{state: fundedState(5_000_000_000, 160)}}}
	m := New(q, testLogger())

	got, err := m.LookupOutcome(context.Background(), testRef, Expect{Kind: gig.OpRelease})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", got)
	}
}

func TestLookupOutcomeNoMovementIsPending(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{state: fundedState(5_000_000_000, 100)}}}
	m := New(q, testLogger())

	got, err := m.LookupOutcome(context.Background(), testRef, Expect{Kind: gig.OpRelease})
	if err != nil {
		t.Fatalf("LookupOutcome: %v", err)
	}
	if got != OutcomePending {
		t.Errorf("outcome = %s, want pending", got)
	}
}

func TestAwaitConfirmationEventualSuccess(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{
		{state: fundedState(5_000_000_000, 100)},
		{state: fundedState(5_000_000_000, 100)},
		{state: drainedState(170)},
	}}
	m := New(q, testLogger(), WithPollInterval(time.Millisecond))

	got, err := m.AwaitConfirmation(context.Background(), testRef, Expect{Kind: gig.OpRelease}, time.Second)
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	if got != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", got)
	}
	if q.calls < 3 {
		t.Errorf("expected at least 3 polls, got %d", q.calls)
	}
}

func TestAwaitConfirmationSurvivesTransientErrors(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{
		{err: ton.ErrNetworkUnavailable},
		{err: errors.New("lite server hiccup")},
		{state: drainedState(170)},
	}}
	m := New(q, testLogger(), WithPollInterval(time.Millisecond))

	got, err := m.AwaitConfirmation(context.Background(), testRef, Expect{Kind: gig.OpRelease}, time.Second)
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	if got != OutcomeConfirmed {
		t.Errorf("outcome = %s, want confirmed", got)
	}
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{state: fundedState(5_000_000_000, 100)}}}
	m := New(q, testLogger(), WithPollInterval(time.Millisecond))

	got, err := m.AwaitConfirmation(context.Background(), testRef, Expect{Kind: gig.OpRelease}, 10*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if got != OutcomeTimedOut {
		t.Errorf("outcome = %s, want timed_out", got)
	}
}

func TestAwaitConfirmationContextCancel(t *testing.T) {
	q := &fakeQuerier{states: []queryResult{{state: fundedState(5_000_000_000, 100)}}}
	m := New(q, testLogger(), WithPollInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := m.AwaitConfirmation(ctx, testRef, Expect{Kind: gig.OpRelease}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
