package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
)

type fakeResolver struct {
	mu      sync.Mutex
	calls   []resolveCall
	failFor map[string]error
}

type resolveCall struct {
	opID         string
	expireBefore time.Time
}

func (f *fakeResolver) ResolvePending(ctx context.Context, opID string, expireBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resolveCall{opID, expireBefore})
	if err, ok := f.failFor[opID]; ok {
		return err
	}
	return nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLister struct {
	mu     sync.Mutex
	ops    []*gig.EscrowOperation
	err    error
	cutoff time.Time
}

func (f *fakeLister) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*gig.EscrowOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.ops) {
		return f.ops[:limit], nil
	}
	return f.ops, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staleOp(id string) *gig.EscrowOperation {
	return &gig.EscrowOperation{
		ID: id, GigID: "gig_" + id, Kind: gig.OpRelease,
		Status: gig.OpSubmitted, SubmittedAt: time.Now().Add(-10 * time.Minute),
	}
}

func TestSweepResolvesStaleOperations(t *testing.T) {
	resolver := &fakeResolver{}
	lister := &fakeLister{ops: []*gig.EscrowOperation{staleOp("op_1"), staleOp("op_2")}}
	s := New(resolver, lister, testLogger(), WithGracePeriod(time.Minute), WithExpiry(time.Hour))

	s.Sweep(context.Background())

	if resolver.callCount() != 2 {
		t.Fatalf("resolved %d operations, want 2", resolver.callCount())
	}
	if resolver.calls[0].opID != "op_1" || resolver.calls[1].opID != "op_2" {
		t.Errorf("unexpected calls: %+v", resolver.calls)
	}

	// The grace period shields fresh broadcasts from the sweeper.
	if time.Since(lister.cutoff) < time.Minute-time.Second {
		t.Errorf("cutoff %v not pushed back by grace period", lister.cutoff)
	}
	// The expiry bound travels with each call.
	if time.Since(resolver.calls[0].expireBefore) < time.Hour-time.Second {
		t.Errorf("expireBefore %v not pushed back by expiry", resolver.calls[0].expireBefore)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	resolver := &fakeResolver{failFor: map[string]error{"op_1": errors.New("lite server down")}}
	lister := &fakeLister{ops: []*gig.EscrowOperation{staleOp("op_1"), staleOp("op_2")}}
	s := New(resolver, lister, testLogger())

	s.Sweep(context.Background())

	if resolver.callCount() != 2 {
		t.Errorf("resolved %d operations, want 2 despite failure", resolver.callCount())
	}
}

func TestSweepListErrorIsNonFatal(t *testing.T) {
	resolver := &fakeResolver{}
	lister := &fakeLister{err: errors.New("db down")}
	s := New(resolver, lister, testLogger())

	s.Sweep(context.Background())

	if resolver.callCount() != 0 {
		t.Errorf("resolved %d operations, want 0", resolver.callCount())
	}
}

func TestStartStop(t *testing.T) {
	resolver := &fakeResolver{}
	lister := &fakeLister{ops: []*gig.EscrowOperation{staleOp("op_1")}}
	s := New(resolver, lister, testLogger(), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for resolver.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if resolver.callCount() == 0 {
		t.Fatal("sweeper never ran")
	}
	if !s.Running() {
		t.Error("Running() should report true while started")
	}

	s.Stop()
	deadline = time.Now().Add(time.Second)
	for s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Running() {
		t.Error("Running() should report false after Stop")
	}
}
