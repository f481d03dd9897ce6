package coordinator

import (
	"context"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/metrics"
	"github.com/tonpay/gigescrow/internal/monitor"
	"github.com/tonpay/gigescrow/internal/ton"
)

const recoverBatchSize = 500

// Recover resumes every operation left submitted by a previous process. Called
// once at startup, before the server accepts traffic, so unlike the sweeper it
// must not skip a busy gig: it blocks on each gig's lock. Operations whose
// fate is still undecidable stay submitted for the sweeper.
func (c *Coordinator) Recover(ctx context.Context) error {
	ops, err := c.ops.ListSubmittedBefore(ctx, time.Now(), recoverBatchSize)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	c.logger.Info("recovering in-flight operations", "count", len(ops))
	for _, op := range ops {
		unlock, err := c.locks.Acquire(ctx, op.GigID)
		if err != nil {
			return err
		}
		resolveErr := c.resolveSubmitted(ctx, op.ID, time.Time{})
		unlock()
		if resolveErr != nil {
			c.logger.Error("recovery failed for operation", "operation", op.ID, "error", resolveErr)
		}
	}
	return nil
}

// ResolvePending re-derives the fate of one submitted operation from chain
// state and finishes its commit. A zero expireBefore never expires; otherwise
// an operation still undecidable and submitted before expireBefore is marked
// unknown and its gig quarantined.
//
// Safe to call concurrently with live traffic: it takes the same per-gig lock
// as Transition and skips without error when the gig is busy.
func (c *Coordinator) ResolvePending(ctx context.Context, opID string, expireBefore time.Time) error {
	op, err := c.ops.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Status != gig.OpSubmitted {
		return nil
	}

	unlock, ok := c.locks.TryAcquire(op.GigID)
	if !ok {
		return nil
	}
	defer unlock()

	return c.resolveSubmitted(ctx, opID, expireBefore)
}

// resolveSubmitted is the lock-held core of ResolvePending and Recover. The
// caller holds the gig's lock.
func (c *Coordinator) resolveSubmitted(ctx context.Context, opID string, expireBefore time.Time) error {
	// Re-read under the lock; a live Transition may have finished it.
	op, err := c.ops.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Status != gig.OpSubmitted {
		return nil
	}

	g, err := c.gigs.GetGig(ctx, op.GigID)
	if err != nil {
		return err
	}
	if g.NeedsReview {
		return nil
	}

	ref, ok := c.recoveryRef(ctx, g, op)
	if !ok {
		return nil
	}

	amountNano, err := ton.ParseTON(g.Price)
	if err != nil {
		return err
	}

	outcome, err := c.mon.LookupOutcome(ctx, *ref, c.expect(op.Kind, amountNano))
	if err != nil {
		return err
	}

	switch outcome {
	case monitor.OutcomeConfirmed:
		metrics.SweeperRepairsTotal.WithLabelValues("confirmed").Inc()
		return c.commitRecovered(ctx, g, op)

	case monitor.OutcomeFailed:
		metrics.SweeperRepairsTotal.WithLabelValues("failed").Inc()
		metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(gig.OpFailed)).Inc()
		c.logger.Warn("recovered operation had failed on chain", "gig", g.ID, "operation", op.ID, "kind", op.Kind)
		return c.ops.SetOperationStatus(ctx, op.ID, gig.OpFailed)

	default:
		if !expireBefore.IsZero() && op.SubmittedAt.Before(expireBefore) {
			// Undecidable for far too long. Never guess failure on a
			// settlement; hand the gig to a human.
			c.logger.Error("operation undecidable past expiry, quarantining",
				"gig", g.ID, "operation", op.ID, "kind", op.Kind)
			c.quarantine(ctx, g)
			metrics.SweeperRepairsTotal.WithLabelValues("expired").Inc()
			return c.ops.SetOperationStatus(ctx, op.ID, gig.OpUnknown)
		}
		return nil
	}
}

// recoveryRef reconstructs the broadcast anchor for a submitted operation.
// Settlements with no persisted ref fall back to a zero-LT anchor on the
// known escrow address: the drained check still decides them correctly, and
// an untouched balance reads as failure, which merely re-opens the
// transition. A fund with no ref has no address to check; quarantine.
func (c *Coordinator) recoveryRef(ctx context.Context, g *gig.Gig, op *gig.EscrowOperation) (*ton.BroadcastRef, bool) {
	if op.BroadcastRef != "" {
		ref, err := ton.ParseBroadcastRef(op.BroadcastRef)
		if err != nil {
			c.logger.Error("corrupt broadcast ref, quarantining", "operation", op.ID, "error", err)
			c.quarantine(ctx, g)
			_ = c.ops.SetOperationStatus(ctx, op.ID, gig.OpUnknown)
			return nil, false
		}
		return ref, true
	}

	if op.Kind == gig.OpFund || g.EscrowAddress == "" {
		c.logger.Error("submitted operation has no broadcast ref and no contract to check, quarantining",
			"gig", g.ID, "operation", op.ID, "kind", op.Kind)
		c.quarantine(ctx, g)
		_ = c.ops.SetOperationStatus(ctx, op.ID, gig.OpUnknown)
		return nil, false
	}

	return &ton.BroadcastRef{
		ContractAddr: g.EscrowAddress,
		Op:           chainOp(op.Kind),
		LastTxLT:     0,
	}, true
}

// commitRecovered applies a confirmed operation's transition if a crash left
// the gig behind, or just settles the bookkeeping if the gig already moved.
func (c *Coordinator) commitRecovered(ctx context.Context, g *gig.Gig, op *gig.EscrowOperation) error {
	target := kindTarget(op.Kind)
	if g.State == target {
		c.logger.Info("gig already committed, settling operation record", "gig", g.ID, "operation", op.ID)
		if err := c.ops.SetOperationStatus(ctx, op.ID, gig.OpConfirmed); err != nil {
			return err
		}
		metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(gig.OpConfirmed)).Inc()
		return nil
	}

	if _, _, err := gig.Next(g.State, kindEvent(op.Kind)); err != nil {
		// Chain effect landed but the gig cannot legally reach the target
		// state anymore. Something else moved it; do not force it.
		c.logger.Error("confirmed operation has no legal transition from current state, quarantining",
			"gig", g.ID, "state", g.State, "operation", op.ID, "kind", op.Kind)
		c.quarantine(ctx, g)
		return c.ops.SetOperationStatus(ctx, op.ID, gig.OpUnknown)
	}

	c.logger.Info("re-committing confirmed operation after crash",
		"gig", g.ID, "operation", op.ID, "kind", op.Kind, "state", target)
	return c.commitConfirmed(ctx, g, target, op.Kind, op.ContractAddr, op.ID)
}

func (c *Coordinator) quarantine(ctx context.Context, g *gig.Gig) {
	g.NeedsReview = true
	if err := c.gigs.SaveGig(ctx, g); err != nil {
		c.logger.Error("CRITICAL: failed to persist quarantine flag", "gig", g.ID, "error", err)
		return
	}
	metrics.QuarantinedGigs.Inc()
}

func kindTarget(k gig.OpKind) gig.State {
	switch k {
	case gig.OpFund:
		return gig.StateFunded
	case gig.OpRelease:
		return gig.StateCompleted
	case gig.OpRefund:
		return gig.StateCancelled
	default:
		return gig.StateResolved
	}
}

func kindEvent(k gig.OpKind) gig.Event {
	switch k {
	case gig.OpFund:
		return gig.EventFund
	case gig.OpRelease:
		return gig.EventComplete
	case gig.OpRefund:
		return gig.EventCancel
	default:
		return gig.EventResolve
	}
}
