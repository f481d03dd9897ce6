// Package coordinator drives gigs through their lifecycle and owns every
// escrow operation issued against the chain. All writes to a gig flow through
// here, serialized per gig, so that at most one settlement can ever confirm.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tonpay/gigescrow/internal/gig"
	"github.com/tonpay/gigescrow/internal/idgen"
	"github.com/tonpay/gigescrow/internal/metrics"
	"github.com/tonpay/gigescrow/internal/monitor"
	"github.com/tonpay/gigescrow/internal/retry"
	"github.com/tonpay/gigescrow/internal/syncutil"
	"github.com/tonpay/gigescrow/internal/ton"
)

var (
	// ErrConfirmationTimedOut reports that the operation was broadcast but
	// its fate is still unknown. The gig has NOT transitioned; the sweeper
	// will finish the job once the chain settles.
	ErrConfirmationTimedOut = errors.New("coordinator: confirmation pending, retry later")

	// ErrOperationFailed reports that the chain rejected the operation.
	ErrOperationFailed = errors.New("coordinator: escrow operation failed on chain")

	// ErrValidation reports a malformed request.
	ErrValidation = errors.New("coordinator: invalid request")
)

// ChainClient is the escrow contract surface the coordinator drives.
// Satisfied by *ton.Client.
type ChainClient interface {
	Deploy(ctx context.Context, gigID, clientAddr string, amountNano *big.Int) (string, *ton.BroadcastRef, error)
	Submit(ctx context.Context, contractAddr string, op ton.Op, params ton.SubmitParams) (*ton.BroadcastRef, error)
}

// ConfirmationMonitor classifies broadcast operations. Satisfied by
// *monitor.Monitor.
type ConfirmationMonitor interface {
	AwaitConfirmation(ctx context.Context, ref ton.BroadcastRef, expect monitor.Expect, timeout time.Duration) (monitor.Outcome, error)
	LookupOutcome(ctx context.Context, ref ton.BroadcastRef, expect monitor.Expect) (monitor.Outcome, error)
}

// Coordinator is the single writer for gig state.
type Coordinator struct {
	gigs  gig.Store
	apps  gig.ApplicationStore
	ops   gig.OperationStore
	chain ChainClient
	mon   ConfirmationMonitor

	locks  *syncutil.KeyedMutex
	logger *slog.Logger

	adminID        string
	confirmTimeout time.Duration
	broadcastTries int
	broadcastDelay time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAdminID sets the actor allowed to resolve disputes.
func WithAdminID(id string) Option {
	return func(c *Coordinator) { c.adminID = id }
}

// WithConfirmTimeout bounds the synchronous confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.confirmTimeout = d }
}

// WithBroadcastRetry tunes the broadcast retry schedule.
func WithBroadcastRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.broadcastTries = attempts
		c.broadcastDelay = baseDelay
	}
}

// New creates a Coordinator.
func New(gigs gig.Store, apps gig.ApplicationStore, ops gig.OperationStore,
	chain ChainClient, mon ConfirmationMonitor, logger *slog.Logger, opts ...Option) *Coordinator {

	c := &Coordinator{
		gigs:           gigs,
		apps:           apps,
		ops:            ops,
		chain:          chain,
		mon:            mon,
		locks:          syncutil.NewKeyedMutex(),
		logger:         logger,
		confirmTimeout: 90 * time.Second,
		broadcastTries: 3,
		broadcastDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateGigRequest describes a new gig posting.
type CreateGigRequest struct {
	ClientID     string
	Title        string
	Description  string
	Price        string
	ClientWallet string
}

// CreateGig validates and persists a new open gig.
func (c *Coordinator) CreateGig(ctx context.Context, req CreateGigRequest) (*gig.Gig, error) {
	if req.ClientID == "" || req.Title == "" || req.ClientWallet == "" {
		return nil, fmt.Errorf("%w: clientId, title and clientWallet are required", ErrValidation)
	}
	if !ton.ValidAddress(req.ClientWallet) {
		return nil, fmt.Errorf("%w: clientWallet is not a TON address", ErrValidation)
	}
	amount, err := ton.ParseTON(req.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}

	now := time.Now()
	g := &gig.Gig{
		ID:           idgen.WithPrefix("gig_"),
		ClientID:     req.ClientID,
		Title:        req.Title,
		Description:  req.Description,
		Price:        ton.FormatTON(amount),
		ClientWallet: req.ClientWallet,
		State:        gig.StateOpen,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.gigs.CreateGig(ctx, g); err != nil {
		return nil, err
	}
	c.logger.Info("gig created", "gig", g.ID, "client", g.ClientID, "price", g.Price)
	return g, nil
}

// GigStatus is the composite read model for one gig.
type GigStatus struct {
	Gig          *gig.Gig               `json:"gig"`
	Applications []*gig.Application     `json:"applications"`
	Operations   []*gig.EscrowOperation `json:"operations"`
}

// GetGigStatus returns the gig together with its applications and operation
// audit trail.
func (c *Coordinator) GetGigStatus(ctx context.Context, gigID string) (*GigStatus, error) {
	g, err := c.gigs.GetGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	apps, err := c.apps.ListApplicationsByGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	ops, err := c.ops.ListOperationsByGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	return &GigStatus{Gig: g, Applications: apps, Operations: ops}, nil
}

// Apply records a freelancer's application on an open gig.
func (c *Coordinator) Apply(ctx context.Context, gigID, freelancerID, proposal string) (*gig.Application, error) {
	if freelancerID == "" {
		return nil, fmt.Errorf("%w: freelancerId is required", ErrValidation)
	}
	g, err := c.gigs.GetGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if g.State != gig.StateOpen && g.State != gig.StateFunded {
		return nil, fmt.Errorf("%w: applications are closed in state %s", gig.ErrInvalidTransition, g.State)
	}
	if freelancerID == g.ClientID {
		return nil, fmt.Errorf("%w: client cannot apply to own gig", ErrValidation)
	}
	existing, err := c.apps.ListApplicationsByGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	for _, prev := range existing {
		if prev.FreelancerID == freelancerID {
			return nil, gig.ErrAlreadyApplied
		}
	}

	a := &gig.Application{
		ID:           idgen.WithPrefix("app_"),
		GigID:        gigID,
		FreelancerID: freelancerID,
		Proposal:     proposal,
		Status:       gig.ApplicationPending,
		CreatedAt:    time.Now(),
	}
	if err := c.apps.CreateApplication(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AcceptApplication accepts one application and moves the gig from funded to
// in_progress, binding the freelancer. Only the gig's client may accept, and
// only once the escrow is funded.
func (c *Coordinator) AcceptApplication(ctx context.Context, appID, actorID string) (*gig.Application, error) {
	a, err := c.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}

	unlock, ok := c.locks.TryAcquire(a.GigID)
	if !ok {
		return nil, gig.ErrOperationInFlight
	}
	defer unlock()

	g, err := c.gigs.GetGig(ctx, a.GigID)
	if err != nil {
		return nil, err
	}
	if g.NeedsReview {
		return nil, gig.ErrNeedsReview
	}
	if actorID != g.ClientID {
		return nil, gig.ErrUnauthorized
	}
	next, _, err := gig.Next(g.State, gig.EventAccept)
	if err != nil {
		// Re-accepting the already bound freelancer is a replay.
		if g.State == gig.StateInProgress && g.FreelancerID == a.FreelancerID && a.Status == gig.ApplicationAccepted {
			return a, nil
		}
		return nil, err
	}

	// A gig whose refund is still undecided must not gain a freelancer.
	busy, err := c.hasSubmittedOp(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, gig.ErrOperationInFlight
	}

	accepted, err := c.apps.AcceptApplication(ctx, appID)
	if err != nil {
		return nil, err
	}

	g.State = next
	g.FreelancerID = accepted.FreelancerID
	if err := c.gigs.SaveGig(ctx, g); err != nil {
		c.logger.Error("CRITICAL: application accepted but gig commit failed",
			"gig", g.ID, "application", appID, "error", err)
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(gig.EventAccept), "ok").Inc()
	c.logger.Info("application accepted", "gig", g.ID, "application", appID, "freelancer", accepted.FreelancerID)
	return accepted, nil
}

// RejectApplication rejects a pending application. Only the gig's client may
// reject.
func (c *Coordinator) RejectApplication(ctx context.Context, appID, actorID string) (*gig.Application, error) {
	a, err := c.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	g, err := c.gigs.GetGig(ctx, a.GigID)
	if err != nil {
		return nil, err
	}
	if actorID != g.ClientID {
		return nil, gig.ErrUnauthorized
	}
	return c.apps.RejectApplication(ctx, appID)
}

// TransitionRequest asks for one lifecycle transition.
type TransitionRequest struct {
	GigID     string
	ActorID   string
	Event     gig.Event
	Direction gig.Direction // resolve only
}

// Transition validates, authorizes and executes one lifecycle transition,
// including the escrow operation it requires. The call holds the gig's lock
// for its full duration; a concurrent transition on the same gig fails fast
// with ErrOperationInFlight. Chain-backed transitions commit gig state only
// after the operation confirms on chain.
func (c *Coordinator) Transition(ctx context.Context, req TransitionRequest) (*gig.Gig, error) {
	if !req.Event.Valid() {
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, req.Event)
	}
	if req.Event == gig.EventAccept {
		return nil, fmt.Errorf("%w: accept is driven by application acceptance", ErrValidation)
	}
	if req.Event == gig.EventResolve && !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: resolve requires a direction", ErrValidation)
	}

	unlock, ok := c.locks.TryAcquire(req.GigID)
	if !ok {
		return nil, gig.ErrOperationInFlight
	}
	defer unlock()

	g, err := c.gigs.GetGig(ctx, req.GigID)
	if err != nil {
		return nil, err
	}

	next, kind, err := gig.Next(g.State, req.Event)
	if err != nil {
		if replayed(g, req.Event) {
			return g, nil
		}
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "invalid").Inc()
		return nil, err
	}
	if g.NeedsReview {
		return nil, gig.ErrNeedsReview
	}
	if err := c.authorize(g, req); err != nil {
		return nil, err
	}
	if err := c.checkEscrowInvariant(ctx, g); err != nil {
		return nil, err
	}

	// A submitted operation means a prior transition's fate is still open on
	// chain. Nothing may move the gig until that fate is decided: a second
	// broadcast now could settle the escrow twice once the first one lands.
	busy, err := c.hasSubmittedOp(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "in_flight").Inc()
		return nil, gig.ErrOperationInFlight
	}

	if kind == "" {
		return c.commitLocal(ctx, g, next, req.Event)
	}
	return c.executeChainOp(ctx, g, next, kind, req)
}

// hasSubmittedOp reports whether any of the gig's escrow operations is still
// awaiting its chain outcome.
func (c *Coordinator) hasSubmittedOp(ctx context.Context, gigID string) (bool, error) {
	ops, err := c.ops.ListOperationsByGig(ctx, gigID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Status == gig.OpSubmitted {
			return true, nil
		}
	}
	return false, nil
}

// replayed reports whether the event's effect is already visible in the gig's
// state, making the request an idempotent duplicate.
func replayed(g *gig.Gig, e gig.Event) bool {
	switch e {
	case gig.EventFund:
		return g.State == gig.StateFunded || g.State == gig.StateInProgress
	case gig.EventComplete:
		return g.State == gig.StateCompleted
	case gig.EventCancel:
		return g.State == gig.StateCancelled
	case gig.EventDispute:
		return g.State == gig.StateDisputed
	case gig.EventResolve:
		return g.State == gig.StateResolved
	}
	return false
}

func (c *Coordinator) authorize(g *gig.Gig, req TransitionRequest) error {
	switch req.Event {
	case gig.EventFund, gig.EventComplete, gig.EventCancel:
		if req.ActorID != g.ClientID {
			return gig.ErrUnauthorized
		}
	case gig.EventDispute:
		if req.ActorID != g.ClientID && (g.FreelancerID == "" || req.ActorID != g.FreelancerID) {
			return gig.ErrUnauthorized
		}
	case gig.EventResolve:
		if c.adminID == "" || req.ActorID != c.adminID {
			return gig.ErrUnauthorized
		}
	}
	return nil
}

// checkEscrowInvariant quarantines a gig whose escrow address is out of step
// with its state. A quarantined gig accepts no transitions until inspected.
func (c *Coordinator) checkEscrowInvariant(ctx context.Context, g *gig.Gig) error {
	held := g.State.EscrowHeld()
	if held == (g.EscrowAddress != "") {
		return nil
	}
	c.logger.Error("escrow address out of step with gig state, quarantining",
		"gig", g.ID, "state", g.State, "escrow", g.EscrowAddress)
	g.NeedsReview = true
	if err := c.gigs.SaveGig(ctx, g); err != nil {
		c.logger.Error("CRITICAL: failed to persist quarantine flag", "gig", g.ID, "error", err)
	}
	metrics.QuarantinedGigs.Inc()
	return gig.ErrNeedsReview
}

// commitLocal applies a transition that needs nothing from the chain.
func (c *Coordinator) commitLocal(ctx context.Context, g *gig.Gig, next gig.State, e gig.Event) (*gig.Gig, error) {
	g.State = next
	if err := c.gigs.SaveGig(ctx, g); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(e), "ok").Inc()
	c.logger.Info("gig transitioned", "gig", g.ID, "event", e, "state", next)
	return g, nil
}

func (c *Coordinator) executeChainOp(ctx context.Context, g *gig.Gig, next gig.State, kind gig.OpKind, req TransitionRequest) (*gig.Gig, error) {
	// Settlement kinds are mutually exclusive. A confirmed settlement on a
	// non-terminal gig means a past commit was lost; quarantine rather than
	// risk paying twice.
	if kind.Settlement() {
		ops, err := c.ops.ListOperationsByGig(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.Kind.Settlement() && op.Status == gig.OpConfirmed {
				c.logger.Error("confirmed settlement found on non-terminal gig, quarantining",
					"gig", g.ID, "operation", op.ID, "kind", op.Kind)
				g.NeedsReview = true
				if err := c.gigs.SaveGig(ctx, g); err != nil {
					c.logger.Error("CRITICAL: failed to persist quarantine flag", "gig", g.ID, "error", err)
				}
				metrics.QuarantinedGigs.Inc()
				return nil, gig.ErrDoubleSettlement
			}
		}
	}

	op := &gig.EscrowOperation{
		ID:          idgen.WithPrefix("op_"),
		GigID:       g.ID,
		Kind:        kind,
		Direction:   req.Direction,
		Status:      gig.OpSubmitted,
		SubmittedAt: time.Now(),
	}
	if err := c.ops.InsertOperation(ctx, op); err != nil {
		if errors.Is(err, gig.ErrDuplicateOperation) {
			// A live sibling of the same kind exists. Its fate is the
			// sweeper's to settle; starting a second one now could
			// double-spend.
			return nil, gig.ErrOperationInFlight
		}
		return nil, err
	}

	amountNano, err := ton.ParseTON(g.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: stored price unparseable: %v", ErrValidation, err)
	}

	ref, contractAddr, err := c.broadcast(ctx, g, kind, req.Direction, amountNano)
	if err != nil {
		if setErr := c.ops.SetOperationStatus(ctx, op.ID, gig.OpFailed); setErr != nil {
			c.logger.Error("failed to mark operation failed", "operation", op.ID, "error", setErr)
		}
		metrics.OperationsTotal.WithLabelValues(string(kind), string(gig.OpFailed)).Inc()
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "broadcast_failed").Inc()
		return nil, err
	}

	// From here on the message is on the wire. The row must carry the ref so
	// a crash cannot orphan the broadcast.
	if err := c.ops.SetOperationBroadcast(ctx, op.ID, ref.Encode(), contractAddr); err != nil {
		c.logger.Error("CRITICAL: broadcast succeeded but ref not persisted",
			"gig", g.ID, "operation", op.ID, "ref", ref.Encode(), "error", err)
	}

	start := time.Now()
	outcome, waitErr := c.mon.AwaitConfirmation(ctx, *ref, c.expect(kind, amountNano), c.confirmTimeout)
	switch outcome {
	case monitor.OutcomeConfirmed:
		metrics.ConfirmationDuration.Observe(time.Since(start).Seconds())
		if err := c.commitConfirmed(ctx, g, next, kind, contractAddr, op.ID); err != nil {
			return nil, err
		}
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "ok").Inc()
		c.logger.Info("gig transitioned", "gig", g.ID, "event", req.Event, "state", next, "operation", op.ID)
		return g, nil

	case monitor.OutcomeFailed:
		if err := c.ops.SetOperationStatus(ctx, op.ID, gig.OpFailed); err != nil {
			c.logger.Error("failed to mark operation failed", "operation", op.ID, "error", err)
		}
		metrics.OperationsTotal.WithLabelValues(string(kind), string(gig.OpFailed)).Inc()
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "chain_failed").Inc()
		c.logger.Warn("escrow operation failed on chain", "gig", g.ID, "operation", op.ID, "kind", kind)
		return nil, ErrOperationFailed

	default:
		// Fate unknown. The row stays submitted; the sweeper resumes it.
		metrics.TransitionsTotal.WithLabelValues(string(req.Event), "timed_out").Inc()
		c.logger.Warn("confirmation window elapsed, deferring to sweeper",
			"gig", g.ID, "operation", op.ID, "kind", kind, "error", waitErr)
		return g, ErrConfirmationTimedOut
	}
}

// broadcast pushes the operation to the chain, retrying transient network
// failures. Rejections that cannot heal on their own are permanent.
func (c *Coordinator) broadcast(ctx context.Context, g *gig.Gig, kind gig.OpKind, dir gig.Direction, amountNano *big.Int) (*ton.BroadcastRef, string, error) {
	var (
		ref          *ton.BroadcastRef
		contractAddr string
	)
	err := retry.Do(ctx, c.broadcastTries, c.broadcastDelay, func() error {
		var err error
		if kind == gig.OpFund {
			contractAddr, ref, err = c.chain.Deploy(ctx, g.ID, g.ClientWallet, amountNano)
		} else {
			contractAddr = g.EscrowAddress
			ref, err = c.chain.Submit(ctx, g.EscrowAddress, chainOp(kind), ton.SubmitParams{
				ResolveDirection: resolveDirection(dir),
			})
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ton.ErrInsufficientBalance) ||
			errors.Is(err, ton.ErrBroadcastRejected) ||
			errors.Is(err, ton.ErrContractNotFound) ||
			errors.Is(err, ton.ErrInvalidAddress) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return ref, contractAddr, nil
}

// commitConfirmed applies the transition's effect on the gig, then marks the
// operation confirmed. Gig state goes first: if the process dies in between,
// the submitted row makes the sweeper re-derive the confirmation, whereas the
// reverse order could strand a confirmed operation with an untransitioned gig.
func (c *Coordinator) commitConfirmed(ctx context.Context, g *gig.Gig, next gig.State, kind gig.OpKind, contractAddr, opID string) error {
	g.State = next
	switch kind {
	case gig.OpFund:
		g.EscrowAddress = contractAddr
	case gig.OpRefund, gig.OpResolve:
		g.EscrowAddress = ""
	}
	if err := c.gigs.SaveGig(ctx, g); err != nil {
		c.logger.Error("CRITICAL: chain effect confirmed but gig commit failed",
			"gig", g.ID, "operation", opID, "error", err)
		return err
	}
	if err := c.ops.SetOperationStatus(ctx, opID, gig.OpConfirmed); err != nil {
		c.logger.Error("CRITICAL: gig committed but operation not marked confirmed",
			"gig", g.ID, "operation", opID, "error", err)
	}
	metrics.OperationsTotal.WithLabelValues(string(kind), string(gig.OpConfirmed)).Inc()
	return nil
}

func (c *Coordinator) expect(kind gig.OpKind, amountNano *big.Int) monitor.Expect {
	e := monitor.Expect{Kind: kind}
	if kind == gig.OpFund {
		e.AmountNano = amountNano
	}
	return e
}

func chainOp(kind gig.OpKind) ton.Op {
	switch kind {
	case gig.OpFund:
		return ton.OpFund
	case gig.OpRelease:
		return ton.OpRelease
	case gig.OpRefund:
		return ton.OpRefund
	default:
		return ton.OpResolve
	}
}

func resolveDirection(d gig.Direction) uint8 {
	switch d {
	case gig.DirectionPayFreelancer:
		return ton.ResolvePayFreelancer
	case gig.DirectionSplit:
		return ton.ResolveSplit
	default:
		return ton.ResolveRefundClient
	}
}
