// Package gig defines the gig settlement domain: the lifecycle state machine,
// the gig/application/escrow-operation records, and their stores.
package gig

import (
	"errors"
	"time"
)

var (
	ErrGigNotFound         = errors.New("gig not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrOperationNotFound   = errors.New("escrow operation not found")
	ErrInvalidTransition   = errors.New("invalid gig state transition")
	ErrOperationInFlight   = errors.New("an escrow operation for this gig is in flight")
	ErrDoubleSettlement    = errors.New("double settlement attempt")
	ErrVersionConflict     = errors.New("gig was modified concurrently")
	ErrDuplicateOperation  = errors.New("escrow operation of this kind already exists for gig")
	ErrApplicationDecided  = errors.New("application already decided")
	ErrAlreadyApplied      = errors.New("freelancer already applied to this gig")
	ErrAlreadyAccepted     = errors.New("gig already has an accepted application")
	ErrNeedsReview         = errors.New("gig is quarantined pending manual review")
	ErrUnauthorized        = errors.New("actor not authorized for this transition")
)

// State is a gig lifecycle state.
type State string

const (
	StateOpen       State = "open"
	StateFunded     State = "funded"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateDisputed   State = "disputed"
	StateResolved   State = "resolved"
)

// Terminal reports whether the state is final. There is no terminal-failure
// state; all three are successes.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateResolved:
		return true
	}
	return false
}

// EscrowHeld reports whether a gig in this state must have an escrow address.
func (s State) EscrowHeld() bool {
	switch s {
	case StateFunded, StateInProgress, StateCompleted, StateDisputed:
		return true
	}
	return false
}

// Gig is the authoritative off-chain record of one unit of paid work.
// Owned exclusively by the coordinator; mutated only through validated
// transitions.
type Gig struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	FreelancerID  string    `json:"freelancerId,omitempty"` // set on acceptance
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Price         string    `json:"price"` // fixed-point TON amount
	ClientWallet  string    `json:"clientWallet"`
	State         State     `json:"state"`
	EscrowAddress string    `json:"escrowAddress,omitempty"`
	NeedsReview   bool      `json:"needsReview,omitempty"` // invariant breach, manual inspection required
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ApplicationStatus is the decision state of a freelancer's proposal.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Application is a freelancer's proposal on an open gig.
type Application struct {
	ID           string            `json:"id"`
	GigID        string            `json:"gigId"`
	FreelancerID string            `json:"freelancerId"`
	Proposal     string            `json:"proposal"`
	Status       ApplicationStatus `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	DecidedAt    *time.Time        `json:"decidedAt,omitempty"`
}

// OpKind is the coordinator's bookkeeping name for a chain operation.
type OpKind string

const (
	OpFund    OpKind = "fund"
	OpRelease OpKind = "release"
	OpRefund  OpKind = "refund"
	OpResolve OpKind = "resolve"
	opNone    OpKind = ""
)

// Settlement reports whether the kind moves funds out of escrow. Settlement
// kinds are mutually exclusive per gig and at most one may ever confirm.
func (k OpKind) Settlement() bool {
	switch k {
	case OpRelease, OpRefund, OpResolve:
		return true
	}
	return false
}

// Direction selects the beneficiary of a Resolve operation.
type Direction string

const (
	DirectionRefundClient  Direction = "refund_client"
	DirectionPayFreelancer Direction = "pay_freelancer"
	DirectionSplit         Direction = "split"
)

// Valid reports whether d is a known resolve direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionRefundClient, DirectionPayFreelancer, DirectionSplit:
		return true
	}
	return false
}

// OpStatus is the confirmation status of an escrow operation.
type OpStatus string

const (
	OpSubmitted OpStatus = "submitted"
	OpConfirmed OpStatus = "confirmed"
	OpFailed    OpStatus = "failed"
	OpUnknown   OpStatus = "unknown" // broadcast fate undeterminable, manual inspection
)

// EscrowOperation is the coordinator's own record of a chain call. Rows are
// never deleted; they are the settlement audit trail. The (gig, kind) pair is
// the idempotency key: the store rejects a second row with the same pair.
type EscrowOperation struct {
	ID           string     `json:"id"`
	GigID        string     `json:"gigId"`
	Kind         OpKind     `json:"kind"`
	Direction    Direction  `json:"direction,omitempty"` // resolve only
	Status       OpStatus   `json:"status"`
	ContractAddr string     `json:"contractAddr,omitempty"`
	BroadcastRef string     `json:"broadcastRef,omitempty"` // empty until broadcast
	SubmittedAt  time.Time  `json:"submittedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}
