package gig

import (
	"context"
	"time"
)

// Store persists gig records. SaveGig performs an optimistic version check:
// the row's version must match g.Version, and the stored version increments on
// success. All operations are atomic per row.
type Store interface {
	CreateGig(ctx context.Context, g *Gig) error
	GetGig(ctx context.Context, id string) (*Gig, error)
	SaveGig(ctx context.Context, g *Gig) error
}

// ApplicationStore persists freelancer applications. AcceptApplication
// enforces the single-accepted invariant: it marks the application accepted
// and every sibling pending application rejected in one atomic step, failing
// with ErrAlreadyAccepted if the gig already has an accepted application.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
	ListApplicationsByGig(ctx context.Context, gigID string) ([]*Application, error)
	AcceptApplication(ctx context.Context, id string) (*Application, error)
	RejectApplication(ctx context.Context, id string) (*Application, error)
}

// OperationStore persists escrow operations. InsertOperation fails with
// ErrDuplicateOperation when a row with the same (gig, kind) already exists —
// this is the idempotency key of the settlement layer. Rows are never deleted.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *EscrowOperation) error
	GetOperation(ctx context.Context, id string) (*EscrowOperation, error)
	SetOperationBroadcast(ctx context.Context, id, broadcastRef, contractAddr string) error
	SetOperationStatus(ctx context.Context, id string, status OpStatus) error
	ListOperationsByGig(ctx context.Context, gigID string) ([]*EscrowOperation, error)
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowOperation, error)
}
