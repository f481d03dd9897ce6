package gig

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists gigs, applications and escrow operations in
// PostgreSQL. Single-row atomicity comes from the database; the
// single-accepted-application invariant is enforced inside a transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ Store            = (*PostgresStore)(nil)
	_ ApplicationStore = (*PostgresStore)(nil)
	_ OperationStore   = (*PostgresStore)(nil)
)

// --- gigs ---

const gigColumns = `id, client_id, freelancer_id, title, description, price,
		client_wallet, state, escrow_address, needs_review, version, created_at, updated_at`

func (p *PostgresStore) CreateGig(ctx context.Context, g *Gig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gigs (
			id, client_id, freelancer_id, title, description, price,
			client_wallet, state, escrow_address, needs_review, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,9), $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.ClientID, nullString(g.FreelancerID), g.Title, nullString(g.Description), g.Price,
		g.ClientWallet, string(g.State), nullString(g.EscrowAddress), g.NeedsReview,
		g.Version, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetGig(ctx context.Context, id string) (*Gig, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id = $1`, id)

	g, err := scanGig(row)
	if err == sql.ErrNoRows {
		return nil, ErrGigNotFound
	}
	return g, err
}

func (p *PostgresStore) SaveGig(ctx context.Context, g *Gig) error {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE gigs SET
			freelancer_id = $1, state = $2, escrow_address = $3,
			needs_review = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		nullString(g.FreelancerID), string(g.State), nullString(g.EscrowAddress),
		g.NeedsReview, now, g.ID, g.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone committed a newer version.
		if _, getErr := p.GetGig(ctx, g.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	g.Version++
	g.UpdatedAt = now
	return nil
}

func scanGig(s scanner) (*Gig, error) {
	g := &Gig{}
	var (
		freelancerID sql.NullString
		description  sql.NullString
		escrowAddr   sql.NullString
		state        string
	)

	err := s.Scan(
		&g.ID, &g.ClientID, &freelancerID, &g.Title, &description, &g.Price,
		&g.ClientWallet, &state, &escrowAddr, &g.NeedsReview, &g.Version,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.State = State(state)
	g.FreelancerID = freelancerID.String
	g.Description = description.String
	g.EscrowAddress = escrowAddr.String
	return g, nil
}

// --- applications ---

const appColumns = `id, gig_id, freelancer_id, proposal, status, created_at, decided_at`

func (p *PostgresStore) CreateApplication(ctx context.Context, a *Application) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO applications (id, gig_id, freelancer_id, proposal, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.GigID, a.FreelancerID, a.Proposal, string(a.Status), a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM applications WHERE id = $1`, id)

	a, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	return a, err
}

func (p *PostgresStore) ListApplicationsByGig(ctx context.Context, gigID string) ([]*Application, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+appColumns+` FROM applications
		WHERE gig_id = $1
		ORDER BY created_at`, gigID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AcceptApplication(ctx context.Context, id string) (*Application, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+appColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id)
	a, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Status != ApplicationPending {
		return nil, ErrApplicationDecided
	}

	var acceptedCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM applications
		WHERE gig_id = $1 AND status = 'accepted'`, a.GigID).Scan(&acceptedCount)
	if err != nil {
		return nil, err
	}
	if acceptedCount > 0 {
		return nil, ErrAlreadyAccepted
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE applications SET status = 'accepted', decided_at = $1 WHERE id = $2`,
		now, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE applications SET status = 'rejected', decided_at = $1
		WHERE gig_id = $2 AND id <> $3 AND status = 'pending'`,
		now, a.GigID, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	a.Status = ApplicationAccepted
	a.DecidedAt = &now
	return a, nil
}

func (p *PostgresStore) RejectApplication(ctx context.Context, id string) (*Application, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE applications SET status = 'rejected', decided_at = $1
		WHERE id = $2 AND status = 'pending'`, now, id)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		a, getErr := p.GetApplication(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if a.Status != ApplicationPending {
			return nil, ErrApplicationDecided
		}
		return nil, ErrApplicationNotFound
	}
	return p.GetApplication(ctx, id)
}

func scanApplication(s scanner) (*Application, error) {
	a := &Application{}
	var (
		status    string
		decidedAt sql.NullTime
	)

	err := s.Scan(&a.ID, &a.GigID, &a.FreelancerID, &a.Proposal, &status, &a.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	a.Status = ApplicationStatus(status)
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return a, nil
}

// --- escrow operations ---

const opColumns = `id, gig_id, kind, direction, status, contract_addr, broadcast_ref, submitted_at, resolved_at`

func (p *PostgresStore) InsertOperation(ctx context.Context, op *EscrowOperation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_operations (id, gig_id, kind, direction, status, contract_addr, broadcast_ref, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		op.ID, op.GigID, string(op.Kind), nullString(string(op.Direction)),
		string(op.Status), nullString(op.ContractAddr), nullString(op.BroadcastRef), op.SubmittedAt,
	)
	// Partial unique index on (gig_id, kind) for non-failed rows backs the
	// idempotency key.
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateOperation
	}
	return err
}

func (p *PostgresStore) GetOperation(ctx context.Context, id string) (*EscrowOperation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM escrow_operations WHERE id = $1`, id)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) SetOperationBroadcast(ctx context.Context, id, broadcastRef, contractAddr string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_operations SET broadcast_ref = $1, contract_addr = $2 WHERE id = $3`,
		broadcastRef, contractAddr, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetOperationStatus(ctx context.Context, id string, status OpStatus) error {
	var resolvedAt sql.NullTime
	if status != OpSubmitted {
		resolvedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_operations SET status = $1, resolved_at = $2 WHERE id = $3`,
		string(status), resolvedAt, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListOperationsByGig(ctx context.Context, gigID string) ([]*EscrowOperation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM escrow_operations
		WHERE gig_id = $1
		ORDER BY submitted_at`, gigID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOperations(rows)
}

func (p *PostgresStore) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowOperation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM escrow_operations
		WHERE status = 'submitted' AND submitted_at < $1
		ORDER BY submitted_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOperations(rows)
}

func scanOperation(s scanner) (*EscrowOperation, error) {
	op := &EscrowOperation{}
	var (
		kind         string
		direction    sql.NullString
		status       string
		contractAddr sql.NullString
		broadcastRef sql.NullString
		resolvedAt   sql.NullTime
	)

	err := s.Scan(&op.ID, &op.GigID, &kind, &direction, &status,
		&contractAddr, &broadcastRef, &op.SubmittedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	op.Kind = OpKind(kind)
	op.Direction = Direction(direction.String)
	op.Status = OpStatus(status)
	op.ContractAddr = contractAddr.String
	op.BroadcastRef = broadcastRef.String
	if resolvedAt.Valid {
		op.ResolvedAt = &resolvedAt.Time
	}
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]*EscrowOperation, error) {
	var result []*EscrowOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// --- helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
