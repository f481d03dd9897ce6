package gig

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testGig(id string) *Gig {
	now := time.Now()
	return &Gig{
		ID:           id,
		ClientID:     "client-1",
		Title:        "build a parser",
		Price:        "12.5",
		ClientWallet: "EQClientWallet",
		State:        StateOpen,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryStoreGigRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	g := testGig("gig_1")
	if err := store.CreateGig(ctx, g); err != nil {
		t.Fatalf("CreateGig: %v", err)
	}

	got, err := store.GetGig(ctx, "gig_1")
	if err != nil {
		t.Fatalf("GetGig: %v", err)
	}
	if got.Title != g.Title || got.State != StateOpen || got.Version != 1 {
		t.Errorf("unexpected gig: %+v", got)
	}

	// Mutating the returned copy must not touch the stored row.
	got.State = StateFunded
	again, _ := store.GetGig(ctx, "gig_1")
	if again.State != StateOpen {
		t.Error("GetGig returned a shared reference")
	}

	if _, err := store.GetGig(ctx, "missing"); !errors.Is(err, ErrGigNotFound) {
		t.Errorf("GetGig(missing) = %v, want ErrGigNotFound", err)
	}
}

func TestMemoryStoreSaveGigVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	g := testGig("gig_1")
	if err := store.CreateGig(ctx, g); err != nil {
		t.Fatalf("CreateGig: %v", err)
	}

	g.State = StateFunded
	g.EscrowAddress = "EQEscrow"
	if err := store.SaveGig(ctx, g); err != nil {
		t.Fatalf("SaveGig: %v", err)
	}
	if g.Version != 2 {
		t.Errorf("version = %d, want 2 after save", g.Version)
	}

	// A writer holding the old version must lose.
	stale := testGig("gig_1")
	stale.Version = 1
	stale.State = StateCancelled
	if err := store.SaveGig(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale SaveGig = %v, want ErrVersionConflict", err)
	}

	got, _ := store.GetGig(ctx, "gig_1")
	if got.State != StateFunded || got.EscrowAddress != "EQEscrow" {
		t.Errorf("stale write leaked: %+v", got)
	}

	ghost := testGig("nope")
	if err := store.SaveGig(ctx, ghost); !errors.Is(err, ErrGigNotFound) {
		t.Errorf("SaveGig(missing) = %v, want ErrGigNotFound", err)
	}
}

func TestMemoryStoreAcceptApplication(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i, id := range []string{"app_1", "app_2", "app_3"} {
		a := &Application{
			ID:           id,
			GigID:        "gig_1",
			FreelancerID: "freelancer-" + id,
			Proposal:     "I can do it",
			Status:       ApplicationPending,
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateApplication(ctx, a); err != nil {
			t.Fatalf("CreateApplication: %v", err)
		}
	}

	accepted, err := store.AcceptApplication(ctx, "app_2")
	if err != nil {
		t.Fatalf("AcceptApplication: %v", err)
	}
	if accepted.Status != ApplicationAccepted || accepted.DecidedAt == nil {
		t.Errorf("unexpected accepted application: %+v", accepted)
	}

	// Siblings are rejected atomically with the acceptance.
	apps, err := store.ListApplicationsByGig(ctx, "gig_1")
	if err != nil {
		t.Fatalf("ListApplicationsByGig: %v", err)
	}
	if len(apps) != 3 {
		t.Fatalf("got %d applications, want 3", len(apps))
	}
	for _, a := range apps {
		want := ApplicationRejected
		if a.ID == "app_2" {
			want = ApplicationAccepted
		}
		if a.Status != want {
			t.Errorf("application %s status = %s, want %s", a.ID, a.Status, want)
		}
	}

	// No second acceptance, and decided applications stay decided.
	if _, err := store.AcceptApplication(ctx, "app_1"); !errors.Is(err, ErrApplicationDecided) {
		t.Errorf("accept rejected sibling = %v, want ErrApplicationDecided", err)
	}
	if _, err := store.RejectApplication(ctx, "app_2"); !errors.Is(err, ErrApplicationDecided) {
		t.Errorf("reject accepted = %v, want ErrApplicationDecided", err)
	}
}

func TestMemoryStoreAcceptSecondGigApplication(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := &Application{ID: "app_1", GigID: "gig_1", FreelancerID: "f1", Status: ApplicationPending, CreatedAt: time.Now()}
	b := &Application{ID: "app_2", GigID: "gig_1", FreelancerID: "f2", Status: ApplicationPending, CreatedAt: time.Now()}
	_ = store.CreateApplication(ctx, a)
	_ = store.CreateApplication(ctx, b)

	if _, err := store.AcceptApplication(ctx, "app_1"); err != nil {
		t.Fatalf("AcceptApplication: %v", err)
	}

	// Fresh pending application on a gig that already has an acceptance.
	c := &Application{ID: "app_3", GigID: "gig_1", FreelancerID: "f3", Status: ApplicationPending, CreatedAt: time.Now()}
	_ = store.CreateApplication(ctx, c)
	if _, err := store.AcceptApplication(ctx, "app_3"); !errors.Is(err, ErrAlreadyAccepted) {
		t.Errorf("second acceptance = %v, want ErrAlreadyAccepted", err)
	}
}

func TestMemoryStoreOperationIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	op := &EscrowOperation{
		ID:          "op_1",
		GigID:       "gig_1",
		Kind:        OpRelease,
		Status:      OpSubmitted,
		SubmittedAt: time.Now(),
	}
	if err := store.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation: %v", err)
	}

	dup := &EscrowOperation{ID: "op_2", GigID: "gig_1", Kind: OpRelease, Status: OpSubmitted, SubmittedAt: time.Now()}
	if err := store.InsertOperation(ctx, dup); !errors.Is(err, ErrDuplicateOperation) {
		t.Errorf("duplicate (gig, kind) insert = %v, want ErrDuplicateOperation", err)
	}

	// A different kind on the same gig is fine.
	other := &EscrowOperation{ID: "op_3", GigID: "gig_1", Kind: OpFund, Status: OpConfirmed, SubmittedAt: time.Now()}
	if err := store.InsertOperation(ctx, other); err != nil {
		t.Errorf("different kind insert: %v", err)
	}

	// A failed row does not block a retry of the same kind.
	if err := store.SetOperationStatus(ctx, "op_1", OpFailed); err != nil {
		t.Fatalf("SetOperationStatus: %v", err)
	}
	retry := &EscrowOperation{ID: "op_4", GigID: "gig_1", Kind: OpRelease, Status: OpSubmitted, SubmittedAt: time.Now()}
	if err := store.InsertOperation(ctx, retry); err != nil {
		t.Errorf("insert after failed row: %v", err)
	}
}

func TestMemoryStoreSetOperationStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	op := &EscrowOperation{ID: "op_1", GigID: "gig_1", Kind: OpFund, Status: OpSubmitted, SubmittedAt: time.Now()}
	if err := store.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation: %v", err)
	}

	if err := store.SetOperationBroadcast(ctx, "op_1", "EQAddr|1|deadbeef|42", "EQAddr"); err != nil {
		t.Fatalf("SetOperationBroadcast: %v", err)
	}
	if err := store.SetOperationStatus(ctx, "op_1", OpConfirmed); err != nil {
		t.Fatalf("SetOperationStatus: %v", err)
	}

	got, err := store.GetOperation(ctx, "op_1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != OpConfirmed || got.ResolvedAt == nil {
		t.Errorf("unexpected operation: %+v", got)
	}
	if got.BroadcastRef != "EQAddr|1|deadbeef|42" || got.ContractAddr != "EQAddr" {
		t.Errorf("broadcast fields not persisted: %+v", got)
	}

	if err := store.SetOperationStatus(ctx, "missing", OpFailed); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("SetOperationStatus(missing) = %v, want ErrOperationNotFound", err)
	}
}

func TestMemoryStoreListSubmittedBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()

	rows := []*EscrowOperation{
		{ID: "op_old", GigID: "g1", Kind: OpFund, Status: OpSubmitted, SubmittedAt: base.Add(-2 * time.Hour)},
		{ID: "op_mid", GigID: "g2", Kind: OpFund, Status: OpSubmitted, SubmittedAt: base.Add(-time.Hour)},
		{ID: "op_new", GigID: "g3", Kind: OpFund, Status: OpSubmitted, SubmittedAt: base},
		{ID: "op_done", GigID: "g4", Kind: OpFund, Status: OpConfirmed, SubmittedAt: base.Add(-3 * time.Hour)},
	}
	for _, op := range rows {
		if err := store.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation(%s): %v", op.ID, err)
		}
	}

	got, err := store.ListSubmittedBefore(ctx, base.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListSubmittedBefore: %v", err)
	}
	if len(got) != 2 || got[0].ID != "op_old" || got[1].ID != "op_mid" {
		t.Errorf("unexpected rows: %+v", got)
	}

	// Limit returns the oldest first.
	got, err = store.ListSubmittedBefore(ctx, base.Add(-30*time.Minute), 1)
	if err != nil {
		t.Fatalf("ListSubmittedBefore with limit: %v", err)
	}
	if len(got) != 1 || got[0].ID != "op_old" {
		t.Errorf("unexpected limited rows: %+v", got)
	}
}
