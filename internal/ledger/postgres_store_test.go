//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/agora/internal/testutil"
)

func TestPostgres_CreditAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_1", "10000.5", "AGNT", Meta{"source": "top_up"}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.Balance(ctx, "agent_pg_1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available != "10000.50000000" {
		t.Errorf("expected available 10000.50000000, got %s", bal.Available)
	}
}

func TestPostgres_BalanceUnknownAgentIsZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	bal, err := store.Balance(context.Background(), "agent_never_seen")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Available != "0.00000000" || bal.Escrow != "0.00000000" {
		t.Errorf("expected zero balance, got available=%s escrow=%s", bal.Available, bal.Escrow)
	}
}

func TestPostgres_EscrowLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_client", "10000", "AGNT", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.LockEscrow(ctx, "agent_pg_client", "job_pg_1", "3000"); err != nil {
		t.Fatalf("LockEscrow failed: %v", err)
	}

	bal, _ := store.Balance(ctx, "agent_pg_client")
	if bal.Available != "7000.00000000" || bal.Escrow != "3000.00000000" {
		t.Errorf("after lock: available=%s escrow=%s", bal.Available, bal.Escrow)
	}

	// Partial payout: the worker receives 2500, the client gets 500 back.
	if err := store.ReleaseEscrow(ctx, "agent_pg_client", "agent_pg_worker", "job_pg_1", "2500", "3000"); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	client, _ := store.Balance(ctx, "agent_pg_client")
	worker, _ := store.Balance(ctx, "agent_pg_worker")
	if client.Available != "7500.00000000" || client.Escrow != "0.00000000" {
		t.Errorf("client: available=%s escrow=%s", client.Available, client.Escrow)
	}
	if worker.Available != "2500.00000000" {
		t.Errorf("worker: available=%s", worker.Available)
	}

	entries, err := store.EntriesForJob(ctx, "job_pg_1")
	if err != nil {
		t.Fatalf("EntriesForJob failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for job, got %d", len(entries))
	}
	if entries[1].Type != EntryEscrowRelease || entries[1].CounterpartyID != "agent_pg_worker" {
		t.Errorf("release entry: type=%s counterparty=%s", entries[1].Type, entries[1].CounterpartyID)
	}
}

func TestPostgres_LockEscrowInsufficientFunds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_poor", "10", "AGNT", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	err := store.LockEscrow(ctx, "agent_pg_poor", "job_pg_2", "10.00000001")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Rolled back: nothing moved, no journal rows for the job.
	bal, _ := store.Balance(ctx, "agent_pg_poor")
	if bal.Available != "10.00000000" || bal.Escrow != "0.00000000" {
		t.Errorf("after failed lock: available=%s escrow=%s", bal.Available, bal.Escrow)
	}
	entries, _ := store.EntriesForJob(ctx, "job_pg_2")
	if len(entries) != 0 {
		t.Errorf("expected no entries after rollback, got %d", len(entries))
	}
}

func TestPostgres_RefundEscrow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_c2", "2000", "AGNT", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.LockEscrow(ctx, "agent_pg_c2", "job_pg_3", "1500"); err != nil {
		t.Fatalf("LockEscrow failed: %v", err)
	}
	if err := store.RefundEscrow(ctx, "agent_pg_c2", "job_pg_3", "1500"); err != nil {
		t.Fatalf("RefundEscrow failed: %v", err)
	}

	bal, _ := store.Balance(ctx, "agent_pg_c2")
	if bal.Available != "2000.00000000" || bal.Escrow != "0.00000000" {
		t.Errorf("after refund: available=%s escrow=%s", bal.Available, bal.Escrow)
	}
}

func TestPostgres_DebitAndRefundDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_w", "200000", "AGNT", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Debit(ctx, "agent_pg_w", "100500", Meta{"withdrawal_id": "wd_pg_1"}); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	bal, _ := store.Balance(ctx, "agent_pg_w")
	if bal.Available != "99500.00000000" {
		t.Errorf("after debit: available=%s", bal.Available)
	}

	if err := store.RefundDebit(ctx, "agent_pg_w", "100500", Meta{"withdrawal_id": "wd_pg_1"}); err != nil {
		t.Fatalf("RefundDebit failed: %v", err)
	}
	bal, _ = store.Balance(ctx, "agent_pg_w")
	if bal.Available != "200000.00000000" {
		t.Errorf("after refund: available=%s", bal.Available)
	}

	err := store.Debit(ctx, "agent_pg_never", "1", nil)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgres_EntriesPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Credit(ctx, "agent_pg_page", "1", "AGNT", nil); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	page1, err := store.Entries(ctx, "agent_pg_page", 2, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	page2, err := store.Entries(ctx, "agent_pg_page", 2, 2)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected two pages of 2, got %d and %d", len(page1), len(page2))
	}
	if page1[0].ID == page2[0].ID {
		t.Errorf("pages overlap")
	}
}

func TestPostgres_AuditNoDrift(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "agent_pg_a1", "10000", "AGNT", nil); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.LockEscrow(ctx, "agent_pg_a1", "job_pg_a", "4000"); err != nil {
		t.Fatalf("LockEscrow failed: %v", err)
	}
	if err := store.ReleaseEscrow(ctx, "agent_pg_a1", "agent_pg_a2", "job_pg_a", "3500", "4000"); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	rows, err := store.Audit(ctx)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	for _, row := range rows {
		if row.Drift != "0.00000000" {
			t.Errorf("agent %s drifted: journal=%s available=%s escrow=%s",
				row.AgentID, row.JournalNet, row.Available, row.Escrow)
		}
	}
}
