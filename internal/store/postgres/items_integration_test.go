//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupQueries(t *testing.T) *Queries {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Fatal("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres ping failed: %v", err)
	}
	if err := RunMigrations(ctx, pool); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return New(pool)
}

func seedBatch(t *testing.T, q *Queries) ItemBatch {
	t.Helper()
	ctx := context.Background()

	run, err := q.CreateRun(ctx, CreateRunParams{AutoAdvance: true, StageStatuses: map[string]string{}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	t.Cleanup(func() {
		q.db.Exec(context.Background(), `DELETE FROM pipeline_runs WHERE id = $1`, run.ID)
	})

	batch, err := q.CreateBatch(ctx, CreateBatchParams{RunID: run.ID, SourcePrefix: "it/" + t.Name()})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return batch
}

func seedItem(t *testing.T, q *Queries, batchID uuid.UUID, key string, statuses map[string]string) Item {
	t.Helper()
	ctx := context.Background()

	item, created, err := q.CreateItem(ctx, CreateItemParams{
		BatchID:     batchID,
		ObjectKey:   key,
		Title:       key,
		ContentType: "text/plain",
		SizeBytes:   100,
	})
	if err != nil || !created {
		t.Fatalf("create item %s: created=%v err=%v", key, created, err)
	}
	for stage, status := range statuses {
		col, err := StageStatusColumn(stage)
		if err != nil {
			t.Fatalf("resolve column for %s: %v", stage, err)
		}
		if err := q.SetItemStageStatus(ctx, item.ID, col, status); err != nil {
			t.Fatalf("set %s=%s on %s: %v", stage, status, key, err)
		}
	}
	return item
}

// The pending-selection query is what makes a re-dispatched stage resumable:
// finished items are never re-selected and items whose prior stage has not
// reached a completing status are held back.
func TestItemsPendingForStageSelection(t *testing.T) {
	ctx := context.Background()
	q := setupQueries(t)
	batch := seedBatch(t, q)

	// Mixed ledger at the lexicon stage (prior stage: rights).
	seedItem(t, q, batch.ID, "fresh.txt", map[string]string{"rights": "completed"})
	seedItem(t, q, batch.ID, "interrupted.txt", map[string]string{"rights": "completed", "lexicon": "running"})
	done := seedItem(t, q, batch.ID, "done.txt", map[string]string{"rights": "completed", "lexicon": "completed"})
	seedItem(t, q, batch.ID, "quarantined.txt", map[string]string{"rights": "quarantined"})
	seedItem(t, q, batch.ID, "rights-pending.txt", nil)
	seedItem(t, q, batch.ID, "waved-through.txt", map[string]string{"rights": "skipped"})

	col, err := StageStatusColumn("lexicon")
	if err != nil {
		t.Fatalf("lexicon column: %v", err)
	}
	prevCol, err := StageStatusColumn("rights")
	if err != nil {
		t.Fatalf("rights column: %v", err)
	}

	pending, err := q.ItemsPendingForStage(ctx, batch.ID, col, prevCol)
	if err != nil {
		t.Fatalf("ItemsPendingForStage: %v", err)
	}

	got := make(map[string]bool, len(pending))
	for _, it := range pending {
		got[it.ObjectKey] = true
	}
	want := []string{"fresh.txt", "interrupted.txt", "waved-through.txt"}
	if len(pending) != len(want) {
		t.Fatalf("selected %d items %v, want %d", len(pending), got, len(want))
	}
	for _, key := range want {
		if !got[key] {
			t.Errorf("%s not selected", key)
		}
	}
	if got[done.ObjectKey] {
		t.Error("completed item re-selected")
	}

	// First stage has no dependency gate: every unfinished item qualifies.
	intakeCol, err := StageStatusColumn("intake")
	if err != nil {
		t.Fatalf("intake column: %v", err)
	}
	all, err := q.ItemsPendingForStage(ctx, batch.ID, intakeCol, "")
	if err != nil {
		t.Fatalf("ItemsPendingForStage (intake): %v", err)
	}
	if len(all) != 6 {
		t.Errorf("intake selected %d items, want all 6", len(all))
	}
}

// A re-dispatched stage must leave already-completed items untouched: their
// status stays completed and their recorded metadata survives the resume.
func TestItemsPendingForStageResumeLeavesFinishedWork(t *testing.T) {
	ctx := context.Background()
	q := setupQueries(t)
	batch := seedBatch(t, q)

	done := seedItem(t, q, batch.ID, "done.txt", map[string]string{"rights": "completed"})
	redo := seedItem(t, q, batch.ID, "redo.txt", map[string]string{"rights": "completed"})

	col, err := StageStatusColumn("lexicon")
	if err != nil {
		t.Fatalf("lexicon column: %v", err)
	}
	prevCol, err := StageStatusColumn("rights")
	if err != nil {
		t.Fatalf("rights column: %v", err)
	}

	// First pass finishes one item with metadata, then gets interrupted.
	patch, _ := json.Marshal(map[string]any{"lexicon": map[string]any{"terms": 12}})
	if err := q.SetItemStageOutcome(ctx, done.ID, col, "completed", patch); err != nil {
		t.Fatalf("record first-pass outcome: %v", err)
	}

	pending, err := q.ItemsPendingForStage(ctx, batch.ID, col, prevCol)
	if err != nil {
		t.Fatalf("ItemsPendingForStage: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != redo.ID {
		t.Fatalf("resume selected %d items, want only the unfinished one", len(pending))
	}

	after, err := q.GetItem(ctx, done.ID)
	if err != nil {
		t.Fatalf("reload finished item: %v", err)
	}
	if after.StageStatuses["lexicon"] != "completed" {
		t.Errorf("finished item status = %q, want completed", after.StageStatuses["lexicon"])
	}
	var meta map[string]map[string]any
	if err := json.Unmarshal(after.StageMetadata, &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if n, ok := meta["lexicon"]["terms"].(float64); !ok || n != 12 {
		t.Errorf("finished item metadata = %s, want lexicon.terms=12", after.StageMetadata)
	}
}
