package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

type ledgerCall struct {
	op      string
	itemID  uuid.UUID
	col     string
	prevCol string
	status  string
	patch   []byte
}

type fakeLedgerStore struct {
	calls   []ledgerCall
	pending []postgres.Item
	ids     []uuid.UUID
	counts  map[string]int
}

func (f *fakeLedgerStore) SetItemStageStatus(_ context.Context, itemID uuid.UUID, col, status string) error {
	f.calls = append(f.calls, ledgerCall{op: "status", itemID: itemID, col: col, status: status})
	return nil
}

func (f *fakeLedgerStore) SetItemStageOutcome(_ context.Context, itemID uuid.UUID, col, status string, patch []byte) error {
	f.calls = append(f.calls, ledgerCall{op: "outcome", itemID: itemID, col: col, status: status, patch: patch})
	return nil
}

func (f *fakeLedgerStore) ItemsPendingForStage(_ context.Context, _ uuid.UUID, col, prevCol string) ([]postgres.Item, error) {
	f.calls = append(f.calls, ledgerCall{op: "pending", col: col, prevCol: prevCol})
	return f.pending, nil
}

func (f *fakeLedgerStore) ItemIDsWithStatus(_ context.Context, _ uuid.UUID, col, status string) ([]uuid.UUID, error) {
	f.calls = append(f.calls, ledgerCall{op: "with_status", col: col, status: status})
	return f.ids, nil
}

func (f *fakeLedgerStore) CountItemStatusesForStage(_ context.Context, _ uuid.UUID, col string) (map[string]int, error) {
	f.calls = append(f.calls, ledgerCall{op: "counts", col: col})
	return f.counts, nil
}

func TestLedgerColumnResolution(t *testing.T) {
	ctx := context.Background()
	fs := &fakeLedgerStore{}
	l := NewLedger(fs)
	batchID := uuid.New()

	t.Run("first stage has no dependency gate", func(t *testing.T) {
		if _, err := l.ItemsPendingFor(ctx, batchID, "intake"); err != nil {
			t.Fatalf("ItemsPendingFor: %v", err)
		}
		call := fs.calls[len(fs.calls)-1]
		if call.col != "intake_status" || call.prevCol != "" {
			t.Errorf("intake selection = col %q prev %q", call.col, call.prevCol)
		}
	})

	t.Run("later stages gate on their predecessor", func(t *testing.T) {
		if _, err := l.ItemsPendingFor(ctx, batchID, "graph"); err != nil {
			t.Fatalf("ItemsPendingFor: %v", err)
		}
		call := fs.calls[len(fs.calls)-1]
		if call.col != "graph_status" || call.prevCol != "pools_status" {
			t.Errorf("graph selection = col %q prev %q", call.col, call.prevCol)
		}
	})

	t.Run("unknown stage rejected", func(t *testing.T) {
		if _, err := l.ItemsPendingFor(ctx, batchID, "nonsense"); err == nil {
			t.Error("expected error for unknown stage")
		}
		if err := l.MarkRunning(ctx, uuid.New(), "nonsense"); err == nil {
			t.Error("expected error for unknown stage")
		}
	})
}

func TestLedgerMarkDoneNamespacesMetadata(t *testing.T) {
	ctx := context.Background()
	fs := &fakeLedgerStore{}
	l := NewLedger(fs)
	itemID := uuid.New()

	err := l.MarkDone(ctx, itemID, "rights", ItemQuarantined, map[string]any{
		"reason": "third-party license",
	})
	if err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	call := fs.calls[len(fs.calls)-1]
	if call.col != "rights_status" || call.status != ItemQuarantined {
		t.Errorf("outcome call = %+v", call)
	}

	var patch map[string]map[string]any
	if err := json.Unmarshal(call.patch, &patch); err != nil {
		t.Fatalf("patch is not valid JSON: %v", err)
	}
	if patch["rights"]["reason"] != "third-party license" {
		t.Errorf("patch = %v, want metadata under the stage key", patch)
	}
}

func TestLedgerMarkDoneWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	fs := &fakeLedgerStore{}
	l := NewLedger(fs)

	if err := l.MarkDone(ctx, uuid.New(), "lexicon", ItemCompleted, nil); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if call := fs.calls[len(fs.calls)-1]; len(call.patch) != 0 {
		t.Errorf("expected empty patch, got %s", call.patch)
	}
}
