package stages

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/stages/connectors"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/minio"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// IntakeWorker discovers source documents and registers them as batch items.
// When a remote S3 source is configured, it first mirrors the objects into
// the working bucket so every later stage reads from one place.
type IntakeWorker struct {
	store       *store.Store
	objects     *minio.Client
	mirror      *connectors.S3Connector // nil when no remote source is configured
	ledger      *pipeline.Ledger
	concurrency int
	logger      *slog.Logger
}

func NewIntakeWorker(s *store.Store, objects *minio.Client, mirror *connectors.S3Connector, ledger *pipeline.Ledger, concurrency int, logger *slog.Logger) *IntakeWorker {
	return &IntakeWorker{store: s, objects: objects, mirror: mirror, ledger: ledger, concurrency: concurrency, logger: logger}
}

func (w *IntakeWorker) Name() string { return "intake" }

func (w *IntakeWorker) Process(ctx context.Context, batchID uuid.UUID) (pipeline.StageResult, error) {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("load batch: %w", err)
	}

	mirrored := 0
	if w.mirror != nil {
		mirrored, err = w.mirror.Mirror(ctx, batch.SourcePrefix, w.objects)
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("mirror source bucket: %w", err)
		}
	}

	objs, err := w.objects.ListObjects(ctx, batch.SourcePrefix)
	if err != nil {
		return pipeline.StageResult{}, fmt.Errorf("list source objects: %w", err)
	}

	created := 0
	for _, obj := range objs {
		_, isNew, err := w.store.CreateItem(ctx, postgres.CreateItemParams{
			BatchID:     batchID,
			ObjectKey:   obj.Key,
			Title:       titleFromKey(obj.Key),
			ContentType: contentTypeFor(obj),
			SizeBytes:   obj.Size,
		})
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("register item %s: %w", obj.Key, err)
		}
		if isNew {
			created++
		}
	}

	processed, failed, err := forEachPendingItem(ctx, w.ledger, batchID, w.Name(), w.concurrency, w.logger,
		func(_ context.Context, item postgres.Item) (outcome, error) {
			if item.SizeBytes == 0 {
				return outcome{}, fmt.Errorf("empty object")
			}
			return outcome{metadata: map[string]any{
				"size_bytes":   item.SizeBytes,
				"content_type": item.ContentType,
			}}, nil
		})
	if err != nil {
		return pipeline.StageResult{ItemsProcessed: processed, ItemsFailed: failed}, err
	}

	return pipeline.StageResult{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Counters: map[string]int{
			"objects_discovered": len(objs),
			"objects_mirrored":   mirrored,
			"items_created":      created,
		},
		Success: true,
		Advance: true,
	}, nil
}

func titleFromKey(key string) string {
	base := path.Base(key)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func contentTypeFor(obj minio.ObjectInfo) string {
	if obj.ContentType != "" {
		return obj.ContentType
	}
	if ct := mime.TypeByExtension(path.Ext(obj.Key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
