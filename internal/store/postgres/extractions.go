package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Extraction outputs are replaced wholesale per item so a re-run of a stage on
// the same item (retry after partial failure) never duplicates records.

type TermParams struct {
	Term       string
	Definition string
	Salience   float64
}

func (q *Queries) ReplaceItemTerms(ctx context.Context, itemID uuid.UUID, terms []TermParams) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM lexicon_terms WHERE item_id = $1`, itemID)
	for _, t := range terms {
		batch.Queue(
			`INSERT INTO lexicon_terms (item_id, term, definition, salience)
			 VALUES ($1, $2, $3, $4)`,
			itemID, t.Term, t.Definition, t.Salience)
	}
	return q.sendBatch(ctx, batch)
}

type EntityParams struct {
	Name    string
	Kind    string
	Summary string
}

type RelationParams struct {
	SourceName string
	TargetName string
	Predicate  string
	Confidence float64
}

func (q *Queries) ReplaceItemEntities(ctx context.Context, itemID uuid.UUID, entities []EntityParams, relations []RelationParams) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM graph_relations WHERE item_id = $1`, itemID)
	batch.Queue(`DELETE FROM graph_entities WHERE item_id = $1`, itemID)
	for _, e := range entities {
		batch.Queue(
			`INSERT INTO graph_entities (item_id, name, kind, summary)
			 VALUES ($1, $2, $3, $4)`,
			itemID, e.Name, e.Kind, e.Summary)
	}
	for _, r := range relations {
		batch.Queue(
			`INSERT INTO graph_relations (item_id, source_name, target_name, predicate, confidence)
			 VALUES ($1, $2, $3, $4, $5)`,
			itemID, r.SourceName, r.TargetName, r.Predicate, r.Confidence)
	}
	return q.sendBatch(ctx, batch)
}

type ChunkParams struct {
	ChunkIndex int
	Content    string
	Embedding  []float32
}

func (q *Queries) ReplaceItemChunks(ctx context.Context, itemID uuid.UUID, chunks []ChunkParams) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM item_chunks WHERE item_id = $1`, itemID)
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO item_chunks (item_id, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4)`,
			itemID, c.ChunkIndex, c.Content, pgvector.NewVector(c.Embedding))
	}
	return q.sendBatch(ctx, batch)
}

func (q *Queries) UpsertDeliverable(ctx context.Context, itemID uuid.UUID, kind string, manifest []byte) error {
	if len(manifest) == 0 {
		manifest = []byte(`{}`)
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO deliverables (item_id, kind, manifest)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (item_id) DO UPDATE SET kind = EXCLUDED.kind, manifest = EXCLUDED.manifest`,
		itemID, kind, manifest)
	return err
}

func (q *Queries) ListEntitiesByBatch(ctx context.Context, batchID uuid.UUID) ([]GraphEntity, error) {
	rows, err := q.db.Query(ctx,
		`SELECT e.id, e.item_id, e.name, e.kind, e.summary, e.created_at
		 FROM graph_entities e
		 JOIN items i ON i.id = e.item_id
		 WHERE i.batch_id = $1
		 ORDER BY e.created_at, e.id`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []GraphEntity
	for rows.Next() {
		var e GraphEntity
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Name, &e.Kind, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (q *Queries) ListRelationsByBatch(ctx context.Context, batchID uuid.UUID) ([]GraphRelation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT r.id, r.item_id, r.source_name, r.target_name, r.predicate, r.confidence, r.created_at
		 FROM graph_relations r
		 JOIN items i ON i.id = r.item_id
		 WHERE i.batch_id = $1
		 ORDER BY r.created_at, r.id`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []GraphRelation
	for rows.Next() {
		var r GraphRelation
		if err := rows.Scan(&r.ID, &r.ItemID, &r.SourceName, &r.TargetName, &r.Predicate, &r.Confidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	return relations, rows.Err()
}

func (q *Queries) ListTermsByItem(ctx context.Context, itemID uuid.UUID) ([]LexiconTerm, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, item_id, term, definition, salience, created_at
		 FROM lexicon_terms WHERE item_id = $1 ORDER BY salience DESC, term`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []LexiconTerm
	for rows.Next() {
		var t LexiconTerm
		if err := rows.Scan(&t.ID, &t.ItemID, &t.Term, &t.Definition, &t.Salience, &t.CreatedAt); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

func (q *Queries) ListChunksByItem(ctx context.Context, itemID uuid.UUID) ([]ItemChunk, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, item_id, chunk_index, content, created_at
		 FROM item_chunks WHERE item_id = $1 ORDER BY chunk_index`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []ItemChunk
	for rows.Next() {
		var c ItemChunk
		if err := rows.Scan(&c.ID, &c.ItemID, &c.ChunkIndex, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountItemsWithRecords returns how many batch items have at least one row in
// the given extraction table. Used by the literacy stage's coverage score.
func (q *Queries) CountItemsWithRecords(ctx context.Context, batchID uuid.UUID, table string) (int, error) {
	switch table {
	case "lexicon_terms", "graph_entities", "item_chunks":
	default:
		return 0, fmt.Errorf("invalid extraction table %q", table)
	}
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM items i
		 WHERE i.batch_id = $1
		   AND EXISTS (SELECT 1 FROM `+table+` t WHERE t.item_id = i.id)`,
		batchID).Scan(&n)
	return n, err
}

func (q *Queries) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	br := q.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}
