package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

const batchSize = 500

// CreateNodes upserts entity nodes into Neo4j from PostgreSQL extraction data
// and links each to the item it came from.
func (c *Client) CreateNodes(ctx context.Context, batchID uuid.UUID, entities []postgres.GraphEntity) error {
	session := c.Session(ctx)
	defer session.Close(ctx)

	for i := 0; i < len(entities); i += batchSize {
		end := min(i+batchSize, len(entities))
		batch := entities[i:end]

		params := make([]map[string]any, len(batch))
		for j, ent := range batch {
			params[j] = map[string]any{
				"name":    ent.Name,
				"kind":    ent.Kind,
				"summary": ent.Summary,
				"itemId":  ent.ItemID.String(),
				"batchId": batchID.String(),
			}
		}

		_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			if _, err := tx.Run(ctx, UpsertEntityNode, map[string]any{"entities": params}); err != nil {
				return struct{}{}, err
			}
			_, err := tx.Run(ctx, LinkEntityToItem, map[string]any{"entities": params})
			return struct{}{}, err
		})
		if err != nil {
			return fmt.Errorf("sync entities batch %d: %w", i/batchSize, err)
		}
	}
	return nil
}

// CreateEdges upserts entity relationships into Neo4j.
func (c *Client) CreateEdges(ctx context.Context, batchID uuid.UUID, relations []postgres.GraphRelation) error {
	session := c.Session(ctx)
	defer session.Close(ctx)

	for i := 0; i < len(relations); i += batchSize {
		end := min(i+batchSize, len(relations))
		batch := relations[i:end]

		params := make([]map[string]any, len(batch))
		for j, rel := range batch {
			params[j] = map[string]any{
				"sourceName": rel.SourceName,
				"targetName": rel.TargetName,
				"predicate":  rel.Predicate,
				"confidence": rel.Confidence,
				"batchId":    batchID.String(),
			}
		}

		_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, UpsertRelation, map[string]any{"relations": params})
			return struct{}{}, err
		})
		if err != nil {
			return fmt.Errorf("sync relations batch %d: %w", i/batchSize, err)
		}
	}
	return nil
}

// DeleteBatch removes every node and relationship created for a batch.
func (c *Client) DeleteBatch(ctx context.Context, batchID uuid.UUID) error {
	session := c.Session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, DeleteBatchNodes, map[string]any{"batchId": batchID.String()})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("delete batch nodes: %w", err)
	}
	return nil
}
