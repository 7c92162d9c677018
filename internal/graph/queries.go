package graph

// Cypher query constants for Neo4j operations.
const (
	// CreateConstraintEntityName ensures Entity(name) is unique and indexed
	// (required for fast MERGE/MATCH during sync).
	CreateConstraintEntityName = `CREATE CONSTRAINT entity_name IF NOT EXISTS FOR (e:Entity) REQUIRE e.name IS UNIQUE`
	// CreateConstraintItemID ensures Item(id) is unique and indexed.
	CreateConstraintItemID = `CREATE CONSTRAINT item_id IF NOT EXISTS FOR (i:Item) REQUIRE i.id IS UNIQUE`

	// UpsertEntityNode merges an entity node by name and sets its properties.
	UpsertEntityNode = `
UNWIND $entities AS ent
MERGE (e:Entity {name: ent.name})
SET e.kind = ent.kind,
    e.summary = ent.summary,
    e.batchId = ent.batchId
`

	// UpsertRelation merges a typed relationship between two entities.
	UpsertRelation = `
UNWIND $relations AS rel
MATCH (src:Entity {name: rel.sourceName})
MATCH (tgt:Entity {name: rel.targetName})
MERGE (src)-[r:RELATES_TO {predicate: rel.predicate}]->(tgt)
SET r.confidence = rel.confidence,
    r.batchId = rel.batchId
`

	// LinkEntityToItem records which document an entity was extracted from.
	LinkEntityToItem = `
UNWIND $entities AS ent
MERGE (i:Item {id: ent.itemId})
WITH i, ent
MATCH (e:Entity {name: ent.name})
MERGE (e)-[:EXTRACTED_FROM]->(i)
`

	// DeleteBatchNodes removes all nodes and relationships for a batch.
	DeleteBatchNodes = `
MATCH (n {batchId: $batchId})
DETACH DELETE n
`

	// CountBatchEntities returns the number of entity nodes for a batch.
	CountBatchEntities = `
MATCH (e:Entity {batchId: $batchId})
RETURN count(e) AS entities
`
)
