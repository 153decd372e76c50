// Package knowledge mirrors the active index generation into Neo4j as a browsable
// catalog of generations, documents, folders and chunks.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/corpscribe/index"
	"github.com/fabfab/corpscribe/ingestion"
	"github.com/fabfab/corpscribe/logger"
)

type Catalog struct {
	driver neo4j.DriverWithContext
	logger *zap.SugaredLogger
}

func NewCatalog(driver neo4j.DriverWithContext, log *zap.SugaredLogger) *Catalog {
	return &Catalog{driver: driver, logger: logger.OrNop(log)}
}

// SyncGeneration records m as the active generation, upserts every document and removes
// documents that are no longer part of it.
func (c *Catalog) SyncGeneration(ctx context.Context, m index.Manifest, docs []ingestion.Document) error {
	if c.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (g:Generation) WHERE g.active
			SET g.active = false
		`, nil); err != nil {
			return nil, fmt.Errorf("deactivate generations: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MERGE (g:Generation {id: $id})
			SET g.created_at = $created_at,
			    g.embedding_model = $model,
			    g.dimension = $dimension,
			    g.chunk_count = $chunks,
			    g.document_count = $documents,
			    g.active = true
		`, map[string]any{
			"id":         m.ID,
			"created_at": m.CreatedAt.UTC(),
			"model":      m.EmbeddingModel,
			"dimension":  m.Dimension,
			"chunks":     m.ChunkCount,
			"documents":  m.DocumentCount,
		}); err != nil {
			return nil, fmt.Errorf("upsert generation node: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MATCH (d:Document)
			WHERE NOT d.id IN $sources
			DETACH DELETE d
		`, map[string]any{"sources": m.Sources}); err != nil {
			return nil, fmt.Errorf("remove stale documents: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	for i := range docs {
		if err := SyncDocument(ctx, c.driver, m.ID, docs[i]); err != nil {
			return fmt.Errorf("sync %s: %w", docs[i].Source, err)
		}
	}

	if _, err := session.Run(ctx, `
		MATCH (c:Chunk)
		WHERE NOT (c)<-[:HAS_CHUNK]-(:Document)
		DELETE c
	`, nil); err != nil {
		return fmt.Errorf("remove orphan chunks: %w", err)
	}
	if _, err := session.Run(ctx, `
		MATCH (f:Folder)
		WHERE NOT (f)<-[:IN_FOLDER]-(:Document)
		DELETE f
	`, nil); err != nil {
		return fmt.Errorf("remove empty folders: %w", err)
	}

	c.logger.Infow("catalog synced", "generation", m.ID, "documents", len(docs))
	return nil
}

// SyncDocument replaces the catalog entry of doc and links it to the generation.
func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, generation string, doc ingestion.Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":         doc.Source,
		"title":      doc.Title,
		"sha":        doc.SHA256,
		"folder":     doc.Folder,
		"format":     string(doc.Format),
		"generation": generation,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.path = $id,
			    d.title = $title,
			    d.sha256 = $sha,
			    d.format = $format,
			    d.updated_at = datetime()
			WITH d
			OPTIONAL MATCH (d)-[r:INDEXED_IN]->(:Generation)
			DELETE r
			WITH DISTINCT d
			MATCH (g:Generation {id: $generation})
			MERGE (d)-[:INDEXED_IN]->(g)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:IN_FOLDER]->(:Folder)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale folder relation: %w", err)
		}
		if doc.Folder != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (f:Folder {name: $folder})
				MERGE (d)-[:IN_FOLDER]->(f)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert folder relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		rows := make([]map[string]any, 0, len(doc.Chunks))
		for _, chunk := range doc.Chunks {
			rows = append(rows, map[string]any{
				"id":      chunk.ID,
				"ordinal": chunk.Ordinal,
				"text":    chunk.Text,
				"overlap": chunk.Overlap,
			})
		}
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $doc_id})
			UNWIND $chunks AS row
			MERGE (c:Chunk {id: row.id})
			SET c.ordinal = row.ordinal,
			    c.text = row.text,
			    c.overlap = row.overlap
			MERGE (d)-[:HAS_CHUNK {order: row.ordinal}]->(c)
		`, map[string]any{"doc_id": doc.Source, "chunks": rows}); err != nil {
			return nil, fmt.Errorf("upsert chunk nodes: %w", err)
		}

		return nil, nil
	})
	return err
}

// Purge removes every catalog node, used when the operator clears the index.
func (c *Catalog) Purge(ctx context.Context) error {
	if c.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, `
		MATCH (n)
		WHERE n:Generation OR n:Document OR n:Chunk OR n:Folder
		DETACH DELETE n
	`, nil); err != nil {
		return fmt.Errorf("purge catalog: %w", err)
	}
	return nil
}

func (c *Catalog) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}
