package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// UpsertChunks writes content chunks into a namespace. Chunks carrying a
// different namespace than ns are rejected; ingestion collaborators never
// get to pick the partition themselves.
func (s *Store) UpsertChunks(ctx context.Context, ns types.Namespace, chunks []types.ContextChunk) error {
	if ns == "" {
		return fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if len(chunks) == 0 {
		return nil
	}

	for i := range chunks {
		if chunks[i].Namespace != "" && chunks[i].Namespace != ns {
			return fmt.Errorf("%w: chunk %s carries namespace %s, want %s",
				storage.ErrNamespaceMismatch, chunks[i].ID, chunks[i].Namespace, ns)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: upsert chunks begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO context_chunks (id, namespace, text, embedding_dim, source_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding_dim = EXCLUDED.embedding_dim,
			source_id = EXCLUDED.source_id,
			metadata = EXCLUDED.metadata
	`)
	if err != nil {
		return fmt.Errorf("postgres: upsert chunks prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var vecStmt *sql.Stmt
	if s.pgvectorAvailable {
		vecStmt, err = tx.PrepareContext(ctx, `
			UPDATE context_chunks SET embedding = $1::vector WHERE id = $2
		`)
		if err != nil {
			return fmt.Errorf("postgres: upsert chunks vector prepare: %w", err)
		}
		defer func() { _ = vecStmt.Close() }()
	}

	for i := range chunks {
		chunk := &chunks[i]
		chunk.Namespace = ns
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = time.Now()
		}

		var metadataJSON []byte
		if chunk.Metadata != nil {
			metadataJSON, err = json.Marshal(chunk.Metadata)
			if err != nil {
				return fmt.Errorf("postgres: marshal chunk metadata: %w", err)
			}
		}

		_, err = stmt.ExecContext(ctx, chunk.ID, string(ns), chunk.Text,
			len(chunk.Embedding), chunk.SourceID, metadataJSON, chunk.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: upsert chunk %s: %w", chunk.ID, err)
		}

		if vecStmt != nil && len(chunk.Embedding) > 0 {
			if _, err := vecStmt.ExecContext(ctx, pgvector.NewVector(chunk.Embedding), chunk.ID); err != nil {
				return fmt.Errorf("postgres: store chunk embedding %s: %w", chunk.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: upsert chunks commit: %w", err)
	}
	return nil
}

// VectorSearch runs cosine ANN search over the namespace's chunks using
// pgvector. similarity = 1 - cosine distance. Without pgvector it returns
// no results; the orchestrator reports the source as degraded.
func (s *Store) VectorSearch(ctx context.Context, ns types.Namespace, embedding []float32, opts storage.VectorSearchOptions) ([]storage.ScoredChunk, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	opts.Normalize()
	if len(embedding) == 0 || !s.pgvectorAvailable {
		return nil, nil
	}

	vec := pgvector.NewVector(embedding)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, text, embedding_dim, source_id, metadata, created_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM context_chunks
		WHERE namespace = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, vec, string(ns), opts.K)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredChunk
	for rows.Next() {
		chunk, similarity, err := scanScoredChunkRow(rows)
		if err != nil {
			return nil, err
		}
		if similarity < opts.MinSimilarity {
			continue
		}
		scored = append(scored, storage.ScoredChunk{Chunk: chunk, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search rows: %w", err)
	}
	return scored, nil
}

// scanScoredChunkRow scans one context_chunks row with a trailing
// similarity column.
func scanScoredChunkRow(rows *sql.Rows) (*types.ContextChunk, float64, error) {
	var chunk types.ContextChunk
	var ns string
	var embeddingDim int
	var sourceID, metadataJSON sql.NullString
	var similarity float64

	err := rows.Scan(&chunk.ID, &ns, &chunk.Text, &embeddingDim,
		&sourceID, &metadataJSON, &chunk.CreatedAt, &similarity)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan chunk: %w", err)
	}

	chunk.Namespace = types.Namespace(ns)
	chunk.SourceID = sourceID.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &chunk.Metadata); err != nil {
			return nil, 0, fmt.Errorf("postgres: unmarshal chunk metadata: %w", err)
		}
	}
	return &chunk, similarity, nil
}
