package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

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
		return fmt.Errorf("sqlite: upsert chunks begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO context_chunks (id, namespace, text, embedding, embedding_dim, source_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			source_id = excluded.source_id,
			metadata = excluded.metadata
	`)
	if err != nil {
		return fmt.Errorf("sqlite: upsert chunks prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

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
				return fmt.Errorf("sqlite: marshal chunk metadata: %w", err)
			}
		}

		_, err = stmt.ExecContext(ctx, chunk.ID, string(ns), chunk.Text,
			encodeVector(chunk.Embedding), len(chunk.Embedding),
			chunk.SourceID, metadataJSON, chunk.CreatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: upsert chunks commit: %w", err)
	}
	return nil
}

// VectorSearch scores all embedded chunks in the namespace against the
// query embedding in-process and returns the top k. The namespace filter is
// part of the SQL, not a post-filter.
func (s *Store) VectorSearch(ctx context.Context, ns types.Namespace, embedding []float32, opts storage.VectorSearchOptions) ([]storage.ScoredChunk, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	opts.Normalize()
	if len(embedding) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, text, embedding, embedding_dim, source_id, metadata, created_at
		FROM context_chunks
		WHERE namespace = ? AND embedding_dim > 0
	`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredChunk
	for rows.Next() {
		chunk, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		sim := cosineSimilarity(embedding, chunk.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		scored = append(scored, storage.ScoredChunk{Chunk: chunk, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector search rows: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > opts.K {
		scored = scored[:opts.K]
	}
	return scored, nil
}

// scanChunkRow scans one context_chunks row.
func scanChunkRow(rows *sql.Rows) (*types.ContextChunk, error) {
	var chunk types.ContextChunk
	var ns string
	var embeddingBlob []byte
	var embeddingDim int
	var sourceID, metadataJSON sql.NullString

	err := rows.Scan(&chunk.ID, &ns, &chunk.Text, &embeddingBlob, &embeddingDim,
		&sourceID, &metadataJSON, &chunk.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
	}

	chunk.Namespace = types.Namespace(ns)
	chunk.SourceID = sourceID.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &chunk.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal chunk metadata: %w", err)
		}
	}

	chunk.Embedding, err = decodeVector(embeddingBlob, embeddingDim)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode chunk embedding: %w", err)
	}
	return &chunk, nil
}
