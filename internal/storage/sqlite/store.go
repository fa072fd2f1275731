// Package sqlite implements the storage.Store interfaces on SQLite. It is
// the default backend for single-node deployments; vector scoring runs
// in-process over BLOB-encoded embeddings.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time assertion.
var _ storage.Store = (*Store)(nil)

// NewStore opens a SQLite database, configures WAL mode, and creates the
// schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode allows concurrent readers to proceed
	// without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Wait instead of failing with SQLITE_BUSY when the connection is held
	// by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB exposes the underlying connection for setup tooling.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTwin registers a twin in the registry.
func (s *Store) CreateTwin(ctx context.Context, twin *types.Twin) error {
	if twin == nil || twin.ID == "" || twin.TenantID == "" {
		return fmt.Errorf("%w: twin id and tenant id are required", storage.ErrInvalidInput)
	}
	if twin.CreatedAt.IsZero() {
		twin.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twins (id, tenant_id, creator_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			creator_id = excluded.creator_id,
			name = excluded.name
	`, twin.ID, twin.TenantID, twin.CreatorID, twin.Name, twin.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create twin: %w", err)
	}
	return nil
}

// GetTwin retrieves a twin registry row by ID.
func (s *Store) GetTwin(ctx context.Context, twinID string) (*types.Twin, error) {
	if twinID == "" {
		return nil, fmt.Errorf("%w: twin id is required", storage.ErrInvalidInput)
	}

	var twin types.Twin
	var creatorID, name sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, creator_id, name, created_at
		FROM twins WHERE id = ?
	`, twinID).Scan(&twin.ID, &twin.TenantID, &creatorID, &name, &twin.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get twin: %w", err)
	}
	twin.CreatorID = creatorID.String
	twin.Name = name.String
	return &twin, nil
}

// GetTwinSettings returns per-twin overrides, or zero-value settings when
// none are stored. Always hits the database so owner changes take effect on
// the next request.
func (s *Store) GetTwinSettings(ctx context.Context, twinID string) (*types.TwinSettings, error) {
	if twinID == "" {
		return nil, fmt.Errorf("%w: twin id is required", storage.ErrInvalidInput)
	}

	settings := &types.TwinSettings{TwinID: twinID}
	var threshold sql.NullFloat64
	var semantic sql.NullBool
	var variant sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT confidence_threshold, semantic_matching, variant, updated_at
		FROM twin_settings WHERE twin_id = ?
	`, twinID).Scan(&threshold, &semantic, &variant, &settings.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return settings, nil
		}
		return nil, fmt.Errorf("sqlite: get twin settings: %w", err)
	}

	if threshold.Valid {
		v := threshold.Float64
		settings.ConfidenceThreshold = &v
	}
	if semantic.Valid {
		v := semantic.Bool
		settings.SemanticMatching = &v
	}
	settings.Variant = variant.String
	return settings, nil
}

// SaveTwinSettings upserts per-twin overrides.
func (s *Store) SaveTwinSettings(ctx context.Context, settings *types.TwinSettings) error {
	if settings == nil || settings.TwinID == "" {
		return fmt.Errorf("%w: twin id is required", storage.ErrInvalidInput)
	}

	var threshold interface{}
	if settings.ConfidenceThreshold != nil {
		threshold = *settings.ConfidenceThreshold
	}
	var semantic interface{}
	if settings.SemanticMatching != nil {
		semantic = *settings.SemanticMatching
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twin_settings (twin_id, confidence_threshold, semantic_matching, variant, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(twin_id) DO UPDATE SET
			confidence_threshold = excluded.confidence_threshold,
			semantic_matching = excluded.semantic_matching,
			variant = excluded.variant,
			updated_at = CURRENT_TIMESTAMP
	`, settings.TwinID, threshold, semantic, settings.Variant)
	if err != nil {
		return fmt.Errorf("sqlite: save twin settings: %w", err)
	}
	return nil
}

// PurgeTwin hard-deletes the twin's namespace partition, escalations,
// settings, and registry row in one transaction. This is the only
// hard-delete path (tenant deletion).
func (s *Store) PurgeTwin(ctx context.Context, ns types.Namespace, twinID string) error {
	if ns == "" || twinID == "" {
		return fmt.Errorf("%w: namespace and twin id are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: purge begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nsStatements := []string{
		`DELETE FROM answer_patches WHERE answer_id IN (SELECT id FROM verified_answers WHERE namespace = ?)`,
		`DELETE FROM verified_answers WHERE namespace = ?`,
		`DELETE FROM graph_edges WHERE namespace = ?`,
		`DELETE FROM graph_nodes WHERE namespace = ?`,
		`DELETE FROM context_chunks WHERE namespace = ?`,
	}
	for _, stmt := range nsStatements {
		if _, err := tx.ExecContext(ctx, stmt, string(ns)); err != nil {
			return fmt.Errorf("sqlite: purge namespace: %w", err)
		}
	}

	twinStatements := []string{
		`DELETE FROM escalations WHERE twin_id = ?`,
		`DELETE FROM twin_settings WHERE twin_id = ?`,
		`DELETE FROM twins WHERE id = ?`,
	}
	for _, stmt := range twinStatements {
		if _, err := tx.ExecContext(ctx, stmt, twinID); err != nil {
			return fmt.Errorf("sqlite: purge twin rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: purge commit: %w", err)
	}
	return nil
}

// encodeVector serializes an embedding as little-endian float32 for BLOB
// storage.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

// decodeVector deserializes a BLOB produced by encodeVector.
func decodeVector(data []byte, dim int) ([]float32, error) {
	if len(data) == 0 || dim <= 0 {
		return nil, nil
	}
	if len(data) != dim*4 {
		return nil, fmt.Errorf("embedding blob is %d bytes, want %d", len(data), dim*4)
	}
	vec := make([]float32, dim)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched dimensions or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
