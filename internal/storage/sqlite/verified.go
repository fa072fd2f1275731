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

// CreateVerifiedAnswer stores a new answer and its version-1 patch in one
// transaction. The answer text lives only in the patch table so history is
// append-only at the schema level.
func (s *Store) CreateVerifiedAnswer(ctx context.Context, answer *types.VerifiedAnswer) error {
	if answer == nil {
		return storage.ErrInvalidInput
	}
	if answer.TwinID == "" || answer.Namespace == "" {
		return fmt.Errorf("%w: twin id and namespace are required", storage.ErrInvalidInput)
	}
	if answer.Question == "" {
		return fmt.Errorf("%w: question is required", storage.ErrInvalidInput)
	}
	if answer.Answer == "" {
		return fmt.Errorf("%w: answer text is required", storage.ErrInvalidInput)
	}

	if answer.ID == "" {
		answer.ID = uuid.New().String()
	}
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now()
	}
	answer.UpdatedAt = answer.CreatedAt
	answer.Version = 1
	if answer.Status == "" {
		answer.Status = types.AnswerActive
	}
	answer.QuestionNormalized = types.NormalizeQuestion(answer.Question)

	var citationsJSON []byte
	if len(answer.Citations) > 0 {
		var err error
		citationsJSON, err = json.Marshal(answer.Citations)
		if err != nil {
			return fmt.Errorf("sqlite: marshal citations: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: create verified answer begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verified_answers (
			id, twin_id, namespace, question, question_normalized,
			citations, question_embedding, embedding_dim,
			version, status, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, answer.ID, answer.TwinID, string(answer.Namespace), answer.Question,
		answer.QuestionNormalized, citationsJSON,
		encodeVector(answer.QuestionEmbedding), len(answer.QuestionEmbedding),
		answer.Version, string(answer.Status), answer.CreatedBy,
		answer.CreatedAt, answer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert verified answer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO answer_patches (id, answer_id, version, answer, edited_by, created_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`, uuid.New().String(), answer.ID, answer.Answer, answer.CreatedBy, answer.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert initial patch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: create verified answer commit: %w", err)
	}
	return nil
}

// verifiedSelectColumns is the canonical SELECT list for verified_answers
// joined with the latest patch. Must match scanVerifiedRow.
const verifiedSelectColumns = `
	a.id, a.twin_id, a.namespace, a.question, a.question_normalized,
	a.citations, a.question_embedding, a.embedding_dim,
	a.version, a.status, a.created_by, a.created_at, a.updated_at,
	p.answer
`

const verifiedLatestPatchJoin = `
	JOIN answer_patches p ON p.answer_id = a.id
		AND p.version = (SELECT MAX(version) FROM answer_patches WHERE answer_id = a.id)
`

// GetVerifiedAnswer returns the answer with its latest patch applied. The
// join always reads the newest patch, so a concurrent edit can never serve
// a stale answer body.
func (s *Store) GetVerifiedAnswer(ctx context.Context, id string) (*types.VerifiedAnswer, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+verifiedSelectColumns+`
		FROM verified_answers a
		`+verifiedLatestPatchJoin+`
		WHERE a.id = ?
	`, id)

	answer, err := scanVerifiedRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get verified answer: %w", err)
	}
	return answer, nil
}

// ExactMatch looks up an active answer by normalized question text within a
// namespace.
func (s *Store) ExactMatch(ctx context.Context, ns types.Namespace, normalizedQuestion string) (*types.VerifiedAnswer, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if normalizedQuestion == "" {
		return nil, storage.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+verifiedSelectColumns+`
		FROM verified_answers a
		`+verifiedLatestPatchJoin+`
		WHERE a.namespace = ? AND a.question_normalized = ? AND a.status = 'active'
		ORDER BY a.updated_at DESC
		LIMIT 1
	`, string(ns), normalizedQuestion)

	answer, err := scanVerifiedRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: exact match: %w", err)
	}
	return answer, nil
}

// SemanticCandidates scores all stored question embeddings in the namespace
// against the query embedding in-process and returns the top k. Acceptable
// for the per-twin scale of verified answers; the Postgres backend pushes
// this into pgvector instead.
func (s *Store) SemanticCandidates(ctx context.Context, ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+verifiedSelectColumns+`
		FROM verified_answers a
		`+verifiedLatestPatchJoin+`
		WHERE a.namespace = ? AND a.status = 'active' AND a.embedding_dim > 0
	`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("sqlite: semantic candidates query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredAnswer
	for rows.Next() {
		answer, err := scanVerifiedRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: semantic candidates scan: %w", err)
		}
		sim := cosineSimilarity(embedding, answer.QuestionEmbedding)
		scored = append(scored, storage.ScoredAnswer{Answer: answer, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: semantic candidates rows: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// AppendPatch records a new revision and bumps the answer version. The
// version is computed inside the insert so concurrent edits both land as
// distinct patches; only the ordering of "current" is ambiguous, never the
// history.
func (s *Store) AppendPatch(ctx context.Context, answerID, newAnswer, editedBy string) (*types.AnswerPatch, error) {
	if answerID == "" {
		return nil, fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}
	if newAnswer == "" {
		return nil, fmt.Errorf("%w: answer text is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: append patch begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verified_answers WHERE id = ?`, answerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("sqlite: append patch lookup: %w", err)
	}
	if exists == 0 {
		return nil, storage.ErrNotFound
	}

	patch := &types.AnswerPatch{
		ID:        uuid.New().String(),
		AnswerID:  answerID,
		Answer:    newAnswer,
		EditedBy:  editedBy,
		CreatedAt: time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO answer_patches (id, answer_id, version, answer, edited_by, created_at)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?
		FROM answer_patches WHERE answer_id = ?
	`, patch.ID, answerID, newAnswer, editedBy, patch.CreatedAt, answerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert patch: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM answer_patches WHERE id = ?`, patch.ID).Scan(&patch.Version); err != nil {
		return nil, fmt.Errorf("sqlite: read patch version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE verified_answers SET version = ?, updated_at = ? WHERE id = ?
	`, patch.Version, patch.CreatedAt, answerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: bump answer version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: append patch commit: %w", err)
	}
	return patch, nil
}

// GetHistory returns all patches for an answer, oldest first.
func (s *Store) GetHistory(ctx context.Context, answerID string) ([]types.AnswerPatch, error) {
	if answerID == "" {
		return nil, fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, answer_id, version, answer, edited_by, created_at
		FROM answer_patches
		WHERE answer_id = ?
		ORDER BY version ASC
	`, answerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patches []types.AnswerPatch
	for rows.Next() {
		var p types.AnswerPatch
		var editedBy sql.NullString
		if err := rows.Scan(&p.ID, &p.AnswerID, &p.Version, &p.Answer, &editedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan patch: %w", err)
		}
		p.EditedBy = editedBy.String
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history rows: %w", err)
	}
	return patches, nil
}

// DisableVerifiedAnswer soft-disables an answer. The row and its patches
// are retained for the audit trail.
func (s *Store) DisableVerifiedAnswer(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE verified_answers SET status = 'disabled', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("sqlite: disable verified answer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: disable rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanVerifiedRow scans a row produced with verifiedSelectColumns.
func scanVerifiedRow(row rowScanner) (*types.VerifiedAnswer, error) {
	var answer types.VerifiedAnswer
	var ns string
	var citationsJSON sql.NullString
	var embeddingBlob []byte
	var embeddingDim int
	var createdBy sql.NullString
	var status string

	err := row.Scan(
		&answer.ID, &answer.TwinID, &ns, &answer.Question, &answer.QuestionNormalized,
		&citationsJSON, &embeddingBlob, &embeddingDim,
		&answer.Version, &status, &createdBy, &answer.CreatedAt, &answer.UpdatedAt,
		&answer.Answer,
	)
	if err != nil {
		return nil, err
	}

	answer.Namespace = types.Namespace(ns)
	answer.Status = types.AnswerStatus(status)
	answer.CreatedBy = createdBy.String

	if citationsJSON.Valid && citationsJSON.String != "" {
		if err := json.Unmarshal([]byte(citationsJSON.String), &answer.Citations); err != nil {
			return nil, fmt.Errorf("unmarshal citations: %w", err)
		}
	}

	answer.QuestionEmbedding, err = decodeVector(embeddingBlob, embeddingDim)
	if err != nil {
		return nil, err
	}
	return &answer, nil
}
