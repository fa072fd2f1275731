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

// CreateVerifiedAnswer stores a new answer and its version-1 patch in one
// transaction. Answer text lives only in answer_patches.
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
			return fmt.Errorf("postgres: marshal citations: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: create verified answer begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verified_answers (
			id, twin_id, namespace, question, question_normalized,
			citations, embedding_dim, version, status, created_by,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, answer.ID, answer.TwinID, string(answer.Namespace), answer.Question,
		answer.QuestionNormalized, citationsJSON, len(answer.QuestionEmbedding),
		answer.Version, string(answer.Status), answer.CreatedBy,
		answer.CreatedAt, answer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert verified answer: %w", err)
	}

	if s.pgvectorAvailable && len(answer.QuestionEmbedding) > 0 {
		vec := pgvector.NewVector(answer.QuestionEmbedding)
		if _, err := tx.ExecContext(ctx, `
			UPDATE verified_answers SET question_embedding = $1::vector WHERE id = $2
		`, vec, answer.ID); err != nil {
			return fmt.Errorf("postgres: store question embedding: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO answer_patches (id, answer_id, version, answer, edited_by, created_at)
		VALUES ($1, $2, 1, $3, $4, $5)
	`, uuid.New().String(), answer.ID, answer.Answer, answer.CreatedBy, answer.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert initial patch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: create verified answer commit: %w", err)
	}
	return nil
}

// verifiedSelectColumns must match scanVerifiedRow.
const verifiedSelectColumns = `
	a.id, a.twin_id, a.namespace, a.question, a.question_normalized,
	a.citations, a.embedding_dim, a.version, a.status, a.created_by,
	a.created_at, a.updated_at, p.answer
`

const verifiedLatestPatchJoin = `
	JOIN answer_patches p ON p.answer_id = a.id
		AND p.version = (SELECT MAX(version) FROM answer_patches WHERE answer_id = a.id)
`

// GetVerifiedAnswer returns the answer with its latest patch applied.
func (s *Store) GetVerifiedAnswer(ctx context.Context, id string) (*types.VerifiedAnswer, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+verifiedSelectColumns+`
		FROM verified_answers a
		`+verifiedLatestPatchJoin+`
		WHERE a.id = $1
	`, id)

	answer, err := scanVerifiedRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get verified answer: %w", err)
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
		WHERE a.namespace = $1 AND a.question_normalized = $2 AND a.status = 'active'
		ORDER BY a.updated_at DESC
		LIMIT 1
	`, string(ns), normalizedQuestion)

	answer, err := scanVerifiedRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: exact match: %w", err)
	}
	return answer, nil
}

// SemanticCandidates runs pgvector cosine search over stored question
// embeddings in the namespace. Without pgvector it returns no candidates,
// which the caller treats the same as semantic matching being disabled.
func (s *Store) SemanticCandidates(ctx context.Context, ns types.Namespace, embedding []float32, k int) ([]storage.ScoredAnswer, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 || k <= 0 || !s.pgvectorAvailable {
		return nil, nil
	}

	vec := pgvector.NewVector(embedding)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+verifiedSelectColumns+`,
			1 - (a.question_embedding <=> $1::vector) AS similarity
		FROM verified_answers a
		`+verifiedLatestPatchJoin+`
		WHERE a.namespace = $2 AND a.status = 'active' AND a.question_embedding IS NOT NULL
		ORDER BY a.question_embedding <=> $1::vector
		LIMIT $3
	`, vec, string(ns), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic candidates query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredAnswer
	for rows.Next() {
		answer, similarity, err := scanVerifiedRowWithSimilarity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: semantic candidates scan: %w", err)
		}
		scored = append(scored, storage.ScoredAnswer{Answer: answer, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: semantic candidates rows: %w", err)
	}
	return scored, nil
}

// AppendPatch records a new revision and bumps the answer version. The
// version is computed inside the INSERT so concurrent edits both land as
// distinct patches.
func (s *Store) AppendPatch(ctx context.Context, answerID, newAnswer, editedBy string) (*types.AnswerPatch, error) {
	if answerID == "" {
		return nil, fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}
	if newAnswer == "" {
		return nil, fmt.Errorf("%w: answer text is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: append patch begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verified_answers WHERE id = $1`, answerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: append patch lookup: %w", err)
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

	err = tx.QueryRowContext(ctx, `
		INSERT INTO answer_patches (id, answer_id, version, answer, edited_by, created_at)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5
		FROM answer_patches WHERE answer_id = $2
		RETURNING version
	`, patch.ID, answerID, newAnswer, editedBy, patch.CreatedAt).Scan(&patch.Version)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert patch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE verified_answers SET version = $1, updated_at = $2 WHERE id = $3
	`, patch.Version, patch.CreatedAt, answerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: bump answer version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: append patch commit: %w", err)
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
		WHERE answer_id = $1
		ORDER BY version ASC
	`, answerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patches []types.AnswerPatch
	for rows.Next() {
		var p types.AnswerPatch
		var editedBy sql.NullString
		if err := rows.Scan(&p.ID, &p.AnswerID, &p.Version, &p.Answer, &editedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan patch: %w", err)
		}
		p.EditedBy = editedBy.String
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history rows: %w", err)
	}
	return patches, nil
}

// DisableVerifiedAnswer soft-disables an answer.
func (s *Store) DisableVerifiedAnswer(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: answer id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE verified_answers SET status = 'disabled', updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: disable verified answer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: disable rows affected: %w", err)
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
	answer, _, err := scanVerified(row, false)
	return answer, err
}

// scanVerifiedRowWithSimilarity scans a row that appends a similarity
// column after verifiedSelectColumns.
func scanVerifiedRowWithSimilarity(row rowScanner) (*types.VerifiedAnswer, float64, error) {
	return scanVerified(row, true)
}

func scanVerified(row rowScanner, withSimilarity bool) (*types.VerifiedAnswer, float64, error) {
	var answer types.VerifiedAnswer
	var ns string
	var citationsJSON sql.NullString
	var embeddingDim int
	var createdBy sql.NullString
	var status string
	var similarity float64

	dest := []interface{}{
		&answer.ID, &answer.TwinID, &ns, &answer.Question, &answer.QuestionNormalized,
		&citationsJSON, &embeddingDim, &answer.Version, &status, &createdBy,
		&answer.CreatedAt, &answer.UpdatedAt, &answer.Answer,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	answer.Namespace = types.Namespace(ns)
	answer.Status = types.AnswerStatus(status)
	answer.CreatedBy = createdBy.String

	if citationsJSON.Valid && citationsJSON.String != "" {
		if err := json.Unmarshal([]byte(citationsJSON.String), &answer.Citations); err != nil {
			return nil, 0, fmt.Errorf("unmarshal citations: %w", err)
		}
	}
	return &answer, similarity, nil
}
