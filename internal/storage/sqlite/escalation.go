package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// CreateEscalation inserts a pending escalation atomically. Duplicate
// detection is two-layered: a friendly pre-check against recent pending
// rows, and the partial unique index on (twin_id, question_hash) WHERE
// status='pending' as the race-proof backstop. On either hit the existing
// row is returned together with ErrDuplicateEscalation.
func (s *Store) CreateEscalation(ctx context.Context, esc *types.Escalation, dedupSince time.Time) (*types.Escalation, error) {
	if esc == nil || esc.TwinID == "" || esc.Question == "" {
		return nil, fmt.Errorf("%w: twin id and question are required", storage.ErrInvalidInput)
	}

	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	if esc.QuestionHash == "" {
		esc.QuestionHash = types.NormalizeQuestion(esc.Question)
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}
	esc.Status = types.EscalationPending

	if existing, err := s.findPendingDuplicate(ctx, esc.TwinID, esc.QuestionHash, dedupSince); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, storage.ErrDuplicateEscalation
	}

	var contextJSON []byte
	if len(esc.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(esc.Context)
		if err != nil {
			return nil, fmt.Errorf("sqlite: marshal escalation context: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (
			id, twin_id, question, question_hash, context, ai_attempt,
			confidence_score, status, add_to_knowledge, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)
	`, esc.ID, esc.TwinID, esc.Question, esc.QuestionHash, contextJSON,
		esc.AIAttempt, esc.ConfidenceScore, esc.CreatedAt)
	if err != nil {
		// A concurrent duplicate hit the partial unique index first.
		if isUniqueViolation(err) {
			if existing, findErr := s.findPendingDuplicate(ctx, esc.TwinID, esc.QuestionHash, time.Time{}); findErr == nil && existing != nil {
				return existing, storage.ErrDuplicateEscalation
			}
		}
		return nil, fmt.Errorf("sqlite: insert escalation: %w", err)
	}

	return esc, nil
}

// findPendingDuplicate returns a pending escalation for the same twin and
// question hash created after since, or nil.
func (s *Store) findPendingDuplicate(ctx context.Context, twinID, questionHash string, since time.Time) (*types.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escalationSelectColumns+`
		FROM escalations
		WHERE twin_id = ? AND question_hash = ? AND status = 'pending' AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, twinID, questionHash, since)

	esc, err := scanEscalationRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: find pending duplicate: %w", err)
	}
	return esc, nil
}

// GetEscalation retrieves an escalation by ID.
func (s *Store) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: escalation id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+escalationSelectColumns+`
		FROM escalations WHERE id = ?
	`, id)

	esc, err := scanEscalationRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get escalation: %w", err)
	}
	return esc, nil
}

// ListEscalations returns a twin's escalations, newest first.
func (s *Store) ListEscalations(ctx context.Context, twinID string, filter storage.EscalationFilter) ([]types.Escalation, error) {
	if twinID == "" {
		return nil, fmt.Errorf("%w: twin id is required", storage.ErrInvalidInput)
	}
	filter.Normalize()

	querySQL := `
		SELECT ` + escalationSelectColumns + `
		FROM escalations WHERE twin_id = ?`
	args := []interface{}{twinID}
	if filter.Status != "" {
		querySQL += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	querySQL += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escalations []types.Escalation
	for rows.Next() {
		esc, err := scanEscalationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan escalation: %w", err)
		}
		escalations = append(escalations, *esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: escalation rows: %w", err)
	}
	return escalations, nil
}

// ResolveEscalation transitions a pending escalation to a terminal status.
// The status guard is in the UPDATE itself so concurrent resolutions cannot
// both succeed.
func (s *Store) ResolveEscalation(ctx context.Context, id string, status types.EscalationStatus, ownerResponse string, addToKnowledge bool) (*types.Escalation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: escalation id is required", storage.ErrInvalidInput)
	}
	if !types.EscalationPending.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: cannot transition to %s", storage.ErrInvalidTransition, status)
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = ?, owner_response = ?, add_to_knowledge = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), ownerResponse, addToKnowledge, now, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: resolve escalation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: resolve rows affected: %w", err)
	}
	if affected == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, getErr := s.GetEscalation(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, storage.ErrInvalidTransition
	}

	return s.GetEscalation(ctx, id)
}

// escalationSelectColumns must match scanEscalationRow.
const escalationSelectColumns = `
	id, twin_id, question, question_hash, context, ai_attempt,
	confidence_score, status, owner_response, add_to_knowledge,
	created_at, resolved_at
`

// scanEscalationRow scans a row produced with escalationSelectColumns.
func scanEscalationRow(row rowScanner) (*types.Escalation, error) {
	var esc types.Escalation
	var contextJSON, aiAttempt, ownerResponse sql.NullString
	var status string
	var resolvedAt sql.NullTime

	err := row.Scan(&esc.ID, &esc.TwinID, &esc.Question, &esc.QuestionHash,
		&contextJSON, &aiAttempt, &esc.ConfidenceScore, &status,
		&ownerResponse, &esc.AddToKnowledge, &esc.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	esc.Status = types.EscalationStatus(status)
	esc.AIAttempt = aiAttempt.String
	esc.OwnerResponse = ownerResponse.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &esc.Context); err != nil {
			return nil, fmt.Errorf("unmarshal escalation context: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		esc.ResolvedAt = &t
	}
	return &esc, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
