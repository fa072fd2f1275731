package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// PutNode upserts a graph node into its namespace.
func (s *Store) PutNode(ctx context.Context, node *types.GraphNode) error {
	if node == nil || node.Namespace == "" || node.Name == "" {
		return fmt.Errorf("%w: node namespace and name are required", storage.ErrInvalidInput)
	}
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, namespace, name, kind, fact, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			fact = excluded.fact,
			source_id = excluded.source_id
	`, node.ID, string(node.Namespace), node.Name, node.Kind, node.Fact, node.SourceID, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put node: %w", err)
	}
	return nil
}

// PutEdge upserts an edge. Both endpoints must already exist in the edge's
// namespace; a cross-namespace endpoint is an isolation violation and is
// rejected with ErrNamespaceMismatch.
func (s *Store) PutEdge(ctx context.Context, edge *types.GraphEdge) error {
	if edge == nil || edge.Namespace == "" || edge.FromID == "" || edge.ToID == "" {
		return fmt.Errorf("%w: edge namespace and endpoints are required", storage.ErrInvalidInput)
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM graph_nodes WHERE id IN (?, ?) AND namespace = ?
	`, edge.FromID, edge.ToID, string(edge.Namespace)).Scan(&count)
	if err != nil {
		return fmt.Errorf("sqlite: put edge endpoint check: %w", err)
	}
	if count != 2 {
		return fmt.Errorf("%w: edge endpoints must exist in namespace %s", storage.ErrNamespaceMismatch, edge.Namespace)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, namespace, from_id, to_id, relation, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			relation = excluded.relation,
			source_id = excluded.source_id
	`, edge.ID, string(edge.Namespace), edge.FromID, edge.ToID, edge.Relation, edge.SourceID, edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put edge: %w", err)
	}
	return nil
}

// GraphQuery returns nodes matching the query terms, expanded by up to
// opts.ExpandHops edge hops. Term-matched nodes rank before expansion hits;
// within each group, nodes matching more terms rank higher. Every SQL
// statement filters by namespace, so rows outside ns are unreachable.
func (s *Store) GraphQuery(ctx context.Context, ns types.Namespace, query string, opts storage.GraphQueryOptions) ([]types.GraphNode, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// Score term matches in SQL: one point per matched term, name matches
	// weighted above fact matches.
	var conditions []string
	var scoreParts []string
	var args []interface{}
	args = append(args, string(ns))
	for _, term := range terms {
		pattern := "%" + term + "%"
		conditions = append(conditions, "(LOWER(name) LIKE ? OR LOWER(fact) LIKE ?)")
		scoreParts = append(scoreParts,
			"(CASE WHEN LOWER(name) LIKE ? THEN 2 WHEN LOWER(fact) LIKE ? THEN 1 ELSE 0 END)")
		args = append(args, pattern, pattern)
	}
	for _, term := range terms {
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, opts.Limit)

	querySQL := `
		SELECT id, namespace, name, kind, fact, source_id, created_at
		FROM graph_nodes
		WHERE namespace = ? AND (` + strings.Join(conditions, " OR ") + `)
		ORDER BY (` + strings.Join(scoreParts, " + ") + `) DESC, created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: graph query: %w", err)
	}
	matched, err := scanNodeRows(rows)
	if err != nil {
		return nil, err
	}

	if opts.ExpandHops == 0 || len(matched) == 0 {
		return matched, nil
	}

	// Expand along edges, breadth-first, staying inside the namespace.
	seen := make(map[string]bool, len(matched))
	for _, n := range matched {
		seen[n.ID] = true
	}
	frontier := matched
	result := matched

	for hop := 0; hop < opts.ExpandHops && len(result) < opts.Limit; hop++ {
		var ids []string
		for _, n := range frontier {
			ids = append(ids, n.ID)
		}
		neighbors, err := s.neighborNodes(ctx, ns, ids)
		if err != nil {
			return nil, err
		}

		frontier = nil
		for _, n := range neighbors {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			frontier = append(frontier, n)
			result = append(result, n)
			if len(result) >= opts.Limit {
				break
			}
		}
		if len(frontier) == 0 {
			break
		}
	}

	return result, nil
}

// neighborNodes returns nodes connected to any of ids by an edge, in either
// direction, within the namespace.
func (s *Store) neighborNodes(ctx context.Context, ns types.Namespace, ids []string) ([]types.GraphNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	// Placeholder order: from_id ids, to_id ids, edge namespace.
	args := make([]interface{}, 0, 2*len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(ns))

	querySQL := `
		SELECT DISTINCT n.id, n.namespace, n.name, n.kind, n.fact, n.source_id, n.created_at
		FROM graph_edges e
		JOIN graph_nodes n ON (
			(e.from_id IN (` + placeholders + `) AND n.id = e.to_id) OR
			(e.to_id IN (` + placeholders + `) AND n.id = e.from_id)
		)
		WHERE e.namespace = ? AND n.namespace = e.namespace
	`

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: neighbor query: %w", err)
	}
	return scanNodeRows(rows)
}

// queryTerms lowercases and tokenizes a query, dropping short stopwords
// that would match everything.
func queryTerms(query string) []string {
	stopwords := map[string]bool{
		"a": true, "an": true, "the": true, "is": true, "are": true,
		"what": true, "who": true, "how": true, "do": true, "does": true,
		"of": true, "in": true, "on": true, "to": true, "you": true,
		"your": true, "our": true, "we": true, "i": true, "my": true,
	}

	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.Trim(f, "?.,!\"'")
		if len(f) < 2 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// scanNodeRows reads graph node rows and closes the cursor.
func scanNodeRows(rows *sql.Rows) ([]types.GraphNode, error) {
	defer func() { _ = rows.Close() }()

	var nodes []types.GraphNode
	for rows.Next() {
		var n types.GraphNode
		var ns string
		var kind, fact, sourceID sql.NullString
		if err := rows.Scan(&n.ID, &ns, &n.Name, &kind, &fact, &sourceID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan node: %w", err)
		}
		n.Namespace = types.Namespace(ns)
		n.Kind = kind.String
		n.Fact = fact.String
		n.SourceID = sourceID.String
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: node rows: %w", err)
	}
	return nodes, nil
}
