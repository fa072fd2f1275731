package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			fact = EXCLUDED.fact,
			source_id = EXCLUDED.source_id
	`, node.ID, string(node.Namespace), node.Name, node.Kind, node.Fact, node.SourceID, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put node: %w", err)
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
		SELECT COUNT(*) FROM graph_nodes WHERE id IN ($1, $2) AND namespace = $3
	`, edge.FromID, edge.ToID, string(edge.Namespace)).Scan(&count)
	if err != nil {
		return fmt.Errorf("postgres: put edge endpoint check: %w", err)
	}
	if count != 2 {
		return fmt.Errorf("%w: edge endpoints must exist in namespace %s", storage.ErrNamespaceMismatch, edge.Namespace)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, namespace, from_id, to_id, relation, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			relation = EXCLUDED.relation,
			source_id = EXCLUDED.source_id
	`, edge.ID, string(edge.Namespace), edge.FromID, edge.ToID, edge.Relation, edge.SourceID, edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put edge: %w", err)
	}
	return nil
}

// GraphQuery returns nodes matching the query terms, expanded by up to
// opts.ExpandHops edge hops. Term-matched nodes rank before expansion hits.
// Every SQL statement filters by namespace, so rows outside ns are
// unreachable.
func (s *Store) GraphQuery(ctx context.Context, ns types.Namespace, query string, opts storage.GraphQueryOptions) ([]types.GraphNode, error) {
	if ns == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// One point per matched term, name matches weighted above fact matches.
	var conditions []string
	var scoreParts []string
	var args []interface{}
	args = append(args, string(ns))
	n := 2
	for _, term := range terms {
		pattern := "%" + term + "%"
		conditions = append(conditions,
			fmt.Sprintf("(name ILIKE $%d OR fact ILIKE $%d)", n, n))
		scoreParts = append(scoreParts,
			fmt.Sprintf("(CASE WHEN name ILIKE $%d THEN 2 WHEN fact ILIKE $%d THEN 1 ELSE 0 END)", n, n))
		args = append(args, pattern)
		n++
	}
	args = append(args, opts.Limit)

	querySQL := `
		SELECT id, namespace, name, kind, fact, source_id, created_at
		FROM graph_nodes
		WHERE namespace = $1 AND (` + strings.Join(conditions, " OR ") + `)
		ORDER BY (` + strings.Join(scoreParts, " + ") + `) DESC, created_at DESC
		LIMIT $` + fmt.Sprint(n)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: graph query: %w", err)
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
	for _, node := range matched {
		seen[node.ID] = true
	}
	frontier := matched
	result := matched

	for hop := 0; hop < opts.ExpandHops && len(result) < opts.Limit; hop++ {
		var ids []string
		for _, node := range frontier {
			ids = append(ids, node.ID)
		}
		neighbors, err := s.neighborNodes(ctx, ns, ids)
		if err != nil {
			return nil, err
		}

		frontier = nil
		for _, node := range neighbors {
			if seen[node.ID] {
				continue
			}
			seen[node.ID] = true
			frontier = append(frontier, node)
			result = append(result, node)
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

	querySQL := `
		SELECT DISTINCT n.id, n.namespace, n.name, n.kind, n.fact, n.source_id, n.created_at
		FROM graph_edges e
		JOIN graph_nodes n ON (
			(e.from_id = ANY($1) AND n.id = e.to_id) OR
			(e.to_id = ANY($1) AND n.id = e.from_id)
		)
		WHERE e.namespace = $2 AND n.namespace = e.namespace
	`

	rows, err := s.db.QueryContext(ctx, querySQL, pq.Array(ids), string(ns))
	if err != nil {
		return nil, fmt.Errorf("postgres: neighbor query: %w", err)
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
		var node types.GraphNode
		var ns string
		var kind, fact, sourceID sql.NullString
		if err := rows.Scan(&node.ID, &ns, &node.Name, &kind, &fact, &sourceID, &node.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan node: %w", err)
		}
		node.Namespace = types.Namespace(ns)
		node.Kind = kind.String
		node.Fact = fact.String
		node.SourceID = sourceID.String
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: node rows: %w", err)
	}
	return nodes, nil
}
