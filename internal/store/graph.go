package store

import (
	"context"

	"github.com/mkell/sagan/internal/models"
)

// The secondary relationship index mirrors findings, hypotheses and
// evidence into graph_nodes/graph_edges. Every mutation here is serialized
// under indexMu; a single failure marks the index unhealthy and all
// graph-shaped queries fall back to scanning the primary log.

// mirrorFinding mirrors a finding node and its evidence edges.
func (s *Store) mirrorFinding(ctx context.Context, finding *models.Finding) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if !s.indexHealthy {
		return
	}

	if !s.mirrorNodeLocked(ctx, finding.ID, "finding", finding.Summary) {
		return
	}
	for _, link := range finding.Evidence {
		if !s.mirrorNodeLocked(ctx, link.To, "evidence", "") {
			return
		}
		if !s.mirrorEdgeLocked(ctx, link.FromFinding, link.To, string(link.Relation)) {
			return
		}
	}
}

// mirrorNode mirrors a single node, taking the index lock.
func (s *Store) mirrorNode(ctx context.Context, id, kind, label string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if !s.indexHealthy {
		return
	}
	s.mirrorNodeLocked(ctx, id, kind, label)
}

// mirrorEdge mirrors a single edge, taking the index lock.
func (s *Store) mirrorEdge(ctx context.Context, from, to, relation string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if !s.indexHealthy {
		return
	}
	s.mirrorEdgeLocked(ctx, from, to, relation)
}

// mirrorNodeLocked inserts a node; callers hold indexMu. Returns false and
// degrades the index on failure.
func (s *Store) mirrorNodeLocked(ctx context.Context, id, kind, label string) bool {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO graph_nodes (id, kind, label) VALUES (?, ?, ?)`,
		id, kind, label)
	if err != nil {
		s.indexHealthy = false
		return false
	}
	return true
}

// mirrorEdgeLocked inserts an edge; callers hold indexMu.
func (s *Store) mirrorEdgeLocked(ctx context.Context, from, to, relation string) bool {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO graph_edges (from_id, to_id, relation) VALUES (?, ?, ?)`,
		from, to, relation)
	if err != nil {
		s.indexHealthy = false
		return false
	}
	return true
}

// RelatedFindings returns the ids of findings linked to the given finding
// by any relation, in either direction. It prefers the relationship index
// and falls back to a linear scan of the evidence log when the index is
// degraded.
func (s *Store) RelatedFindings(ctx context.Context, findingID string) ([]string, error) {
	if s.IndexHealthy() {
		ids, err := s.relatedFromIndex(ctx, findingID)
		if err == nil {
			return ids, nil
		}
		s.indexMu.Lock()
		s.indexHealthy = false
		s.indexMu.Unlock()
	}
	return s.relatedFromLog(ctx, findingID)
}

func (s *Store) relatedFromIndex(ctx context.Context, findingID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.to_id FROM graph_edges e
		JOIN graph_nodes n ON n.id = e.to_id AND n.kind = 'finding'
		WHERE e.from_id = ?
		UNION
		SELECT e.from_id FROM graph_edges e
		JOIN graph_nodes n ON n.id = e.from_id AND n.kind = 'finding'
		WHERE e.to_id = ?`,
		findingID, findingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// relatedFromLog is the correctness fallback: scan every evidence link and
// keep targets that are finding ids.
func (s *Store) relatedFromLog(ctx context.Context, findingID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT from_finding, target FROM evidence_links")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool)
	var pairs [][2]string
	for rows.Next() {
		var from, target string
		if err := rows.Scan(&from, &target); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{from, target})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idRows, err := s.db.QueryContext(ctx, "SELECT id FROM findings")
	if err != nil {
		return nil, err
	}
	defer idRows.Close()
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	if err := idRows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, p := range pairs {
		switch {
		case p[0] == findingID && known[p[1]] && !seen[p[1]]:
			seen[p[1]] = true
			ids = append(ids, p[1])
		case p[1] == findingID && known[p[0]] && !seen[p[0]]:
			seen[p[0]] = true
			ids = append(ids, p[0])
		}
	}
	return ids, nil
}
