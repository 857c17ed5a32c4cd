package store

import (
	"context"
	"fmt"
)

const (
	// The no-op DO UPDATE makes RETURNING yield the existing id on conflict, so the
	// upsert stays a single atomic statement under concurrent scans.
	sqlUpsertNode = `
        INSERT INTO graph_nodes (kind, value, created_at) VALUES ($1, $2, $3)
        ON CONFLICT (kind, value) DO UPDATE SET kind = EXCLUDED.kind
        RETURNING id`
	sqlInsertEdge = `INSERT INTO graph_edges (from_node, to_node, kind, created_at) VALUES ($1, $2, $3, $4)`
	sqlListNodes  = `SELECT id, kind, value FROM graph_nodes ORDER BY id DESC LIMIT $1`
	sqlListEdges  = `SELECT id, from_node, to_node, kind FROM graph_edges ORDER BY id DESC LIMIT $1`

	sqlUpsertCampaign = `
        INSERT INTO campaigns (key, created_at) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
        RETURNING id`
	sqlInsertMember = `INSERT INTO campaign_members (campaign_id, target_id, created_at) VALUES ($1, $2, $3)`
	sqlListCampaign = `
        SELECT c.id, c.key, c.created_at,
               COALESCE(array_agg(m.target_id ORDER BY m.target_id) FILTER (WHERE m.target_id IS NOT NULL), '{}')
        FROM campaigns c
        LEFT JOIN campaign_members m ON m.campaign_id = c.id
        GROUP BY c.id
        ORDER BY c.id DESC
        LIMIT $1`
)

// UpsertNode returns the id of the (kind, value) node, creating it if needed.
func (s *Store) UpsertNode(ctx context.Context, kind, value string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlUpsertNode, kind, value, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert %s node: %w", kind, err)
	}
	return id, nil
}

// CreateEdge appends an edge. Duplicate edges are allowed.
func (s *Store) CreateEdge(ctx context.Context, from, to int64, kind string) error {
	if _, err := s.pool.Exec(ctx, sqlInsertEdge, from, to, kind, s.now()); err != nil {
		return fmt.Errorf("failed to create %s edge: %w", kind, err)
	}
	return nil
}

// ListGraph returns the newest nodes and edges, each capped at limit.
func (s *Store) ListGraph(ctx context.Context, limit int) (*Graph, error) {
	limit = clampLimit(limit, 200)
	g := &Graph{Nodes: []GraphNode{}, Edges: []GraphEdge{}}

	rows, err := s.pool.Query(ctx, sqlListNodes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph nodes: %w", err)
	}
	for rows.Next() {
		var n GraphNode
		if err := rows.Scan(&n.ID, &n.Kind, &n.Value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan graph node: %w", err)
		}
		g.Nodes = append(g.Nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during node iteration: %w", err)
	}

	rows, err = s.pool.Query(ctx, sqlListEdges, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e GraphEdge
		if err := rows.Scan(&e.ID, &e.FromNode, &e.ToNode, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}
		g.Edges = append(g.Edges, e)
	}
	return g, rows.Err()
}

// EnsureCampaign returns the campaign id for key, creating the campaign lazily.
func (s *Store) EnsureCampaign(ctx context.Context, key string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlUpsertCampaign, key, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to ensure campaign %q: %w", key, err)
	}
	return id, nil
}

// AddCampaignMember links a target to a campaign.
func (s *Store) AddCampaignMember(ctx context.Context, campaignID, targetID int64) error {
	if _, err := s.pool.Exec(ctx, sqlInsertMember, campaignID, targetID, s.now()); err != nil {
		return fmt.Errorf("failed to add target %d to campaign %d: %w", targetID, campaignID, err)
	}
	return nil
}

// ListCampaigns returns campaigns with their member target ids.
func (s *Store) ListCampaigns(ctx context.Context, limit int) ([]Campaign, error) {
	rows, err := s.pool.Query(ctx, sqlListCampaign, clampLimit(limit, 200))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	out := []Campaign{}
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Key, &c.CreatedAt, &c.Members); err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		if c.Members == nil {
			c.Members = []int64{}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
