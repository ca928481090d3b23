package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/id"
)

// RegisterNode adds a node to the cluster registry. Re-registering an
// existing id refreshes its record.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recur_nodes (
			id, hostname, state, last_seen, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		n.ID.String(), n.Hostname, string(n.State),
		n.LastSeen, n.Metadata, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the cluster registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recur_nodes WHERE id = $1`,
		nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: deregister node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recur.ErrNodeNotFound
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recur_nodes SET last_seen = NOW(), state = 'active' WHERE id = $1`,
		nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/postgres: heartbeat node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recur.ErrNodeNotFound
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, state, last_seen, metadata, created_at
		FROM recur_nodes
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/postgres: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*cluster.Node
	for rows.Next() {
		var (
			n        cluster.Node
			idStr    string
			stateStr string
		)
		if err := rows.Scan(&idStr, &n.Hostname, &stateStr, &n.LastSeen, &n.Metadata, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("recur/postgres: scan node row: %w", err)
		}
		parsedID, parseErr := id.ParseNodeID(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("recur/postgres: parse node id %q: %w", idStr, parseErr)
		}
		n.ID = parsedID
		n.State = cluster.NodeState(stateStr)
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/postgres: iterate node rows: %w", err)
	}
	return nodes, nil
}

// ReapDeadNodes marks nodes past the liveness threshold as dead and
// returns them.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := s.pool.Query(ctx, `
		UPDATE recur_nodes
		SET state = 'dead'
		WHERE state != 'dead' AND last_seen < $1
		RETURNING id, hostname, state, last_seen, metadata, created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/postgres: reap dead nodes: %w", err)
	}
	defer rows.Close()

	var dead []*cluster.Node
	for rows.Next() {
		var (
			n        cluster.Node
			idStr    string
			stateStr string
		)
		if err := rows.Scan(&idStr, &n.Hostname, &stateStr, &n.LastSeen, &n.Metadata, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("recur/postgres: scan node row: %w", err)
		}
		parsedID, parseErr := id.ParseNodeID(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("recur/postgres: parse node id %q: %w", idStr, parseErr)
		}
		n.ID = parsedID
		n.State = cluster.NodeState(stateStr)
		dead = append(dead, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/postgres: iterate node rows: %w", err)
	}
	return dead, nil
}
