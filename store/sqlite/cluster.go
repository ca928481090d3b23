package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/id"
)

// RegisterNode adds a node to the cluster registry. Re-registering an
// existing id refreshes its record.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("recur/sqlite: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recur_nodes (
			id, hostname, state, last_seen, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			state = excluded.state,
			last_seen = excluded.last_seen,
			metadata = excluded.metadata`,
		n.ID.String(), n.Hostname, string(n.State),
		timeText(n.LastSeen), string(metadata), timeText(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the cluster registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recur_nodes WHERE id = ?`,
		nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: deregister node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recur/sqlite: deregister node: %w", err)
	}
	if affected == 0 {
		return recur.ErrNodeNotFound
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recur_nodes SET last_seen = ?, state = 'active' WHERE id = ?`,
		timeText(time.Now()), nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("recur/sqlite: heartbeat node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recur/sqlite: heartbeat node: %w", err)
	}
	if affected == 0 {
		return recur.ErrNodeNotFound
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, state, last_seen, metadata, created_at
		FROM recur_nodes
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/sqlite: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*cluster.Node
	for rows.Next() {
		n, scanErr := scanNode(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/sqlite: iterate node rows: %w", err)
	}
	return nodes, nil
}

// ReapDeadNodes marks nodes past the liveness threshold as dead and
// returns them.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	cutoff := timeText(time.Now().Add(-threshold))

	rows, err := s.db.QueryContext(ctx, `
		UPDATE recur_nodes
		SET state = 'dead'
		WHERE state != 'dead' AND last_seen < ?
		RETURNING id, hostname, state, last_seen, metadata, created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("recur/sqlite: reap dead nodes: %w", err)
	}
	defer rows.Close()

	var dead []*cluster.Node
	for rows.Next() {
		n, scanErr := scanNode(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		dead = append(dead, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recur/sqlite: iterate node rows: %w", err)
	}
	return dead, nil
}

// scanNode scans a single node row.
func scanNode(row rowScanner) (*cluster.Node, error) {
	var (
		idStr       string
		stateStr    string
		lastSeen    string
		metadataRaw string
		createdAt   string
		n           cluster.Node
	)
	if err := row.Scan(&idStr, &n.Hostname, &stateStr, &lastSeen, &metadataRaw, &createdAt); err != nil {
		return nil, fmt.Errorf("recur/sqlite: scan node row: %w", err)
	}

	parsedID, err := id.ParseNodeID(idStr)
	if err != nil {
		return nil, fmt.Errorf("recur/sqlite: parse node id %q: %w", idStr, err)
	}
	n.ID = parsedID
	n.State = cluster.NodeState(stateStr)
	n.LastSeen = parseTime(lastSeen)
	n.CreatedAt = parseTime(createdAt)

	if err := json.Unmarshal([]byte(metadataRaw), &n.Metadata); err != nil {
		return nil, fmt.Errorf("recur/sqlite: unmarshal metadata: %w", err)
	}

	return &n, nil
}
