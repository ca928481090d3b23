package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/recurhq/recur"
	"github.com/recurhq/recur/cluster"
	"github.com/recurhq/recur/id"
)

// RegisterNode adds a node to the cluster registry.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	nID := n.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, nodeKey(nID), nodeToMap(n))
	pipe.SAdd(ctx, nodeIDsKey, nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recur/redis: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the cluster registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	nID := nodeID.String()

	exists, err := s.client.Exists(ctx, nodeKey(nID)).Result()
	if err != nil {
		return fmt.Errorf("recur/redis: deregister node exists: %w", err)
	}
	if exists == 0 {
		return recur.ErrNodeNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, nodeKey(nID))
	pipe.SRem(ctx, nodeIDsKey, nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recur/redis: deregister node: %w", err)
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	key := nodeKey(nodeID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("recur/redis: heartbeat node exists: %w", err)
	}
	if exists == 0 {
		return recur.ErrNodeNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, key,
		"last_seen", now,
		"state", string(cluster.NodeActive),
	).Result(); err != nil {
		return fmt.Errorf("recur/redis: heartbeat node: %w", err)
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	ids, err := s.client.SMembers(ctx, nodeIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("recur/redis: list nodes smembers: %w", err)
	}

	nodes := make([]*cluster.Node, 0, len(ids))
	for _, nID := range ids {
		vals, getErr := s.client.HGetAll(ctx, nodeKey(nID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		n, parseErr := mapToNode(vals)
		if parseErr != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ReapDeadNodes marks nodes past the liveness threshold as dead and
// returns them.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, nodeIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("recur/redis: reap nodes smembers: %w", err)
	}

	var dead []*cluster.Node
	for _, nID := range ids {
		vals, getErr := s.client.HGetAll(ctx, nodeKey(nID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		n, parseErr := mapToNode(vals)
		if parseErr != nil {
			continue
		}
		if n.State == cluster.NodeDead || !n.LastSeen.Before(cutoff) {
			continue
		}

		if _, hErr := s.client.HSet(ctx, nodeKey(nID), "state", string(cluster.NodeDead)).Result(); hErr != nil {
			return dead, fmt.Errorf("recur/redis: mark node dead: %w", hErr)
		}
		n.State = cluster.NodeDead
		dead = append(dead, n)
	}
	return dead, nil
}

// ── helpers ──

func nodeToMap(n *cluster.Node) map[string]interface{} {
	return map[string]interface{}{
		"id":         n.ID.String(),
		"hostname":   n.Hostname,
		"state":      string(n.State),
		"last_seen":  n.LastSeen.Format(time.RFC3339Nano),
		"metadata":   marshalJSON(n.Metadata),
		"created_at": n.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToNode(m map[string]string) (*cluster.Node, error) {
	nID, err := id.ParseNodeID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("recur/redis: parse node id: %w", err)
	}

	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &cluster.Node{
		ID:        nID,
		Hostname:  m["hostname"],
		State:     cluster.NodeState(m["state"]),
		LastSeen:  lastSeen,
		Metadata:  unmarshalMap(m["metadata"]),
		CreatedAt: createdAt,
	}, nil
}
