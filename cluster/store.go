package cluster

import (
	"context"
	"time"

	"github.com/recurhq/recur/id"
)

// Store defines the persistence contract for node registration.
type Store interface {
	// RegisterNode adds a node to the cluster registry.
	RegisterNode(ctx context.Context, n *Node) error

	// DeregisterNode removes a node from the cluster registry.
	DeregisterNode(ctx context.Context, nodeID id.NodeID) error

	// HeartbeatNode updates the last-seen timestamp for a node,
	// indicating it is still alive.
	HeartbeatNode(ctx context.Context, nodeID id.NodeID) error

	// ListNodes returns all registered nodes.
	ListNodes(ctx context.Context) ([]*Node, error)

	// ReapDeadNodes marks nodes whose last-seen timestamp is older than
	// the threshold as dead and returns them.
	ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*Node, error)
}
