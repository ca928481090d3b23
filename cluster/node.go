package cluster

import (
	"time"

	"github.com/recurhq/recur/id"
)

// NodeState represents the lifecycle state of a scheduler node.
type NodeState string

const (
	// NodeActive means the node is polling and claiming occurrences.
	NodeActive NodeState = "active"
	// NodeDraining means the node is shutting down gracefully and no
	// longer claims new occurrences.
	NodeDraining NodeState = "draining"
	// NodeDead means the node stopped heartbeating past its TTL.
	NodeDead NodeState = "dead"
)

// Node represents one scheduler process in the cluster.
type Node struct {
	ID        id.NodeID         `json:"id"`
	Hostname  string            `json:"hostname"`
	State     NodeState         `json:"state"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
