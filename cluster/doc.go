// Package cluster tracks the scheduler nodes sharing a store.
//
// The registry is purely observational: nodes register themselves, report
// liveness through heartbeats, and stale nodes are reaped for operator
// visibility. It carries no scheduling authority: there is no leader and
// no election. Occurrence claiming is arbitrated entirely by the store's
// conditional-create primitive, so a node that misses heartbeats simply
// loses claim races; it is never fenced out.
package cluster
