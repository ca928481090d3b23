// Package engine wires a Scheduler to its subsystems.
//
// The root recur package holds configuration and the public handle; the
// subsystem packages (coordinator, recurring, cluster, store) must not
// import each other's composites. This package sits above all of them
// and performs the assembly: Setup builds the claim coordinator, the
// definition registry, and the cluster membership loops from one store,
// and attaches them to the Scheduler.
//
// It also exposes the client-facing operations: registering and removing
// recurring definitions, and enqueueing one-off job instances.
package engine
