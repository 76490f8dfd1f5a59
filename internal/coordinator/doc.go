// Package coordinator implements the control plane of Ferry: it tracks the
// nodes of the cluster, watches their health and distributes artifacts
// (executable files such as UDF jars) to every node before making them
// available in its own library.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  NodeRegistry    registered nodes         │
//	│  HealthMonitor   periodic /health checks  │
//	│  Installer       stage → broadcast → ...  │
//	│  Catalog         installed artifacts      │
//	└───────────────┬──────────────────────────┘
//	                │ POST /rpc/load-artifact
//	      ┌─────────┼─────────┐
//	      ▼         ▼         ▼
//	   node-1    node-2    node-3
//
// # Install protocol
//
//  1. The Installer asks executable.Manager to stage every source URI under
//     a fresh request id. Staging is all-or-nothing.
//  2. Every staged file is read into a buffer (at most 2^31-1 bytes each)
//     and packed into one cluster.LoadArtifactRequest.
//  3. dispatch.Dispatcher.Merge sends the request to every target at once
//     and joins on the results.
//  4. Nodes still pending afterwards are retried with exponential backoff.
//     Only those nodes are contacted again.
//  5. Once nothing is pending the staging directory is promoted to
//     {libRoot}/{name} and the artifact is recorded in the Catalog.
//     Otherwise staging is discarded and a *PendingError names the nodes.
//
// A node that answers with a non-success status stays pending without
// leaving a response record; only transport failures are recorded. The
// report of an install therefore lists the nodes that could not be reached,
// while refusals are visible through the pending set and the logs.
//
// # Uninstall
//
// Uninstall broadcasts cluster.RequestDropArtifact with StatusHandlers so
// the verdict of every node is known. The coordinator's own copy and the
// catalog entry are removed only when every node confirmed, so a partial
// uninstall can simply be repeated.
//
// # Health
//
// HealthMonitor marks a node unhealthy after three consecutive failed
// checks (configurable) and writes every verdict into the NodeRegistry.
// NodeRegistry.Targets excludes unhealthy nodes, so installs started while
// a node is down do not wait for it.
//
// # Concurrency
//
// NodeRegistry, HealthMonitor, Catalog and Installer are safe for concurrent
// use. The Installer refuses a second install or uninstall of a name that
// is still being worked on.
package coordinator
