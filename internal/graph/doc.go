// Package graph holds the workflow graph: nodes that run blocks, and the
// input connections that make one node consume another node's output.
//
// # Edges
//
// There is no separate edge list. A node's Inputs map an input key to one or
// more Connections, each naming a source node and one of its output keys.
// Dependencies and dependents are derived from those connections.
//
// # Ordering and cycles
//
// TopologicalOrder walks connections upstream with Tarjan's strongly
// connected components algorithm. Components are emitted producers first, so
// the returned order is a valid execution order for every acyclic node. Any
// node that belongs to a component of more than one node, or that connects
// to itself, is reported as cyclic. Cycles are not rejected at build time;
// the scheduler marks them deadlocked and keeps running the rest of the graph.
//
// # Ownership
//
// A Graph is not safe for concurrent mutation. The scheduler works on a deep
// copy taken with Clone and mutates it from a single goroutine.
package graph
