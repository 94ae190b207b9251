// Package chorus is a conversation bus for long-lived conversational
// daemons: it ingests messages from heterogeneous channels, coordinates
// exactly-once response generation across competing peer instances,
// persists every turn to a durable ledger, and fans turns out to a
// layered memory subsystem that workers read back for context.
//
// # Core pieces
//
// The root package defines the contracts and the pure-logic components:
//
//   - [Ledger]: append-only durable message log with full-text search
//   - [ClaimStore]: TTL-bounded exclusive reply claims across peers
//   - [ActiveModeStore]: per-channel engagement state with reaping
//   - [Debouncer]: adaptive per-channel message batching
//   - [Invoker]: long-lived worker sessions with restart bounds
//   - [Dispatcher]: the per-channel turn pipeline tying them together
//   - [Layer]: the uniform search/store/health memory interface, with
//     four concrete layers (raw capture, anchors, graph, crystals) and
//     the [Recall] aggregator on top
//   - [Gate]: entity/master token authentication for memory operations
//
// # Included implementations
//
// Storage: store/sqlite (local, default), store/postgres.
// Graph engines: graph/neo4j, graph/apiclient.
// Vector index: vector/qdrant. Embedder: embed/openaicompat.
// Worker runners: worker (subprocess and docker).
// Transport: fabric (rooms, streams, broadcast), httpapi (/tools),
// rpc (stdio adapter).
//
// See cmd/chorusd for the assembled daemon.
package chorus
