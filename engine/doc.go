// Package engine maintains validated, change-tracked aggregates: graphs of
// nodes whose properties carry validation rules, whose valid/busy/modified
// status is incrementally cached across the parent-child graph, and whose
// validation messages survive serialize/deserialize round trips through
// deterministic stable rule ids.
//
// Building blocks, leaf-first:
//
//   - property cells and their container hold named values, messages and
//     per-cell busy markers;
//   - RuleSet is the immutable rule registry for a node type, with stable
//     ids assigned from the canonical descriptor order;
//   - the rule manager maps property writes to triggered rules, runs sync
//     rules inline and async rules as background executions, and merges
//     each execution's messages atomically;
//   - Node composes a container, a manager, a non-owning parent reference
//     and the save-intent state machine;
//   - Collection is an ordered, owned item list with deletion tracking for
//     persistence reconciliation.
//
// Concurrency model: one logical owner drives a graph at a time; a single
// graph-wide lock lets asynchronous rule completions merge safely against
// that flow. Rule bodies run without the lock against value snapshots, so
// I/O-bound checks never block property access or meta-state reads.
package engine
