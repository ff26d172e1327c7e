// Package harness runs YAML scenarios against a real workflow.
//
// A scenario lists calls to built-in ops. Arguments are literals or "$id"
// references to the output of an earlier call. The harness runs the
// scenario through workflow.Client with the local runtime, in-memory
// storage, a SQLite whiteboard index and deterministic ids, then records a
// trace: what was submitted at each barrier, the final status of every
// call, materialized values, and whiteboard fields.
//
// A scenario can run several times against the same storage. Later runs
// of cached ops resolve to the outputs of the first run, which makes cache
// reuse visible in the trace.
//
// Example:
//
//	name: diamond
//	description: two branches joined by add
//	cache: true
//	runs: 2
//	calls:
//	  - {id: a, op: const, args: [3]}
//	  - {id: b, op: mul, args: ["$a", 2]}
//	  - {id: c, op: add, args: ["$a", 1]}
//	  - {id: d, op: add, args: ["$b", "$c"]}
//	assertions:
//	  - {type: value, call: d, expect: 10}
//	  - {type: executed, run: 2, count: 0}
//
// Golden traces live in testdata/golden and are compared with goldie:
//
//	go test ./internal/harness -update
package harness
