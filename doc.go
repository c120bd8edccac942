// Package amcp is the root of the AMCP agent-mesh communication
// substrate. It defines the wire-level Event value and its CloudEvents
// v1.0 bridge (C1), the structured error taxonomy (C9), the Logger
// interface every other package depends on, and the Config surface
// (spec §6).
//
// Related packages:
//
//   - topic: hierarchical topic pattern compilation and matching (C2)
//   - broker: pub/sub fan-out, QoS, retry/DLQ (C3)
//   - lifecycle: agent state machine and event dispatch (C5)
//   - agentctx: agent registration, scheduling, the Agent boundary (C4)
//   - mobility: dispatch/clone/retract/migrate/replicate (C6)
//   - capability: capability advertisement and lookup (C7)
//   - orchestrator: task fan-out/fan-in and synthesis (C8)
package amcp
