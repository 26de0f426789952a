// Package agentkernel is a long-running agent/tool orchestration kernel: a
// single process hosting an embedded script interpreter, a registry of tools,
// a hierarchical state store, and a multi-channel signed wire protocol spoken
// by interactive clients and background services.
//
// # Architecture
//
// The kernel is layered from the wire up:
//
//   - wire: framed message codec with HMAC-SHA256 signing
//   - transport: multi-channel framed byte transports (NATS, WebSocket, in-process)
//   - router: client registry, broadcast fanout, bounded replay history
//   - protocol: typed request dispatch (execute, tool, debug, comm) with
//     status bracketing on the broadcast channel
//   - debug: breakpoints, stepping, and a DAP-style adapter
//   - state, session, hooks, policy: persistence, lifecycle, extension
//     points, and rate/timeout/resource enforcement
//   - kernel: the composition root wiring all of the above to one transport
//   - service, discovery: daemon lifecycle, connection files, kernel
//     enumeration and stop
//   - sidecar: protocol negotiation and circuit breaking for meshed peers
//
// The cmd/agentkernel command starts, connects to, inspects, and stops
// kernels.
package agentkernel
