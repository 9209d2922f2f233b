// Package bridge runs reverse RPC over agent-initiated websockets: on-prem
// hardware agents dial in, and the service pushes jobs down the open socket
// and correlates replies by job id.
package bridge

import "errors"

// Failure taxonomy for a submitted job. Callers map these onto transport
// status codes; everything else is an internal error.
var (
	// ErrAgentNotConnected means no agent socket is registered for the
	// tenant. Fails fast, no queuing.
	ErrAgentNotConnected = errors.New("bridge: agent not connected")

	// ErrAgentTimeout means the agent accepted the job but no result
	// arrived inside the deadline.
	ErrAgentTimeout = errors.New("bridge: agent response timed out")

	// ErrAgentRejected means the agent answered and reported failure.
	ErrAgentRejected = errors.New("bridge: agent rejected job")

	// ErrTransport means the socket broke while the job was in flight.
	ErrTransport = errors.New("bridge: transport failure")
)
