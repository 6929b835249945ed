// Package supervisor owns the per-server connection state machine: it decides
// when a server needs interactive authorization, drives connect attempts with
// exponential backoff, and reacts to token expiry and invalid-token signals.
package supervisor

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state of one server.
type State string

const (
	// StateDisconnected: not connected and not trying. Entry state, and the
	// result of disable, logout and user-cancelled authorization.
	StateDisconnected State = "disconnected"
	// StateNeedsAuth: the server requires authorization and no usable token
	// exists. Waits for an interactive attempt; never auto-retried.
	StateNeedsAuth State = "needs_auth"
	// StateAuthenticated: a usable token exists but no connection yet.
	StateAuthenticated State = "authenticated"
	// StateConnecting: a handshake is in progress.
	StateConnecting State = "connecting"
	// StateConnected: live connection, tools available.
	StateConnected State = "connected"
	// StateTokenRefresh: a proactive token refresh is running on a live
	// connection. Returns to connected on success, needs_auth on failure.
	StateTokenRefresh State = "token_refresh"
	// StateInvalidToken: the server rejected the token as structurally
	// malformed. All stored credentials have been wiped; a refresh is never
	// attempted. Waits for an interactive attempt, like needs_auth, but
	// drives a distinct user affordance.
	StateInvalidToken State = "invalid_token"
	// StateError: connect attempts exhausted or a non-retryable failure.
	// Requires an explicit user action to leave.
	StateError State = "error"
)

// validTransitions defines the allowed state machine edges.
var validTransitions = map[State][]State{
	StateDisconnected:  {StateNeedsAuth, StateAuthenticated, StateConnecting, StateError},
	StateNeedsAuth:     {StateAuthenticated, StateDisconnected, StateError},
	StateAuthenticated: {StateConnecting, StateNeedsAuth, StateDisconnected, StateError},
	StateConnecting:    {StateConnected, StateConnecting, StateNeedsAuth, StateInvalidToken, StateDisconnected, StateError},
	StateConnected:     {StateConnecting, StateTokenRefresh, StateNeedsAuth, StateInvalidToken, StateDisconnected, StateError},
	StateTokenRefresh:  {StateConnected, StateNeedsAuth, StateInvalidToken, StateDisconnected, StateError},
	StateInvalidToken:  {StateAuthenticated, StateNeedsAuth, StateDisconnected, StateError},
	StateError:         {StateConnecting, StateAuthenticated, StateNeedsAuth, StateDisconnected},
}

// validateTransition reports whether from → to is an allowed edge.
func validateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// Status is a point-in-time snapshot of a server's connection.
type Status struct {
	ServerName  string    `json:"server_name"`
	State       State     `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
	Transport   string    `json:"transport,omitempty"`
	ToolCount   int       `json:"tool_count"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}
