package authority

// State represents the lifecycle state of an authority.
type State int

const (
	// StateUninitialized means the authority holds a key pair but no
	// certificate and no pending signing request.
	StateUninitialized State = iota

	// StateAwaitingParent means a subordinate has produced its CSR and is
	// waiting for the parent authority to sign it.
	StateAwaitingParent

	// StateActive means the authority holds its own certificate and can
	// issue. Authorities have no terminal state; only their certificate's
	// validity window expires.
	StateActive
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingParent:
		return "awaiting-parent-signature"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}
