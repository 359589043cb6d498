package models

// SessionStatus is a node of the session lifecycle.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusQRPending    SessionStatus = "qr_pending"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusFailed       SessionStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []SessionStatus{StatusConnecting, StatusQRPending, StatusConnected, StatusReconnecting, StatusDisconnected, StatusFailed}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []SessionStatus{StatusConnecting, StatusQRPending, StatusConnected, StatusReconnecting}

// TerminalStatuses end a session; the user has to create a new one.
var TerminalStatuses = []SessionStatus{StatusDisconnected, StatusFailed}

// MonitoredStatuses are the statuses the connection monitor health-checks.
// Reconnecting sessions are driven by their own backoff timers.
var MonitoredStatuses = []SessionStatus{StatusConnected, StatusConnecting, StatusQRPending}

var transitions = map[SessionStatus][]SessionStatus{
	StatusConnecting:   {StatusQRPending, StatusConnected},
	StatusQRPending:    {StatusConnecting, StatusFailed},
	StatusConnected:    {StatusDisconnected, StatusReconnecting},
	StatusReconnecting: {StatusConnected, StatusReconnecting, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusConnecting, StatusQRPending, StatusConnected, StatusDisconnected, StatusReconnecting, StatusFailed:
		return true
	}
	return false
}
