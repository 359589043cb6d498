package provider

import "strings"

// EventKind is the normalized webhook event type.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventStatus       EventKind = "status"
	EventQR           EventKind = "qr"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// eventAliases maps the raw event names both relay backends emit onto the
// five kinds the gateway handles. Keys are lower-cased.
var eventAliases = map[string]EventKind{
	// Messages
	"message":          EventMessage,
	"messages.upsert":  EventMessage,
	"messages_upsert":  EventMessage,
	"send.message":     EventMessage,
	"receipt":          EventStatus,
	"readreceipt":      EventStatus,
	"messages.update":  EventStatus,
	"messages_update":  EventStatus,
	"status":           EventStatus,
	"presence":         EventStatus,
	"connection.state": EventStatus,

	// Pairing
	"qr":             EventQR,
	"qrcode":         EventQR,
	"qrcode.updated": EventQR,
	"qrcode_updated": EventQR,
	"qrsuccess":      EventQR,
	"pairsuccess":    EventConnected,

	// Connection and session
	"connected":         EventConnected,
	"keepaliverestored": EventConnected,
	"disconnected":      EventDisconnected,
	"loggedout":         EventDisconnected,
	"logout.instance":   EventDisconnected,
	"connectfailure":    EventDisconnected,
	"keepalivetimeout":  EventDisconnected,
	"streamreplaced":    EventDisconnected,
	"temporaryban":      EventDisconnected,
	"qrtimeout":         EventDisconnected,
}

// logoutEvents are raw events that end the session for good.
var logoutEvents = map[string]bool{
	"loggedout":       true,
	"logout.instance": true,
	"streamreplaced":  true,
	"temporaryban":    true,
}

// NormalizeEventKind maps a raw event name onto an EventKind.
func NormalizeEventKind(raw string) (EventKind, bool) {
	k, ok := eventAliases[strings.ToLower(strings.TrimSpace(raw))]
	return k, ok
}

// IsLogoutEvent reports whether the raw event name means the user logged out.
func IsLogoutEvent(raw string) bool {
	return logoutEvents[strings.ToLower(strings.TrimSpace(raw))]
}

// Disconnection reasons.
const (
	ReasonLogout          = "logout"
	ReasonReconnectFailed = "reconnect_failed"
	ReasonHealthCheck     = "health_check_failed"
	ReasonConnectionLost  = "connection_lost"
)

// IsLogoutReason reports whether a disconnection reason is a deliberate logout.
func IsLogoutReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case ReasonLogout, "logged_out", "loggedout", "logged out", "401":
		return true
	}
	return false
}
