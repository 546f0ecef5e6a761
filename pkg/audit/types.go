package audit

import "time"

// EventType represents the type of audit event.
type EventType string

const (
	// Authorisation events
	EventAuthRequested EventType = "AUTH_REQUESTED"
	EventAuthSuccess   EventType = "AUTH_SUCCESS"
	EventAuthFailure   EventType = "AUTH_FAILURE"
	EventAuthTimeout   EventType = "AUTH_TIMEOUT"

	// Guest data events
	EventUserDataCaptured EventType = "USER_DATA_CAPTURED"

	// Agent liveness events
	EventHeartbeatRefresh EventType = "HEARTBEAT_REFRESH"

	// API security events
	EventAPIAuthFailure EventType = "API_AUTH_FAILURE"
)

// Event is a single audit record. Identity fields are optional; only the
// ones relevant to the event type are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Request identity
	RequestID      string `json:"request_id,omitempty"`
	MAC            string `json:"mac,omitempty"`
	AccessPointMAC string `json:"ap_mac,omitempty"`
	IP             string `json:"ip,omitempty"`
	SiteIdentifier string `json:"site_identifier,omitempty"`

	// Outcome context
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`

	// Agent context
	AgentIdentifier string `json:"agent_identifier,omitempty"`
}

// Query filters stored events.
type Query struct {
	Types          []EventType
	SiteIdentifier string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Matches reports whether an event satisfies the query.
func (q *Query) Matches(event *Event) bool {
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.SiteIdentifier != "" && event.SiteIdentifier != q.SiteIdentifier {
		return false
	}
	if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && event.Timestamp.After(q.Until) {
		return false
	}
	return true
}
