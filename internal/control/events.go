package control

import "github.com/ztcore/tunneld/internal/api/models"

// EventKind discriminates the variants of Event broadcast on the event
// socket, per §4.8's enumerated event list.
type EventKind string

const (
	EventIdentityAdded     EventKind = "identity_added"
	EventIdentityUpdated   EventKind = "identity_updated"
	EventIdentityDeleted   EventKind = "identity_deleted"
	EventControllerConnect EventKind = "controller_connect"
	EventControllerDisconn EventKind = "controller_disconnect"
	EventServiceBulkUpdate EventKind = "service_bulk_update"
	EventMFARequest        EventKind = "mfa_request"
	EventMFAStatus         EventKind = "mfa_status"
	EventExternalJWTLogin  EventKind = "external_jwt_login_request"
	EventTunnelStatus      EventKind = "tunnel_status_event"
	EventTunnelMetrics     EventKind = "tunnel_metrics_event"
	EventNotification      EventKind = "notification_event"
	EventStatusChange      EventKind = "status_change"
	EventShutdown          EventKind = "shutdown"
)

// Event is one message on the broadcast event socket. Only the fields
// relevant to Kind are populated; the rest stay at their zero value.
type Event struct {
	Kind         EventKind                   `json:"Kind"`
	Identifier   string                      `json:"Identifier,omitempty"`
	Status       models.TunnelStatusResponse `json:"Status,omitempty"`
	Metrics      map[string]IdentityMetrics  `json:"Metrics,omitempty"`
	Process      *ProcessStats               `json:"Process,omitempty"`
	Notification *Notification               `json:"Notification,omitempty"`
	Woke         bool                        `json:"Woke,omitempty"`
	Unlocked     bool                        `json:"Unlocked,omitempty"`
	Detail       string                      `json:"Detail,omitempty"`
}

// IdentityMetrics is one identity's sample in a tunnel_metrics_event.
type IdentityMetrics struct {
	Up   string `json:"Up"`
	Down string `json:"Down"`
}

// ProcessStats is the daemon's own resource usage, sampled alongside
// per-identity throughput in a tunnel_metrics_event.
type ProcessStats struct {
	CPUPercent float64 `json:"CpuPercent"`
	RSSBytes   uint64  `json:"RssBytes"`
}

// NotificationSeverity classifies an MFA-timeout notification_event by the
// time left until the identity's earliest service timeout: critical once
// it has passed, major within a quarter of mfaTimeoutWarning, minor
// otherwise. It does not count how many services are near or past timeout.
type NotificationSeverity string

const (
	SeverityMinor    NotificationSeverity = "minor"
	SeverityMajor    NotificationSeverity = "major"
	SeverityCritical NotificationSeverity = "critical"
)

// Notification carries an MFA-timeout warning for one identity.
type Notification struct {
	Identifier string               `json:"Identifier"`
	Severity   NotificationSeverity `json:"Severity"`
	Message    string               `json:"Message"`
}
