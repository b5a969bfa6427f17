package domain

type NotificationKind string

const (
	NotifyNewRequest      NotificationKind = "request.new"
	NotifyRequestApproved NotificationKind = "request.approved"
	NotifyRequestRejected NotificationKind = "request.rejected"
	NotifyExpiryWarning   NotificationKind = "expiry.warning"
	NotifyExpirySameDay   NotificationKind = "expiry.same_day"
	NotifyExpiryExecuted  NotificationKind = "expiry.executed"
	NotifyExpiryFailed    NotificationKind = "expiry.failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Notification is a rendered message handed to a Notifier.
// An empty Recipient addresses the administrators. Broadcast messages are
// also posted to the operator chat channel.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Recipient string           `json:"recipient,omitempty"`
	Subject   string           `json:"subject"`
	Body      string           `json:"body"`
	Severity  Severity         `json:"severity"`
	Broadcast bool             `json:"broadcast"`
}
