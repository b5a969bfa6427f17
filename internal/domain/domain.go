package domain

import "time"

type RequestType string

const (
	RequestAdd    RequestType = "ADD"
	RequestModify RequestType = "MODIFY"
	RequestDelete RequestType = "DELETE"
)

func (t RequestType) Valid() bool {
	switch t {
	case RequestAdd, RequestModify, RequestDelete:
		return true
	}
	return false
}

// NeedsTargetRule reports whether the request operates on an existing rule.
func (t RequestType) NeedsTargetRule() bool {
	switch t {
	case RequestModify, RequestDelete:
		return true
	case RequestAdd:
		return false
	}
	return false
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusApplied   RequestStatus = "APPLIED"
	StatusFailed    RequestStatus = "FAILED"
	StatusCancelled RequestStatus = "CANCELLED"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusApplied, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusApplied, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusApproved:
		return false
	}
	return false
}

// Reviewed reports whether reviewer fields must be populated in this status.
func (s RequestStatus) Reviewed() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusFailed, StatusApplied:
		return true
	case StatusPending, StatusCancelled:
		return false
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func (p Priority) High() bool {
	switch p {
	case PriorityHigh, PriorityUrgent:
		return true
	case PriorityLow, PriorityMedium:
		return false
	}
	return false
}

type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

func (d Direction) Valid() bool {
	switch d {
	case Inbound, Outbound:
		return true
	}
	return false
}

type ExpiryAction string

const (
	ActionDeleteRule  ExpiryAction = "DELETE_RULE"
	ActionDeleteGroup ExpiryAction = "DELETE_GROUP"
	ActionNotifyOnly  ExpiryAction = "NOTIFY_ONLY"
)

func (a ExpiryAction) Valid() bool {
	switch a {
	case ActionDeleteRule, ActionDeleteGroup, ActionNotifyOnly:
		return true
	}
	return false
}

// Deletes reports whether executing the action removes something.
func (a ExpiryAction) Deletes() bool {
	switch a {
	case ActionDeleteRule, ActionDeleteGroup:
		return true
	case ActionNotifyOnly:
		return false
	}
	return false
}

type ScheduleStatus string

const (
	ScheduleScheduled        ScheduleStatus = "SCHEDULED"
	ScheduleNotificationSent ScheduleStatus = "NOTIFICATION_SENT"
	ScheduleExecuted         ScheduleStatus = "EXECUTED"
	ScheduleFailed           ScheduleStatus = "FAILED"
	ScheduleCancelled        ScheduleStatus = "CANCELLED"
)

func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleScheduled, ScheduleNotificationSent, ScheduleExecuted, ScheduleFailed, ScheduleCancelled:
		return true
	}
	return false
}

// Active reports whether the schedule can still be executed or cancelled.
func (s ScheduleStatus) Active() bool {
	switch s {
	case ScheduleScheduled, ScheduleNotificationSent:
		return true
	case ScheduleExecuted, ScheduleFailed, ScheduleCancelled:
		return false
	}
	return false
}

// ActiveScheduleStatuses lists the statuses sweeps and cancellation select on.
var ActiveScheduleStatuses = []ScheduleStatus{ScheduleScheduled, ScheduleNotificationSent}

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role" enum:"USER,ADMIN"`
	CreatedAt time.Time `json:"created_at"`
}

type PeerGroup struct {
	GroupID     string `json:"group_id"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// RuleSpec is the shape of a single access-control entry.
type RuleSpec struct {
	Direction   Direction   `json:"direction" enum:"INBOUND,OUTBOUND"`
	Protocol    string      `json:"protocol"`
	FromPort    *int        `json:"from_port,omitempty"`
	ToPort      *int        `json:"to_port,omitempty"`
	CIDRs       []string    `json:"cidrs,omitempty"`
	IPv6CIDRs   []string    `json:"ipv6_cidrs,omitempty"`
	PeerGroups  []PeerGroup `json:"peer_groups,omitempty"`
	Description string      `json:"description,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	AutoDelete  bool        `json:"auto_delete"`
}

type Rule struct {
	ID string `json:"id"`
	RuleSpec
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Resource struct {
	ID          string            `json:"id"`
	ExternalID  string            `json:"external_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	NetworkID   string            `json:"network_id,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	AutoDelete  bool              `json:"auto_delete"`
	Rules       []Rule            `json:"rules"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

// Rule returns the rule with the given id.
func (r Resource) Rule(id string) (Rule, bool) {
	for _, rule := range r.Rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return Rule{}, false
}

type RuleRequest struct {
	ID                     string        `json:"id"`
	ResourceID             string        `json:"resource_id"`
	RequesterID            string        `json:"requester_id"`
	RequesterName          string        `json:"requester_name"`
	RequesterEmail         string        `json:"requester_email,omitempty"`
	Type                   RequestType   `json:"type" enum:"ADD,MODIFY,DELETE"`
	TargetRuleID           string        `json:"target_rule_id,omitempty"`
	Rule                   RuleSpec      `json:"rule"`
	BusinessJustification  string        `json:"business_justification,omitempty"`
	TechnicalJustification string        `json:"technical_justification,omitempty"`
	Priority               Priority      `json:"priority" enum:"LOW,MEDIUM,HIGH,URGENT"`
	Status                 RequestStatus `json:"status" enum:"PENDING,APPROVED,REJECTED,APPLIED,FAILED,CANCELLED"`
	ReviewerID             string        `json:"reviewer_id,omitempty"`
	ReviewerName           string        `json:"reviewer_name,omitempty"`
	ReviewComment          string        `json:"review_comment,omitempty"`
	ReviewedAt             *time.Time    `json:"reviewed_at,omitempty"`
	AppliedRuleID          string        `json:"applied_rule_id,omitempty"`
	ApplyClaimedAt         *time.Time    `json:"apply_claimed_at,omitempty"`
	RequestedAt            time.Time     `json:"requested_at"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
	Version                int64         `json:"version"`
}

type RequestStatistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type ExpirySchedule struct {
	ID                   string         `json:"id"`
	ResourceID           string         `json:"resource_id"`
	RuleID               string         `json:"rule_id,omitempty"`
	ExpiresAt            time.Time      `json:"expires_at"`
	Action               ExpiryAction   `json:"action" enum:"DELETE_RULE,DELETE_GROUP,NOTIFY_ONLY"`
	Status               ScheduleStatus `json:"status" enum:"SCHEDULED,NOTIFICATION_SENT,EXECUTED,FAILED,CANCELLED"`
	NotifiedOneDayBefore bool           `json:"notified_one_day_before"`
	NotifiedSameDay      bool           `json:"notified_same_day"`
	LastNotificationAt   *time.Time     `json:"last_notification_at,omitempty"`
	ExecutedAt           *time.Time     `json:"executed_at,omitempty"`
	ExecutionResult      string         `json:"execution_result,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	CreatedBy            string         `json:"created_by"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Version              int64          `json:"version"`
}

// SweepReport summarises one sweep invocation.
type SweepReport struct {
	Sweep     string `json:"sweep"`
	Selected  int    `json:"selected"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

// APIKey authenticates automation as a user. Only the hash of the key is stored.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
