package server

import (
	"time"

	"rulegate/internal/domain"
	"rulegate/internal/engine"
)

// Request payloads

type PeerGroupBody struct {
	GroupID     string `json:"group_id"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type RuleSpecBody struct {
	Direction   string          `json:"direction" enum:"INBOUND,OUTBOUND"`
	Protocol    string          `json:"protocol,omitempty" example:"tcp"`
	FromPort    *int            `json:"from_port,omitempty"`
	ToPort      *int            `json:"to_port,omitempty"`
	CIDRs       []string        `json:"cidrs,omitempty"`
	IPv6CIDRs   []string        `json:"ipv6_cidrs,omitempty"`
	PeerGroups  []PeerGroupBody `json:"peer_groups,omitempty"`
	Description string          `json:"description,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	AutoDelete  bool            `json:"auto_delete,omitempty"`
}

func (b RuleSpecBody) spec() domain.RuleSpec {
	s := domain.RuleSpec{
		Direction:   domain.Direction(b.Direction),
		Protocol:    b.Protocol,
		FromPort:    b.FromPort,
		ToPort:      b.ToPort,
		CIDRs:       b.CIDRs,
		IPv6CIDRs:   b.IPv6CIDRs,
		Description: b.Description,
		ExpiresAt:   b.ExpiresAt,
		AutoDelete:  b.AutoDelete,
	}
	for _, g := range b.PeerGroups {
		s.PeerGroups = append(s.PeerGroups, domain.PeerGroup(g))
	}
	return s
}

type CreateRuleRequestBody struct {
	ResourceID             string        `json:"resource_id"`
	Type                   string        `json:"type" enum:"ADD,MODIFY,DELETE"`
	TargetRuleID           string        `json:"target_rule_id,omitempty"`
	Rule                   *RuleSpecBody `json:"rule,omitempty"`
	BusinessJustification  string        `json:"business_justification,omitempty"`
	TechnicalJustification string        `json:"technical_justification,omitempty"`
	Priority               string        `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH,URGENT"`
}

func (b CreateRuleRequestBody) input() engine.RequestInput {
	in := engine.RequestInput{
		ResourceID:             b.ResourceID,
		Type:                   domain.RequestType(b.Type),
		TargetRuleID:           b.TargetRuleID,
		BusinessJustification:  b.BusinessJustification,
		TechnicalJustification: b.TechnicalJustification,
		Priority:               domain.Priority(b.Priority),
	}
	if b.Rule != nil {
		in.Rule = b.Rule.spec()
	}
	return in
}

type ReviewBody struct {
	Comment string `json:"comment,omitempty"`
}

type RuleBody struct {
	ID string `json:"id,omitempty"`
	RuleSpecBody
}

type RegisterResourceBody struct {
	ExternalID  string            `json:"external_id" example:"sg-0123456789abcdef0"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	NetworkID   string            `json:"network_id,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	AutoDelete  bool              `json:"auto_delete,omitempty"`
	Rules       []RuleBody        `json:"rules,omitempty"`
}

func (b RegisterResourceBody) input() engine.ResourceInput {
	in := engine.ResourceInput{
		ExternalID:  b.ExternalID,
		Name:        b.Name,
		Description: b.Description,
		NetworkID:   b.NetworkID,
		OwnerID:     b.OwnerID,
		Tags:        b.Tags,
		ExpiresAt:   b.ExpiresAt,
		AutoDelete:  b.AutoDelete,
	}
	for _, r := range b.Rules {
		in.Rules = append(in.Rules, engine.RuleInput{ID: r.ID, Spec: r.spec()})
	}
	return in
}

type ExpiryBody struct {
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AutoDelete bool       `json:"auto_delete,omitempty"`
}

type CreateScheduleBody struct {
	ResourceID string    `json:"resource_id"`
	RuleID     string    `json:"rule_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Action     string    `json:"action" enum:"DELETE_RULE,DELETE_GROUP,NOTIFY_ONLY"`
}

type CreateUserBody struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email" format:"email"`
	Role     string `json:"role,omitempty" enum:"USER,ADMIN"`
}

type CreateAPIKeyBody struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Responses

type RequestList struct {
	Items      []domain.RuleRequest `json:"items"`
	NextOffset *int                 `json:"next_offset,omitempty"`
}

type ScheduleList struct {
	Items []domain.ExpirySchedule `json:"items"`
}

type ResourceList struct {
	Items []domain.Resource `json:"items"`
}

type UserList struct {
	Items []domain.User `json:"items"`
}

type EventList struct {
	Items []domain.Event `json:"items"`
}

type APIKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type APIKeyCreated struct {
	Key    string        `json:"key" doc:"Shown once. Send as X-Api-Key."`
	APIKey domain.APIKey `json:"api_key"`
}

type CancelledResponse struct {
	Cancelled int `json:"cancelled"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
