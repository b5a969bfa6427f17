package notify

import (
	"fmt"
	"strings"
	"time"

	"rulegate/internal/domain"
)

const subjectPrefix = "[rulegate]"

const dateLayout = "2006-01-02 15:04 MST"

// Messages renders workflow and expiry events into notifications.
type Messages struct {
	BaseURL  string
	Location *time.Location
}

func (m Messages) date(t time.Time) string {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

func (m Messages) link(parts ...string) string {
	return strings.TrimRight(m.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

func portRange(spec domain.RuleSpec) string {
	switch {
	case spec.FromPort == nil && spec.ToPort == nil:
		return "all"
	case spec.FromPort != nil && spec.ToPort != nil && *spec.FromPort != *spec.ToPort:
		return fmt.Sprintf("%d-%d", *spec.FromPort, *spec.ToPort)
	case spec.FromPort != nil:
		return fmt.Sprintf("%d", *spec.FromPort)
	default:
		return fmt.Sprintf("%d", *spec.ToPort)
	}
}

func peers(spec domain.RuleSpec) string {
	var all []string
	all = append(all, spec.CIDRs...)
	all = append(all, spec.IPv6CIDRs...)
	for _, g := range spec.PeerGroups {
		all = append(all, g.GroupID)
	}
	if len(all) == 0 {
		return "-"
	}
	return strings.Join(all, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// NewRequest goes to the administrators and the operator channel.
func (m Messages) NewRequest(req domain.RuleRequest, res domain.Resource) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "A new rule request was submitted.\n\n")
	fmt.Fprintf(&b, "Requester: %s (%s)\n", req.RequesterName, orNone(req.RequesterEmail))
	fmt.Fprintf(&b, "Resource: %s (%s)\n", res.Name, res.ExternalID)
	fmt.Fprintf(&b, "Change: %s %s\n", req.Type, req.Rule.Direction)
	fmt.Fprintf(&b, "Protocol: %s\n", req.Rule.Protocol)
	fmt.Fprintf(&b, "Ports: %s\n", portRange(req.Rule))
	fmt.Fprintf(&b, "Peers: %s\n", peers(req.Rule))
	fmt.Fprintf(&b, "Priority: %s\n\n", req.Priority)
	fmt.Fprintf(&b, "Business justification: %s\n\n", orNone(req.BusinessJustification))
	fmt.Fprintf(&b, "Review: %s\n", m.link("requests", req.ID))
	return domain.Notification{
		Kind:      domain.NotifyNewRequest,
		Subject:   fmt.Sprintf("%s New rule request: %s", subjectPrefix, res.Name),
		Body:      b.String(),
		Severity:  domain.SeverityWarning,
		Broadcast: true,
	}
}

// Approved goes to the requester only.
func (m Messages) Approved(req domain.RuleRequest) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your rule request was approved and applied.\n\n")
	fmt.Fprintf(&b, "Request: %s\n", req.ID)
	fmt.Fprintf(&b, "Reviewer: %s\n", req.ReviewerName)
	fmt.Fprintf(&b, "Applied rule: %s\n", req.AppliedRuleID)
	fmt.Fprintf(&b, "Comment: %s\n", orNone(req.ReviewComment))
	return domain.Notification{
		Kind:      domain.NotifyRequestApproved,
		Recipient: req.RequesterEmail,
		Subject:   fmt.Sprintf("%s Request approved: %s", subjectPrefix, req.ID),
		Body:      b.String(),
		Severity:  domain.SeverityInfo,
	}
}

// Rejected goes to the requester only.
func (m Messages) Rejected(req domain.RuleRequest) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Your rule request was rejected.\n\n")
	fmt.Fprintf(&b, "Request: %s\n", req.ID)
	fmt.Fprintf(&b, "Reviewer: %s\n", req.ReviewerName)
	fmt.Fprintf(&b, "Comment: %s\n", orNone(req.ReviewComment))
	return domain.Notification{
		Kind:      domain.NotifyRequestRejected,
		Recipient: req.RequesterEmail,
		Subject:   fmt.Sprintf("%s Request rejected: %s", subjectPrefix, req.ID),
		Body:      b.String(),
		Severity:  domain.SeverityWarning,
	}
}

func target(s domain.ExpirySchedule) string {
	if s.RuleID != "" {
		return "Rule " + s.RuleID
	}
	return "Resource"
}

func autoDelete(a domain.ExpiryAction) string {
	if a.Deletes() {
		return "yes"
	}
	return "no"
}

// when names the calendar day of t relative to now in the configured zone.
func (m Messages) when(t, now time.Time) string {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	ty, tm, td := t.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	days := int(time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).Sub(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)).Hours() / 24)
	switch days {
	case 0:
		return "today"
	case 1:
		return "tomorrow"
	}
	return "on " + t.In(loc).Format("2006-01-02")
}

// ExpiryWarning is the advance notice sent by the warning sweep at now. It can
// reach a schedule that expires later the same day, so the wording follows the
// expiry date.
func (m Messages) ExpiryWarning(s domain.ExpirySchedule, res domain.Resource, now time.Time) domain.Notification {
	when := m.when(s.ExpiresAt, now)
	var b strings.Builder
	fmt.Fprintf(&b, "%s expires %s.\n\n", target(s), when)
	fmt.Fprintf(&b, "Resource: %s (%s)\n", res.Name, res.ExternalID)
	fmt.Fprintf(&b, "Expires at: %s\n", m.date(s.ExpiresAt))
	fmt.Fprintf(&b, "Automatic deletion: %s\n\n", autoDelete(s.Action))
	fmt.Fprintf(&b, "Extend the expiry or change the rule if it is still needed.\n")
	fmt.Fprintf(&b, "Manage: %s\n", m.link("resources", res.ID))
	return domain.Notification{
		Kind:      domain.NotifyExpiryWarning,
		Subject:   fmt.Sprintf("%s Expiring %s: %s", subjectPrefix, when, res.Name),
		Body:      b.String(),
		Severity:  domain.SeverityWarning,
		Broadcast: true,
	}
}

// ExpirySameDay is the expires-today notice.
func (m Messages) ExpirySameDay(s domain.ExpirySchedule, res domain.Resource) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s expires today.\n\n", target(s))
	fmt.Fprintf(&b, "Resource: %s (%s)\n", res.Name, res.ExternalID)
	fmt.Fprintf(&b, "Expires at: %s\n", m.date(s.ExpiresAt))
	fmt.Fprintf(&b, "Automatic deletion: %s\n\n", autoDelete(s.Action))
	switch s.Action {
	case domain.ActionNotifyOnly:
		fmt.Fprintf(&b, "This is a notice only. Nothing will be deleted.\n")
	case domain.ActionDeleteRule, domain.ActionDeleteGroup:
		fmt.Fprintf(&b, "It will be deleted automatically.\n")
	}
	return domain.Notification{
		Kind:      domain.NotifyExpirySameDay,
		Subject:   fmt.Sprintf("%s Expiring today: %s", subjectPrefix, res.Name),
		Body:      b.String(),
		Severity:  domain.SeverityDanger,
		Broadcast: true,
	}
}

// ExpiryOutcome reports the result of executing a schedule. resourceName may
// be the resource id when the resource no longer exists.
func (m Messages) ExpiryOutcome(s domain.ExpirySchedule, resourceName string, at time.Time) domain.Notification {
	var b strings.Builder
	n := domain.Notification{Broadcast: true}
	if s.Status == domain.ScheduleExecuted {
		n.Kind = domain.NotifyExpiryExecuted
		n.Severity = domain.SeverityInfo
		n.Subject = fmt.Sprintf("%s Expiry executed: %s", subjectPrefix, resourceName)
		fmt.Fprintf(&b, "%s expiry action %s completed.\n\n", target(s), s.Action)
		fmt.Fprintf(&b, "Resource: %s\n", resourceName)
		fmt.Fprintf(&b, "Executed at: %s\n", m.date(at))
	} else {
		n.Kind = domain.NotifyExpiryFailed
		n.Severity = domain.SeverityDanger
		n.Subject = fmt.Sprintf("%s Expiry failed: %s", subjectPrefix, resourceName)
		fmt.Fprintf(&b, "%s expiry action %s failed.\n\n", target(s), s.Action)
		fmt.Fprintf(&b, "Resource: %s\n", resourceName)
		fmt.Fprintf(&b, "Failed at: %s\n", m.date(at))
		fmt.Fprintf(&b, "Error: %s\n\n", s.ErrorMessage)
		fmt.Fprintf(&b, "Manual remediation is required.\n")
	}
	n.Body = b.String()
	return n
}
