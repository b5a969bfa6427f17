package engine

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"rulegate/internal/domain"
)

// normalizeProtocol maps protocol names to the provider's spelling.
// "-1" means all protocols.
func normalizeProtocol(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "tcp", "udp", "icmp", "icmpv6":
		return p, nil
	case "", "all", "-1":
		return "-1", nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 || n > 255 {
		return "", fmt.Errorf("%w: unknown protocol %q", ErrValidation, p)
	}
	return p, nil
}

func validatePorts(spec domain.RuleSpec) error {
	if spec.FromPort == nil && spec.ToPort == nil {
		return nil
	}
	switch spec.Protocol {
	case "-1":
		return fmt.Errorf("%w: ports are not allowed for all protocols", ErrValidation)
	case "icmp", "icmpv6":
		for _, p := range []*int{spec.FromPort, spec.ToPort} {
			if p != nil && (*p < -1 || *p > 255) {
				return fmt.Errorf("%w: icmp type/code %d out of range", ErrValidation, *p)
			}
		}
		return nil
	}
	if spec.FromPort == nil || spec.ToPort == nil {
		return fmt.Errorf("%w: from_port and to_port must be set together", ErrValidation)
	}
	from, to := *spec.FromPort, *spec.ToPort
	if from < 0 || to > 65535 || from > to {
		return fmt.Errorf("%w: invalid port range %d-%d", ErrValidation, from, to)
	}
	return nil
}

// validateRuleSpec checks spec and returns it with the protocol normalized.
func validateRuleSpec(spec domain.RuleSpec, now time.Time) (domain.RuleSpec, error) {
	if !spec.Direction.Valid() {
		return spec, fmt.Errorf("%w: direction must be INBOUND or OUTBOUND", ErrValidation)
	}
	proto, err := normalizeProtocol(spec.Protocol)
	if err != nil {
		return spec, err
	}
	spec.Protocol = proto
	if err := validatePorts(spec); err != nil {
		return spec, err
	}
	if len(spec.CIDRs)+len(spec.IPv6CIDRs)+len(spec.PeerGroups) == 0 {
		return spec, fmt.Errorf("%w: at least one cidr or peer group is required", ErrValidation)
	}
	for _, c := range spec.CIDRs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil || !prefix.Addr().Is4() {
			return spec, fmt.Errorf("%w: invalid ipv4 cidr %q", ErrValidation, c)
		}
	}
	for _, c := range spec.IPv6CIDRs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil || !prefix.Addr().Is6() {
			return spec, fmt.Errorf("%w: invalid ipv6 cidr %q", ErrValidation, c)
		}
	}
	for _, g := range spec.PeerGroups {
		if g.GroupID == "" {
			return spec, fmt.Errorf("%w: peer group id is required", ErrValidation)
		}
	}
	if err := validateExpiry(spec.ExpiresAt, spec.AutoDelete, now); err != nil {
		return spec, err
	}
	return spec, nil
}

func validateExpiry(expiresAt *time.Time, autoDelete bool, now time.Time) error {
	if expiresAt == nil {
		if autoDelete {
			return fmt.Errorf("%w: auto_delete requires expires_at", ErrValidation)
		}
		return nil
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	return nil
}
