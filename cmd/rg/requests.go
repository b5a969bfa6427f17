package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rulegate/internal/app"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/repo"
)

// ruleFlags collects a rule spec from the command line.
type ruleFlags struct {
	direction   string
	protocol    string
	ports       string
	cidrs       []string
	ipv6        []string
	peers       []string
	description string
	expiresAt   string
	autoDelete  bool
}

func (f *ruleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.direction, "direction", string(domain.Inbound), "INBOUND or OUTBOUND")
	cmd.Flags().StringVar(&f.protocol, "protocol", "tcp", "tcp, udp, icmp, icmpv6, all or a protocol number")
	cmd.Flags().StringVar(&f.ports, "ports", "", "port or range, e.g. 443 or 8000-8100")
	cmd.Flags().StringSliceVar(&f.cidrs, "cidr", nil, "IPv4 CIDR (repeatable)")
	cmd.Flags().StringSliceVar(&f.ipv6, "ipv6-cidr", nil, "IPv6 CIDR (repeatable)")
	cmd.Flags().StringSliceVar(&f.peers, "peer-group", nil, "peer security group id (repeatable)")
	cmd.Flags().StringVar(&f.description, "description", "", "rule description")
	cmd.Flags().StringVar(&f.expiresAt, "expires-at", "", "RFC3339 time or duration from now, e.g. 72h")
	cmd.Flags().BoolVar(&f.autoDelete, "auto-delete", false, "remove the rule when it expires")
}

func (f *ruleFlags) spec(now time.Time) (domain.RuleSpec, error) {
	spec := domain.RuleSpec{
		Direction:   domain.Direction(strings.ToUpper(f.direction)),
		Protocol:    f.protocol,
		CIDRs:       f.cidrs,
		IPv6CIDRs:   f.ipv6,
		Description: f.description,
		AutoDelete:  f.autoDelete,
	}
	var err error
	if spec.FromPort, spec.ToPort, err = parsePorts(f.ports); err != nil {
		return spec, err
	}
	for _, id := range f.peers {
		spec.PeerGroups = append(spec.PeerGroups, domain.PeerGroup{GroupID: id})
	}
	if spec.ExpiresAt, err = parseExpiry(f.expiresAt, now); err != nil {
		return spec, err
	}
	return spec, nil
}

func parsePorts(s string) (*int, *int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, nil
	}
	lo, hi, isRange := strings.Cut(s, "-")
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ports %q", s)
	}
	to := from
	if isRange {
		if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return nil, nil, fmt.Errorf("invalid ports %q", s)
		}
	}
	return &from, &to, nil
}

// parseExpiry accepts an RFC3339 timestamp or a duration relative to now.
func parseExpiry(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: want RFC3339 or a duration", s)
	}
	return &t, nil
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Rule change requests",
		Long:  "Requests move PENDING -> APPLIED or FAILED on approval (the change is made at the provider), or PENDING -> REJECTED / CANCELLED.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestReviewCmd("approve", "Approve and apply a pending request"))
	req.AddCommand(requestReviewCmd("reject", "Reject a pending request"))
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestStatsCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var in engine.RequestInput
	var typ, priority string
	var rf ruleFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a rule change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			in.Type = domain.RequestType(strings.ToUpper(typ))
			in.Priority = domain.Priority(strings.ToUpper(priority))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if in.Type != domain.RequestDelete {
					if in.Rule, err = rf.spec(time.Now()); err != nil {
						return err
					}
				}
				created, err := a.Engine.CreateRequest(ctx, in, userID)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&in.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&typ, "type", string(domain.RequestAdd), "ADD, MODIFY or DELETE")
	cmd.Flags().StringVar(&in.TargetRuleID, "target-rule", "", "rule to modify or delete")
	cmd.Flags().StringVar(&in.BusinessJustification, "justification", "", "business justification")
	cmd.Flags().StringVar(&in.TechnicalJustification, "technical", "", "technical justification")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or URGENT")
	rf.bind(cmd)
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var statuses, priorities []string
	var mine, highPriority bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.RequestStatus(strings.ToUpper(s)))
			}
			for _, p := range priorities {
				f.Priorities = append(f.Priorities, domain.Priority(strings.ToUpper(p)))
			}
			if mine {
				userID, err := actingUser()
				if err != nil {
					return err
				}
				f.RequesterID = userID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.RuleRequest
					err   error
				)
				if highPriority {
					items, err = a.Engine.ListHighPriorityPending(ctx)
				} else {
					items, err = a.Engine.ListRequests(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Resource", "Requester", "Priority", "Status", "Requested")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Type, r.ResourceID, r.RequesterName, r.Priority, r.Status, r.RequestedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringSliceVar(&priorities, "priority", nil, "priority filter (repeatable)")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests by --user")
	cmd.Flags().BoolVar(&highPriority, "high-priority", false, "pending HIGH and URGENT requests")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
}

func requestReviewCmd(action, short string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				review := a.Engine.ApproveRequest
				if action == "reject" {
					review = a.Engine.RejectRequest
				}
				r, err := review(ctx, args[0], userID, comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("request %s: %s\n", r.ID, r.Status)
				if r.ReviewComment != "" {
					fmt.Println(r.ReviewComment)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw your own pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.CancelRequest(ctx, args[0], userID)
				if err != nil {
					return err
				}
				fmt.Printf("request %s: %s\n", r.ID, r.Status)
				return nil
			})
		},
	}
}

func requestStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Request counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Statistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable("Total", "Pending", "Approved", "Rejected", "Applied", "Failed", "Cancelled")
				tw.AppendRow(table.Row{s.Total, s.Pending, s.Approved, s.Rejected, s.Applied, s.Failed, s.Cancelled})
				tw.Render()
				return nil
			})
		},
	}
}
