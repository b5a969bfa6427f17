package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rulegate/internal/app"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
)

// rulesFile is the YAML layout accepted by resource register --rules-file.
type rulesFile struct {
	Rules []struct {
		ID          string   `yaml:"id"`
		Direction   string   `yaml:"direction"`
		Protocol    string   `yaml:"protocol"`
		Ports       string   `yaml:"ports"`
		CIDRs       []string `yaml:"cidrs"`
		IPv6CIDRs   []string `yaml:"ipv6_cidrs"`
		PeerGroups  []string `yaml:"peer_groups"`
		Description string   `yaml:"description"`
		ExpiresAt   string   `yaml:"expires_at"`
		AutoDelete  bool     `yaml:"auto_delete"`
	} `yaml:"rules"`
}

func loadRulesFile(path string, now time.Time) ([]engine.RuleInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var out []engine.RuleInput
	for i, r := range f.Rules {
		rf := ruleFlags{
			direction:   r.Direction,
			protocol:    r.Protocol,
			ports:       r.Ports,
			cidrs:       r.CIDRs,
			ipv6:        r.IPv6CIDRs,
			peers:       r.PeerGroups,
			description: r.Description,
			expiresAt:   r.ExpiresAt,
			autoDelete:  r.AutoDelete,
		}
		if rf.direction == "" {
			rf.direction = string(domain.Inbound)
		}
		spec, err := rf.spec(now)
		if err != nil {
			return nil, fmt.Errorf("%s: rule %d: %w", path, i, err)
		}
		out = append(out, engine.RuleInput{ID: r.ID, Spec: spec})
	}
	return out, nil
}

func resourceCmd() *cobra.Command {
	res := &cobra.Command{Use: "resource", Short: "Managed security groups"}
	res.AddCommand(resourceRegisterCmd())
	res.AddCommand(resourceListCmd())
	res.AddCommand(resourceShowCmd())
	res.AddCommand(resourceExpiryCmd())
	res.AddCommand(resourceRuleExpiryCmd())
	res.AddCommand(resourceDeleteCmd())
	return res
}

func resourceRegisterCmd() *cobra.Command {
	var in engine.ResourceInput
	var expiresAt, rulesPath string
	var tags map[string]string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a security group and its current rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			now := time.Now()
			if in.ExpiresAt, err = parseExpiry(expiresAt, now); err != nil {
				return err
			}
			if rulesPath != "" {
				if in.Rules, err = loadRulesFile(rulesPath, now); err != nil {
					return err
				}
			}
			in.Tags = tags
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RegisterResource(ctx, in, userID)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.ExternalID, "external-id", "", "provider id, e.g. sg-0123")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.NetworkID, "network", "", "VPC id")
	cmd.Flags().StringVar(&in.OwnerID, "owner", "", "owning user id")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "key=value tag (repeatable)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "RFC3339 time or duration from now")
	cmd.Flags().BoolVar(&in.AutoDelete, "auto-delete", false, "delete the group when it expires")
	cmd.Flags().StringVar(&rulesPath, "rules-file", "", "YAML file with the group's current rules")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func resourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListResources(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "External ID", "Name", "Owner", "Rules", "Expires")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.ExternalID, r.Name, r.OwnerID, len(r.Rules), formatExpiry(r.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func resourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a resource and its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s (%s) owner=%s expires=%s\n", res.Name, res.ExternalID, res.OwnerID, formatExpiry(res.ExpiresAt))
				tw := newTable("Rule", "Direction", "Protocol", "Ports", "Sources", "Expires")
				for _, r := range res.Rules {
					tw.AppendRow(table.Row{r.ID, r.Direction, r.Protocol, formatPorts(r.RuleSpec), formatSources(r.RuleSpec), formatExpiry(r.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func expiryFlags(cmd *cobra.Command, at *string, autoDelete, clear *bool) {
	cmd.Flags().StringVar(at, "at", "", "RFC3339 time or duration from now")
	cmd.Flags().BoolVar(autoDelete, "auto-delete", false, "delete when it expires")
	cmd.Flags().BoolVar(clear, "clear", false, "remove the expiry")
}

func expiryArg(at string, clear bool) (*time.Time, error) {
	if clear {
		return nil, nil
	}
	if at == "" {
		return nil, fmt.Errorf("--at or --clear required")
	}
	return parseExpiry(at, time.Now())
}

func resourceExpiryCmd() *cobra.Command {
	var at string
	var autoDelete, clear bool
	cmd := &cobra.Command{
		Use:   "expiry <id>",
		Short: "Set or clear the group expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			expiresAt, err := expiryArg(at, clear)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SetResourceExpiry(ctx, args[0], expiresAt, autoDelete, userID)
				if err != nil {
					return err
				}
				fmt.Printf("resource %s expires %s\n", res.ID, formatExpiry(res.ExpiresAt))
				return nil
			})
		},
	}
	expiryFlags(cmd, &at, &autoDelete, &clear)
	return cmd
}

func resourceRuleExpiryCmd() *cobra.Command {
	var at string
	var autoDelete, clear bool
	cmd := &cobra.Command{
		Use:   "rule-expiry <resource-id> <rule-id>",
		Short: "Set or clear a rule expiry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			expiresAt, err := expiryArg(at, clear)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rule, err := a.Engine.SetRuleExpiry(ctx, args[0], args[1], expiresAt, autoDelete, userID)
				if err != nil {
					return err
				}
				fmt.Printf("rule %s expires %s\n", rule.ID, formatExpiry(rule.ExpiresAt))
				return nil
			})
		},
	}
	expiryFlags(cmd, &at, &autoDelete, &clear)
	return cmd
}

func resourceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete the security group at the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteResource(ctx, args[0], userID); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Expiry schedules"}
	sc.AddCommand(scheduleAddCmd())
	sc.AddCommand(scheduleListCmd())
	sc.AddCommand(scheduleCancelCmd())
	return sc
}

func scheduleAddCmd() *cobra.Command {
	var in engine.ScheduleInput
	var at, action string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule an expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			expiresAt, err := parseExpiry(at, time.Now())
			if err != nil {
				return err
			}
			if expiresAt == nil {
				return fmt.Errorf("--at required")
			}
			in.ExpiresAt = *expiresAt
			in.Action = domain.ExpiryAction(strings.ToUpper(action))
			in.CreatedBy = userID
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.ScheduleExpiry(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&in.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&in.RuleID, "rule", "", "rule id (for DELETE_RULE)")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time or duration from now")
	cmd.Flags().StringVar(&action, "action", string(domain.ActionNotifyOnly), "DELETE_RULE, DELETE_GROUP or NOTIFY_ONLY")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var resourceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Active schedules, or all schedules of --resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.ExpirySchedule
					err   error
				)
				if resourceID != "" {
					items, err = a.Engine.ListSchedulesForResource(ctx, resourceID)
				} else {
					items, err = a.Engine.ListActiveSchedules(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Resource", "Rule", "Action", "Expires", "Status", "Result")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ResourceID, s.RuleID, s.Action, s.ExpiresAt.Format(time.RFC3339), s.Status, s.ExecutionResult})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	return cmd
}

func scheduleCancelCmd() *cobra.Command {
	var resourceID, ruleID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel active schedules of a resource or one of its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var n int
				var err error
				if ruleID != "" {
					n, err = a.Engine.CancelRuleExpiry(ctx, resourceID, ruleID, userID)
				} else {
					n, err = a.Engine.CancelExpiry(ctx, resourceID, userID)
				}
				if err != nil {
					return err
				}
				fmt.Printf("cancelled %d schedule(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&ruleID, "rule", "", "rule id")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func formatPorts(s domain.RuleSpec) string {
	switch {
	case s.FromPort == nil:
		return "all"
	case s.ToPort == nil || *s.FromPort == *s.ToPort:
		return fmt.Sprint(*s.FromPort)
	default:
		return fmt.Sprintf("%d-%d", *s.FromPort, *s.ToPort)
	}
}

func formatSources(s domain.RuleSpec) string {
	var out []string
	out = append(out, s.CIDRs...)
	out = append(out, s.IPv6CIDRs...)
	for _, g := range s.PeerGroups {
		out = append(out, g.GroupID)
	}
	return strings.Join(out, ", ")
}
