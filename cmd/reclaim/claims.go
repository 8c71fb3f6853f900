package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"reclaim/internal/domain"
	"reclaim/internal/engine"
)

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "File and settle claims",
		Long:  "A claim is keyed by (item, finder). Accepting it runs the settlement: verify, release, bookkeeping.",
	}
	cmd.AddCommand(claimFileCmd())
	cmd.AddCommand(claimListCmd())
	cmd.AddCommand(claimAcceptCmd())
	cmd.AddCommand(claimRejectCmd())
	cmd.AddCommand(claimRetryCmd())
	return cmd
}

func claimFileCmd() *cobra.Command {
	var details domain.ClaimDetails
	cmd := &cobra.Command{
		Use:   "file <item-id>",
		Short: "File a claim as --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			finder, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FileClaim(ctx, args[0], finder, details)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&details.Description, "description", "", "what was found")
	cmd.Flags().StringVar(&details.Location, "location", "", "where it was found")
	cmd.Flags().StringVar(&details.Contact, "contact", "", "how the owner can reach you")
	return cmd
}

func claimListCmd() *cobra.Command {
	var itemID, role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims on an item, or those involving --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					claims []domain.Claim
					err    error
				)
				switch {
				case itemID != "":
					claims, err = e.ListClaimsForItem(ctx, itemID)
				default:
					a, aerr := actor()
					if aerr != nil {
						return aerr
					}
					switch role {
					case "owner":
						claims, err = e.ListClaimsForOwner(ctx, a)
					case "finder":
						claims, err = e.ListClaimsByFinder(ctx, a)
					default:
						return fmt.Errorf("--role must be owner or finder")
					}
				}
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(claims))
				for _, c := range claims {
					rows = append(rows, table.Row{c.ItemID, c.Finder, c.Status, orDash(c.Details.Location), orDash(c.Reason), c.UpdatedAt})
				}
				return renderTable(claims, table.Row{"Item", "Finder", "Status", "Location", "Reason", "Updated"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&role, "role", "owner", "owner|finder when --item is not set")
	return cmd
}

func claimAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <item-id> <finder>",
		Short: "Accept a claim as --actor and settle it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AcceptClaim(ctx, args[0], args[1], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func claimRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <item-id> <finder>",
		Short: "Reject a pending claim as the item owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RejectClaim(ctx, args[0], args[1], reason, caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the claim is rejected")
	return cmd
}

func claimRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id> <finder>",
		Short: "Resume an unfinished settlement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RetrySettlementAs(ctx, args[0], args[1], caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func settlementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settlement", Short: "Inspect and resume settlements"}
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the settlement journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSettlements(ctx, state)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					next := "-"
					if s.NextAttemptAt != nil {
						next = *s.NextAttemptAt
					}
					rows = append(rows, table.Row{s.ItemID, s.Finder, s.State, s.Attempts, orDash(s.FailedStep), next, orDash(s.LastError)})
				}
				return renderTable(items, table.Row{"Item", "Finder", "State", "Attempts", "Failed step", "Next attempt", "Last error"}, rows)
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "verifying|partially_settled|settled|failed")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "retry-due",
		Short: "Resume every settlement whose backoff has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RetryDue(ctx, e.Now())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(out))
				for _, o := range out {
					rows = append(rows, table.Row{o.ItemID, o.Finder, orDash(o.State), orDash(o.Error)})
				}
				return renderTable(out, table.Row{"Item", "Finder", "State", "Error"}, rows)
			})
		},
	})
	return cmd
}

func disputeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dispute", Short: "Contest rejected claims"}

	var finder, reason string
	open := &cobra.Command{
		Use:   "open <item-id>",
		Short: "Open a dispute over a rejected claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, err := actor()
			if err != nil {
				return err
			}
			if finder == "" {
				finder = by
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.OpenDispute(ctx, args[0], finder, by, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	open.Flags().StringVar(&finder, "finder", "", "finder whose claim is disputed (default --actor)")
	open.Flags().StringVar(&reason, "reason", "", "grounds for the dispute")
	cmd.AddCommand(open)

	var outcome, note string
	resolve := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve a dispute as an arbiter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arbiter, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveDispute(ctx, args[0], arbiter, outcome, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	resolve.Flags().StringVar(&outcome, "outcome", "", "uphold|award")
	resolve.Flags().StringVar(&note, "note", "", "resolution note")
	_ = resolve.MarkFlagRequired("outcome")
	cmd.AddCommand(resolve)

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDisputes(ctx, status)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, d := range items {
					rows = append(rows, table.Row{d.ID, d.ItemID, d.Finder, d.Status, orDash(d.Reason), orDash(d.ResolvedBy)})
				}
				return renderTable(items, table.Row{"ID", "Item", "Finder", "Status", "Reason", "Resolved by"}, rows)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "open|upheld|awarded")
	cmd.AddCommand(list)
	return cmd
}
