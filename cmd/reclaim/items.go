package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reclaim/internal/app"
	"reclaim/internal/engine"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Register and browse lost items"}
	cmd.AddCommand(itemSubmitCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemMineCmd())
	cmd.AddCommand(itemLogsCmd())
	return cmd
}

func itemSubmitCmd() *cobra.Command {
	var opts engine.ReportOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Report a lost item owned by --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := actor()
			if err != nil {
				return err
			}
			opts.Owner = owner
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ReportItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "item name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "where it was lost")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "pre-encoded fingerprint (overrides name/description/location)")
	cmd.Flags().StringVar(&opts.Reward, "reward", "", "bounty to pledge, e.g. 0.5")
	return cmd
}

func itemListCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the lost-item board, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.Board(ctx)
				if err != nil {
					return err
				}
				if open {
					kept := views[:0]
					for _, v := range views {
						if !v.IsFound {
							kept = append(kept, v)
						}
					}
					views = kept
				}
				return printItems(views)
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only items not yet found")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show an item with its metadata and bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func itemMineCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List items registered by --actor (or --owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				a, err := actor()
				if err != nil {
					return err
				}
				owner = a
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.ItemsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				return printItems(views)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner address")
	return cmd
}

func itemLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <item-id>",
		Short: "Show the ledger logs emitted for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			logs, err := ws.Chain.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(logs))
			for _, l := range logs {
				rows = append(rows, table.Row{l.TS, l.Contract, l.Name, l.TxHash})
			}
			return renderTable(logs, table.Row{"TS", "Contract", "Event", "Tx"}, rows)
		},
	}
}

func printItems(views []engine.ItemView) error {
	rows := make([]table.Row, 0, len(views))
	for _, v := range views {
		reward := "-"
		if v.Bounty != nil {
			reward = v.Bounty.Amount.String()
			if v.Bounty.Released {
				reward += " (paid)"
			}
		}
		status := "lost"
		if v.IsFound {
			status = "found"
		}
		rows = append(rows, table.Row{v.ID, v.Metadata.Name, v.Metadata.Location, status, reward, v.Owner})
	}
	return renderTable(views, table.Row{"ID", "Name", "Location", "Status", "Bounty", "Owner"}, rows)
}

func bountyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bounty", Short: "Pledge and inspect item bounties"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pledge <item-id> <amount>",
		Short: "Add to an item's bounty as --actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payer, err := actor()
			if err != nil {
				return err
			}
			amount, err := engine.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.PledgeBounty(ctx, args[0], amount, payer)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("item %s bounty now %s (%d pledges)\n", b.ItemID, b.Amount, b.Pledges)
					return nil
				}
				return printJSON(b)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <item-id>",
		Short: "Show an item's bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBounty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	})
	return cmd
}
