package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect learned extraction rules",
	}
	cmd.AddCommand(rulesListCmd())
	cmd.AddCommand(rulesShowCmd())
	return cmd
}

func rulesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID := userFlag(cmd)

			repo, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			rules, err := newEngine(cfg, repo).rules.Rules(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Printf("No rules for user %q.\n", userID)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBANK\tAPP ID\tACTIVE\tFLAGS\tUPDATED")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
					r.ID, r.BankName, r.BankAppID, r.IsActive, r.FlaggedCount, r.UpdatedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("user", "", "User ID (default AUTODETECT_USER_ID)")
	return cmd
}

func rulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Print one rule as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			rule, err := newEngine(cfg, repo).rules.Rule(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("loading rule: %w", err)
			}
			return printJSON(rule)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userFlag returns --user, falling back to the configured user.
func userFlag(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return u
	}
	return cfg.UserID
}
