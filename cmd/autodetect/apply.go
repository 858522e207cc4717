package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
)

func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [text]",
		Short: "Try extraction patterns against a notification",
		Long: `Apply an amount and vendor pattern pair to notification text (an argument,
or stdin when omitted) and print what would be extracted. Use --rule to test
a stored rule instead of explicit patterns.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runApply,
	}

	cmd.Flags().String("amount-regex", "", "Amount pattern; group 1 captures the amount")
	cmd.Flags().String("vendor-regex", "", "Vendor pattern; group 1 captures the vendor")
	cmd.Flags().String("rule", "", "Stored rule ID to apply")
	cmd.MarkFlagsMutuallyExclusive("rule", "amount-regex")
	cmd.MarkFlagsMutuallyExclusive("rule", "vendor-regex")
	cmd.MarkFlagsRequiredTogether("amount-regex", "vendor-regex")

	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	text, err := notificationText(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	patterns := api.Patterns{}
	patterns.AmountPattern, _ = cmd.Flags().GetString("amount-regex")
	patterns.VendorPattern, _ = cmd.Flags().GetString("vendor-regex")

	if ruleID, _ := cmd.Flags().GetString("rule"); ruleID != "" {
		repo, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		rule, err := repo.RuleByID(cmd.Context(), ruleID)
		if err != nil {
			return fmt.Errorf("loading rule: %w", err)
		}
		patterns = rule.Patterns()
	}
	if patterns.AmountPattern == "" {
		return errors.New("either --rule or --amount-regex and --vendor-regex are required")
	}

	for _, p := range []string{patterns.AmountPattern, patterns.VendorPattern} {
		if res := extract.Compile(p); !res.OK() {
			return fmt.Errorf("invalid pattern %q: %w", p, res.Err)
		}
	}

	out := cmd.OutOrStdout()
	if res, ok := extract.NewApplier(logger).Apply(patterns.AmountPattern, patterns.VendorPattern, text); ok {
		fmt.Fprintf(out, "matched\nvendor: %s\namount: %.2f\n", res.Vendor, res.Amount)
		return nil
	}

	fmt.Fprintln(out, "no match")
	vendor, amount := extract.Heuristic(text)
	fmt.Fprintf(out, "heuristic fallback\nvendor: %s\namount: %s\n", orNone(vendor), orNoneAmount(amount))
	return nil
}

func notificationText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return extract.Normalize(args[0]), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	text := extract.Normalize(string(b))
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no notification text given")
	}
	return text, nil
}

func orNone(s *string) string {
	if s == nil {
		return "(none)"
	}
	return *s
}

func orNoneAmount(f *float64) string {
	if f == nil {
		return "(none)"
	}
	return fmt.Sprintf("%.2f", *f)
}
