package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/feedback"
	"github.com/covault/autodetect/pkg/sink/json"
)

func flagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Report a mis-parsed notification and regenerate its rule",
		Long: `Flag a detection as wrong. Either name a transaction written by the json
sink with --transaction, or give --rule and --text directly. The flag is
rate limited per user (FLAG_DAILY_LIMIT, FLAG_WEEKLY_LIMIT).`,
		Example: `  autodetect flag --transaction 6f1c... --vendor "Corner Store" --amount 12.40
  autodetect flag --rule 2b9e... --text "You spent $12.40 at Corner Store"`,
		RunE: runFlag,
	}

	cmd.Flags().String("transaction", "", "ID of a transaction in the json sink output")
	cmd.Flags().String("rule", "", "Rule ID to flag")
	cmd.Flags().String("text", "", "Raw notification text the rule mis-parsed")
	cmd.Flags().String("user", "", "User ID (default AUTODETECT_USER_ID)")
	cmd.Flags().String("vendor", "", "Expected vendor")
	cmd.Flags().Float64("amount", 0, "Expected amount")
	cmd.MarkFlagsMutuallyExclusive("transaction", "rule")
	cmd.MarkFlagsMutuallyExclusive("transaction", "text")

	return cmd
}

func runFlag(cmd *cobra.Command, _ []string) error {
	var (
		expectedVendor *string
		expectedAmount *float64
	)
	if v, _ := cmd.Flags().GetString("vendor"); v != "" {
		expectedVendor = &v
	}
	if cmd.Flags().Changed("amount") {
		a, _ := cmd.Flags().GetFloat64("amount")
		expectedAmount = &a
	}

	req, err := flagRequest(cmd, expectedVendor, expectedAmount)
	if errors.Is(err, api.ErrNotFlaggable) || errors.Is(err, api.ErrNotFound) {
		fmt.Println(api.UserMessage(err))
	}
	if err != nil {
		return err
	}

	repo, closeStore, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	err = newEngine(cfg, repo).workflow.FlagAndRegenerate(cmd.Context(), req)
	fmt.Println(api.UserMessage(err))
	return err
}

func flagRequest(cmd *cobra.Command, expectedVendor *string, expectedAmount *float64) (feedback.FlagRequest, error) {
	if id, _ := cmd.Flags().GetString("transaction"); id != "" {
		sink, err := json.New(json.Config{FilePath: cfg.JSON.OutputPath}, logger)
		if err != nil {
			return feedback.FlagRequest{}, fmt.Errorf("reading transactions: %w", err)
		}
		txn, ok := sink.Transaction(id)
		if !ok {
			return feedback.FlagRequest{}, fmt.Errorf("transaction %s: %w", id, api.ErrNotFound)
		}
		return feedback.RequestFor(txn, expectedVendor, expectedAmount)
	}

	ruleID, _ := cmd.Flags().GetString("rule")
	text, _ := cmd.Flags().GetString("text")
	if ruleID == "" || text == "" {
		return feedback.FlagRequest{}, errors.New("either --transaction or both --rule and --text are required")
	}
	return feedback.FlagRequest{
		UserID:          userFlag(cmd),
		RuleID:          ruleID,
		RawNotification: text,
		ExpectedVendor:  expectedVendor,
		ExpectedAmount:  expectedAmount,
	}, nil
}
