package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/client"
	"github.com/covault/autodetect/pkg/sink/sheets"
	"github.com/covault/autodetect/pkg/source/gmail"
)

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Authorize access to Gmail and Google Sheets",
		Long: `Run the OAuth consent flow and save the token used by the gmail source and
the sheets sink.`,
		RunE: runSetup,
	}

	cmd.Flags().Bool("force", false, "Re-authenticate even if a token already exists")
	cmd.Flags().Bool("no-browser", false, "Print the consent URL instead of opening a browser")

	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	noBrowser, _ := cmd.Flags().GetBool("no-browser")

	fmt.Println("=== autodetect setup ===")
	fmt.Println()

	if _, err := os.Stat(cfg.ClientSecretFile); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials file not found: %s\n\nTo get your credentials:\n"+
			"1. Go to https://console.cloud.google.com/apis/credentials\n"+
			"2. Create an OAuth 2.0 Client ID (Desktop application)\n"+
			"3. Download the JSON file and save it as '%s'", cfg.ClientSecretFile, cfg.ClientSecretFile)
	}

	if !force {
		if _, err := os.Stat(cfg.TokenFile); err == nil {
			fmt.Printf("Already authenticated. Token file exists: %s\n", cfg.TokenFile)
			fmt.Println("To re-authenticate, run: autodetect setup --force")
			return nil
		}
	}

	fmt.Println("Required permissions:")
	fmt.Println("  - Gmail: read bank alerts and mark them as read")
	fmt.Println("  - Sheets: append detected transactions")
	fmt.Println()

	ac := authConfig(cfg)
	ac.OpenBrowser = !noBrowser
	if err := client.New(ac, logger).Authorize(cmd.Context(), gmail.Scope, sheets.Scope); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Token saved to: %s\n", cfg.TokenFile)
	fmt.Println("Run 'autodetect status' to check the configuration, then 'autodetect run'.")
	return nil
}
