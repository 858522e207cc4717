package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/internal/plugins"
	"github.com/covault/autodetect/pkg/client"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, credentials and the rule store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runStatus(cmd.Context())
			return nil
		},
	}
}

func runStatus(ctx context.Context) {
	fmt.Println("=== autodetect status ===")
	fmt.Println()

	allGood := true
	check := func(label string, err error, ok string) {
		fmt.Printf("%s: ", label)
		if err != nil {
			fmt.Printf("✗ %v\n", err)
			allGood = false
			return
		}
		fmt.Printf("✓ %s\n", ok)
	}

	check("Configuration", cfg.Validate(), fmt.Sprintf("source=%s sink=%s store=%s", cfg.Source, cfg.Sink, cfg.Store))

	registry := plugins.Default()
	if cfg.NeedsGoogle() {
		_, err := os.Stat(cfg.ClientSecretFile)
		check(fmt.Sprintf("Credentials file (%s)", cfg.ClientSecretFile), err, "found")

		tok, err := client.TokenFromFile(cfg.TokenFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			check(fmt.Sprintf("OAuth token (%s)", cfg.TokenFile), errors.New("not found (run 'autodetect setup')"), "")
		case err != nil:
			check(fmt.Sprintf("OAuth token (%s)", cfg.TokenFile), err, "")
		case tok.Expiry.Before(time.Now()):
			check(fmt.Sprintf("OAuth token (%s)", cfg.TokenFile), nil, "expired (will refresh on next run)")
		default:
			check(fmt.Sprintf("OAuth token (%s)", cfg.TokenFile), nil, "valid until "+tok.Expiry.Format(time.RFC3339))
		}

		if scopes, err := registry.Scopes(cfg.Source, cfg.Sink); err == nil {
			fmt.Printf("Required scopes: %v\n", scopes)
		}
	}

	if cfg.Gemini.APIKey == "" {
		check("Rule generator", errors.New("GEMINI_API_KEY not set; detections will use fallback fields"), "")
	} else {
		check("Rule generator", nil, "configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		check("Rule store", err, "")
	} else {
		defer closeStore()
		rules, err := repo.ListRules(ctx, cfg.UserID)
		check("Rule store", err, fmt.Sprintf("%d rules for user %q", len(rules), cfg.UserID))
	}

	fmt.Println()
	if allGood {
		fmt.Println("Status: ✓ Ready to run")
		return
	}
	fmt.Println("Status: ✗ Configuration issues detected")
}
