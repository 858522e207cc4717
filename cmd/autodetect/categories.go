package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/covault/autodetect/pkg/api"
)

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage the categories rule hints resolve against",
	}
	cmd.AddCommand(categoriesAddCmd())
	cmd.AddCommand(categoriesFindCmd())
	return cmd
}

func categoriesAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <id> <name>",
		Short: "Create or rename a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := repo.UpsertCategory(cmd.Context(), api.Category{ID: args[0], Name: args[1]}); err != nil {
				return fmt.Errorf("saving category: %w", err)
			}
			logger.Info("category saved", "id", args[0], "name", args[1])
			return nil
		},
	}
}

func categoriesFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <name>",
		Short: "List categories whose name contains the given text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			cats, err := repo.CategoriesMatching(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("finding categories: %w", err)
			}
			resolved := newEngine(cfg, repo).rules.ResolveCategory(cmd.Context(), args[0])

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRESOLVED")
			for _, c := range cats {
				fmt.Fprintf(w, "%s\t%s\t%t\n", c.ID, c.Name, resolved != nil && *resolved == c.ID)
			}
			return w.Flush()
		},
	}
}
