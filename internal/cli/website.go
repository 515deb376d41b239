package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/attrio/attrio/internal/config"
	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

var websiteCmd = &cobra.Command{
	Use:   "website",
	Short: "Manage tracked websites",
	Long: `Manage the websites events are ingested for.

Ingestion tokens are always scoped to a website; create the website first,
then mint tokens for it with "attrio token create".`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var websiteListFormat string

var websiteListCmd = &cobra.Command{
	Use:   "list [--format json|table]",
	Short: "List tracked websites",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWebsiteList(websiteListFormat)
	},
}

var websiteCreateName string

var websiteCreateCmd = &cobra.Command{
	Use:   "create <domain> [--name <name>]",
	Short: "Create a new tracked website",
	Long: `Create a new website for event ingestion.

Arguments:
  domain    Domain name for the website (required)

Options:
  --name    Display name (defaults to domain)

Example:
  attrio website create shop.example.com --name "Example Shop"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWebsiteCreate(args[0], websiteCreateName)
	},
}

func init() {
	websiteListCmd.Flags().StringVar(&websiteListFormat, "format", "table", "Output format: table or json")
	websiteCreateCmd.Flags().StringVar(&websiteCreateName, "name", "", "Display name for the website")

	websiteCmd.AddCommand(websiteListCmd)
	websiteCmd.AddCommand(websiteCreateCmd)
}

// connectForCLI opens the database for a one-shot administrative command.
func connectForCLI() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required (config file or environment)")
	}
	if err := database.ConnectURL(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWebsiteCreate(domain, name string) error {
	if _, err := connectForCLI(); err != nil {
		return err
	}
	defer func() {
		_ = database.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if name == "" {
		name = domain
	}

	if existing, err := models.GetWebsiteByDomain(ctx, database.DB, domain); err == nil {
		return fmt.Errorf("website %q already exists (id %d)", existing.Domain, existing.ID)
	}

	website, err := models.CreateWebsite(ctx, database.DB, domain, name)
	if err != nil {
		return fmt.Errorf("create website: %w", err)
	}

	fmt.Printf("Created website %q (id %d)\n", website.Domain, website.ID)
	return nil
}

func runWebsiteList(format string) error {
	if _, err := connectForCLI(); err != nil {
		return err
	}
	defer func() {
		_ = database.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	websites, err := models.ListWebsites(ctx, database.DB)
	if err != nil {
		return fmt.Errorf("list websites: %w", err)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(websites)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tNAME\tCREATED")
		for _, site := range websites {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				site.ID, site.Domain, site.Name, site.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table or json)", format)
	}
}
