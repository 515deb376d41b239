package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/models"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage ingestion tokens",
	Long: `Manage the bearer tokens SDKs authenticate with.

A token is shown in full exactly once, at creation. Only its hash is
stored; a lost token must be revoked and re-issued.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var (
	tokenCreateName      string
	tokenCreateExpires   string
	tokenCreateAllowlist string
)

var tokenCreateCmd = &cobra.Command{
	Use:   "create <domain>",
	Short: "Mint an ingestion token for a website",
	Long: `Mint a new ingestion token for the website with the given domain.

Options:
  --name        Label for the token (e.g. "production backend")
  --expires     Expiry as a duration from now (e.g. 720h); never when omitted
  --allow-ips   Comma-separated IP allowlist; all IPs allowed when omitted

Example:
  attrio token create shop.example.com --name backend --allow-ips "10.0.0.5"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTokenCreate(args[0], tokenCreateName, tokenCreateExpires, tokenCreateAllowlist)
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list <domain>",
	Short: "List tokens for a website",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTokenList(args[0])
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke a token by its prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTokenRevoke(args[0])
	},
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenCreateName, "name", "", "Label for the token")
	tokenCreateCmd.Flags().StringVar(&tokenCreateExpires, "expires", "", "Expiry duration from now (e.g. 720h)")
	tokenCreateCmd.Flags().StringVar(&tokenCreateAllowlist, "allow-ips", "", "Comma-separated IP allowlist")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

func runTokenCreate(domain, name, expires, allowlist string) error {
	if _, err := connectForCLI(); err != nil {
		return err
	}
	defer func() {
		_ = database.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	website, err := models.GetWebsiteByDomain(ctx, database.DB, domain)
	if err != nil {
		return fmt.Errorf("website %q not found", domain)
	}

	plaintext, prefix, hash, err := models.GenerateToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	token := &models.IngestionToken{
		WebsiteID: website.ID,
		Prefix:    prefix,
		TokenHash: hash,
	}
	if name != "" {
		token.Name = &name
	}
	if expires != "" {
		d, err := time.ParseDuration(expires)
		if err != nil {
			return fmt.Errorf("invalid --expires duration: %w", err)
		}
		expiresAt := time.Now().Add(d)
		token.ExpiresAt = &expiresAt
	}
	if allowlist != "" {
		for _, ip := range strings.Split(allowlist, ",") {
			if trimmed := strings.TrimSpace(ip); trimmed != "" {
				token.IPAllowlist = append(token.IPAllowlist, trimmed)
			}
		}
	}

	if err := models.CreateIngestionToken(ctx, database.DB, token); err != nil {
		return fmt.Errorf("create token: %w", err)
	}

	fmt.Printf("Created token %s for %s\n\n", prefix, website.Domain)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Store this token now; it will not be shown again:")
		fmt.Println()
		fmt.Printf("  %s\n", plaintext)
	} else {
		// Piped output gets the bare token for scripting.
		fmt.Println(plaintext)
	}
	return nil
}

func runTokenList(domain string) error {
	if _, err := connectForCLI(); err != nil {
		return err
	}
	defer func() {
		_ = database.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	website, err := models.GetWebsiteByDomain(ctx, database.DB, domain)
	if err != nil {
		return fmt.Errorf("website %q not found", domain)
	}

	tokens, err := models.ListTokensForWebsite(ctx, database.DB, website.ID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tNAME\tSTATUS\tLAST USED\tCREATED")
	for _, token := range tokens {
		name := ""
		if token.Name != nil {
			name = *token.Name
		}
		status := "active"
		if token.RevokedAt != nil {
			status = "revoked"
		} else if token.ExpiresAt != nil && token.ExpiresAt.Before(time.Now()) {
			status = "expired"
		}
		lastUsed := "never"
		if token.LastUsedAt != nil {
			lastUsed = token.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			token.Prefix, name, status, lastUsed, token.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func runTokenRevoke(prefix string) error {
	if _, err := connectForCLI(); err != nil {
		return err
	}
	defer func() {
		_ = database.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	revoked, err := models.RevokeToken(ctx, database.DB, prefix)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if !revoked {
		return fmt.Errorf("no active token with prefix %q", prefix)
	}
	fmt.Printf("Revoked token %s\n", prefix)
	return nil
}
