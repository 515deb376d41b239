package cli

import (
	"github.com/spf13/cobra"
)

var Version string

// RootCmd is the attrio entry point. Running it without a subcommand
// starts the server.
var RootCmd = &cobra.Command{
	Use:   "attrio",
	Short: "Event ingestion and attribution",
	Long: `Attrio - event ingestion, identity resolution, and conversion attribution.

Attrio accepts tracking events from server-side SDKs, stitches them to
customers across cookies, logins, and email hashes, sessionizes them, and
records conversion attribution snapshots.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runServe()
		}
		return cmd.Help()
	},
}

// Execute is called by main.
func Execute(version string) error {
	Version = version
	RootCmd.Version = version
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(websiteCmd)
	RootCmd.AddCommand(tokenCmd)
	RootCmd.AddCommand(doctorCmd)
	RootCmd.AddCommand(healthcheckCmd)

	setupSelfUpgrade()
}
