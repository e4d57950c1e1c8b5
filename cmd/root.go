// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "webhook-relay",
	Short: "Relay webhooks to a repository dispatch API",
	Long: `webhook-relay accepts webhook deliveries on the loopback interfaces and
forwards each one to the dispatch API as {"event_type", "client_payload"},
returning the upstream response to the sender unchanged.

Configuration comes from the environment (LISTEN_PORT, CERT_PATH, KEY_PATH,
UPSTREAM_URL, ...), an optional .env file and an optional YAML file.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
}
