// Package app wires configuration, commands and the process lifecycle.
package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "mailpulse",
	Short: "Gmail push ingestion and normalization service",
	Long:  "Receives Gmail Pub/Sub push notifications, reconciles mailbox history, normalizes new messages and exposes a send API",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("http.addr", ":17899", "HTTP listen address")
	rootCmd.PersistentFlags().String("google.client-id", "", "OAuth client ID")
	rootCmd.PersistentFlags().String("google.client-secret", "", "OAuth client secret")
	rootCmd.PersistentFlags().String("google.token-file", "./data/token.json", "Path to the persisted OAuth token")
	rootCmd.PersistentFlags().String("google.oauth-url", "", "External OAuth redirect URL, defaults to http://<http.addr>/oauth")
	rootCmd.PersistentFlags().String("pubsub.topic", "", "Pub/Sub topic receiving mailbox notifications")
	rootCmd.PersistentFlags().String("checkpoint.file", "./data/checkpoint.json", "Path to the checkpoint slot")
	rootCmd.PersistentFlags().String("filter.subject", "", "Keep only messages whose subject contains this keyword")
	rootCmd.PersistentFlags().String("sender.name", "", "Display name for outbound mail")
	rootCmd.PersistentFlags().String("sender.address", "", "From address for outbound mail")
	rootCmd.PersistentFlags().String("sink.url", "", "Downstream endpoint receiving normalized records, empty disables forwarding")
	rootCmd.PersistentFlags().Int("fetch.concurrency", 4, "Concurrent message fetches per reconciliation cycle")
	rootCmd.PersistentFlags().Duration("fetch.timeout", 0, "Per-fetch timeout, 0 for the default")

	for _, key := range []string{
		"http.addr",
		"google.client-id",
		"google.client-secret",
		"google.token-file",
		"google.oauth-url",
		"pubsub.topic",
		"checkpoint.file",
		"filter.subject",
		"sender.name",
		"sender.address",
		"sink.url",
		"fetch.concurrency",
		"fetch.timeout",
	} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "godotenv.Load failed: %v\n", err)
			os.Exit(1)
		}
	}

	viper.SetEnvPrefix("MAILPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
