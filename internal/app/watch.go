package app

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/c64dev/mailpulse/internal/auth"
	"github.com/c64dev/mailpulse/internal/gservice"
)

// Gmail watches expire after about a week; this command renews one without
// restarting the server, e.g. from a cron job.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Renew the mailbox push-notification watch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		topic := viper.GetString("pubsub.topic")
		if topic == "" {
			return errors.New("pubsub.topic must be configured")
		}

		cfg, err := oauthConfig()
		if err != nil {
			return err
		}

		tok, err := auth.NewToken(cfg, viper.GetString("google.token-file"))
		if err != nil {
			return fmt.Errorf("auth.NewToken failed: %w", err)
		}

		gm := gservice.NewGmail(cfg, tok, viper.GetDuration("fetch.timeout"))

		resp, err := gm.Watch(cmd.Context(), topic)
		if err != nil {
			return fmt.Errorf("gm.Watch failed: %w", err)
		}

		log.Printf("Watch renewed: historyId=%d expires=%s",
			resp.HistoryId, time.UnixMilli(resp.Expiration).Format(time.RFC3339))

		return nil
	},
}
