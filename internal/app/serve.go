package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/c64dev/mailpulse/internal/auth"
	"github.com/c64dev/mailpulse/internal/checkpoint"
	"github.com/c64dev/mailpulse/internal/gservice"
	"github.com/c64dev/mailpulse/internal/httpapi"
	"github.com/c64dev/mailpulse/internal/reconcile"
	"github.com/c64dev/mailpulse/internal/sink"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and send API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := oauthConfig()
		if err != nil {
			return err
		}

		tok, err := auth.NewToken(cfg, viper.GetString("google.token-file"))
		if err != nil {
			return fmt.Errorf("auth.NewToken failed: %w", err)
		}
		defer func() {
			if err := tok.Persist(); err != nil {
				log.Printf("tok.Persist failed: %v", err)
			}
		}()

		gm := gservice.NewGmail(cfg, tok, viper.GetDuration("fetch.timeout"))
		store := checkpoint.NewFileStore(viper.GetString("checkpoint.file"))
		rec := reconcile.New(gm, store, viper.GetString("filter.subject"), viper.GetInt("fetch.concurrency"))
		fwd := sink.New(viper.GetString("sink.url"))

		api := httpapi.NewServer(rec, gm, fwd, httpapi.Config{
			SenderName:    viper.GetString("sender.name"),
			SenderAddress: viper.GetString("sender.address"),
		})

		srv := &http.Server{
			Addr:    viper.GetString("http.addr"),
			Handler: api.Router(auth.NewHTTPHandler(tok)),
		}

		registerWatch(cmd.Context(), gm, store)

		errCh := make(chan error, 1)
		go func() {
			log.Printf("Starting HTTP server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("srv.ListenAndServe failed: %w", err)
			}
			close(errCh)
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)

		select {
		case err := <-errCh:
			return err
		case <-shutdown:
			log.Println("Shutdown signal received")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("srv.Shutdown failed: %w", err)
		}
		log.Println("HTTP server stopped")

		return nil
	},
}

// registerWatch renews the mailbox watch at startup and seeds the checkpoint
// from the watch response when no prior one exists. Failures are logged, not
// fatal: the webhook can still serve notifications from an earlier watch.
func registerWatch(ctx context.Context, gm *gservice.GMail, store *checkpoint.FileStore) {
	topic := viper.GetString("pubsub.topic")
	if topic == "" {
		log.Println("pubsub.topic not set, skipping watch registration")
		return
	}

	resp, err := gm.Watch(ctx, topic)
	if err != nil {
		log.Printf("watch registration failed: %v", err)
		return
	}
	log.Printf("Watch registered: historyId=%d expiration=%d", resp.HistoryId, resp.Expiration)

	if _, ok, err := store.Load(); err == nil && !ok && resp.HistoryId > 0 {
		if err := store.Save(resp.HistoryId); err != nil {
			log.Printf("seeding checkpoint failed: %v", err)
		}
	}
}

func oauthConfig() (*oauth2.Config, error) {
	clientID := viper.GetString("google.client-id")
	clientSecret := viper.GetString("google.client-secret")
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("google.client-id and google.client-secret must be configured")
	}

	redirectURL := viper.GetString("google.oauth-url")
	if redirectURL == "" {
		redirectURL = fmt.Sprintf("http://localhost%s/oauth", viper.GetString("http.addr"))
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}, nil
}
