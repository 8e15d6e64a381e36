// factumd serves the webhook truth engine over HTTP: one ingest endpoint
// per configured provider, a Prometheus metrics endpoint, and background
// loops for outbox draining and log retention.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/factum-dev/factum/engine"
	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/hooks/promhooks"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/providers/mock"
	"github.com/factum-dev/factum/providers/paystack"
	"github.com/factum-dev/factum/providers/stripe"
	"github.com/factum-dev/factum/providers/truelayer"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
	"github.com/factum-dev/factum/storage/sqlstore"
)

// maxBodyBytes bounds an inbound delivery. Providers send kilobytes; a
// larger body is not a webhook.
const maxBodyBytes = 1 << 20

// providerConfig is the switch block shared by the concrete providers.
type providerConfig struct {
	Enabled bool     `long:"enabled" env:"ENABLED" description:"Accept this provider's webhooks"`
	APIKey  string   `long:"api-key" env:"API_KEY" description:"API key for status verification, empty to disable"`
	Secrets []string `long:"secret" env:"SECRETS" env-delim:"," description:"Accepted webhook signing secrets, current first during rotation"`
}

// Config is the top-level configuration object of factumd.
var Config = new(struct {
	HTTP struct {
		Address string `long:"address" env:"ADDRESS" default:":8080" description:"Address to serve webhooks and metrics on"`
	} `group:"HTTP" namespace:"http" env-namespace:"HTTP"`

	DB struct {
		Postgres string `long:"postgres" env:"POSTGRES" description:"PostgreSQL DSN, takes precedence over SQLite"`
		SQLite   string `long:"sqlite" env:"SQLITE" default:"factum.db" description:"SQLite database path"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Engine engine.Config `group:"Engine" namespace:"engine" env-namespace:"ENGINE"`

	Paystack  providerConfig `group:"Paystack" namespace:"paystack" env-namespace:"PAYSTACK"`
	Stripe    providerConfig `group:"Stripe" namespace:"stripe" env-namespace:"STRIPE"`
	TrueLayer providerConfig `group:"TrueLayer" namespace:"truelayer" env-namespace:"TRUELAYER"`

	Mock struct {
		Enabled bool     `long:"enabled" env:"ENABLED" description:"Accept mock-provider webhooks (development only)"`
		Secrets []string `long:"secret" env:"SECRETS" env-delim:"," description:"Accepted mock signing secrets"`
	} `group:"Mock" namespace:"mock" env-namespace:"MOCK"`

	Outbox struct {
		Endpoint      string        `long:"endpoint" env:"ENDPOINT" description:"URL pending outbox payloads are POSTed to"`
		DrainInterval time.Duration `long:"drain-interval" env:"DRAIN_INTERVAL" default:"5s" description:"How often pending outbox rows are drained"`
		DrainLimit    int           `long:"drain-limit" env:"DRAIN_LIMIT" default:"100" description:"Rows drained per tick"`
	} `group:"Outbox" namespace:"outbox" env-namespace:"OUTBOX"`

	PurgeInterval time.Duration `long:"purge-interval" env:"PURGE_INTERVAL" default:"1h" description:"How often expired webhook and dispatch logs are purged"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog(Config.Log)
	log.WithFields(log.Fields{"config": Config}).Info("factumd configuration")

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var store, err = openStore(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	var adapters, secrets = buildAdapters()
	registry, err := providers.NewRegistry(adapters...)
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	var cfg = Config.Engine
	cfg.Secrets = secrets
	eng, err := engine.New(cfg, store, registry, engine.WithMonitor(promhooks.Monitor{}))
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}

	var router = chi.NewRouter()
	router.Post("/hooks/{provider}", handleHook(eng))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	var srv = &http.Server{Addr: Config.HTTP.Address, Handler: router}
	var group, gctx = errgroup.WithContext(ctx)

	group.Go(func() error {
		log.WithField("address", Config.HTTP.Address).Info("serving webhooks")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if Config.Engine.OutboxEnabled {
		group.Go(func() error { return drainOutboxLoop(gctx, eng) })
	}
	if policy := eng.RetentionPolicy(); policy.WebhookLogDays > 0 || policy.DispatchLogDays > 0 {
		group.Go(func() error { return purgeLoop(gctx, eng) })
	}

	err = group.Wait()
	log.Info("goodbye")
	return err
}

func openStore(ctx context.Context) (*sqlstore.Store, error) {
	if Config.DB.Postgres != "" {
		return sqlstore.OpenPostgres(ctx, Config.DB.Postgres)
	}
	return sqlstore.OpenSQLite(ctx, Config.DB.SQLite)
}

func buildAdapters() ([]providers.Adapter, map[string][]string) {
	var adapters []providers.Adapter
	var secrets = make(map[string][]string)

	if Config.Paystack.Enabled {
		adapters = append(adapters, paystack.New(Config.Paystack.APIKey))
		secrets["paystack"] = Config.Paystack.Secrets
	}
	if Config.Stripe.Enabled {
		adapters = append(adapters, stripe.New(Config.Stripe.APIKey))
		secrets["stripe"] = Config.Stripe.Secrets
	}
	if Config.TrueLayer.Enabled {
		adapters = append(adapters, truelayer.New(Config.TrueLayer.APIKey))
		secrets["truelayer"] = Config.TrueLayer.Secrets
	}
	if Config.Mock.Enabled {
		adapters = append(adapters, mock.New())
		secrets["mock"] = Config.Mock.Secrets
	}
	return adapters, secrets
}

// hookResponse is the body returned for every classified delivery. Providers
// treat any 2xx as delivered, so classification detail is informational.
type hookResponse struct {
	Fate          storage.Fate  `json:"fate"`
	WebhookLogID  string        `json:"webhook_log_id,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	EventType     events.Type   `json:"event_type,omitempty"`
	StateChanged  bool          `json:"state_changed"`
	From          states.Status `json:"from,omitempty"`
	To            states.Status `json:"to,omitempty"`
	Error         string        `json:"error,omitempty"`
}

func handleHook(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var provider = chi.URLParam(req, "provider")

		var body, err = io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		res, err := eng.Process(req.Context(), provider, body, req.Header)
		switch {
		case errors.Is(err, providers.ErrUnknownProvider):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			// Nothing durable was recorded. A 5xx asks the provider to
			// redeliver once storage recovers.
			log.WithField("provider", provider).WithError(err).Error("delivery not recorded")
			http.Error(w, "delivery could not be recorded", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hookResponse{
			Fate:          res.Fate,
			WebhookLogID:  res.WebhookLogID,
			TransactionID: res.TransactionID,
			EventType:     res.EventType,
			StateChanged:  res.StateChanged,
			From:          res.From,
			To:            res.To,
			Error:         res.ErrorMessage,
		})
	}
}

func drainOutboxLoop(ctx context.Context, eng *engine.Engine) error {
	if Config.Outbox.Endpoint == "" {
		log.Warn("outbox enabled without --outbox.endpoint; rows will accumulate until drained externally")
		return nil
	}
	var client = &http.Client{Timeout: 15 * time.Second}
	var ticker = time.NewTicker(Config.Outbox.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var n, err = eng.DrainOutbox(ctx, Config.Outbox.DrainLimit, func(row storage.OutboxEvent) error {
			return postOutbox(ctx, client, row)
		})
		if err != nil {
			log.WithError(err).Warn("outbox drain failed")
		} else if n > 0 {
			log.WithField("delivered", n).Debug("drained outbox")
		}
	}
}

func postOutbox(ctx context.Context, client *http.Client, row storage.OutboxEvent) error {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		Config.Outbox.Endpoint, bytes.NewReader(row.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("outbox endpoint returned %s", resp.Status)
	}
	return nil
}

func purgeLoop(ctx context.Context, eng *engine.Engine) error {
	var ticker = time.NewTicker(Config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := eng.Service.PurgeExpiredLogs(ctx, eng.RetentionPolicy()); err != nil {
			log.WithError(err).Warn("retention purge failed")
		}
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the webhook truth engine", `
Serve the factum webhook endpoint with the provided configuration, until
signaled to exit (via SIGTERM or SIGINT).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		switch {
		case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
			os.Exit(0)
		case errors.As(err, &flagsErr):
			// go-flags already printed the parse failure.
			os.Exit(1)
		default:
			log.WithError(err).Fatal("factumd failed")
		}
	}
}
