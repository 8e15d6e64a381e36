// factumctl is a command-line console for a factum database: inspect
// transactions and their audit trails, work the unmatched-webhook queue,
// replay dispatches, reconcile against providers, and purge expired logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/dispatch"
	"github.com/factum-dev/factum/ingest"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/providers/mock"
	"github.com/factum-dev/factum/providers/paystack"
	"github.com/factum-dev/factum/providers/stripe"
	"github.com/factum-dev/factum/providers/truelayer"
	"github.com/factum-dev/factum/service"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
	"github.com/factum-dev/factum/storage/sqlstore"
)

// providerConfig mirrors the factumd provider switches, minus signing
// secrets: the console never verifies inbound signatures.
type providerConfig struct {
	Enabled bool   `long:"enabled" env:"ENABLED" description:"Include this provider's adapter"`
	APIKey  string `long:"api-key" env:"API_KEY" description:"API key for status verification, empty to disable"`
}

// Config is the top-level configuration object of factumctl.
var Config = new(struct {
	DB struct {
		Postgres string `long:"postgres" env:"POSTGRES" description:"PostgreSQL DSN, takes precedence over SQLite"`
		SQLite   string `long:"sqlite" env:"SQLITE" default:"factum.db" description:"SQLite database path"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Paystack  providerConfig `group:"Paystack" namespace:"paystack" env-namespace:"PAYSTACK"`
	Stripe    providerConfig `group:"Stripe" namespace:"stripe" env-namespace:"STRIPE"`
	TrueLayer providerConfig `group:"TrueLayer" namespace:"truelayer" env-namespace:"TRUELAYER"`

	Mock struct {
		Enabled bool `long:"enabled" env:"ENABLED" description:"Include the mock adapter (development only)"`
	} `group:"Mock" namespace:"mock" env-namespace:"MOCK"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// console bundles the handles every subcommand works through.
type console struct {
	store      *sqlstore.Store
	service    *service.Service
	dispatcher *dispatch.Dispatcher
}

// newConsole opens the database and assembles a service over it. Adapters
// are optional here: commands that don't reach a provider work against an
// empty registry.
func newConsole(ctx context.Context) (*console, error) {
	initLog(Config.Log)

	store, err := openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry, err := providers.NewRegistry(buildAdapters()...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building provider registry: %w", err)
	}

	var dispatcher = dispatch.New()
	var pipeline = ingest.New(store, registry, ingest.Config{},
		ingest.WithDispatcher(dispatcher))

	return &console{
		store:      store,
		service:    service.New(store, registry, pipeline),
		dispatcher: dispatcher,
	}, nil
}

func (c *console) Close() error { return c.store.Close() }

func openStore(ctx context.Context) (*sqlstore.Store, error) {
	if Config.DB.Postgres != "" {
		return sqlstore.OpenPostgres(ctx, Config.DB.Postgres)
	}
	return sqlstore.OpenSQLite(ctx, Config.DB.SQLite)
}

func buildAdapters() []providers.Adapter {
	var adapters []providers.Adapter

	if Config.Paystack.Enabled {
		adapters = append(adapters, paystack.New(Config.Paystack.APIKey))
	}
	if Config.Stripe.Enabled {
		adapters = append(adapters, stripe.New(Config.Stripe.APIKey))
	}
	if Config.TrueLayer.Enabled {
		adapters = append(adapters, truelayer.New(Config.TrueLayer.APIKey))
	}
	if Config.Mock.Enabled {
		adapters = append(adapters, mock.New())
	}
	return adapters
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

func colorStatus(s states.Status) string {
	switch s {
	case states.Successful, states.ResolvedWon:
		return green(s)
	case states.Failed, states.Disputed, states.ResolvedLost:
		return red(s)
	default:
		return yellow(s)
	}
}

func colorFate(f storage.Fate) string {
	switch f {
	case storage.FateProcessed:
		return green(f)
	case storage.FateDuplicate, storage.FateUnmatched:
		return yellow(f)
	default:
		return red(f)
	}
}

// printTrail renders audit rows one per line, oldest first.
func printTrail(trail []storage.AuditLog) {
	for _, row := range trail {
		var line string
		switch {
		case row.FromStatus == "":
			line = fmt.Sprintf("created as %s", colorStatus(row.ToStatus))
		case !row.StateChanged():
			line = fmt.Sprintf("held at %s", colorStatus(row.ToStatus))
		default:
			line = fmt.Sprintf("%s to %s", colorStatus(row.FromStatus), colorStatus(row.ToStatus))
		}
		if row.ReconciliationResult != "" {
			line += fmt.Sprintf(" [%s]", row.ReconciliationResult)
		}
		if reason, ok := row.Metadata[states.MetaReason].(string); ok && reason != "" {
			line += fmt.Sprintf(" (%s)", reason)
		}
		fmt.Printf("%s  %-16s %s\n",
			row.CreatedAt.Local().Format("2006-01-02 15:04:05"), row.TriggerType, line)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("status", "Show a transaction", `
Show one transaction's verified state, looked up by id or application
reference, with optional webhook history and audit trail.
`, &cmdStatus{})

	_, _ = parser.AddCommand("audit", "Show a transaction's audit trail", `
Print the append-only audit trail of one transaction, oldest entry first.
`, &cmdAudit{})

	_, _ = parser.AddCommand("unmatched", "List unmatched webhooks", `
List verified webhooks that arrived before any transaction claimed their
reference and are waiting to be linked.
`, &cmdUnmatched{})

	_, _ = parser.AddCommand("link", "Link an unmatched webhook", `
Attach an unmatched webhook to a transaction and run its recorded event
through the regular state machinery.
`, &cmdLink{})

	_, _ = parser.AddCommand("replay", "Replay a transaction's events", `
Re-dispatch the state changes a transaction has been through, in their
original order, flagged as replays. Events are printed to stdout.
`, &cmdReplay{})

	_, _ = parser.AddCommand("reconcile", "Reconcile against the provider", `
Fetch the provider's view of one transaction and converge the stored
status onto it, recording the outcome in the audit trail.
`, &cmdReconcile{})

	_, _ = parser.AddCommand("stale", "Find stuck transactions", `
List transactions sitting in processing longer than a threshold, and
optionally reconcile each against its provider.
`, &cmdStale{})

	_, _ = parser.AddCommand("purge", "Purge expired logs", `
Delete webhook and dispatch logs older than the given retention windows.
Transactions and audit trails are never purged.
`, &cmdPurge{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		switch {
		case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
			os.Exit(0)
		case errors.As(err, &flagsErr):
			// go-flags already printed the parse failure.
			os.Exit(1)
		default:
			log.WithError(err).Fatal("factumctl failed")
		}
	}
}
