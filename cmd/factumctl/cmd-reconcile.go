package main

import (
	"context"
	"fmt"
	"time"

	"github.com/factum-dev/factum/storage"
)

type cmdReconcile struct {
	Args struct {
		Ref string `positional-arg-name:"ref" required:"true" description:"Transaction id or application reference"`
	} `positional-args:"true"`
}

func (cmd *cmdReconcile) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	outcome, err := c.service.Reconcile(ctx, cmd.Args.Ref)
	if err != nil {
		return err
	}

	switch outcome.Result {
	case storage.ReconcileConfirmed:
		fmt.Printf("%s: provider agrees, status stays %s\n",
			green("CONFIRMED"), colorStatus(outcome.To))
	case storage.ReconcileAdvanced:
		fmt.Printf("%s: %s to %s\n",
			green("ADVANCED"), colorStatus(outcome.From), colorStatus(outcome.To))
	case storage.ReconcileDivergence:
		fmt.Printf("%s: stored %s, provider disagrees; row left untouched for review\n",
			red("DIVERGENCE"), colorStatus(outcome.From))
	default:
		fmt.Printf("%s: reconciliation could not complete\n", red("ERROR"))
	}

	if snap := outcome.Snapshot; snap != nil {
		fmt.Printf("\nProvider snapshot (%s):\n", snap.CheckedAt.Local().Format(time.RFC3339))
		fmt.Printf("  status: %s\n", colorStatus(snap.Status))
		fmt.Printf("  amount: %d %s\n", snap.Amount, snap.Currency)
	}
	return nil
}
