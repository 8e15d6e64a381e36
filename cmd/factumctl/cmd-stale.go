package main

import (
	"context"
	"fmt"
	"time"
)

type cmdStale struct {
	OlderThan time.Duration `long:"older-than" default:"30m" description:"Age threshold for a processing transaction to count as stale"`
	Limit     int           `long:"limit" default:"50" description:"Transactions to list"`
	Reconcile bool          `long:"reconcile" description:"Reconcile each stale transaction against its provider"`
}

func (cmd *cmdStale) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	refs, err := c.service.ScanStaleTransactions(ctx, cmd.OlderThan, cmd.Limit)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("No stale transactions.")
		return nil
	}

	for _, ref := range refs {
		if !cmd.Reconcile {
			fmt.Println(ref)
			continue
		}
		var outcome, err = c.service.Reconcile(ctx, ref)
		if err != nil {
			fmt.Printf("%s  %s: %v\n", ref, red("ERROR"), err)
			continue
		}
		fmt.Printf("%s  %s\n", ref, outcome.Result)
	}
	fmt.Printf("\n%d stale transaction(s).\n", len(refs))
	return nil
}
