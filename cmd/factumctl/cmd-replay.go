package main

import (
	"context"
	"fmt"

	"github.com/factum-dev/factum/dispatch"
)

type cmdReplay struct {
	Args struct {
		Ref string `positional-arg-name:"ref" required:"true" description:"Transaction id or application reference"`
	} `positional-args:"true"`
}

func (cmd *cmdReplay) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// The console's dispatcher has no real consumers; print each replayed
	// delivery instead so the operator sees what a subscriber would.
	c.dispatcher.RegisterAll("console", func(_ context.Context, d dispatch.Delivery) error {
		fmt.Printf("%s  %-28s replay\n",
			d.OccurredAt.Local().Format("2006-01-02 15:04:05"), d.Type)
		return nil
	})

	n, err := c.service.ReplayEvents(ctx, cmd.Args.Ref)
	if err != nil {
		return err
	}
	fmt.Printf("\nReplayed %d event(s).\n", n)
	return nil
}
