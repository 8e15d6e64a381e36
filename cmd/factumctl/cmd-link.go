package main

import (
	"context"
	"fmt"
)

type cmdLink struct {
	Args struct {
		WebhookLogID string `positional-arg-name:"webhook-id" required:"true" description:"Unmatched webhook log id"`
		Transaction  string `positional-arg-name:"transaction" required:"true" description:"Transaction id or application reference"`
	} `positional-args:"true"`
}

func (cmd *cmdLink) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.service.LinkUnmatchedWebhook(ctx, cmd.Args.WebhookLogID, cmd.Args.Transaction)
	if err != nil {
		return err
	}

	fmt.Printf("Linked webhook %s to transaction %s: %s\n",
		res.WebhookLogID, res.TransactionID, colorFate(res.Fate))
	if res.StateChanged {
		fmt.Printf("  %s to %s\n", colorStatus(res.From), colorStatus(res.To))
	} else if res.From != "" {
		fmt.Printf("  held at %s\n", colorStatus(res.From))
	}
	if res.ErrorMessage != "" {
		fmt.Printf("  %s\n", red(res.ErrorMessage))
	}
	return nil
}
