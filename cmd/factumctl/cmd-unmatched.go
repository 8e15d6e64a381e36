package main

import (
	"context"
	"fmt"

	"github.com/factum-dev/factum/storage"
)

type cmdUnmatched struct {
	Provider string `long:"provider" description:"Only this provider's webhooks"`
	Limit    int    `long:"limit" default:"50" description:"Rows to list"`
	Offset   int    `long:"offset" description:"Rows to skip"`
}

func (cmd *cmdUnmatched) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	hooks, err := c.service.ListUnmatchedWebhooks(ctx, cmd.Provider,
		storage.Page{Limit: cmd.Limit, Offset: cmd.Offset})
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		fmt.Println("No unmatched webhooks.")
		return nil
	}

	for _, hook := range hooks {
		fmt.Printf("%s  %-36s %-10s %-22s %s\n",
			hook.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
			hook.ID, hook.Provider, hook.EventType, hook.ProviderEventID)
	}
	fmt.Printf("\n%d unmatched webhook(s). Link with: factumctl link <webhook-id> <transaction>\n", len(hooks))
	return nil
}
