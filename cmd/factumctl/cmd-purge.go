package main

import (
	"context"
	"fmt"

	"github.com/factum-dev/factum/service"
)

type cmdPurge struct {
	WebhookDays  int `long:"webhook-days" description:"Delete webhook logs older than this many days, 0 keeps all"`
	DispatchDays int `long:"dispatch-days" description:"Delete dispatch logs older than this many days, 0 keeps all"`
}

func (cmd *cmdPurge) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	summary, err := c.service.PurgeExpiredLogs(ctx, service.RetentionPolicy{
		WebhookLogDays:  cmd.WebhookDays,
		DispatchLogDays: cmd.DispatchDays,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d webhook log(s), %d dispatch log(s).\n",
		summary.WebhookLogsDeleted, summary.DispatchLogsDeleted)
	return nil
}
