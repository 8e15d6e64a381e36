package main

import (
	"context"
	"fmt"
	"time"

	"github.com/factum-dev/factum/service"
)

type cmdStatus struct {
	Verify   bool `long:"verify" description:"Confirm the status with the provider's API before printing"`
	Webhooks bool `long:"webhooks" description:"Include the webhook history"`
	Trail    bool `long:"trail" description:"Include the audit trail"`

	Args struct {
		Ref string `positional-arg-name:"ref" required:"true" description:"Transaction id or application reference"`
	} `positional-args:"true"`
}

func (cmd *cmdStatus) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	view, err := c.service.GetTransaction(ctx, cmd.Args.Ref, service.GetOptions{
		Verify:            cmd.Verify,
		IncludeWebhooks:   cmd.Webhooks,
		IncludeAuditTrail: cmd.Trail,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Transaction %s: %s\n", view.ID, colorStatus(view.Status))
	fmt.Printf("  application ref: %s\n", view.ApplicationRef)
	if view.ProviderRef != "" {
		fmt.Printf("  provider:        %s (%s)\n", view.Provider, view.ProviderRef)
	} else {
		fmt.Printf("  provider:        %s\n", view.Provider)
	}
	fmt.Printf("  amount:          %d %s\n", view.Amount, view.Currency)
	fmt.Printf("  verification:    %s\n", view.VerificationMethod)
	fmt.Printf("  updated:         %s\n", view.UpdatedAt.Local().Format(time.RFC3339))

	if cmd.Webhooks {
		fmt.Printf("\nWebhooks (%d):\n", len(view.Webhooks))
		for _, hook := range view.Webhooks {
			fmt.Printf("%s  %-22s %s\n",
				hook.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
				hook.EventType, colorFate(hook.ProcessingStatus))
		}
	}
	if cmd.Trail {
		fmt.Printf("\nAudit trail (%d):\n", len(view.AuditTrail))
		printTrail(view.AuditTrail)
	}
	return nil
}
