package main

import (
	"context"
	"fmt"
)

type cmdAudit struct {
	Args struct {
		Ref string `positional-arg-name:"ref" required:"true" description:"Transaction id or application reference"`
	} `positional-args:"true"`
}

func (cmd *cmdAudit) Execute(_ []string) error {
	var ctx = context.Background()
	var c, err = newConsole(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	trail, err := c.service.GetAuditTrail(ctx, cmd.Args.Ref)
	if err != nil {
		return err
	}
	if len(trail) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}
	printTrail(trail)
	return nil
}
