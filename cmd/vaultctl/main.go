package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophvault/internal/vaultctl"
)

func main() {
	app := vaultctl.NewApp(os.Stdout, nil)
	if err := app.Command().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
