// Command rpiviewer is a remote mirror of an rpihost session.
//
// Usage: rpiviewer --url ws://HOST:PORT/ws --pin NNNN
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rpibridge/internal/app"
	"github.com/1ureka/rpibridge/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("rpiviewer v%s", version))
	pterm.Println()

	if err := app.RunViewer(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
	util.LogInfo("mirror session closed")
}
