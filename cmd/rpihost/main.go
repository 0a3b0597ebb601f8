// Command rpihost is the bridge host.
//
// It owns the shared-memory channels of one session and either animates the
// display itself or supervises an emulator guest. Input updates go to the
// session log and, with --mirror, to a remote rpiviewer.
//
// Every setting is a flag (see --help); --config loads a YAML file first.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rpibridge/internal/app"
	"github.com/1ureka/rpibridge/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM from a supervisor.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("rpihost v%s", version))
	pterm.Println()

	if err := app.RunHost(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}
