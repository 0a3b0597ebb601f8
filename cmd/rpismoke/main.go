// Command rpismoke is an end-to-end check of an rpihost binary.
//
// It starts the host in mock mode, writes one record on every input channel
// as the guest would, and fails unless the host updated the display and
// logged the camera and GPIO inputs.
package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/smoke"
	"github.com/1ureka/rpibridge/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("smoke check failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	opts := smoke.Options{Resolution: config.Resolution{Width: 96, Height: 64}}
	hostPath := ""
	var hostArgs []string
	resolution := opts.Resolution.String()

	fs := pflag.NewFlagSet("rpismoke", pflag.ContinueOnError)
	fs.StringVar(&hostPath, "host", "", "rpihost binary (default: next to rpismoke, then $PATH)")
	fs.StringArrayVar(&hostArgs, "host-arg", nil, "extra argument for the host (repeatable)")
	fs.StringVar(&opts.Dir, "dir", "", "keep channels and logs in this directory instead of a temp dir")
	fs.DurationVar(&opts.DisplayTimeout, "display-timeout", smoke.DefaultDisplayTimeout, "how long to wait for a display frame")
	fs.StringVar(&resolution, "resolution", resolution, "display and camera resolution (WxH)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *debug {
		util.EnableDebug()
	}
	r, err := config.ParseResolution(resolution)
	if err != nil {
		return err
	}
	opts.Resolution = r

	if hostPath == "" {
		if hostPath, err = findHost(); err != nil {
			return err
		}
	}
	opts.HostCommand = append([]string{hostPath}, hostArgs...)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := smoke.Run(ctx, opts)
	if err != nil {
		return err
	}
	util.LogSuccess("RPI smoke test OK (display sequence %d)", result.DisplaySequence)
	return nil
}

// findHost looks for rpihost beside this executable, then on $PATH.
func findHost() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "rpihost")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("rpihost")
	if err != nil {
		return "", errors.New("rpihost not found; pass --host")
	}
	return path, nil
}
