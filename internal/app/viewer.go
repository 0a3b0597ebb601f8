package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/1ureka/rpibridge/internal/clock"
	"github.com/1ureka/rpibridge/internal/mirror"
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/signaling"
	"github.com/1ureka/rpibridge/internal/util"
)

// RunViewer connects to a host's mirror and logs every update until the
// host closes the session, the DataChannel drops, or ctx is cancelled.
func RunViewer(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("rpiviewer", pflag.ContinueOnError)
	rawURL := fs.String("url", "", "host mirror URL, e.g. ws://192.168.1.10:7000/ws")
	pin := fs.String("pin", "", "PIN printed by rpihost")
	logPath := fs.String("log", "", "also append received updates to this file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debug {
		util.EnableDebug()
	}
	if *rawURL == "" {
		return errors.New("missing --url")
	}
	wsURL, err := normalizeWSURL(*rawURL, *pin)
	if err != nil {
		return err
	}

	log, err := util.OpenSessionLog(*logPath, clock.Real())
	if err != nil {
		return err
	}
	defer log.Close()

	util.LogInfo("Connecting to %s", redactPIN(wsURL))
	tr, err := signaling.EstablishAsClient(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("failed to establish mirror: %w", err)
	}
	defer tr.Close()

	util.LogSuccess("Mirror established, waiting for updates")

	viewer := mirror.NewViewer(log.Printf)
	closed := make(chan struct{})
	var closeOnce sync.Once
	tr.OnPacket(func(pkt *protocol.Packet, err error) {
		if err != nil {
			util.LogDebug("packet decode failed: %v", err)
			return
		}
		if viewer.Handle(pkt) {
			closeOnce.Do(func() { close(closed) })
		}
	})

	select {
	case <-closed:
	case <-tr.Done():
		util.LogWarning("DataChannel closed")
	case <-ctx.Done():
	}
	return nil
}

// normalizeWSURL validates a host address or URL and returns the mirror
// endpoint with the PIN attached. A bare "host:port" defaults to ws://.
func normalizeWSURL(raw, pin string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "wss"
	}
	if pin == "" {
		pin = u.Query().Get("pin")
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}
	if pin != "" {
		out.RawQuery = url.Values{"pin": {pin}}.Encode()
	}
	return out.String(), nil
}

func redactPIN(wsURL string) string {
	if i := strings.Index(wsURL, "?"); i >= 0 {
		return wsURL[:i]
	}
	return wsURL
}
