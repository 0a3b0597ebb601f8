// Package app contains the top-level orchestration behind the rpihost and
// rpiviewer binaries.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/host"
	"github.com/1ureka/rpibridge/internal/mirror"
	"github.com/1ureka/rpibridge/internal/signaling"
	"github.com/1ureka/rpibridge/internal/transport"
	"github.com/1ureka/rpibridge/internal/util"
)

// closeGrace bounds how long shutdown waits for the close packet to reach
// an attached viewer.
const closeGrace = 500 * time.Millisecond

// RunHost orchestrates one host session:
//  1. Parse configuration (flags, optional YAML file)
//  2. Start the mirror listener when enabled
//  3. Run the bridge loop until ctx is cancelled
//  4. Tell an attached viewer the session is over
func RunHost(ctx context.Context, args []string) error {
	cfg, err := config.Parse("rpihost", args)
	if err != nil {
		return err
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	util.StartStatsReporter(ctx)

	var opts []host.Option
	if cfg.Mirror.Enabled {
		m, err := startMirror(ctx, cfg.Mirror)
		if err != nil {
			return err
		}
		defer m.stop()
		opts = append(opts, host.WithPublisher(m.publisher))
	}

	return host.New(cfg, opts...).Run(ctx)
}

// mirrorServer accepts viewers one after another and attaches each to the
// publisher until its DataChannel closes.
type mirrorServer struct {
	publisher *mirror.Publisher
	listener  *signaling.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *transport.Transport
}

func startMirror(ctx context.Context, cfg config.MirrorConfig) (*mirrorServer, error) {
	comp, err := mirror.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	pin := cfg.PIN
	if pin == "" {
		pin = signaling.GeneratePIN(4)
	}
	listener, err := signaling.Listen(cfg.Listen, pin)
	if err != nil {
		return nil, err
	}

	// The mirror outlives ctx long enough to send the close packet.
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &mirrorServer{
		publisher: mirror.NewPublisher(comp),
		listener:  listener,
		cancel:    cancel,
	}

	util.LogSuccess("Mirror listening on ws://%s/ws  PIN: %s", listener.Addr(), pin)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.publisher.Run(mctx)
	}()
	go func() {
		defer m.wg.Done()
		m.acceptLoop(mctx)
	}()
	return m, nil
}

func (m *mirrorServer) acceptLoop(ctx context.Context) {
	for {
		tr, err := m.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LogWarning("viewer signaling failed: %v", err)
			continue
		}

		m.mu.Lock()
		m.current = tr
		m.mu.Unlock()
		m.publisher.Attach(tr)
		util.LogSuccess("Viewer attached")

		select {
		case <-tr.Done():
			m.publisher.Detach(tr)
			m.mu.Lock()
			m.current = nil
			m.mu.Unlock()
			tr.Close()
			util.LogInfo("Viewer detached")
		case <-ctx.Done():
			return
		}
	}
}

// stop notifies the attached viewer, then tears everything down.
func (m *mirrorServer) stop() {
	m.listener.Close()
	m.publisher.Shutdown()

	m.mu.Lock()
	tr := m.current
	m.mu.Unlock()
	if tr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		tr.Drain(ctx)
		cancel()
	}

	m.cancel()
	m.wg.Wait()
	if tr != nil {
		tr.Close()
	}
}
