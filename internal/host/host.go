// Package host runs the bridge session: it owns one channel per role,
// drives the mock display or supervises the guest emulator, and logs every
// update the guest publishes.
//
// The loop is single-threaded and cooperative. Each iteration ticks the
// supervisor, polls the input channels, writes a mock frame when one is due
// and republishes the status record, then sleeps for the poll interval.
// Cancelling the context stops the loop at the next iteration boundary.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/rpibridge/internal/clock"
	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/supervisor"
	"github.com/1ureka/rpibridge/internal/util"
)

// Mode is how the display channel is fed.
type Mode int

const (
	// ModeMock writes the animated test pattern.
	ModeMock Mode = iota
	// ModeGuest leaves the display to a supervised guest.
	ModeGuest
	// ModeIdle runs neither: no guest is available and mocking is disabled,
	// or the guest failed to start.
	ModeIdle
)

func (m Mode) String() string {
	switch m {
	case ModeMock:
		return "mock"
	case ModeGuest:
		return "guest"
	}
	return "idle"
}

// Publisher receives every frame the host writes and every update it
// decodes, e.g. to mirror them to a remote viewer. Publish must not block.
type Publisher interface {
	Publish(role protocol.Role, rec shm.Record)
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(h *Host) { h.clock = clk }
}

// WithSpawner overrides how the guest is started (tests).
func WithSpawner(s supervisor.Spawner) Option {
	return func(h *Host) { h.spawner = s }
}

// WithPublisher attaches a mirror.
func WithPublisher(p Publisher) Option {
	return func(h *Host) { h.publisher = p }
}

// WithSessionLog replaces the log opened from cfg.LogPath.
func WithSessionLog(l *util.SessionLog) Option {
	return func(h *Host) { h.log = l }
}

// Host is one bridge session.
type Host struct {
	cfg       *config.Config
	clock     clock.Clock
	spawner   supervisor.Spawner
	publisher Publisher
	log       *util.SessionLog
	ownLog    bool

	session    *Session
	poller     *poller
	status     *statusWriter
	supervisor *supervisor.Supervisor
	mode       Mode

	frame       []byte
	tick        int
	nextFrameAt time.Time
}

// New prepares a host for cfg. Nothing is opened until Run.
func New(cfg *config.Config, opts ...Option) *Host {
	h := &Host{cfg: cfg, clock: clock.Real()}
	for _, opt := range opts {
		opt(h)
	}
	if h.spawner == nil {
		h.spawner = &supervisor.ExecSpawner{LogPath: cfg.GuestLog}
	}
	return h
}

// Mode returns how the display is fed. Valid once Run has started.
func (h *Host) Mode() Mode { return h.mode }

// Run executes the session until ctx is cancelled. Only startup failures
// (the session log or the channels cannot be created) are returned.
func (h *Host) Run(ctx context.Context) error {
	if err := h.start(); err != nil {
		return err
	}
	defer h.shutdown()

	for {
		h.iterate()

		select {
		case <-ctx.Done():
			h.log.Printf("Shutdown requested")
			return nil
		case <-h.clock.After(h.cfg.PollInterval):
		}
	}
}

// start opens the log and the channels and decides the mode.
func (h *Host) start() error {
	if h.log == nil {
		l, err := util.OpenSessionLog(h.cfg.LogPath, h.clock)
		if err != nil {
			return err
		}
		h.log = l
		h.ownLog = true
	}

	h.log.Printf("RpiHost starting")
	h.log.Printf("shm_dir=%s", h.cfg.ShmDir)
	h.log.Printf("display=%s camera=%s", h.cfg.Display, h.cfg.Camera)
	h.log.Printf("net_mode=%s", h.cfg.NetMode)

	session, err := OpenSession(h.cfg, h.clock)
	if err != nil {
		h.log.Printf("Shared memory init failed: %v", err)
		h.closeLog()
		return fmt.Errorf("opening channels: %w", err)
	}
	h.session = session
	h.poller = newPoller(session)
	h.status = newStatusWriter(session.Channel(protocol.RoleStatus), h.cfg.StatusInterval)

	h.chooseMode()
	h.log.Printf("Mode: %s", h.mode)
	if h.mode == ModeMock {
		h.frame = make([]byte, h.cfg.Display.FrameBytes())
		h.nextFrameAt = h.clock.Now()
	}
	h.flushStatus()
	return nil
}

// chooseMode starts the guest when one is available and falls back to the
// mock display otherwise.
func (h *Host) chooseMode() {
	fallback := func(code protocol.StatusCode, message string) {
		h.status.Set(code, 0, message)
		h.mode = ModeIdle
		if h.cfg.AllowMock {
			h.mode = ModeMock
		}
	}

	if !fileExists(h.cfg.GuestPath) {
		if h.cfg.GuestPath != "" {
			h.log.Printf("Guest not found: %s", h.cfg.GuestPath)
		}
		if h.cfg.AllowMock {
			fallback(protocol.StatusOK, "mock display")
		} else {
			fallback(protocol.StatusGuestMissing, "guest missing")
		}
		return
	}
	if h.cfg.ImagePath != "" && !fileExists(h.cfg.ImagePath) {
		h.log.Printf("Image not found: %s", h.cfg.ImagePath)
		fallback(protocol.StatusImageMissing, "image missing")
		return
	}

	h.supervisor = supervisor.New(supervisor.Options{
		Path:           h.cfg.GuestPath,
		Args:           GuestArgs(h.cfg),
		Spawner:        h.spawner,
		Clock:          h.clock,
		BackoffInitial: h.cfg.BackoffInitial,
		BackoffMax:     h.cfg.BackoffMax,
		Logf:           h.log.Printf,
	})
	if err := h.supervisor.Start(); err != nil {
		h.mode = ModeIdle
		h.status.Set(protocol.StatusGuestFailed, 0, "guest start failed")
		return
	}
	h.mode = ModeGuest
	h.status.Set(protocol.StatusOK, 0, "guest running")
}

// iterate is one pass of the loop.
func (h *Host) iterate() {
	if h.supervisor != nil {
		h.handleEvent(h.supervisor.Tick())
	}

	for _, u := range h.poller.poll(h.readFailed) {
		util.Stats.AddUpdate()
		if line, ok := protocol.Describe(u.role, u.rec.Header.Sequence, u.rec.Payload); ok {
			h.log.Printf("%s", line)
		}
		h.publish(u.role, u.rec)
	}

	if h.mode == ModeMock {
		h.writeMockFrame()
	}
	h.flushStatus()
}

func (h *Host) handleEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventExited:
		h.status.Set(protocol.StatusGuestFailed, uint32(ev.ExitCode), fmt.Sprintf("guest exited (%d)", ev.ExitCode))
	case supervisor.EventRestarted:
		util.Stats.AddRestart()
		h.status.Set(protocol.StatusOK, 0, "guest running")
	case supervisor.EventSpawnFailed:
		h.mode = ModeIdle
		h.status.Set(protocol.StatusGuestFailed, 0, "guest restart failed")
	}
}

func (h *Host) readFailed(role protocol.Role, err error) {
	h.log.Printf("Channel %s read failed: %v", role, err)
}

// writeMockFrame writes the next pattern frame once the frame interval has
// elapsed. The display cursor moves past the host's own write.
func (h *Host) writeMockFrame() {
	now := h.clock.Now()
	if now.Before(h.nextFrameAt) {
		return
	}
	h.nextFrameAt = now.Add(h.cfg.FrameInterval())

	FillPattern(h.frame, h.cfg.Display.Width, h.cfg.Display.Height, h.tick)
	h.tick++

	display := h.session.Channel(protocol.RoleDisplay)
	seq, err := display.Write(h.frame)
	if err != nil {
		h.log.Printf("Display write failed: %v", err)
		return
	}
	util.Stats.AddFrame()
	h.poller.advance(protocol.RoleDisplay, seq)

	if h.publisher != nil {
		if rec, err := display.Read(); err == nil {
			h.publisher.Publish(protocol.RoleDisplay, rec)
		}
	}
}

func (h *Host) flushStatus() {
	written, err := h.status.Flush(h.clock.Now())
	if err != nil {
		h.log.Printf("Status write failed: %v", err)
		return
	}
	if written && h.publisher != nil {
		if rec, err := h.session.Channel(protocol.RoleStatus).Read(); err == nil {
			h.publisher.Publish(protocol.RoleStatus, rec)
		}
	}
}

func (h *Host) publish(role protocol.Role, rec shm.Record) {
	if h.publisher != nil {
		h.publisher.Publish(role, rec)
	}
}

// shutdown stops the guest and releases every channel.
func (h *Host) shutdown() {
	if h.supervisor != nil {
		if err := h.supervisor.Stop(); err != nil {
			h.log.Printf("Guest stop failed: %v", err)
		}
	}
	h.status.Set(protocol.StatusUnavailable, 0, "stopped")
	h.flushStatus()

	if err := h.session.Close(); err != nil {
		h.log.Printf("Closing channels: %v", err)
	}
	h.log.Printf("RpiHost stopped")
	h.closeLog()
}

func (h *Host) closeLog() {
	if h.ownLog {
		h.log.Close()
	}
}

// GuestArgs builds the guest command line: the configured arguments, then,
// when an image is set, the headless display, the raw drive and the NIC for
// the network mode. Every restart uses the same list.
func GuestArgs(cfg *config.Config) []string {
	args := append([]string(nil), cfg.GuestArgs...)
	if cfg.ImagePath == "" {
		return args
	}
	image, err := filepath.Abs(cfg.ImagePath)
	if err != nil {
		image = cfg.ImagePath
	}
	args = append(args,
		"-display", "none",
		"-drive", "file="+image+",format=raw",
		"-nic", nicFor(cfg.NetMode),
	)
	return args
}

func nicFor(mode protocol.NetMode) string {
	switch mode {
	case protocol.NetNAT:
		return "user"
	case protocol.NetBridge:
		return "bridge"
	}
	return "none"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
