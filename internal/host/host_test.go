package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rpibridge/internal/clock"
	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/supervisor"
	"github.com/1ureka/rpibridge/internal/util"
)

// guestExitEnv makes the re-executed test binary act as a guest that exits
// immediately with code 1.
const guestExitEnv = "RPIBRIDGE_HOST_TEST_GUEST"

func TestMain(m *testing.M) {
	if os.Getenv(guestExitEnv) != "" {
		os.Exit(1)
	}
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ShmDir = filepath.Join(dir, "shm")
	cfg.LogPath = filepath.Join(dir, "host.log")
	cfg.Display = config.Resolution{Width: 96, Height: 64}
	cfg.Camera = config.Resolution{Width: 32, Height: 24}
	cfg.FrameRate = 10
	return cfg
}

func readLog(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := os.ReadFile(cfg.LogPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	return string(data)
}

// peer opens role's channel the way a guest process would.
func peer(t *testing.T, cfg *config.Config, role protocol.Role, payloadSize int) *shm.Channel {
	t.Helper()
	ch, err := shm.Create(filepath.Join(cfg.ShmDir, role.FileName()), payloadSize)
	if err != nil {
		t.Fatalf("opening %s: %v", role, err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func readStatus(t *testing.T, cfg *config.Config) (protocol.Status, shm.Header) {
	t.Helper()
	rec, err := peer(t, cfg, protocol.RoleStatus, protocol.StatusPayloadSize).Read()
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	st, ok := protocol.DecodeStatus(rec.Payload)
	if !ok {
		t.Fatal("status record too short")
	}
	return st, rec.Header
}

type recordingPublisher struct {
	mu    sync.Mutex
	roles []protocol.Role
}

func (p *recordingPublisher) Publish(role protocol.Role, rec shm.Record) {
	p.mu.Lock()
	p.roles = append(p.roles, role)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(role protocol.Role) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.roles {
		if r == role {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Pattern
// ---------------------------------------------------------------------------

func TestBuildPattern(t *testing.T) {
	pixel := func(buf []byte, width, x, y int) [4]byte {
		i := (y*width + x) * 4
		return [4]byte{buf[i], buf[i+1], buf[i+2], buf[i+3]}
	}

	frame := BuildPattern(96, 64, 0)
	if len(frame) != 96*64*4 {
		t.Fatalf("frame size = %d", len(frame))
	}
	if got := pixel(frame, 96, 0, 0); got != [4]byte{0, 0, 0, 255} {
		t.Errorf("tick 0 pixel(0,0) = %v", got)
	}

	frame = BuildPattern(96, 64, 5)
	if got := pixel(frame, 96, 1, 2); got != [4]byte{6, 12, 18, 255} {
		t.Errorf("tick 5 pixel(1,2) = %v, want [6 12 18 255]", got)
	}

	frame = BuildPattern(300, 2, 100)
	if got := pixel(frame, 300, 299, 1); got != [4]byte{399 % 256, 201, 600 % 256, 255} {
		t.Errorf("wrapped pixel = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Loop, driven by a fake clock
// ---------------------------------------------------------------------------

func TestMockModeFrameRate(t *testing.T) {
	cfg := testConfig(t)
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	h := New(cfg, WithClock(clk), WithPublisher(pub))

	if err := h.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.shutdown()
	if h.Mode() != ModeMock {
		t.Fatalf("mode = %s, want mock", h.Mode())
	}

	display := peer(t, cfg, protocol.RoleDisplay, cfg.Display.FrameBytes())

	h.iterate()
	h.iterate()
	clk.Advance(50 * time.Millisecond)
	h.iterate()

	rec, err := display.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Header.Sequence != 1 {
		t.Errorf("sequence after 50ms = %d, want 1", rec.Header.Sequence)
	}
	if rec.Header.Width != 96 || rec.Header.Height != 64 || rec.Header.Stride != 384 {
		t.Errorf("geometry = %dx%d/%d", rec.Header.Width, rec.Header.Height, rec.Header.Stride)
	}

	clk.Advance(50 * time.Millisecond)
	h.iterate()
	rec, _ = display.Read()
	if rec.Header.Sequence != 2 {
		t.Errorf("sequence after 100ms = %d, want 2", rec.Header.Sequence)
	}
	if rec.Payload[0] != 1 || rec.Payload[3] != 255 {
		t.Errorf("second frame pixel(0,0) = %v, want tick 1", rec.Payload[:4])
	}

	if strings.Contains(readLog(t, cfg), "Display frame") {
		t.Error("host logged its own mock frames")
	}
	if pub.count(protocol.RoleDisplay) != 2 {
		t.Errorf("published %d display frames, want 2", pub.count(protocol.RoleDisplay))
	}

	st, hdr := readStatus(t, cfg)
	if st.Code != protocol.StatusOK || st.Message != "mock display" {
		t.Errorf("status = %+v", st)
	}
	if hdr.Flags != 0 {
		t.Errorf("status flags = %#x", hdr.Flags)
	}
}

// TestInputUpdatesLogged writes every input role as a guest would and checks
// one log line per genuine update.
func TestInputUpdatesLogged(t *testing.T) {
	cfg := testConfig(t)
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	h := New(cfg, WithClock(clk), WithPublisher(pub))
	if err := h.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.shutdown()

	peer(t, cfg, protocol.RoleCamera, cfg.Camera.FrameBytes()).Write(BuildPattern(32, 24, 0))
	peer(t, cfg, protocol.RoleGPIO, protocol.GPIOPayloadSize).Write(
		protocol.EncodeGPIO([]protocol.GPIOEntry{{Pin: 17, Value: 1}, {Pin: 18, Value: 0}}))
	peer(t, cfg, protocol.RoleIMU, protocol.IMUPayloadSize).Write(
		protocol.EncodeIMU(protocol.IMU{AZ: 9.81}))
	peer(t, cfg, protocol.RoleTime, TimePayloadSize).Write(
		protocol.EncodeTimeSync(protocol.TimeSync{SimSeconds: 1.5, UTCTicks: 42}))
	peer(t, cfg, protocol.RoleNetwork, protocol.NetworkPayloadSize).Write(
		protocol.EncodeNetwork(protocol.NetBridge))

	h.iterate()
	h.iterate()

	log := readLog(t, cfg)
	for _, want := range []string{
		"Camera frame 1 bytes=3072",
		"GPIO update [(17,1) (18,0)]",
		"IMU update ax=0.000",
		"az=9.810",
		"Time sync sim=1.500s utc_ticks=42",
		"Network mode 2 (bridge)",
	} {
		if strings.Count(log, want) != 1 {
			t.Errorf("log has %d lines containing %q, want 1:\n%s", strings.Count(log, want), want, log)
		}
	}

	linePattern := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] `)
	for _, line := range strings.Split(strings.TrimSpace(log), "\n") {
		if !linePattern.MatchString(line) {
			t.Errorf("malformed log line %q", line)
		}
	}

	for _, role := range []protocol.Role{protocol.RoleCamera, protocol.RoleGPIO, protocol.RoleNetwork} {
		if pub.count(role) != 1 {
			t.Errorf("published %d %s updates, want 1", pub.count(role), role)
		}
	}
}

func TestEmptyGPIONotLogged(t *testing.T) {
	cfg := testConfig(t)
	h := New(cfg, WithClock(clock.NewFake(time.Now())))
	if err := h.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.shutdown()

	gpio := peer(t, cfg, protocol.RoleGPIO, protocol.GPIOPayloadSize)
	gpio.Write(protocol.EncodeGPIO(nil))
	h.iterate()

	if strings.Contains(readLog(t, cfg), "GPIO update") {
		t.Error("empty GPIO list was logged")
	}
}

func TestForeignRecordIgnored(t *testing.T) {
	cfg := testConfig(t)
	h := New(cfg, WithClock(clock.NewFake(time.Now())))
	if err := h.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.shutdown()

	f, err := os.OpenFile(filepath.Join(cfg.ShmDir, protocol.RoleNetwork.FileName()), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	hdr := shm.Header{Magic: [4]byte{'N', 'O', 'P', 'E'}, Version: 1, HeaderSize: shm.HeaderSize, PayloadSize: 16, Sequence: 9}
	buf := make([]byte, shm.HeaderSize)
	shm.EncodeHeader(&hdr, buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	h.iterate()
	if strings.Contains(readLog(t, cfg), "Network mode") {
		t.Error("record with bad magic was logged")
	}
	if h.session.Anomalies() == 0 {
		t.Error("anomaly not counted")
	}
}

func TestModeSelection(t *testing.T) {
	guest := filepath.Join(t.TempDir(), "guest")
	if err := os.WriteFile(guest, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	testCases := []struct {
		name      string
		configure func(*config.Config)
		mode      Mode
		code      protocol.StatusCode
	}{
		{"no guest configured", func(c *config.Config) {}, ModeMock, protocol.StatusOK},
		{"guest path missing", func(c *config.Config) { c.GuestPath = "/nonexistent/qemu" }, ModeMock, protocol.StatusOK},
		{"mock disabled", func(c *config.Config) { c.AllowMock = false }, ModeIdle, protocol.StatusGuestMissing},
		{"image missing", func(c *config.Config) {
			c.GuestPath = guest
			c.ImagePath = "/nonexistent/rpi.img"
		}, ModeMock, protocol.StatusImageMissing},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.configure(cfg)
			h := New(cfg, WithClock(clock.NewFake(time.Now())))
			if err := h.start(); err != nil {
				t.Fatalf("start: %v", err)
			}
			defer h.shutdown()

			if h.Mode() != tc.mode {
				t.Errorf("mode = %s, want %s", h.Mode(), tc.mode)
			}
			st, hdr := readStatus(t, cfg)
			if st.Code != tc.code {
				t.Errorf("status = %s, want %s", st.Code, tc.code)
			}
			if tc.code != protocol.StatusOK && !hdr.HasFlag(shm.FlagUnavailable) {
				t.Errorf("status flags = %#x, want Unavailable", hdr.Flags)
			}
		})
	}
}

// fakeGuest is a guest process the test ends by hand.
type fakeGuest struct {
	pid  int
	done chan struct{}
	code int
}

func (g *fakeGuest) PID() int              { return g.pid }
func (g *fakeGuest) Done() <-chan struct{} { return g.done }
func (g *fakeGuest) ExitCode() int         { return g.code }
func (g *fakeGuest) Terminate(time.Duration) error {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	return nil
}

type fakeSpawner struct {
	guests []*fakeGuest
	args   [][]string
}

func (s *fakeSpawner) Spawn(path string, args []string) (supervisor.Process, error) {
	g := &fakeGuest{pid: 500 + len(s.guests), done: make(chan struct{})}
	s.guests = append(s.guests, g)
	s.args = append(s.args, args)
	return g, nil
}

func TestSupervisedStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.GuestPath = os.Args[0]
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	spawner := &fakeSpawner{}
	h := New(cfg, WithClock(clk), WithSpawner(spawner))
	if err := h.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.Mode() != ModeGuest {
		t.Fatalf("mode = %s", h.Mode())
	}

	g := spawner.guests[0]
	g.code = 3
	close(g.done)
	h.iterate()

	st, hdr := readStatus(t, cfg)
	if st.Code != protocol.StatusGuestFailed || st.Detail != 3 || st.Message != "guest exited (3)" {
		t.Errorf("status after exit = %+v", st)
	}
	if !hdr.HasFlag(shm.FlagError) {
		t.Errorf("status flags = %#x, want Error", hdr.Flags)
	}

	clk.Advance(cfg.BackoffInitial)
	h.iterate()
	if len(spawner.guests) != 2 {
		t.Fatalf("spawned %d guests, want 2", len(spawner.guests))
	}
	st, _ = readStatus(t, cfg)
	if st.Code != protocol.StatusOK {
		t.Errorf("status after restart = %+v", st)
	}

	h.shutdown()
	select {
	case <-spawner.guests[1].done:
	default:
		t.Error("guest not terminated on shutdown")
	}

	log := readLog(t, cfg)
	for _, want := range []string{"Guest started pid=500", "Guest exited with code 3", "Guest restarted pid=501", "RpiHost stopped"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestGuestArgs(t *testing.T) {
	cfg := config.Default()
	cfg.GuestArgs = []string{"-M", "raspi3b"}
	if got := strings.Join(GuestArgs(cfg), " "); got != "-M raspi3b" {
		t.Errorf("without image: %q", got)
	}

	cfg.ImagePath = "/images/rpi.img"
	for mode, nic := range map[protocol.NetMode]string{
		protocol.NetDown:   "none",
		protocol.NetNAT:    "user",
		protocol.NetBridge: "bridge",
	} {
		cfg.NetMode = mode
		want := "-M raspi3b -display none -drive file=/images/rpi.img,format=raw -nic " + nic
		if got := strings.Join(GuestArgs(cfg), " "); got != want {
			t.Errorf("%s: got %q, want %q", mode, got, want)
		}
	}
}

func TestRunFailsWhenShmDirUnusable(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	os.WriteFile(blocker, nil, 0o644)
	cfg.ShmDir = filepath.Join(blocker, "shm")

	if err := New(cfg).Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with an unusable shm directory")
	}
}

// ---------------------------------------------------------------------------
// End to end, real clock
// ---------------------------------------------------------------------------

func runHost(t *testing.T, h *Host) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestRunMockEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	stop := runHost(t, New(cfg))

	if !waitFor(3*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.ShmDir, protocol.RoleStatus.FileName()))
		return err == nil
	}) {
		stop()
		t.Fatal("channels never created")
	}

	display := peer(t, cfg, protocol.RoleDisplay, cfg.Display.FrameBytes())
	if !waitFor(3*time.Second, func() bool {
		rec, err := display.Read()
		return err == nil && rec.Header.Sequence > 0
	}) {
		stop()
		t.Fatal("display sequence stayed 0 for 3s")
	}

	gpio := peer(t, cfg, protocol.RoleGPIO, protocol.GPIOPayloadSize)
	gpio.Write(protocol.EncodeGPIO([]protocol.GPIOEntry{{Pin: 17, Value: 1}, {Pin: 18, Value: 0}}))

	gpioLine := regexp.MustCompile(`GPIO update .*17.*18`)
	found := waitFor(time.Second, func() bool {
		data, _ := os.ReadFile(cfg.LogPath)
		return gpioLine.Match(data)
	})
	stop()
	if !found {
		t.Fatalf("no GPIO line within 1s:\n%s", readLog(t, cfg))
	}

	log := readLog(t, cfg)
	for _, want := range []string{"RpiHost starting", "display=96x64 camera=32x24", "Shutdown requested", "RpiHost stopped"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

// TestRunSupervisedRestarts runs a real guest that exits with code 1 and
// expects two distinct pids within two backoff cycles.
func TestRunSupervisedRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.GuestPath = os.Args[0]
	spawner := &supervisor.ExecSpawner{Env: []string{guestExitEnv + "=1"}}
	stop := runHost(t, New(cfg, WithSpawner(spawner)))

	pidLine := regexp.MustCompile(`Guest (?:started|restarted) pid=(\d+)`)
	pids := func() map[string]bool {
		data, _ := os.ReadFile(cfg.LogPath)
		seen := map[string]bool{}
		for _, m := range pidLine.FindAllStringSubmatch(string(data), -1) {
			seen[m[1]] = true
		}
		return seen
	}

	ok := waitFor(4*time.Second, func() bool { return len(pids()) >= 2 })
	stop()
	if !ok {
		t.Fatalf("saw pids %v, want >= 2:\n%s", pids(), readLog(t, cfg))
	}
	if !strings.Contains(readLog(t, cfg), "Guest exited with code 1") {
		t.Error("exit code not logged")
	}
}
