// Package smoke is an end-to-end conformance check for a host binary. It
// launches the host in mock mode as a child process, plays the guest's part
// on the input channels, and checks the host saw both the display and the
// inputs.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/host"
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/supervisor"
	"github.com/1ureka/rpibridge/internal/util"
)

// Default timings.
const (
	DefaultStartDelay     = 400 * time.Millisecond
	DefaultDisplayTimeout = 3 * time.Second
	DefaultSettle         = 600 * time.Millisecond
	terminateGrace        = 3 * time.Second
	displayPollInterval   = 100 * time.Millisecond
)

// Options configures Run. Zero fields take their defaults.
type Options struct {
	// HostCommand is the host executable followed by any leading arguments.
	// Run appends the session flags.
	HostCommand []string

	// HostEnv is added to the host's environment.
	HostEnv []string

	// Dir holds the channels and logs. Empty uses a fresh temp directory
	// that is removed afterwards.
	Dir string

	// Resolution of both the display and the camera; 96x64 when zero.
	Resolution config.Resolution

	StartDelay     time.Duration
	DisplayTimeout time.Duration
	Settle         time.Duration
}

// Result describes a passing run.
type Result struct {
	DisplaySequence uint64
	LogPath         string
}

var (
	ErrNoDisplay  = errors.New("display channel did not update")
	ErrHostExited = errors.New("host exited early")
)

// inputChannel is one channel the smoke check writes as the guest.
type inputChannel struct {
	role    protocol.Role
	size    int
	payload []byte
}

// Run executes the check.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.HostCommand) == 0 {
		return nil, errors.New("smoke: no host command")
	}
	opts.setDefaults()

	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "rpibridge-smoke-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	shmDir := filepath.Join(dir, "shm")
	logPath := filepath.Join(dir, "rpi_smoke.log")
	res := opts.Resolution

	spawner := &supervisor.ExecSpawner{
		LogPath: filepath.Join(dir, "rpi_smoke_host.out"),
		Env:     opts.HostEnv,
	}
	args := append(opts.HostCommand[1:len(opts.HostCommand):len(opts.HostCommand)],
		"--allow-mock",
		"--shm-dir", shmDir,
		"--display", res.String(),
		"--camera", res.String(),
		"--log", logPath,
	)
	util.LogInfo("Starting host: %s", strings.Join(append([]string{opts.HostCommand[0]}, args...), " "))
	proc, err := spawner.Spawn(opts.HostCommand[0], args)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := proc.Terminate(terminateGrace); err != nil {
			util.LogWarning("stopping host: %v", err)
		}
	}()

	if err := wait(ctx, proc, opts.StartDelay); err != nil {
		return nil, err
	}

	display, err := shm.Create(filepath.Join(shmDir, protocol.RoleDisplay.FileName()), res.FrameBytes(),
		shm.WithGeometry(res.Width, res.Height, res.Stride()))
	if err != nil {
		return nil, err
	}
	defer display.Close()

	seq, err := waitForDisplay(ctx, proc, display, opts.DisplayTimeout)
	if err != nil {
		return nil, err
	}
	util.LogSuccess("Display sequence %d observed", seq)

	if err := writeInputs(shmDir, res); err != nil {
		return nil, err
	}
	if err := wait(ctx, proc, opts.Settle); err != nil {
		return nil, err
	}
	if err := proc.Terminate(terminateGrace); err != nil {
		return nil, err
	}

	if err := checkLog(logPath); err != nil {
		return nil, err
	}
	return &Result{DisplaySequence: seq, LogPath: logPath}, nil
}

func (o *Options) setDefaults() {
	if o.Resolution.Width == 0 || o.Resolution.Height == 0 {
		o.Resolution = config.Resolution{Width: 96, Height: 64}
	}
	if o.StartDelay == 0 {
		o.StartDelay = DefaultStartDelay
	}
	if o.DisplayTimeout == 0 {
		o.DisplayTimeout = DefaultDisplayTimeout
	}
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
}

// wait sleeps for d, failing early if the host exits or ctx ends.
func wait(ctx context.Context, proc supervisor.Process, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-proc.Done():
		return fmt.Errorf("%w with code %d", ErrHostExited, proc.ExitCode())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitForDisplay(ctx context.Context, proc supervisor.Process, display *shm.Channel, timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := display.Read()
		if err == nil && rec.Header.Sequence > 0 {
			return rec.Header.Sequence, nil
		}
		if time.Now().After(deadline) {
			return 0, ErrNoDisplay
		}
		if err := wait(ctx, proc, displayPollInterval); err != nil {
			return 0, err
		}
	}
}

// writeInputs plays the guest: one record on every input channel.
func writeInputs(shmDir string, res config.Resolution) error {
	camera := make([]byte, res.FrameBytes())
	for i := range camera {
		camera[i] = 0x7f
	}
	inputs := []inputChannel{
		{protocol.RoleCamera, res.FrameBytes(), camera},
		{protocol.RoleGPIO, protocol.GPIOPayloadSize, protocol.EncodeGPIO([]protocol.GPIOEntry{{Pin: 17, Value: 1}, {Pin: 18, Value: 0}})},
		{protocol.RoleIMU, protocol.IMUPayloadSize, protocol.EncodeIMU(protocol.IMU{AZ: 9.81})},
		{protocol.RoleTime, host.TimePayloadSize, protocol.EncodeTimeSync(protocol.TimeSync{SimSeconds: 1.5, UTCTicks: 638000000000000000})},
		{protocol.RoleNetwork, protocol.NetworkPayloadSize, protocol.EncodeNetwork(protocol.NetNAT)},
	}

	for _, in := range inputs {
		var opts []shm.Option
		if in.role.IsImage() {
			opts = append(opts, shm.WithGeometry(res.Width, res.Height, res.Stride()))
		}
		ch, err := shm.Create(filepath.Join(shmDir, in.role.FileName()), in.size, opts...)
		if err != nil {
			return err
		}
		_, err = ch.Write(in.payload)
		ch.Close()
		if err != nil {
			return err
		}
		util.LogDebug("wrote %s input (%d bytes)", in.role, len(in.payload))
	}
	return nil
}

func checkLog(logPath string) error {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("smoke log missing: %w", err)
	}
	text := string(data)
	for _, want := range []string{"Camera frame", "GPIO update"} {
		if !strings.Contains(text, want) {
			return fmt.Errorf("%q not observed in %s", want, logPath)
		}
	}
	return nil
}
