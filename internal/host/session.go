package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/1ureka/rpibridge/internal/clock"
	"github.com/1ureka/rpibridge/internal/config"
	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
)

// TimePayloadSize is the host-side capacity of the time-sync channel. The
// record itself is 16 bytes; the spare room is reserved.
const TimePayloadSize = 32

// Session is the set of channels owned by one host run, one per role.
type Session struct {
	dir      string
	channels map[protocol.Role]*shm.Channel
}

// channelSpec describes how one role's channel is created.
type channelSpec struct {
	role        protocol.Role
	payloadSize int
	geometry    *config.Resolution
}

func sessionSpecs(cfg *config.Config) []channelSpec {
	return []channelSpec{
		{protocol.RoleDisplay, cfg.Display.FrameBytes(), &cfg.Display},
		{protocol.RoleCamera, cfg.Camera.FrameBytes(), &cfg.Camera},
		{protocol.RoleGPIO, protocol.GPIOPayloadSize, nil},
		{protocol.RoleIMU, protocol.IMUPayloadSize, nil},
		{protocol.RoleTime, TimePayloadSize, nil},
		{protocol.RoleNetwork, protocol.NetworkPayloadSize, nil},
		{protocol.RoleStatus, protocol.StatusPayloadSize, nil},
	}
}

// OpenSession creates the shm directory and every channel in it. On failure
// the channels opened so far are closed again.
func OpenSession(cfg *config.Config, clk clock.Clock) (*Session, error) {
	if err := os.MkdirAll(cfg.ShmDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating shm directory %s: %w", cfg.ShmDir, err)
	}

	s := &Session{dir: cfg.ShmDir, channels: make(map[protocol.Role]*shm.Channel)}
	for _, spec := range sessionSpecs(cfg) {
		opts := []shm.Option{shm.WithClock(clk)}
		if spec.geometry != nil {
			g := spec.geometry
			opts = append(opts, shm.WithGeometry(g.Width, g.Height, g.Stride()))
		}
		ch, err := shm.Create(filepath.Join(cfg.ShmDir, spec.role.FileName()), spec.payloadSize, opts...)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening %s channel: %w", spec.role, err)
		}
		s.channels[spec.role] = ch
	}
	return s, nil
}

// Dir returns the shm directory.
func (s *Session) Dir() string { return s.dir }

// Channel returns the channel for role.
func (s *Session) Channel(role protocol.Role) *shm.Channel { return s.channels[role] }

// Anomalies sums the discarded-read counters of every channel.
func (s *Session) Anomalies() uint64 {
	var n uint64
	for _, ch := range s.channels {
		n += ch.Anomalies()
	}
	return n
}

// Close closes every channel.
func (s *Session) Close() error {
	var errs []error
	for _, ch := range s.channels {
		errs = append(errs, ch.Close())
	}
	return errors.Join(errs...)
}
