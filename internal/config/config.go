// Package config holds the host configuration: defaults, the optional YAML
// file, and the command-line flags that override it.
//
// Configuration is read once at startup. A --config file is loaded first and
// any flag given explicitly on the command line takes precedence over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/rpibridge/internal/protocol"
)

// maxDimension bounds display and camera sizes.
const maxDimension = 4096

// Resolution is a frame size in pixels, written "WxH" in flags and YAML.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Stride returns the RGBA row size in bytes.
func (r Resolution) Stride() int { return r.Width * 4 }

// FrameBytes returns the RGBA frame size in bytes.
func (r Resolution) FrameBytes() int { return r.Width * r.Height * 4 }

// ParseResolution parses "WxH", e.g. "320x200".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q: %w", s, err)
	}
	return Resolution{Width: width, Height: height}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Resolution) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MirrorConfig configures the optional remote viewer mirror.
type MirrorConfig struct {
	// Enabled starts the signaling server and publishes channel updates.
	Enabled bool `yaml:"enabled"`

	// Listen is the signaling server address. ":0" picks a random port.
	Listen string `yaml:"listen"`

	// PIN authenticates the viewer. Empty generates a random 4-digit PIN.
	PIN string `yaml:"pin"`

	// Compression for image frames: none, lz4 or zstd.
	Compression string `yaml:"compression"`
}

// Config stores every host setting.
type Config struct {
	ShmDir    string           `yaml:"shm_dir"`
	Display   Resolution       `yaml:"display"`
	Camera    Resolution       `yaml:"camera"`
	FrameRate float64          `yaml:"frame_rate"`
	NetMode   protocol.NetMode `yaml:"net_mode"`

	// GuestPath is the emulator executable. Empty or missing means mock mode.
	GuestPath string   `yaml:"guest_path"`
	GuestArgs []string `yaml:"guest_args"`
	ImagePath string   `yaml:"image_path"`
	GuestLog  string   `yaml:"guest_log"`

	// AllowMock enables the animated display when no guest runs.
	AllowMock bool `yaml:"allow_mock"`

	LogPath string `yaml:"log_path"`
	Debug   bool   `yaml:"debug"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	StatusInterval time.Duration `yaml:"status_interval"`

	Mirror MirrorConfig `yaml:"mirror"`

	// ConfigFile is the --config path; never read from YAML.
	ConfigFile string `yaml:"-"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ShmDir:         "logs/rpi/shm",
		Display:        Resolution{Width: 320, Height: 200},
		Camera:         Resolution{Width: 320, Height: 200},
		FrameRate:      10,
		NetMode:        protocol.NetNAT,
		AllowMock:      true,
		LogPath:        "logs/rpi/rpi_host.log",
		PollInterval:   20 * time.Millisecond,
		BackoffInitial: time.Second,
		BackoffMax:     5 * time.Second,
		StatusInterval: time.Second,
		Mirror: MirrorConfig{
			Listen:      "127.0.0.1:0",
			Compression: "lz4",
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// AddFlags binds every field of c to fs. The current values become the
// flag defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file (flags override it)")
	fs.StringVar(&c.ShmDir, "shm-dir", c.ShmDir, "directory holding the rpi_*.shm channel files")
	fs.Var((*resolutionValue)(&c.Display), "display", "display resolution WxH")
	fs.Var((*resolutionValue)(&c.Camera), "camera", "camera resolution WxH")
	fs.Float64Var(&c.FrameRate, "frame-rate", c.FrameRate, "mock display frames per second")
	fs.Var((*netModeValue)(&c.NetMode), "net-mode", "guest network: down, nat or bridge")
	fs.StringVar(&c.GuestPath, "guest", c.GuestPath, "guest emulator executable (empty runs the mock display)")
	fs.StringSliceVar(&c.GuestArgs, "guest-arg", c.GuestArgs, "extra argument passed to the guest (repeatable)")
	fs.StringVar(&c.ImagePath, "image", c.ImagePath, "guest disk image")
	fs.StringVar(&c.GuestLog, "guest-log", c.GuestLog, "file receiving guest stdout/stderr")
	fs.BoolVar(&c.AllowMock, "allow-mock", c.AllowMock, "run the mock display when no guest is available")
	fs.StringVar(&c.LogPath, "log", c.LogPath, "session log file (empty logs to the console only)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "host loop poll interval")
	fs.DurationVar(&c.BackoffInitial, "backoff-initial", c.BackoffInitial, "first guest restart delay")
	fs.DurationVar(&c.BackoffMax, "backoff-max", c.BackoffMax, "guest restart delay ceiling")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "status channel republish interval")
	fs.BoolVar(&c.Mirror.Enabled, "mirror", c.Mirror.Enabled, "start the remote viewer mirror")
	fs.StringVar(&c.Mirror.Listen, "mirror-listen", c.Mirror.Listen, "mirror signaling address (use :PORT for LAN access)")
	fs.StringVar(&c.Mirror.PIN, "mirror-pin", c.Mirror.PIN, "mirror viewer PIN (random when empty)")
	fs.StringVar(&c.Mirror.Compression, "mirror-compression", c.Mirror.Compression, "mirror frame compression: none, lz4 or zstd")
}

// Parse builds the configuration from command-line arguments. When --config
// is given, the file is loaded and the arguments are applied again on top of
// it so explicit flags win. pflag.ErrHelp is returned for -h/--help.
func Parse(name string, args []string) (*Config, error) {
	cfg := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		fileCfg, err := Load(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
		fileCfg.AddFlags(fs)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ShmDir == "" {
		errs = append(errs, errors.New("shm_dir is required"))
	}
	for name, r := range map[string]Resolution{"display": c.Display, "camera": c.Camera} {
		if r.Width <= 0 || r.Height <= 0 || r.Width > maxDimension || r.Height > maxDimension {
			errs = append(errs, fmt.Errorf("%s resolution %s out of range (1..%d)", name, r, maxDimension))
		}
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame_rate must be positive, got %v", c.FrameRate))
	}
	if c.NetMode > protocol.NetBridge {
		errs = append(errs, fmt.Errorf("invalid net_mode %s", c.NetMode))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff must satisfy 0 < initial (%s) <= max (%s)", c.BackoffInitial, c.BackoffMax))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be positive"))
	}
	switch c.Mirror.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("mirror.compression must be none, lz4 or zstd, got %q", c.Mirror.Compression))
	}
	if c.Mirror.PIN != "" && !pinPattern.MatchString(c.Mirror.PIN) {
		errs = append(errs, errors.New("mirror.pin must be 4 to 8 digits"))
	}
	return errors.Join(errs...)
}

// FrameInterval returns the delay between mock display frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.FrameRate)
}

// resolutionValue adapts Resolution to pflag.Value.
type resolutionValue Resolution

func (v *resolutionValue) String() string { return Resolution(*v).String() }
func (v *resolutionValue) Type() string   { return "WxH" }
func (v *resolutionValue) Set(s string) error {
	return (*Resolution)(v).UnmarshalText([]byte(s))
}

// netModeValue adapts protocol.NetMode to pflag.Value.
type netModeValue protocol.NetMode

func (v *netModeValue) String() string { return protocol.NetMode(*v).String() }
func (v *netModeValue) Type() string   { return "mode" }
func (v *netModeValue) Set(s string) error {
	return (*protocol.NetMode)(v).UnmarshalText([]byte(s))
}
