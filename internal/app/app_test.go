package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		raw, pin, want string
	}{
		{"192.168.1.10:7000", "1234", "ws://192.168.1.10:7000/ws?pin=1234"},
		{"ws://host:7000/ws", "", "ws://host:7000/ws"},
		{"wss://example.devtunnels.ms/anything", "9876", "wss://example.devtunnels.ms/ws?pin=9876"},
		{"https://example.devtunnels.ms", "1111", "wss://example.devtunnels.ms/ws?pin=1111"},
		{"  ws://host:1/ws?pin=4444 ", "", "ws://host:1/ws?pin=4444"},
	}
	for _, tt := range tests {
		got, err := normalizeWSURL(tt.raw, tt.pin)
		if err != nil {
			t.Errorf("normalizeWSURL(%q) error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeWSURL(%q, %q) = %q, want %q", tt.raw, tt.pin, got, tt.want)
		}
	}

	if _, err := normalizeWSURL("ws://", ""); err == nil {
		t.Error("expected error for URL without host")
	}
}

func TestRedactPIN(t *testing.T) {
	if got := redactPIN("ws://h:1/ws?pin=1234"); got != "ws://h:1/ws" {
		t.Errorf("redactPIN = %q", got)
	}
}

func TestRunViewerRequiresURL(t *testing.T) {
	if err := RunViewer(context.Background(), nil); err == nil {
		t.Fatal("expected error without --url")
	}
	if err := RunViewer(context.Background(), []string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("--help err = %v", err)
	}
}

func TestRunHostRejectsBadConfig(t *testing.T) {
	if err := RunHost(context.Background(), []string{"--frame-rate", "0"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func runHostFor(t *testing.T, d time.Duration, args ...string) string {
	t.Helper()
	dir := t.TempDir()
	shmDir := filepath.Join(dir, "shm")
	args = append([]string{
		"--shm-dir", shmDir,
		"--log", filepath.Join(dir, "host.log"),
		"--display", "32x16",
		"--frame-rate", "50",
	}, args...)

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := RunHost(ctx, args); err != nil {
		t.Fatalf("RunHost: %v", err)
	}
	return shmDir
}

func displaySequence(t *testing.T, shmDir string) uint64 {
	t.Helper()
	ch, err := shm.Create(filepath.Join(shmDir, protocol.RoleDisplay.FileName()), 32*16*4)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	rec, err := ch.Read()
	if err != nil {
		t.Fatal(err)
	}
	return rec.Header.Sequence
}

func TestRunHostMockSession(t *testing.T) {
	shmDir := runHostFor(t, 400*time.Millisecond)
	if seq := displaySequence(t, shmDir); seq == 0 {
		t.Fatal("no display frame written in mock mode")
	}
}

func TestRunHostWithMirror(t *testing.T) {
	shmDir := runHostFor(t, 400*time.Millisecond,
		"--mirror", "--mirror-listen", "127.0.0.1:0", "--mirror-pin", "2468")
	if seq := displaySequence(t, shmDir); seq == 0 {
		t.Fatal("no display frame written with the mirror enabled")
	}
}
