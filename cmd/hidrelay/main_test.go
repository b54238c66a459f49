package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/1ureka/hidrelay/internal/config"
	"github.com/1ureka/hidrelay/internal/link"
)

func parse(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	flags := pflag.NewFlagSet("hidrelay", pflag.ContinueOnError)
	opts := registerFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return resolveConfig(flags, opts)
}

// TestResolveDefaults verifies no flags means the reference settings.
func TestResolveDefaults(t *testing.T) {
	cfg, err := parse(t)
	if err != nil {
		t.Fatalf("resolveConfig failed: %v", err)
	}
	if cfg.TCPAddr() != "0.0.0.0:5555" || cfg.Link != link.KindL2CAP {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

// TestFlagsOverrideFile verifies only explicitly set flags beat the file.
func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hidrelay.toml")
	body := "port = 6000\nlink = \"unix\"\nframe_timeout = \"1s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := parse(t, "-c", path, "-p", "7000", "--establish-timeout", "30s")
	if err != nil {
		t.Fatalf("resolveConfig failed: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 from the flag", cfg.Port)
	}
	if cfg.Link != link.KindUnix || cfg.FrameTimeout != time.Second {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.EstablishTimeout != 30*time.Second {
		t.Errorf("EstablishTimeout = %s", cfg.EstablishTimeout)
	}
}

// TestResolveRejectsInvalid verifies validation runs after the overlay.
func TestResolveRejectsInvalid(t *testing.T) {
	if _, err := parse(t, "--link", "serial"); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// TestNewProvider verifies each link kind maps to its provider.
func TestNewProvider(t *testing.T) {
	for _, kind := range []string{link.KindL2CAP, link.KindUnix, link.KindWebRTC} {
		cfg := config.Default()
		cfg.Link = kind
		p, err := newProvider(cfg)
		if err != nil {
			t.Fatalf("newProvider(%s) failed: %v", kind, err)
		}
		if p.Name() != kind {
			t.Errorf("provider name = %s, want %s", p.Name(), kind)
		}
		p.Close()
	}

	cfg := config.Default()
	cfg.Link = "serial"
	var unknown link.ErrUnknownKind
	if _, err := newProvider(cfg); !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
