package config

import (
	"testing"

	"github.com/tindra/clusterproxy/internal/appErr"
	"github.com/tindra/clusterproxy/internal/scheduler"
)

func TestParseDefaults(t *testing.T) {
	cfg, help, err := Parse([]string{"127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if help {
		t.Fatal("help should be false")
	}
	if cfg.Seed != "127.0.0.1:7000" {
		t.Errorf("Seed = %q, want 127.0.0.1:7000", cfg.Seed)
	}
	if cfg.Port != 7777 {
		t.Errorf("default Port = %d, want 7777", cfg.Port)
	}
	if cfg.Threads != 8 {
		t.Errorf("default Threads = %d, want 8", cfg.Threads)
	}
	if cfg.DisableMultiplex != "auto" {
		t.Errorf("default DisableMultiplex = %q, want auto", cfg.DisableMultiplex)
	}
}

func TestParseShortAndLongAliasesAgree(t *testing.T) {
	short, _, err := Parse([]string{"-p", "7001", "-a", "secret", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse short flags: %v", err)
	}
	long, _, err := Parse([]string{"--port", "7001", "--auth", "secret", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse long flags: %v", err)
	}
	if short.Port != long.Port || short.Port != 7001 {
		t.Errorf("short/long port mismatch: %d vs %d", short.Port, long.Port)
	}
	if short.Auth != long.Auth || short.Auth != "secret" {
		t.Errorf("short/long auth mismatch: %q vs %q", short.Auth, long.Auth)
	}
}

func TestParseMissingSeedIsConfigError(t *testing.T) {
	_, _, err := Parse([]string{"-p", "7001"})
	if err == nil {
		t.Fatal("expected an error when no positional seed is given")
	}
	ae, ok := err.(*appErr.AppError)
	if !ok || ae.Code != appErr.CodeConfig {
		t.Errorf("got %v, want CodeConfig", err)
	}
}

func TestParseHelpFlagShortCircuits(t *testing.T) {
	cfg, help, err := Parse([]string{"-h"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !help {
		t.Fatal("expected help=true")
	}
	if cfg != nil {
		t.Error("expected nil config on help")
	}
}

func TestParseThreadsClamped(t *testing.T) {
	cfg, _, err := Parse([]string{"-threads", "0", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Threads != 1 {
		t.Errorf("Threads clamped to %d, want 1", cfg.Threads)
	}

	cfg, _, err = Parse([]string{"-threads", "5000", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Threads != 500 {
		t.Errorf("Threads clamped to %d, want 500", cfg.Threads)
	}
}

func TestParseInvalidMultiplexMode(t *testing.T) {
	_, _, err := Parse([]string{"-disable-multiplexing", "sometimes", "127.0.0.1:7000"})
	if err == nil {
		t.Fatal("expected an error for an invalid --disable-multiplexing value")
	}
}

func TestParseInvalidLogLevel(t *testing.T) {
	_, _, err := Parse([]string{"-log-level", "loud", "127.0.0.1:7000"})
	if err == nil {
		t.Fatal("expected an error for an invalid --log-level value")
	}
}

func TestMultiplexModeMapping(t *testing.T) {
	tests := []struct {
		flag string
		want scheduler.MultiplexMode
	}{
		{"never", scheduler.MultiplexNever},
		{"auto", scheduler.MultiplexAuto},
		{"always", scheduler.MultiplexAlways},
	}
	for _, tt := range tests {
		cfg, _, err := Parse([]string{"-disable-multiplexing", tt.flag, "127.0.0.1:7000"})
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.flag, err)
		}
		if got := cfg.MultiplexMode(); got != tt.want {
			t.Errorf("MultiplexMode() for %s = %v, want %v", tt.flag, got, tt.want)
		}
	}
}

func TestListenAddr(t *testing.T) {
	cfg, _, err := Parse([]string{"-p", "9999", "127.0.0.1:7000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:9999" {
		t.Errorf("ListenAddr() = %q, want 0.0.0.0:9999", got)
	}
}
