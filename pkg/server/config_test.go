package server

import (
	"testing"
	"time"
)

func TestSessionConfigClone(t *testing.T) {
	cfg := DefaultSessionConfig()
	clone := cfg.Clone()
	if *clone != *cfg {
		t.Fatalf("Clone = %+v, want %+v", *clone, *cfg)
	}
	clone.InboxSize = 1
	if cfg.InboxSize != 64 {
		t.Fatalf("Clone shares storage: InboxSize = %d", cfg.InboxSize)
	}

	var nilCfg *SessionConfig
	if nilCfg.Clone() != nil {
		t.Fatal("nil Clone is not nil")
	}
}

func TestSessionConfigWithDefaults(t *testing.T) {
	cfg := &SessionConfig{InboxSize: 8, MaxTrackers: 3}
	got := cfg.withDefaults()

	want := SessionConfig{
		SendQueueSize: 256,
		InboxSize:     8,
		MaxTrackers:   3,
		CreateTimeout: 30 * time.Second,
	}
	if *got != want {
		t.Fatalf("withDefaults = %+v, want %+v", *got, want)
	}
	if cfg.SendQueueSize != 0 {
		t.Fatal("withDefaults modified its receiver")
	}

	var nilCfg *SessionConfig
	if *nilCfg.withDefaults() != *DefaultSessionConfig() {
		t.Fatal("nil withDefaults does not match DefaultSessionConfig")
	}
}
