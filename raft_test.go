package raft

import (
	"errors"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

const testEntrySize = 16

func testConfig(id string, peers ...string) Config {
	return Config{
		ID:              id,
		Peers:           peers,
		LogEntrySize:    testEntrySize,
		ElectionTickMin: 10,
		ElectionTickMax: 50,
		HeartbeatTicks:  3,
		Rand:            rand.New(rand.NewSource(1)),
	}
}

// newTestSM returns an initialized replica backed by a temp-dir log,
// with the Output of Init already drained.
func newTestSM(t *testing.T, id string, peers ...string) *RaftSM {
	t.Helper()

	dir, err := ioutil.TempDir("", "raft")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := testConfig(id, peers...)
	cfg.LogPath = filepath.Join(dir, id+".log")

	sm, err := NewRaftSM(cfg)
	if err != nil {
		t.Fatal(err)
	}

	out := &Output{}
	if err := sm.Init(out); err != nil {
		t.Fatal(err)
	}
	if len(out.TimerCommands) != 1 || out.TimerCommands[0].Kind != TimerElection || out.TimerCommands[0].Action != TimerActionSet {
		t.Fatalf("Init expected a single election timer Set, got %+v", out.TimerCommands)
	}
	return sm
}

func Test_NewRaftSM_config_validation(t *testing.T) {
	tests := []struct {
		name   string
		change func(c *Config)
	}{
		{"empty id", func(c *Config) { c.ID = "" }},
		{"long id", func(c *Config) { c.ID = "0123456789012345678901234567890123456789" }},
		{"duplicate peer", func(c *Config) { c.Peers = []string{"R2", "R2"} }},
		{"self as peer", func(c *Config) { c.Peers = []string{"R1", "R2"} }},
		{"empty log path", func(c *Config) { c.LogPath = "" }},
		{"entry size too small", func(c *Config) { c.LogEntrySize = 4 }},
		{"zero election tick", func(c *Config) { c.ElectionTickMin = 0 }},
		{"inverted election range", func(c *Config) { c.ElectionTickMin = 50; c.ElectionTickMax = 10 }},
		{"heartbeat not below election min", func(c *Config) { c.HeartbeatTicks = 10 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatTicks = 0 }},
	}

	for i, tt := range tests {
		cfg := testConfig("R1", "R2", "R3")
		cfg.LogPath = "unused.log"
		tt.change(&cfg)
		if _, err := NewRaftSM(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("#%d (%s): expected ErrInvalidConfig, got %v", i, tt.name, err)
		}
	}
}

func Test_output_must_be_empty(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	dirty := &Output{TimerCommands: []TimerCmd{{Kind: TimerElection, Action: TimerActionStop}}}
	if err := sm.OnTimer(TimerElection, dirty); !errors.Is(err, ErrOutputNotEmpty) {
		t.Fatalf("expected ErrOutputNotEmpty, got %v", err)
	}
	if err := sm.OnTimer(TimerElection, nil); !errors.Is(err, ErrOutputNotEmpty) {
		t.Fatalf("expected ErrOutputNotEmpty for nil output, got %v", err)
	}
}

func Test_step_before_Init(t *testing.T) {
	cfg := testConfig("R1", "R2")
	cfg.LogPath = "unused.log"
	sm, err := NewRaftSM(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.OnTimer(TimerElection, &Output{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func Test_step_after_Close(t *testing.T) {
	sm := newTestSM(t, "R1", "R2")
	if err := sm.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sm.OnTimer(TimerElection, &Output{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func Test_Shutdown_removes_log(t *testing.T) {
	dir, err := ioutil.TempDir("", "raft")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := testConfig("R1", "R2")
	cfg.LogPath = filepath.Join(dir, "R1.log")
	sm, err := NewRaftSM(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := sm.Init(&Output{}); err != nil {
		t.Fatal(err)
	}
	if err := sm.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.LogPath); !os.IsNotExist(err) {
		t.Fatalf("log file should be removed, stat returned %v", err)
	}
}

func Test_catchUpTerm_same_term_is_noop(t *testing.T) {
	sm := newTestSM(t, "R1", "R2", "R3")

	out := &Output{}
	updated, err := sm.catchUpTerm(sm.store.CurrentTerm(), out)
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Fatal("catch-up with equal term must be a no-op")
	}
	if !out.empty() {
		t.Fatalf("no output expected, got %+v", out)
	}
}

func Test_quorum(t *testing.T) {
	tests := []struct {
		peers   []string
		wQuorum int
	}{
		{nil, 1},
		{[]string{"R2"}, 2},
		{[]string{"R2", "R3"}, 2},
		{[]string{"R2", "R3", "R4"}, 3},
		{[]string{"R2", "R3", "R4", "R5"}, 3},
	}
	for i, tt := range tests {
		sm := newTestSM(t, "R1", tt.peers...)
		if g := sm.quorum(); g != tt.wQuorum {
			t.Fatalf("#%d: quorum expected %d, got %d", i, tt.wQuorum, g)
		}
	}
}
