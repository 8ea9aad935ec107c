package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thesyncim/peerbridge/pkg/ice"
	"github.com/thesyncim/peerbridge/pkg/peer"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// noEnvFile points Load at a .env file that does not exist.
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.LocalQueueCapacity != peer.DefaultLocalQueueCapacity || cfg.RemoteQueueCapacity != peer.DefaultRemoteQueueCapacity {
		t.Errorf("capacities = %d/%d", cfg.LocalQueueCapacity, cfg.RemoteQueueCapacity)
	}
	if cfg.Engine != EnginePion {
		t.Errorf("Engine = %q, want %q", cfg.Engine, EnginePion)
	}
}

func TestLoad_NoSources(t *testing.T) {
	cfg, err := Load("", noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TickRate != Default().TickRate {
		t.Errorf("TickRate = %v", cfg.TickRate)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "peerbridge.yaml", `
ice_servers:
  - stun:stun.example.com:19302
  - turn:relay.example.com:3478
ice_username: alice
ice_credential: secret
auto_start_audio: false
capture_width: 1280
capture_height: 720
remote_queue_capacity: 8
engine: native
signaling_url: ws://localhost:8080/ws
signaling_role: answerer
video_codec: H264
log_level: debug
`)
	cfg, err := Load(path, noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEUsername != "alice" {
		t.Errorf("ice = %v %q", cfg.ICEServers, cfg.ICEUsername)
	}
	if cfg.AutoStartAudio || !cfg.AutoStartVideo {
		t.Errorf("auto start = %v/%v, want false/true", cfg.AutoStartAudio, cfg.AutoStartVideo)
	}
	if cfg.CaptureWidth != 1280 || cfg.CaptureHeight != 720 || cfg.CaptureFrameRate != 30 {
		t.Errorf("capture = %dx%d@%v", cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFrameRate)
	}
	if cfg.RemoteQueueCapacity != 8 || cfg.LocalQueueCapacity != peer.DefaultLocalQueueCapacity {
		t.Errorf("capacities = %d/%d", cfg.LocalQueueCapacity, cfg.RemoteQueueCapacity)
	}
	if cfg.Engine != EngineNative || cfg.SignalingRole != "answerer" || cfg.VideoCodec != "H264" {
		t.Errorf("cfg = %+v", cfg)
	}
	if l, _ := cfg.SlogLevel(); l != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", l)
	}
}

func TestLoad_EmptyYAML(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	if _, err := Load(path, noEnvFile(t)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_UnknownYAMLField(t *testing.T) {
	path := writeFile(t, "bad.yaml", "tick_rte: 30\n")
	if _, err := Load(path, noEnvFile(t)); err == nil {
		t.Fatal("Load() accepted an unknown field")
	}
}

func TestLoad_MissingYAML(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() = %v, want ErrNotExist", err)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "peerbridge.yaml", "tick_rate: 30\nengine: native\n")
	t.Setenv("PEERBRIDGE_TICK_RATE", "120")
	t.Setenv("PEERBRIDGE_ICE_SERVERS", "stun:a.example.com,turns:b.example.com:5349")
	t.Setenv("PEERBRIDGE_AUTO_START_VIDEO", "false")

	cfg, err := Load(path, noEnvFile(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TickRate != 120 {
		t.Errorf("TickRate = %v, want 120", cfg.TickRate)
	}
	if cfg.Engine != EngineNative {
		t.Errorf("Engine = %q, want value from YAML", cfg.Engine)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "turns:b.example.com:5349" {
		t.Errorf("ICEServers = %v", cfg.ICEServers)
	}
	if cfg.AutoStartVideo {
		t.Error("AutoStartVideo = true, want false from environment")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const codecKey = "PEERBRIDGE_VIDEO_CODEC"
	const roleKey = "PEERBRIDGE_SIGNALING_ROLE"
	for _, k := range []string{codecKey, roleKey} {
		if _, ok := os.LookupEnv(k); ok {
			t.Skipf("%s set in the environment", k)
		}
	}
	t.Cleanup(func() {
		os.Unsetenv(codecKey)
		os.Unsetenv(roleKey)
	})
	// Variables already in the environment win over the .env file.
	os.Setenv(roleKey, "offerer")

	env := writeFile(t, "test.env", codecKey+"=VP8\n"+roleKey+"=answerer\n")
	cfg, err := Load("", env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VideoCodec != "VP8" {
		t.Errorf("VideoCodec = %q, want VP8 from .env", cfg.VideoCodec)
	}
	if cfg.SignalingRole != "offerer" {
		t.Errorf("SignalingRole = %q, want environment value", cfg.SignalingRole)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("PEERBRIDGE_CAPTURE_WIDTH", "wide")
	if _, err := Load("", noEnvFile(t)); err == nil {
		t.Fatal("Load() accepted a non-numeric width")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ice server", func(c *Config) { c.ICEServers = []string{"http://x"} }},
		{"bad engine", func(c *Config) { c.Engine = "gstreamer" }},
		{"bad role", func(c *Config) { c.SignalingRole = "observer" }},
		{"bad codec", func(c *Config) { c.VideoCodec = "VP8;H264" }},
		{"unknown codec", func(c *Config) { c.VideoCodec = "theora" }},
		{"audio codec", func(c *Config) { c.VideoCodec = "opus" }},
		{"zero local capacity", func(c *Config) { c.LocalQueueCapacity = 0 }},
		{"negative remote capacity", func(c *Config) { c.RemoteQueueCapacity = -1 }},
		{"negative width", func(c *Config) { c.CaptureWidth = -1 }},
		{"zero tick rate", func(c *Config) { c.TickRate = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Engine = "x"
	cfg.TickRate = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{`engine "x"`, "tick rate -1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, want it to mention %s", err, want)
		}
	}
}

func TestPeerConfig(t *testing.T) {
	cfg := Default()
	cfg.ICEServers = []string{"stun:stun.example.com:19302", "turn:relay.example.com:3478"}
	cfg.ICEUsername = "alice"
	cfg.ICECredential = "secret"
	cfg.CaptureDevice = "/dev/video0"
	cfg.MixedRealityCapture = true

	pc, err := cfg.PeerConfig()
	if err != nil {
		t.Fatalf("PeerConfig() error = %v", err)
	}
	if len(pc.ICEServers) != 2 || pc.ICEServers[0].Kind != ice.KindStun || pc.ICEServers[1].Kind != ice.KindTurn {
		t.Errorf("ICEServers = %+v", pc.ICEServers)
	}
	if pc.ICEUsername != "alice" || pc.ICECredential != "secret" {
		t.Errorf("credentials = %q/%q", pc.ICEUsername, pc.ICECredential)
	}
	if pc.VideoCapture.DeviceID != "/dev/video0" || pc.VideoCapture.Width != 640 || pc.VideoCapture.FrameRate != 30 {
		t.Errorf("VideoCapture = %+v", pc.VideoCapture)
	}
	if !pc.EnableMixedRealityCapture || !pc.AutoStartAudio || !pc.AutoStartVideo {
		t.Errorf("flags = %+v", pc)
	}
	if pc.LocalQueueCapacity != 3 || pc.RemoteQueueCapacity != 5 {
		t.Errorf("capacities = %d/%d", pc.LocalQueueCapacity, pc.RemoteQueueCapacity)
	}

	cfg.ICEServers = []string{"ftp://x"}
	if _, err := cfg.PeerConfig(); !errors.Is(err, ice.ErrInvalidServer) {
		t.Errorf("PeerConfig() = %v, want ErrInvalidServer", err)
	}
}

func TestTickInterval(t *testing.T) {
	tests := []struct {
		rate float64
		want time.Duration
	}{
		{60, time.Second / 60},
		{10, 100 * time.Millisecond},
		{0, time.Second / 60},
	}
	for _, tt := range tests {
		c := Config{TickRate: tt.rate}
		if got := c.TickInterval(); got != tt.want {
			t.Errorf("TickInterval(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}
