// Package config loads the peerbridge host configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// the process environment (after .env files are merged into it without
// overriding variables that are already set). Environment variables use the
// PEERBRIDGE_ prefix, e.g. PEERBRIDGE_ICE_SERVERS=stun:stun.example.com:19302.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/peerbridge/internal/signaling"
	"github.com/thesyncim/peerbridge/pkg/codec"
	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/ice"
	"github.com/thesyncim/peerbridge/pkg/peer"
	"github.com/thesyncim/peerbridge/pkg/sdpfilter"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PEERBRIDGE"

// Engine kinds.
const (
	EnginePion   = "pion"
	EngineNative = "native"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the host configuration.
type Config struct {
	ICEServers    []string `yaml:"ice_servers" envconfig:"ICE_SERVERS"`
	ICEUsername   string   `yaml:"ice_username" envconfig:"ICE_USERNAME"`
	ICECredential string   `yaml:"ice_credential" envconfig:"ICE_CREDENTIAL"`

	AutoStartAudio      bool    `yaml:"auto_start_audio" envconfig:"AUTO_START_AUDIO"`
	AutoStartVideo      bool    `yaml:"auto_start_video" envconfig:"AUTO_START_VIDEO"`
	MixedRealityCapture bool    `yaml:"mixed_reality_capture" envconfig:"MIXED_REALITY_CAPTURE"`
	CaptureDevice       string  `yaml:"capture_device" envconfig:"CAPTURE_DEVICE"`
	CaptureWidth        int     `yaml:"capture_width" envconfig:"CAPTURE_WIDTH"`
	CaptureHeight       int     `yaml:"capture_height" envconfig:"CAPTURE_HEIGHT"`
	CaptureFrameRate    float64 `yaml:"capture_frame_rate" envconfig:"CAPTURE_FRAME_RATE"`

	LocalQueueCapacity  int `yaml:"local_queue_capacity" envconfig:"LOCAL_QUEUE_CAPACITY"`
	RemoteQueueCapacity int `yaml:"remote_queue_capacity" envconfig:"REMOTE_QUEUE_CAPACITY"`

	Engine        string `yaml:"engine" envconfig:"ENGINE"`
	NativeLibrary string `yaml:"native_library" envconfig:"NATIVE_LIBRARY"`

	SignalingURL  string `yaml:"signaling_url" envconfig:"SIGNALING_URL"`
	SignalingRole string `yaml:"signaling_role" envconfig:"SIGNALING_ROLE"`
	VideoCodec    string `yaml:"video_codec" envconfig:"VIDEO_CODEC"`

	// TickRate is how many times per second the host drains the dispatcher.
	TickRate float64 `yaml:"tick_rate" envconfig:"TICK_RATE"`
	LogLevel string  `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AutoStartAudio:      true,
		AutoStartVideo:      true,
		CaptureWidth:        640,
		CaptureHeight:       480,
		CaptureFrameRate:    30,
		LocalQueueCapacity:  peer.DefaultLocalQueueCapacity,
		RemoteQueueCapacity: peer.DefaultRemoteQueueCapacity,
		Engine:              EnginePion,
		SignalingRole:       string(signaling.RoleOfferer),
		TickRate:            60,
		LogLevel:            "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the given .env files (".env" when none are given; missing
// files are ignored) and the environment. The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field that has a constrained domain.
func (c Config) Validate() error {
	var errs []error
	if _, err := ice.ParseServers(c.ICEServers); err != nil {
		errs = append(errs, err)
	}
	switch c.Engine {
	case EnginePion, EngineNative:
	default:
		errs = append(errs, fmt.Errorf("engine %q: want %s or %s", c.Engine, EnginePion, EngineNative))
	}
	switch signaling.Role(c.SignalingRole) {
	case signaling.RoleOfferer, signaling.RoleAnswerer:
	default:
		errs = append(errs, fmt.Errorf("signaling role %q", c.SignalingRole))
	}
	if c.VideoCodec != "" {
		if t, ok := codec.Parse(c.VideoCodec); !ok || !t.IsVideo() || !sdpfilter.IsValidToken(c.VideoCodec) {
			errs = append(errs, fmt.Errorf("video codec %q", c.VideoCodec))
		}
	}
	if c.LocalQueueCapacity < 1 || c.RemoteQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacities must be positive, got %d/%d", c.LocalQueueCapacity, c.RemoteQueueCapacity))
	}
	if c.CaptureWidth < 0 || c.CaptureHeight < 0 || c.CaptureFrameRate < 0 {
		errs = append(errs, errors.New("capture dimensions and frame rate must not be negative"))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick rate %v must be positive", c.TickRate))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// PeerConfig converts c into the controller configuration.
func (c Config) PeerConfig() (peer.Config, error) {
	servers, err := ice.ParseServers(c.ICEServers)
	if err != nil {
		return peer.Config{}, err
	}
	return peer.Config{
		ICEServers:     servers,
		ICEUsername:    c.ICEUsername,
		ICECredential:  c.ICECredential,
		AutoStartAudio: c.AutoStartAudio,
		AutoStartVideo: c.AutoStartVideo,
		VideoCapture: engine.CaptureConfig{
			DeviceID:  c.CaptureDevice,
			Width:     c.CaptureWidth,
			Height:    c.CaptureHeight,
			FrameRate: c.CaptureFrameRate,
		},
		EnableMixedRealityCapture: c.MixedRealityCapture,
		LocalQueueCapacity:        c.LocalQueueCapacity,
		RemoteQueueCapacity:       c.RemoteQueueCapacity,
	}, nil
}

// TickInterval is the period between consumer ticks.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / c.TickRate)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
