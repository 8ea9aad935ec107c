// Package pionengine implements engine.Engine on top of pion/webrtc.
//
// Remote video is reassembled with a sample builder and handed to a Decoder;
// without one configured frames arrive as PixelFormatEncoded access units.
// Local video comes from a Capturer and is optionally compressed by an
// Encoder before it is sent.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/ice"
)

// ErrConnectionFailed is reported through OnError when ICE or DTLS fails.
var ErrConnectionFailed = errors.New("peer connection failed")

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCapturer sets the local video source. Defaults to NewPatternCapturer.
func WithCapturer(f CapturerFactory) Option {
	return func(e *Engine) {
		if f != nil {
			e.capturers = f
		}
	}
}

// WithDecoder sets the remote video decoder. Defaults to
// NewPassthroughDecoder.
func WithDecoder(f DecoderFactory) Option {
	return func(e *Engine) {
		if f != nil {
			e.decoders = f
		}
	}
}

// WithEncoder sets the local video encoder. Without one the local video
// track is negotiated but carries no media.
func WithEncoder(f EncoderFactory) Option {
	return func(e *Engine) { e.encoders = f }
}

// Engine creates pion peer connections.
type Engine struct {
	media     *webrtc.MediaEngine
	settings  webrtc.SettingEngine
	logger    *slog.Logger
	capturers CapturerFactory
	decoders  DecoderFactory
	encoders  EncoderFactory
}

// New creates an Engine with pion's default codecs registered.
func New(opts ...Option) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("pionengine: register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)

	e := &Engine{
		media:     m,
		settings:  se,
		logger:    slog.Default(),
		capturers: NewPatternCapturer,
		decoders:  NewPassthroughDecoder,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Connect creates a peer connection with receive-only audio and video
// transceivers. Local tracks added later reuse them.
func (e *Engine) Connect(ctx context.Context, cfg engine.ConnectionConfig) (engine.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ice.ValidateAll(cfg.ICEServers); err != nil {
		return nil, err
	}

	pc, getter, err := e.newPeerConnection(configuration(cfg))
	if err != nil {
		return nil, fmt.Errorf("pionengine: new peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("pionengine: add %s transceiver: %w", kind, err)
		}
	}

	if err := ctx.Err(); err != nil {
		pc.Close()
		return nil, err
	}

	c := newConnection(e, pc, getter)
	e.logger.Debug("peer connection created", "ice_servers", len(cfg.ICEServers))
	return c, nil
}

// newPeerConnection builds a peer connection with its own stats
// interceptor. The interceptor hands over its getter while the connection
// is being built.
func (e *Engine) newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, stats.Getter, error) {
	factory, err := stats.NewInterceptor()
	if err != nil {
		return nil, nil, err
	}
	var getter stats.Getter
	factory.OnNewPeerConnection(func(_ string, g stats.Getter) { getter = g })

	registry := &interceptor.Registry{}
	registry.Add(factory)
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(e.media),
		webrtc.WithSettingEngine(e.settings),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, nil, err
	}
	return pc, getter, nil
}

func configuration(cfg engine.ConnectionConfig) webrtc.Configuration {
	var rc webrtc.Configuration
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: []string{s.URL()}}
		if user, cred := s.Credentials(cfg.Username, cfg.Credential); user != "" {
			server.Username = user
			server.Credential = cred
		}
		rc.ICEServers = append(rc.ICEServers, server)
	}
	return rc
}
