// Package native implements engine.Engine over the mrwebrtc native library.
//
// The library is loaded on first Connect. It owns its threads; every
// callback arrives on one of them and frames are copied into Go memory
// before they reach the installed engine.Callbacks.
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/peerbridge/internal/ffi"
	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/ice"
)

var (
	// ErrUnavailable is returned by Connect when the library cannot be loaded.
	ErrUnavailable = errors.New("native engine unavailable")

	// ErrConnectionFailed is reported through OnError when ICE fails.
	ErrConnectionFailed = errors.New("peer connection failed")
)

// remoteApplyTimeout bounds how long SetRemoteDescription waits for the
// library to confirm.
const remoteApplyTimeout = 10 * time.Second

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

// Engine creates native peer connections.
type Engine struct {
	logger *slog.Logger
	load   func() error
}

// New returns an Engine. The library is not loaded until Connect.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default(), load: ffi.LoadLibrary}
	for _, opt := range opts {
		opt(e)
	}
	ffi.SetLogger(e.logger)
	return e
}

// Connect loads the library if needed and creates a peer connection.
func (e *Engine) Connect(ctx context.Context, cfg engine.ConnectionConfig) (engine.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ice.ValidateAll(cfg.ICEServers); err != nil {
		return nil, err
	}
	if err := e.load(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c := &connection{logger: e.logger}
	pc, err := ffi.NewPeerConnection(ice.EncodeList(cfg.ICEServers, cfg.Username, cfg.Credential), &ffi.PeerCallbacks{
		LocalSDP:        c.onLocalSDP,
		ICECandidate:    c.onICECandidate,
		ICEStateChanged: c.onICEState,
		VideoTrackAdded: c.onVideoTrack,
	})
	if err != nil {
		return nil, err
	}
	c.pc = pc

	if err := ctx.Err(); err != nil {
		pc.Close()
		return nil, err
	}
	e.logger.Debug("native peer connection created", "ice_servers", len(cfg.ICEServers))
	return c, nil
}

type connection struct {
	pc     *ffi.PeerConnection
	logger *slog.Logger
	closed atomic.Bool

	mu          sync.RWMutex
	cb          engine.Callbacks
	onCandidate func(*engine.ICECandidate)

	sdpMu      sync.Mutex
	pendingSDP chan engine.SessionDescription
}

var (
	_ engine.Connection = (*connection)(nil)
	_ engine.Negotiator = (*connection)(nil)
)

func (c *connection) SetCallbacks(cb engine.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *connection) callbacks() engine.Callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cb
}

func (c *connection) emitLocal(f *frame.VideoFrame) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnLocalFrame; fn != nil {
		fn(f)
	}
}

func (c *connection) emitRemote(f *frame.VideoFrame) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnRemoteFrame; fn != nil {
		fn(f)
	}
}

func (c *connection) emitError(err error) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnError; fn != nil {
		fn(err)
	}
}

func (c *connection) onICEState(state ffi.IceConnectionState) {
	c.logger.Debug("ice state changed", "state", state.String())
	if state == ffi.IceStateFailed {
		c.emitError(ErrConnectionFailed)
	}
}

// onVideoTrack runs on a native thread that may hold library locks, so the
// sink is attached from a goroutine.
func (c *connection) onVideoTrack(track uintptr, name string) {
	c.logger.Info("remote video track", "name", name)
	go func() {
		if err := c.pc.SetRemoteVideoSink(track, c.emitRemote); err != nil && !errors.Is(err, ffi.ErrPeerClosed) {
			c.emitError(fmt.Errorf("native: remote video sink: %w", err))
		}
	}()
}

func (c *connection) onLocalSDP(typ ffi.SdpType, sdp string) {
	desc := engine.SessionDescription{SDP: sdp, Type: engine.SDPTypeOffer}
	if typ == ffi.SdpTypeAnswer {
		desc.Type = engine.SDPTypeAnswer
	}
	c.sdpMu.Lock()
	ch := c.pendingSDP
	c.pendingSDP = nil
	c.sdpMu.Unlock()
	if ch != nil {
		ch <- desc
	}
}

func (c *connection) onICECandidate(mid, candidate string, mlineIndex int) {
	c.mu.RLock()
	fn := c.onCandidate
	c.mu.RUnlock()
	if fn != nil {
		fn(&engine.ICECandidate{Candidate: candidate, SDPMid: mid, SDPMLineIndex: uint16(mlineIndex)})
	}
}

func (c *connection) AddLocalAudioTrack(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.pc.AddLocalAudioTrack("local_audio"); err != nil {
		return trackError(err)
	}
	return nil
}

func (c *connection) AddLocalVideoTrack(ctx context.Context, cc engine.CaptureConfig, mrc bool) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.pc.AddLocalVideoTrack("local_video", ffi.VideoDeviceConfig{
		DeviceID:  cc.DeviceID,
		Width:     uint32(max(cc.Width, 0)),
		Height:    uint32(max(cc.Height, 0)),
		FrameRate: cc.FrameRate,
		EnableMRC: mrc,
	}, c.emitLocal)
	if err != nil {
		return trackError(err)
	}
	return nil
}

func trackError(err error) error {
	switch {
	case errors.Is(err, ffi.ErrPeerClosed):
		return engine.ErrClosed
	case errors.Is(err, ffi.ErrNotFound):
		return fmt.Errorf("%w: %w", engine.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %w", engine.ErrTrackFailed, err)
	}
}

func (c *connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pc.Close()
}

func (c *connection) CreateOffer(ctx context.Context) (engine.SessionDescription, error) {
	return c.createLocal(ctx, c.pc.CreateOffer)
}

func (c *connection) CreateAnswer(ctx context.Context) (engine.SessionDescription, error) {
	return c.createLocal(ctx, c.pc.CreateAnswer)
}

// createLocal starts offer or answer creation and waits for the library to
// report the description. The library applies it locally by itself.
func (c *connection) createLocal(ctx context.Context, start func() error) (engine.SessionDescription, error) {
	if c.closed.Load() {
		return engine.SessionDescription{}, engine.ErrClosed
	}
	ch := make(chan engine.SessionDescription, 1)
	c.sdpMu.Lock()
	c.pendingSDP = ch
	c.sdpMu.Unlock()

	if err := start(); err != nil {
		c.sdpMu.Lock()
		c.pendingSDP = nil
		c.sdpMu.Unlock()
		return engine.SessionDescription{}, err
	}
	select {
	case desc := <-ch:
		return desc, nil
	case <-ctx.Done():
		return engine.SessionDescription{}, ctx.Err()
	}
}

// SetLocalDescription is a no-op: the library applies local descriptions
// as it creates them.
func (c *connection) SetLocalDescription(engine.SessionDescription) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	return nil
}

func (c *connection) SetRemoteDescription(desc engine.SessionDescription) error {
	var typ ffi.SdpType
	switch desc.Type {
	case engine.SDPTypeOffer:
		typ = ffi.SdpTypeOffer
	case engine.SDPTypeAnswer:
		typ = ffi.SdpTypeAnswer
	default:
		return fmt.Errorf("%w: %s descriptions", engine.ErrNotNegotiable, desc.Type)
	}

	done := make(chan error, 1)
	if err := c.pc.SetRemoteDescription(typ, desc.SDP, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(remoteApplyTimeout):
		return fmt.Errorf("native: remote description not applied after %s", remoteApplyTimeout)
	}
}

func (c *connection) AddICECandidate(cand engine.ICECandidate) error {
	return c.pc.AddICECandidate(cand.SDPMid, cand.Candidate, int(cand.SDPMLineIndex))
}

// OnICECandidate sets the candidate handler. The library does not signal
// the end of gathering, so fn never sees a nil candidate.
func (c *connection) OnICECandidate(fn func(*engine.ICECandidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}
