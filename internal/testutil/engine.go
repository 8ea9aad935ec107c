package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
)

// Engine is a scripted engine.Engine.
//
// By default Connect succeeds at once. Hold makes every Connect wait until
// Release is called. Hold(true) also makes it ignore ctx, like an engine
// that cannot be interrupted.
type Engine struct {
	Recorder *Recorder

	mu            sync.Mutex
	connectErr    error
	audioErr      error
	videoErr      error
	closeErr      error
	hold          chan struct{}
	ignoreContext bool
	configs       []engine.ConnectionConfig
	conns         []*Connection
	entered       chan struct{}
}

// NewEngine creates an Engine recording into rec, which may be nil.
func NewEngine(rec *Recorder) *Engine {
	return &Engine{Recorder: rec, entered: make(chan struct{}, 64)}
}

// FailWith makes every later Connect fail with err.
func (e *Engine) FailWith(err error) {
	e.mu.Lock()
	e.connectErr = err
	e.mu.Unlock()
}

// FailTracks makes connections created afterwards fail track creation and
// Close with the given errors. Nil leaves a call succeeding.
func (e *Engine) FailTracks(audio, video, closeErr error) {
	e.mu.Lock()
	e.audioErr, e.videoErr, e.closeErr = audio, video, closeErr
	e.mu.Unlock()
}

// Hold makes later Connect calls block until Release.
func (e *Engine) Hold(ignoreContext bool) {
	e.mu.Lock()
	e.hold = make(chan struct{})
	e.ignoreContext = ignoreContext
	e.mu.Unlock()
}

// Release unblocks held Connect calls.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.hold != nil {
		close(e.hold)
		e.hold = nil
	}
	e.mu.Unlock()
}

// Entered receives once per Connect call, as soon as it starts.
func (e *Engine) Entered() <-chan struct{} { return e.entered }

func (e *Engine) Connect(ctx context.Context, cfg engine.ConnectionConfig) (engine.Connection, error) {
	e.mu.Lock()
	e.configs = append(e.configs, cfg)
	hold, ignoreCtx, connectErr := e.hold, e.ignoreContext, e.connectErr
	e.mu.Unlock()

	e.Recorder.Record("connect")
	select {
	case e.entered <- struct{}{}:
	default:
	}

	if hold != nil {
		if ignoreCtx {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	e.mu.Lock()
	conn := &Connection{
		Recorder: e.Recorder,
		AudioErr: e.audioErr,
		VideoErr: e.videoErr,
		CloseErr: e.closeErr,
	}
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	return conn, nil
}

// Connects returns the number of Connect calls.
func (e *Engine) Connects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.configs)
}

// Configs returns the configurations passed to Connect.
func (e *Engine) Configs() []engine.ConnectionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.ConnectionConfig(nil), e.configs...)
}

// Connections returns every connection created so far.
func (e *Engine) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Connection(nil), e.conns...)
}

// ErrMockClosed is returned by track calls on a closed Connection.
var ErrMockClosed = errors.New("mock connection closed")

// Connection is a scripted engine.Connection. Emit* methods play the engine
// and may be called from any goroutine.
type Connection struct {
	Recorder *Recorder

	// AudioErr, VideoErr and CloseErr are returned by the matching calls.
	// Set them before the connection is used.
	AudioErr error
	VideoErr error
	CloseErr error

	mu          sync.Mutex
	cb          engine.Callbacks
	closed      bool
	audioTracks int
	videoTracks int
	lastCapture engine.CaptureConfig
	lastMRC     bool
	stats       engine.ConnectionStats
}

func (c *Connection) SetCallbacks(cb engine.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	if cb.IsZero() {
		c.Recorder.Record("clear-callbacks")
	} else {
		c.Recorder.Record("set-callbacks")
	}
}

func (c *Connection) AddLocalAudioTrack(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrMockClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.AudioErr != nil {
		return c.AudioErr
	}
	c.audioTracks++
	c.Recorder.Record("audio-track")
	return nil
}

func (c *Connection) AddLocalVideoTrack(ctx context.Context, cc engine.CaptureConfig, mrc bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrMockClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.VideoErr != nil {
		return c.VideoErr
	}
	c.videoTracks++
	c.lastCapture = cc
	c.lastMRC = mrc
	c.Recorder.Record("video-track")
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Recorder.Record("close")
	return c.CloseErr
}

// SetStats sets the report returned by Stats.
func (c *Connection) SetStats(st engine.ConnectionStats) {
	c.mu.Lock()
	c.stats = st
	c.mu.Unlock()
}

func (c *Connection) Stats(ctx context.Context) (engine.ConnectionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ConnectionStats{}, ErrMockClosed
	}
	if err := ctx.Err(); err != nil {
		return engine.ConnectionStats{}, err
	}
	return c.stats, nil
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Tracks returns the number of audio and video tracks added.
func (c *Connection) Tracks() (audio, video int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioTracks, c.videoTracks
}

// LastVideoCapture returns the arguments of the last AddLocalVideoTrack.
func (c *Connection) LastVideoCapture() (engine.CaptureConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCapture, c.lastMRC
}

// Registered reports whether non-zero callbacks are installed.
func (c *Connection) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cb.IsZero()
}

// Callbacks returns the installed callbacks.
func (c *Connection) Callbacks() engine.Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// EmitLocalFrame delivers f as a captured frame. It reports whether a
// callback was installed.
func (c *Connection) EmitLocalFrame(f *frame.VideoFrame) bool {
	cb := c.Callbacks()
	if cb.OnLocalFrame == nil {
		return false
	}
	cb.OnLocalFrame(f)
	return true
}

// EmitRemoteFrame delivers f as a received frame.
func (c *Connection) EmitRemoteFrame(f *frame.VideoFrame) bool {
	cb := c.Callbacks()
	if cb.OnRemoteFrame == nil {
		return false
	}
	cb.OnRemoteFrame(f)
	return true
}

// EmitError delivers err through the error callback.
func (c *Connection) EmitError(err error) bool {
	cb := c.Callbacks()
	if cb.OnError == nil {
		return false
	}
	cb.OnError(err)
	return true
}
