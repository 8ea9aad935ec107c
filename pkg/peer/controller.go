package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thesyncim/peerbridge/pkg/dispatch"
	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/framequeue"
	"github.com/thesyncim/peerbridge/pkg/ice"
	"github.com/thesyncim/peerbridge/pkg/platform"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSignaler sets the signaling collaborator.
func WithSignaler(s Signaler) Option {
	return func(c *Controller) { c.signaler = s }
}

// WithLocalSink hands the local frame queue to sink at construction.
func WithLocalSink(sink FrameSink) Option {
	return func(c *Controller) { c.localSink = sink }
}

// WithRemoteSink hands the remote frame queue to sink at construction.
func WithRemoteSink(sink FrameSink) Option {
	return func(c *Controller) { c.remoteSink = sink }
}

// WithPermissions sets the permission step run by Start before Initialize.
// Without it Start skips the step.
func WithPermissions(p platform.Permissions) Option {
	return func(c *Controller) { c.perms = p }
}

// Controller runs the lifecycle of one engine connection. It is the only
// writer of the connection state.
type Controller struct {
	eng        engine.Engine
	cfg        Config
	logger     *slog.Logger
	signaler   Signaler
	perms      platform.Permissions
	localSink  FrameSink
	remoteSink FrameSink

	local      *framequeue.Queue[*frame.VideoFrame]
	remote     *framequeue.Queue[*frame.VideoFrame]
	dispatcher *dispatch.Dispatcher
	events     *Events
	bridge     *bridge

	// life is cancelled on Uninitialize and bounds track creation.
	life       context.Context
	cancelLife context.CancelFunc

	state atomic.Int32

	mu                sync.Mutex // serializes transitions
	conn              engine.Connection
	initFuture        *Future
	cancelInit        context.CancelFunc
	shutdownRequested bool
	teardown          *Future
}

// New creates a Controller in the Uninitialized state.
func New(eng engine.Engine, cfg Config, opts ...Option) *Controller {
	if cfg.LocalQueueCapacity <= 0 {
		cfg.LocalQueueCapacity = DefaultLocalQueueCapacity
	}
	if cfg.RemoteQueueCapacity <= 0 {
		cfg.RemoteQueueCapacity = DefaultRemoteQueueCapacity
	}

	c := &Controller{
		eng:    eng,
		cfg:    cfg,
		logger: slog.Default(),
		local:  framequeue.New[*frame.VideoFrame](cfg.LocalQueueCapacity),
		remote: framequeue.New[*frame.VideoFrame](cfg.RemoteQueueCapacity),
		events: &Events{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.life, c.cancelLife = context.WithCancel(context.Background())

	c.dispatcher = dispatch.New(
		dispatch.WithLogger(c.logger),
		dispatch.WithErrorHandler(func(err error) {
			if ferr := c.events.fireError(err); ferr != nil {
				c.logger.Error("error subscriber failed", "error", ferr)
			}
		}),
	)
	c.bridge = &bridge{
		local:  c.local,
		remote: c.remote,
		report: c.reportError,
		logger: c.logger,
	}

	if c.localSink != nil {
		c.localSink.SetFrameQueue(c.local)
	}
	if c.remoteSink != nil {
		c.remoteSink.SetFrameQueue(c.remote)
	}
	return c
}

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// LocalFrames returns the queue of locally captured frames.
func (c *Controller) LocalFrames() *framequeue.Queue[*frame.VideoFrame] { return c.local }

// RemoteFrames returns the queue of frames received from the remote peer.
func (c *Controller) RemoteFrames() *framequeue.Queue[*frame.VideoFrame] { return c.remote }

// Dispatcher returns the work queue drained by Tick.
func (c *Controller) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Events returns the subscriber lists fired on the consumer goroutine.
func (c *Controller) Events() *Events { return c.events }

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("state changed", "from", old, "state", s)
	}
}

// Initialize starts connecting. Only the first call from Uninitialized
// starts an attempt; later calls return the in-flight or completed future.
// Cancelling ctx before the engine finishes aborts the attempt with
// ErrCancelled. After shutdown it returns a future failed with ErrShutdown.
func (c *Controller) Initialize(ctx context.Context) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateInitializing, StateInitialized:
		return c.initFuture
	case StateShuttingDown, StateShutdown:
		return resolvedFuture(ErrShutdown)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	f := newFuture()
	c.initFuture = f
	c.cancelInit = cancel
	c.setState(StateInitializing)

	go c.runInitialize(attemptCtx, cancel, f)
	return f
}

type connectResult struct {
	conn engine.Connection
	err  error
}

func (c *Controller) runInitialize(ctx context.Context, cancel context.CancelFunc, f *Future) {
	defer cancel()

	cc := c.cfg.connectionConfig()
	if err := ice.ValidateAll(cc.ICEServers); err != nil {
		c.finishAttempt(f, fmt.Errorf("%w: %w", ErrEngineInit, err), true)
		return
	}

	results := make(chan connectResult, 1)
	go func() {
		conn, err := c.eng.Connect(ctx, cc)
		results <- connectResult{conn: conn, err: err}
	}()

	var res connectResult
	select {
	case res = <-results:
	case <-ctx.Done():
		// The engine may still hand back a connection; nobody will own it.
		go c.closeLate(results)
		c.finishAttempt(f, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()), false)
		return
	}

	if err := ctx.Err(); err != nil {
		if res.err == nil && res.conn != nil {
			c.closeConn(res.conn)
		}
		c.finishAttempt(f, fmt.Errorf("%w: %w", ErrCancelled, err), false)
		return
	}
	if res.err != nil {
		c.finishAttempt(f, fmt.Errorf("%w: %w", ErrEngineInit, res.err), true)
		return
	}
	c.completeInitialize(f, res.conn)
}

func (c *Controller) completeInitialize(f *Future, conn engine.Connection) {
	c.mu.Lock()
	if c.shutdownRequested {
		c.mu.Unlock()
		c.closeConn(conn)
		c.finishAttempt(f, fmt.Errorf("%w: %w", ErrCancelled, context.Canceled), false)
		return
	}
	c.conn = conn
	c.bridge.Register(conn)
	c.setState(StateInitialized)
	c.mu.Unlock()

	c.logger.Info("peer initialized", "ice_servers", len(c.cfg.ICEServers))

	c.autoStartTracks(conn)

	c.dispatcher.Enqueue(func() error {
		return c.notifyInitialized(conn)
	})
	f.resolve(nil)
}

// finishAttempt ends a failed or cancelled attempt. The controller returns
// to Uninitialized, or to Shutdown when Uninitialize ran in the meantime.
func (c *Controller) finishAttempt(f *Future, err error, report bool) {
	c.mu.Lock()
	shutdown := c.shutdownRequested
	if shutdown {
		c.setState(StateShutdown)
	} else {
		c.setState(StateUninitialized)
	}
	teardown := c.teardown
	c.mu.Unlock()

	c.logger.Warn("peer initialization ended", "error", err, "shutdown", shutdown)
	if report {
		c.reportError(err)
	}
	if shutdown {
		c.clearQueues()
		c.enqueueShutdown()
		teardown.resolve(nil)
	}
	f.resolve(err)
}

func (c *Controller) closeLate(results <-chan connectResult) {
	res := <-results
	if res.err == nil && res.conn != nil {
		c.logger.Debug("closing connection from cancelled attempt")
		c.closeConn(res.conn)
	}
}

func (c *Controller) closeConn(conn engine.Connection) {
	if err := conn.Close(); err != nil {
		c.logger.Error("close connection", "error", err)
	}
}

func (c *Controller) autoStartTracks(conn engine.Connection) {
	if c.cfg.AutoStartAudio {
		if err := conn.AddLocalAudioTrack(c.life); err != nil {
			c.trackFailed(fmt.Errorf("peer: auto-start audio: %w", err))
		}
	}
	if c.cfg.AutoStartVideo {
		if err := conn.AddLocalVideoTrack(c.life, c.cfg.VideoCapture, c.cfg.EnableMixedRealityCapture); err != nil {
			c.trackFailed(fmt.Errorf("peer: auto-start video: %w", err))
		}
	}
}

// trackFailed reports a track error unless teardown has started, in which
// case the failure is expected.
func (c *Controller) trackFailed(err error) {
	if c.State() != StateInitialized {
		c.logger.Debug("track failed during teardown", "error", err)
		return
	}
	c.logger.Warn("local track failed", "error", err)
	c.reportError(err)
}

// notifyInitialized runs on the consumer goroutine. It is skipped when
// teardown started before the tick that would have delivered it.
func (c *Controller) notifyInitialized(conn engine.Connection) error {
	c.mu.Lock()
	current := c.conn == conn && c.State() == StateInitialized
	c.mu.Unlock()
	if !current {
		return nil
	}
	if c.signaler != nil {
		c.signaler.OnPeerInitialized(conn)
	}
	return c.events.fireInitialized()
}

// AddLocalAudioTrack adds a local audio track on a background goroutine.
func (c *Controller) AddLocalAudioTrack() *Future {
	return c.withConnection("audio", func(conn engine.Connection) error {
		return conn.AddLocalAudioTrack(c.life)
	})
}

// AddLocalVideoTrack adds a local video track captured with cc. mrc enables
// mixed reality capture on engines that support it.
func (c *Controller) AddLocalVideoTrack(cc engine.CaptureConfig, mrc bool) *Future {
	return c.withConnection("video", func(conn engine.Connection) error {
		return conn.AddLocalVideoTrack(c.life, cc, mrc)
	})
}

func (c *Controller) withConnection(kind string, fn func(engine.Connection) error) *Future {
	c.mu.Lock()
	conn := c.conn
	st := c.State()
	c.mu.Unlock()

	if st != StateInitialized || conn == nil {
		return resolvedFuture(ErrNotInitialized)
	}

	f := newFuture()
	go func() {
		err := fn(conn)
		if err != nil {
			err = fmt.Errorf("peer: add local %s track: %w", kind, err)
			c.trackFailed(err)
		}
		f.resolve(err)
	}()
	return f
}

// Uninitialize tears the connection down. Callbacks are deregistered before
// it returns; the rest of the teardown runs in the background and the
// returned future completes once the state is Shutdown.
//
// From Uninitialized it moves straight to Shutdown. From Initializing it
// cancels the attempt. Repeated calls return the same future.
func (c *Controller) Uninitialize() *Future {
	c.mu.Lock()
	if c.teardown != nil {
		f := c.teardown
		c.mu.Unlock()
		return f
	}
	teardown := newFuture()
	c.teardown = teardown
	c.shutdownRequested = true
	c.cancelLife()

	switch c.State() {
	case StateUninitialized:
		c.setState(StateShutdown)
		c.mu.Unlock()
		c.enqueueShutdown()
		teardown.resolve(nil)

	case StateInitializing:
		c.setState(StateShuttingDown)
		cancel := c.cancelInit
		c.mu.Unlock()
		// runInitialize finishes the teardown.
		cancel()

	case StateInitialized:
		c.setState(StateShuttingDown)
		conn := c.conn
		c.conn = nil
		c.bridge.Unregister()
		c.mu.Unlock()
		go c.teardownConnection(conn)

	default:
		c.mu.Unlock()
		teardown.resolve(nil)
	}
	return teardown
}

func (c *Controller) teardownConnection(conn engine.Connection) {
	if c.signaler != nil {
		c.safely("signaler", func() { c.signaler.OnPeerUninitializing(conn) })
	}

	var closeErr error
	c.safely("close", func() { closeErr = conn.Close() })
	if closeErr != nil {
		c.logger.Error("close connection", "error", closeErr)
		c.reportError(fmt.Errorf("peer: close: %w", closeErr))
	}

	c.clearQueues()

	c.mu.Lock()
	c.setState(StateShutdown)
	teardown := c.teardown
	c.mu.Unlock()

	c.logger.Info("peer shut down")
	c.enqueueShutdown()
	teardown.resolve(nil)
}

// safely runs collaborator code during teardown, which must always reach
// Shutdown.
func (c *Controller) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during teardown", "step", what, "panic", r)
		}
	}()
	fn()
}

func (c *Controller) clearQueues() {
	c.local.Clear()
	c.remote.Clear()
}

func (c *Controller) enqueueShutdown() {
	c.dispatcher.Enqueue(c.events.fireShutdown)
}

// reportError surfaces err as an error event on the consumer goroutine.
func (c *Controller) reportError(err error) {
	c.dispatcher.Enqueue(func() error {
		return c.events.fireError(err)
	})
}
