// Package peer drives one engine connection from a single consumer loop.
//
// A Controller owns the connection lifecycle. Engine callbacks may arrive on
// any goroutine: frames go straight into bounded drop-oldest queues, and
// everything else (initialization results, errors, lifecycle notifications)
// is enqueued on a Dispatcher and runs when the host calls Tick. Subscribers
// registered on Events therefore only ever run on the goroutine calling Tick.
//
//	ctl := peer.New(eng, peer.DefaultConfig(), peer.WithLogger(logger))
//	ctl.Events().OnInitialized(func() { ... })
//	ctl.Start(ctx)
//	for range ticker.C {
//		ctl.Tick()
//		for f, ok := ctl.RemoteFrames().TryPop(); ok; f, ok = ctl.RemoteFrames().TryPop() {
//			render(f)
//		}
//	}
package peer

import (
	"errors"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/framequeue"
	"github.com/thesyncim/peerbridge/pkg/ice"
)

// Errors
var (
	ErrEngineInit     = errors.New("engine initialization failed")
	ErrCancelled      = errors.New("initialization cancelled")
	ErrNotInitialized = errors.New("peer not initialized")
	ErrShutdown       = errors.New("peer shut down")
)

// Default frame queue capacities.
const (
	DefaultLocalQueueCapacity  = 3
	DefaultRemoteQueueCapacity = 5
)

// State is the lifecycle state of a Controller.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Config is the connection configuration consumed by a Controller.
type Config struct {
	// ICEServers may be empty.
	ICEServers    []ice.Server
	ICEUsername   string
	ICECredential string

	// AutoStartAudio and AutoStartVideo add the local tracks right after
	// initialization.
	AutoStartAudio bool
	AutoStartVideo bool
	VideoCapture   engine.CaptureConfig
	// EnableMixedRealityCapture blends holograms into the captured video on
	// engines that support it.
	EnableMixedRealityCapture bool

	LocalQueueCapacity  int
	RemoteQueueCapacity int
}

// DefaultConfig returns a Config with default queue capacities and no ICE
// servers.
func DefaultConfig() Config {
	return Config{
		LocalQueueCapacity:  DefaultLocalQueueCapacity,
		RemoteQueueCapacity: DefaultRemoteQueueCapacity,
	}
}

func (c Config) connectionConfig() engine.ConnectionConfig {
	servers := make([]ice.Server, len(c.ICEServers))
	copy(servers, c.ICEServers)
	return engine.ConnectionConfig{
		ICEServers: servers,
		Username:   c.ICEUsername,
		Credential: c.ICECredential,
	}
}

// Signaler coordinates offer/answer exchange around the connection lifetime.
type Signaler interface {
	// OnPeerInitialized runs on the consumer goroutine right before the
	// initialized subscribers fire.
	OnPeerInitialized(conn engine.Connection)
	// OnPeerUninitializing runs during teardown, after callbacks have been
	// deregistered and before the connection is closed.
	OnPeerUninitializing(conn engine.Connection)
}

// FrameSink receives the queue it should pull frames from. The controller
// only hands the queue over; it never pops on the sink's behalf.
type FrameSink interface {
	SetFrameQueue(q *framequeue.Queue[*frame.VideoFrame])
}
