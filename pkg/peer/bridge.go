package peer

import (
	"log/slog"
	"sync"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/framequeue"
)

// bridge routes engine callbacks. Frames go straight into the queues; errors
// are handed to report, which enqueues them on the dispatcher.
//
// Every callback holds mu for reading while it runs. Unregister takes mu for
// writing, so it returns only after in-flight callbacks have finished, and
// later calls see active == false and return immediately.
type bridge struct {
	mu     sync.RWMutex
	active bool
	conn   engine.Connection

	local  *framequeue.Queue[*frame.VideoFrame]
	remote *framequeue.Queue[*frame.VideoFrame]
	report func(error)
	logger *slog.Logger
}

func (b *bridge) Register(conn engine.Connection) {
	b.mu.Lock()
	b.active = true
	b.conn = conn
	b.mu.Unlock()

	conn.SetCallbacks(engine.Callbacks{
		OnLocalFrame:  b.onLocalFrame,
		OnRemoteFrame: b.onRemoteFrame,
		OnError:       b.onError,
	})
}

// Unregister clears the engine callbacks and waits for running ones.
func (b *bridge) Unregister() {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetCallbacks(engine.Callbacks{})

	b.mu.Lock()
	b.active = false
	b.conn = nil
	b.mu.Unlock()
}

func (b *bridge) onLocalFrame(f *frame.VideoFrame) {
	b.push(b.local, f, frame.DirectionLocal)
}

func (b *bridge) onRemoteFrame(f *frame.VideoFrame) {
	b.push(b.remote, f, frame.DirectionRemote)
}

func (b *bridge) push(q *framequeue.Queue[*frame.VideoFrame], f *frame.VideoFrame, dir frame.Direction) {
	if f == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.active {
		b.logger.Debug("frame after deregistration dropped", "direction", dir)
		return
	}
	q.Push(f)
}

func (b *bridge) onError(err error) {
	if err == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.active {
		b.logger.Debug("engine error after deregistration dropped", "error", err)
		return
	}
	b.report(err)
}
